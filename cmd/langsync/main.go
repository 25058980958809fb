package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elonfeng/langsync/internal/pipeline"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "langsync",
		Short:         "Sort liked songs into per-language playlists",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, .yaml or .toml (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default: from config)")

	root.AddCommand(runCmd())
	root.AddCommand(stageCmd(pipeline.StageSync, "Import saved tracks and feed entries into the store"))
	root.AddCommand(stageCmd(pipeline.StageEnrich, "Fetch lyrics for items that have none"))
	root.AddCommand(stageCmd(pipeline.StageClassify, "Classify the language of fetched lyrics"))
	root.AddCommand(stageCmd(pipeline.StageMaterialize, "Rebuild the per-language playlists"))
	root.AddCommand(reportCmd())
	root.AddCommand(reviewCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(daemonCmd())

	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every stage once and write the reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(pipeline.AllStages...)
		},
	}
}

func stageCmd(stage pipeline.Stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(stage),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(stage)
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Write the needs-review and language CSV reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport()
		},
	}
}

func reviewCmd() *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Show tracks awaiting manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(csvPath)
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "also write the list to this CSV file")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show item counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func daemonCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
