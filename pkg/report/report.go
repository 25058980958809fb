package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/pkg/group"
)

// labelNames maps IndicLID codes to human-readable names.
var labelNames = map[string]string{
	"hin_Deva":  "Hindi (Devanagari)",
	"hin_Latn":  "Hindi (Latin)",
	"tam_Tamil": "Tamil",
	"tam_Latn":  "Tamil (Latin)",
	"tel_Telu":  "Telugu",
	"tel_Latn":  "Telugu (Latin)",
	"mal_Mlym":  "Malayalam",
	"mal_Latn":  "Malayalam (Latin)",
	"kan_Knda":  "Kannada",
	"kan_Latn":  "Kannada (Latin)",
}

// LabelName returns the display name for a label code, or the code itself.
func LabelName(code string) string {
	if name, ok := labelNames[code]; ok {
		return name
	}
	return code
}

// Table is a report independent of its output format.
type Table struct {
	Headers []string
	Rows    [][]string
	// Right lists the zero-based columns right-aligned in terminal output.
	Right map[int]bool
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// NeedsReview lists items awaiting manual review.
func NeedsReview(items []store.Item) *Table {
	t := &Table{
		Headers: []string{"track_id", "name", "artists", "lid_lang", "lid_confidence", "lid_model"},
		Right:   map[int]bool{4: true},
	}
	for _, it := range items {
		t.Rows = append(t.Rows, []string{
			it.ID,
			it.DisplayName,
			it.Attribution,
			it.PrimaryLabel,
			formatFloat(it.PrimaryConfidence),
			it.ModelTag,
		})
	}
	return t
}

// Languages lists items with at least one target label, one row each with
// the best confidence per group and whether it clears the group threshold,
// i.e. whether the item lands in that group's playlist.
func Languages(items []store.Item, groups []group.Group, threshold float64) *Table {
	t := &Table{
		Headers: []string{"track_id", "name", "artists", "added_at", "languages"},
		Right:   map[int]bool{},
	}
	for _, g := range groups {
		key := strings.ToLower(g.Name)
		t.Right[len(t.Headers)] = true
		t.Headers = append(t.Headers, key+"_confidence", "in_"+key+"_playlist")
	}

	for _, it := range items {
		if len(it.Confidences) == 0 {
			continue
		}
		names := make([]string, len(it.Labels))
		for i, l := range it.Labels {
			names[i] = LabelName(l)
		}
		row := []string{it.ID, it.DisplayName, it.Attribution, it.AddedAt, strings.Join(names, ", ")}
		for _, g := range groups {
			best := 0.0
			for _, l := range g.Labels {
				best = math.Max(best, it.Confidences[l])
			}
			row = append(row,
				formatFloat(math.Round(best*1e4)/1e4),
				strconv.FormatBool(best >= threshold),
			)
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// WriteCSV writes the header and rows as RFC 4180 CSV.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Headers); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteFile writes the table as CSV to path, replacing any existing file.
func (t *Table) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Render draws the table for a terminal.
func (t *Table) Render() string {
	columns := len(t.Headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range t.Headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range t.Rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if t.Right[i] {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
