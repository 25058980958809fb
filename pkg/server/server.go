package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elonfeng/langsync/internal/pipeline"
	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/pkg/group"
	"github.com/elonfeng/langsync/pkg/status"
)

// Trigger starts pipeline passes on demand.
type Trigger interface {
	RunOnce(ctx context.Context) bool
	Running() bool
	Last() *pipeline.Summary
}

// Server provides the HTTP API.
type Server struct {
	store   store.Store
	planner *group.Materializer
	groups  []group.Group
	trigger Trigger
	port    int
	logger  *slog.Logger

	// ctx bounds passes started over HTTP.
	ctx context.Context
}

// New creates a new HTTP server. planner and trigger may be nil, which
// disables /api/v1/groups and /api/v1/run respectively.
func New(s store.Store, planner *group.Materializer, groups []group.Group, trigger Trigger, port int, logger *slog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   s,
		planner: planner,
		groups:  groups,
		trigger: trigger,
		port:    port,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/items", s.handleItems)
	mux.HandleFunc("/api/v1/review", s.handleReview)
	mux.HandleFunc("/api/v1/groups", s.handleGroups)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/run", s.handleRun)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	q := r.URL.Query()
	opts := store.ListOpts{Limit: 100, Source: q.Get("source")}
	if st := q.Get("status"); st != "" {
		parsed, err := status.Parse(st)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		opts.Statuses = []status.Status{parsed}
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
			return
		}
		*dst = n
	}

	items, err := s.store.ListItems(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNil(items),
		"count": len(items),
	})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	items, err := s.store.ByStatus(r.Context(), status.Review)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNil(items),
		"count": len(items),
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.planner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "groups not configured"})
		return
	}

	type groupInfo struct {
		Name       string   `json:"name"`
		Collection string   `json:"collection"`
		Labels     []string `json:"labels"`
		Items      int      `json:"items"`
	}

	infos := make([]groupInfo, 0, len(s.groups))
	for _, g := range s.groups {
		uris, err := s.planner.Plan(r.Context(), g)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		infos = append(infos, groupInfo{
			Name:       g.Name,
			Collection: s.planner.CollectionName(g),
			Labels:     g.Labels,
			Items:      len(uris),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}

	resp := map[string]any{"counts": byStatus}
	if s.trigger != nil {
		resp["running"] = s.trigger.Running()
		if last := s.trigger.Last(); last != nil {
			resp["last_run"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runs not enabled"})
		return
	}
	if s.trigger.Running() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress"})
		return
	}

	go func() {
		if !s.trigger.RunOnce(s.ctx) {
			s.logger.Warn("run request dropped; another pass started first")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func nonNil(items []store.Item) []store.Item {
	if items == nil {
		return []store.Item{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
