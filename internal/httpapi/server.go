// Package httpapi exposes ingestion and retrieval over a local JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/HendryAvila/activitylog/internal/faults"
	"github.com/HendryAvila/activitylog/internal/ingest"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

// maxBody bounds POST /events payloads.
const maxBody = 4 << 20

// Submitter queues detector events.
type Submitter interface {
	Submit(ctx context.Context, ev tracker.Event) error
}

// Retriever answers queries.
type Retriever interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Answer, error)
	Stats(ctx context.Context, req retrieval.StatsRequest) (*retrieval.StatsAnswer, error)
	Sessions(ctx context.Context, req retrieval.SessionsRequest) (*retrieval.SessionsAnswer, error)
}

// Sweeper runs an index sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Deps wires the server. Health is optional and adds fields to /health.
type Deps struct {
	Events    Submitter
	Retriever Retriever
	Sweeper   Sweeper
	Health    func(ctx context.Context) map[string]any
}

// Server routes the API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the server and its routes.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{deps: deps, logger: logger.With("component", "http"), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /events", s.handleEvents)
	s.mux.HandleFunc("GET /query", s.handleQuery)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("POST /index/sweep", s.handleSweep)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handler returns the routed handler with request ids and access logs.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		s.mux.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"request_id", id, "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ingestion is not running"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	events, err := ingest.DecodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted := 0
	for _, ev := range events {
		if err := s.deps.Events.Submit(r.Context(), ev); err != nil {
			status := http.StatusServiceUnavailable
			if !errors.Is(err, ingest.ErrStopped) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]any{"accepted": accepted, "error": err.Error()})
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	minutes, err := minutesAgo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ans, err := s.deps.Retriever.Query(r.Context(), retrieval.Request{
		Text:       r.URL.Query().Get("q"),
		MinutesAgo: minutes,
	})
	if err != nil {
		s.fail(w, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	minutes, err := minutesAgo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	ans, err := s.deps.Retriever.Stats(r.Context(), retrieval.StatsRequest{
		Text:         q.Get("q"),
		MinutesAgo:   minutes,
		ActivityType: q.Get("type"),
	})
	if err != nil {
		s.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	minutes, err := minutesAgo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	ans, err := s.deps.Retriever.Sessions(r.Context(), retrieval.SessionsRequest{
		Text:         q.Get("q"),
		MinutesAgo:   minutes,
		ActivityType: q.Get("type"),
		IncludeShort: all,
	})
	if err != nil {
		s.fail(w, "sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("indexer is not configured"))
		return
	}
	n, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Warn("manual sweep failed", "indexed", n, "error", err)
		writeJSON(w, statusFor(err), map[string]any{"indexed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health(r.Context()) {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error(op+" failed", "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest
	case faults.Is(err, faults.KindNotFound):
		return http.StatusNotFound
	case faults.Is(err, faults.KindTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func minutesAgo(r *http.Request) (int, error) {
	v := r.URL.Query().Get("minutes_ago")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("minutes_ago must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
