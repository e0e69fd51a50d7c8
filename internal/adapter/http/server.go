package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/pipeline"
	"github.com/couchcryptid/water-monitor-etl/internal/store"
)

// A partition run fetches imagery with retries, so it gets more room than
// the health endpoints.
const (
	partitionTimeout = 5 * time.Minute
	defaultRunLimit  = 50
	maxRunLimit      = 500
)

// PartitionTrigger computes a partition on demand.
type PartitionTrigger interface {
	RunPartition(ctx context.Context, date time.Time, opts pipeline.RunOptions) (pipeline.PartitionResult, error)
}

// RunLister lists recent ledger entries.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Deps are the optional backends of the partition routes. A nil field
// leaves its route unregistered.
type Deps struct {
	Trigger PartitionTrigger
	Runs    RunLister
}

// Server exposes health, readiness, metrics, and partition HTTP endpoints.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and,
// when deps provide them, the /partitions routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: partitionTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.Trigger != nil {
		mux.HandleFunc("POST /partitions/{date}", s.handleRunPartition)
	}
	if deps.Runs != nil {
		mux.HandleFunc("GET /partitions", s.handleListRuns)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleRunPartition(w http.ResponseWriter, r *http.Request) {
	date, err := domain.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), partitionTimeout)
	defer cancel()

	res, err := s.deps.Trigger.RunPartition(ctx, date, pipeline.RunOptions{Force: force})
	if err != nil {
		s.logger.Warn("triggered partition failed", "date", domain.FormatDate(date), "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// runResponse is a ledger row with its partition date rendered as a day.
type runResponse struct {
	store.Run
	PartitionDate string `json:"partition_date"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunLimit {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = runResponse{Run: run, PartitionDate: run.Date()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// statusFor maps a partition failure to a status. Request input is validated
// before the partition runs, so configuration errors here are the server's.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoImagery):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
