// Package httpapi is the dispatcher's observability surface: health,
// readiness, Prometheus metrics, and dead-letter inspection/retry
// (spec.md §6.4). It never touches event dispatch itself.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"outbox-dispatcher/internal/event"
	"outbox-dispatcher/internal/middleware"
	"outbox-dispatcher/internal/repository"
	"outbox-dispatcher/pkg/idempotency"
)

// DeadLetterStore is the subset of *repository.Repository the dead-letter
// handlers depend on, declared here so tests can substitute a fake without
// a live database.
type DeadLetterStore interface {
	FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]event.Event, error)
	CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error)
	GetDeadEvent(ctx context.Context, id int64) (event.Event, bool, error)
	ResetDeadToPending(ctx context.Context, id int64) (bool, error)
	ResetDeadToPendingBatch(ctx context.Context, ids []int64) (int, error)
}

// Pinger is the subset of *repository.Repository the readiness handler
// depends on.
type Pinger interface {
	IsConnected(ctx context.Context) bool
}

// Config controls the HTTP server's bind address and port.
type Config struct {
	Address string
	Port    int
}

func (c Config) addr() string {
	if c.Address == "" {
		return fmt.Sprintf(":%d", c.Port)
	}
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Server wraps an *http.Server wired with the dispatcher's observability
// routes, grounded on the teacher's metrics-server-in-cmd/outbox pattern
// but generalized into its own reusable, testable package.
type Server struct {
	http *http.Server
}

// New builds a Server. store may be nil (dead-letter routes then 503);
// ready may be nil (readiness always reports ok); dedup may be nil (retry-
// batch performs no duplicate-submission guard).
func New(cfg Config, store DeadLetterStore, ready Pinger, dedup idempotency.Checker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /ready", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	dl := &deadLetterAPI{store: store, dedup: dedup}
	mux.HandleFunc("GET /api/dead-events", dl.list)
	mux.HandleFunc("GET /api/dead-events/stats", dl.stats)
	mux.HandleFunc("GET /api/dead-events/{id}", dl.get)
	mux.HandleFunc("POST /api/dead-events/{id}/retry", dl.retry)
	mux.HandleFunc("POST /api/dead-events/retry-batch", dl.retryBatch)

	var handler http.Handler = mux
	handler = middleware.HTTPRecovery(logger)(handler)
	handler = middleware.HTTPLogger(logger)(handler)
	handler = middleware.RequestID(handler)

	return &Server{
		http: &http.Server{
			Addr:              cfg.addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine. Bind errors other than a
// clean Shutdown are logged, not returned, matching the fire-and-forget
// style of the teacher's startMetricsServer.
func (s *Server) Start(logger *zap.Logger) {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully drains in-flight requests within the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func handleReady(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil || p.IsConnected(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(readyResponse{Status: "ready"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(readyResponse{Status: "not ready", Reason: "database connection unavailable"})
	}
}

// repository.Repository satisfies both DeadLetterStore and Pinger
// structurally; this is a compile-time check, not a runtime assertion.
var (
	_ DeadLetterStore = (*repository.Repository)(nil)
	_ Pinger          = (*repository.Repository)(nil)
)
