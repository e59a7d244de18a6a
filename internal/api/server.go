// Package api serves the agent's diagnostics endpoints: liveness,
// prometheus metrics and a status snapshot. The server is optional and
// only runs when --status-addr is configured.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

// Counter is the slice of the event store the status endpoint uses.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

type Config struct {
	Addr     string
	Version  string
	Instance uuid.UUID
	NVR      protect.NVR
	Queue    *pipeline.Queue
	Budget   *pipeline.Budget
	Tracker  *pipeline.Tracker
	Ledger   Counter
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Log      *slog.Logger
}

type Server struct {
	cfg     Config
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Server{cfg: cfg}
}

// Handler builds the router. Split out so tests can drive it without a
// listening socket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	r.Get("/api/v1/status", s.handleStatus)
	return r
}

func (s *Server) Serve(ctx context.Context) error {
	s.started = s.cfg.Clock.Now()
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.cfg.Log.Info("diagnostics listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("diagnostics server: %w", err)
	}
}
