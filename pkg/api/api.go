// Package api serves the HTTP interface over the personal, analytics, suggestion and
// connector administration services.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/analytics"
	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/ingest"
	"github.com/malbeclabs/contextgraph/pkg/personal"
	"github.com/malbeclabs/contextgraph/pkg/suggest"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type ToolRegistry interface {
	Has(tool string) bool
}

type ConnectorService interface {
	ListConnectors(ctx context.Context) ([]ingest.ConnectorConfig, error)
	ConnectorConfig(ctx context.Context, tool string) (ingest.ConnectorConfig, error)
	SetConnectorEnabled(ctx context.Context, tool string, enabled bool, cfg connector.Config) (ingest.ConnectorConfig, error)
	Enabled(ctx context.Context, tool string) (connector.Connector, connector.Config, bool, error)
	IngestBatch(ctx context.Context, c connector.Connector, cfg connector.Config) (ingest.Counts, error)
	SyncPermissions(ctx context.Context, c connector.Connector, cfg connector.Config) (ingest.SyncResult, error)
}

type PersonalService interface {
	BuildTimeline(ctx context.Context, personID string, principalIDs []string) (int, error)
	SegmentTasks(ctx context.Context, personID string) (int, error)
	Timeline(ctx context.Context, personID string, from, to time.Time) ([]personal.TimelineItem, error)
	Tasks(ctx context.Context, personID string) ([]personal.Task, error)
	SetOptIn(ctx context.Context, personID string, enabled bool) error
}

type AnalyticsService interface {
	Processes(ctx context.Context) ([]string, error)
	Patterns(ctx context.Context, processKey string) ([]analytics.PatternSummary, error)
	Variants(ctx context.Context, patternID string) ([]analytics.Variant, error)
	Edges(ctx context.Context, patternID string) ([]analytics.Edge, error)
	Bottlenecks(ctx context.Context, patternID string) ([]analytics.Bottleneck, error)
	Retention(ctx context.Context) (analytics.Retention, error)
	SetRetention(ctx context.Context, actor string, r analytics.Retention) (analytics.Retention, error)
}

type Suggester interface {
	SuggestNextSteps(ctx context.Context, processKey string, recentSteps []aggregation.Step, limit int) ([]suggest.Suggestion, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Auth   AuthConfig

	DB         Pinger
	Registry   ToolRegistry
	Connectors ConnectorService
	Personal   PersonalService
	Analytics  AnalyticsService
	Suggest    Suggester
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Connectors == nil {
		return errors.New("connectors is required")
	}
	if cfg.Personal == nil {
		return errors.New("personal is required")
	}
	if cfg.Analytics == nil {
		return errors.New("analytics is required")
	}
	if cfg.Suggest == nil {
		return errors.New("suggest is required")
	}
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/personal", func(r chi.Router) {
			r.Get("/timeline", s.personalTimeline)
			r.Get("/tasks", s.personalTasks)
			r.Post("/opt_in_aggregation", s.personalOptIn)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Use(requireRole(analyticsRoles...))
			r.Get("/processes", s.listProcesses)
			r.Get("/processes/{processKey}/patterns", s.processPatterns)
			r.Get("/processes/{processKey}/variants", s.processVariants)
			r.Get("/patterns/{patternID}/variants", s.patternVariants)
			r.Get("/patterns/{patternID}/edges", s.patternEdges)
			r.Get("/patterns/{patternID}/bottlenecks", s.patternBottlenecks)
		})

		r.With(requireRole(analyticsRoles...)).Post("/suggest/next_steps", s.suggestNextSteps)

		r.Route("/admin/connectors", func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))
			r.Get("/", s.listConnectors)
			r.Get("/retention", s.getRetention)
			r.Post("/retention", s.setRetention)
			r.Post("/{tool}/enable", s.enableConnector)
			r.Post("/{tool}/disable", s.disableConnector)
			r.Post("/{tool}/sync_now", s.syncNow)
			r.Get("/{tool}/health", s.connectorHealth)
		})
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api server: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.DB.PingContext(r.Context()); err != nil {
		s.log.Warn("api: readiness check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "Database unavailable.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
