package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/jobs"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/queue"
)

// ConnectorSource lists the tools whose connectors are enabled.
type ConnectorSource interface {
	EnabledTools(ctx context.Context) ([]string, error)
}

type SchedulerConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Queue      queue.Queue
	Connectors ConnectorSource

	IncludeIdentity    bool
	IncludeAggregation bool
	JobOptions         queue.Options
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Queue == nil {
		return errors.New("queue is required")
	}
	if cfg.Connectors == nil {
		return errors.New("connectors is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

type ConnectorJobs struct {
	Tool             string `json:"tool"`
	IngestJobID      string `json:"ingest_job_id"`
	PermissionsJobID string `json:"permissions_sync_job_id"`
}

type CycleResult struct {
	EnabledConnectors []string        `json:"enabled_connectors"`
	ConnectorJobs     []ConnectorJobs `json:"connector_jobs"`
	IdentityJobID     string          `json:"identity_job_id,omitempty"`
	AggregationJobID  string          `json:"aggregation_job_id,omitempty"`
	QueueDepths       map[string]int  `json:"queue_depths"`
}

// EnqueueCycle enqueues an ingest and a permission sync job per enabled connector, then the
// identity and aggregation jobs when they are included, and refreshes the queue depth gauges.
func (s *Scheduler) EnqueueCycle(ctx context.Context) (CycleResult, error) {
	tools, err := s.cfg.Connectors.EnabledTools(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	res := CycleResult{EnabledConnectors: tools, ConnectorJobs: []ConnectorJobs{}}
	if res.EnabledConnectors == nil {
		res.EnabledConnectors = []string{}
	}

	for _, tool := range tools {
		ingest, err := s.cfg.Queue.Enqueue(ctx, queue.ConnectorIngest, jobs.KindConnectorIngest, []string{tool}, s.cfg.JobOptions)
		if err != nil {
			return CycleResult{}, err
		}
		perms, err := s.cfg.Queue.Enqueue(ctx, queue.PermissionsSync, jobs.KindPermissionsSync, []string{tool}, s.cfg.JobOptions)
		if err != nil {
			return CycleResult{}, err
		}
		res.ConnectorJobs = append(res.ConnectorJobs, ConnectorJobs{Tool: tool, IngestJobID: ingest.ID, PermissionsJobID: perms.ID})
	}
	if s.cfg.IncludeIdentity {
		h, err := s.cfg.Queue.Enqueue(ctx, queue.Normalize, jobs.KindIdentity, nil, s.cfg.JobOptions)
		if err != nil {
			return CycleResult{}, err
		}
		res.IdentityJobID = h.ID
	}
	if s.cfg.IncludeAggregation {
		h, err := s.cfg.Queue.Enqueue(ctx, queue.AggregateContext, jobs.KindAggregation, nil, s.cfg.JobOptions)
		if err != nil {
			return CycleResult{}, err
		}
		res.AggregationJobID = h.ID
	}

	res.QueueDepths, err = RefreshDepths(ctx, s.cfg.Queue)
	if err != nil {
		return CycleResult{}, err
	}
	s.log.Info("scheduler: cycle enqueued", "connectors", tools, "identity", res.IdentityJobID != "", "aggregation", res.AggregationJobID != "")
	return res, nil
}

// RunScheduler runs a cycle immediately and then every interval until ctx is done. With once
// set it runs a single cycle and returns its error. Cycle errors otherwise only get logged.
func (s *Scheduler) RunScheduler(ctx context.Context, interval time.Duration, once bool) error {
	if interval <= 0 {
		return errs.Validation("interval must be > 0 (got %s)", interval)
	}

	if err := s.cycle(ctx); err != nil && once {
		return err
	}
	if once {
		return nil
	}

	s.log.Info("scheduler: starting loop", "interval", interval)
	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			_ = s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) error {
	if _, err := s.EnqueueCycle(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		metrics.SchedulerCyclesTotal.WithLabelValues("error").Inc()
		s.log.Error("scheduler: cycle failed", "error", err)
		return err
	}
	metrics.SchedulerCyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// RefreshDepths reads every queue's depth and publishes it on the queue depth gauge.
func RefreshDepths(ctx context.Context, q queue.Queue) (map[string]int, error) {
	depths, err := queue.Depths(ctx, q)
	if err != nil {
		return nil, err
	}
	for name, n := range depths {
		metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
	return depths, nil
}
