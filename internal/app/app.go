// Package app wires the pipeline services together from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/analytics"
	"github.com/malbeclabs/contextgraph/pkg/api"
	"github.com/malbeclabs/contextgraph/pkg/config"
	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/identity"
	"github.com/malbeclabs/contextgraph/pkg/ingest"
	"github.com/malbeclabs/contextgraph/pkg/jobs"
	"github.com/malbeclabs/contextgraph/pkg/kg"
	"github.com/malbeclabs/contextgraph/pkg/permission"
	"github.com/malbeclabs/contextgraph/pkg/personal"
	"github.com/malbeclabs/contextgraph/pkg/queue"
	"github.com/malbeclabs/contextgraph/pkg/store"
	"github.com/malbeclabs/contextgraph/pkg/suggest"
	"github.com/malbeclabs/contextgraph/pkg/worker"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Settings config.Config

	// DB is used instead of opening Settings.DatabaseURI when set.
	DB *store.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// App holds every service built over one store.
type App struct {
	log *slog.Logger
	cfg Config

	DB          *store.Store
	Registry    *connector.Registry
	Permissions *permission.Evaluator
	Ingest      *ingest.Service
	Identity    *identity.Resolver
	KG          *kg.Inferrer
	Personal    *personal.Builder
	Aggregation *aggregation.Service
	Analytics   *analytics.Service
	Suggest     *suggest.Engine
	Jobs        *jobs.Runner

	ownsDB bool
}

// New opens and migrates the store, then builds the services on top of it.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{log: cfg.Logger, cfg: cfg, DB: cfg.DB}
	if a.DB == nil {
		db, err := store.Open(ctx, cfg.Logger, cfg.Settings.DatabaseURI)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.ownsDB = true
	}
	if err := a.DB.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	log, clock, settings := a.cfg.Logger, a.cfg.Clock, a.cfg.Settings
	var err error

	a.Registry, err = connector.NewRegistry(connector.RegistryConfig{Logger: log, Clock: clock, Retry: settings.Retry})
	if err != nil {
		return fmt.Errorf("failed to create connector registry: %w", err)
	}
	a.Permissions, err = permission.NewEvaluator(permission.Config{Logger: log, DB: a.DB})
	if err != nil {
		return fmt.Errorf("failed to create permission evaluator: %w", err)
	}
	a.Ingest, err = ingest.New(ingest.Config{Logger: log, DB: a.DB, Clock: clock, Registry: a.Registry})
	if err != nil {
		return fmt.Errorf("failed to create ingest service: %w", err)
	}
	a.Identity, err = identity.NewResolver(identity.Config{Logger: log, DB: a.DB, Clock: clock, Domain: settings.IdentityDomain})
	if err != nil {
		return fmt.Errorf("failed to create identity resolver: %w", err)
	}
	a.KG, err = kg.NewInferrer(kg.Config{Logger: log, DB: a.DB})
	if err != nil {
		return fmt.Errorf("failed to create kg inferrer: %w", err)
	}
	a.Personal, err = personal.NewBuilder(personal.Config{Logger: log, DB: a.DB, Clock: clock, Permissions: a.Permissions})
	if err != nil {
		return fmt.Errorf("failed to create personal builder: %w", err)
	}
	a.Aggregation, err = aggregation.New(aggregation.Config{Logger: log, DB: a.DB, Clock: clock})
	if err != nil {
		return fmt.Errorf("failed to create aggregation service: %w", err)
	}
	a.Analytics, err = analytics.New(analytics.Config{
		Logger: log,
		DB:     a.DB,
		Clock:  clock,
		DefaultRetention: analytics.Retention{
			Enabled:     settings.RetentionEnabled,
			RawDays:     settings.RetentionRawDays,
			TraceDays:   settings.RetentionTraceDays,
			ContextDays: settings.RetentionContextDays,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create analytics service: %w", err)
	}
	a.Suggest, err = suggest.New(suggest.Config{Logger: log, DB: a.DB, ResolveSteps: settings.ResolveSuggestedSteps})
	if err != nil {
		return fmt.Errorf("failed to create suggestion engine: %w", err)
	}
	a.Jobs, err = jobs.NewRunner(jobs.Config{
		Logger:      log,
		DB:          a.DB,
		Clock:       clock,
		Ingest:      a.Ingest,
		Identity:    a.Identity,
		KG:          a.KG,
		Personal:    a.Personal,
		Aggregation: a.Aggregation,
		Retention:   a.Analytics,
		K:           settings.K,
		N:           settings.N,
	})
	if err != nil {
		return fmt.Errorf("failed to create job runner: %w", err)
	}
	return nil
}

func (a *App) Settings() config.Config {
	return a.cfg.Settings
}

func (a *App) Clock() clockwork.Clock {
	return a.cfg.Clock
}

// JobOptions are the enqueue options derived from the settings.
func (a *App) JobOptions() queue.Options {
	return queue.Options{
		Timeout:    a.cfg.Settings.JobTimeout,
		ResultTTL:  a.cfg.Settings.ResultTTL,
		FailureTTL: a.cfg.Settings.FailureTTL,
	}
}

// NewQueue builds the queue backend named by the settings. The kafka backend creates its
// topics when they are missing.
func (a *App) NewQueue(ctx context.Context, queues []string) (queue.Queue, error) {
	switch a.cfg.Settings.QueueBackend {
	case config.QueueBackendKafka:
		q, err := queue.NewKafkaQueue(queue.KafkaConfig{
			Logger:      a.log,
			Clock:       a.cfg.Clock,
			Brokers:     a.cfg.Settings.KafkaBrokers,
			TopicPrefix: a.cfg.Settings.KafkaTopicPrefix,
			Group:       a.cfg.Settings.KafkaGroup,
			Queues:      queues,
		})
		if err != nil {
			return nil, err
		}
		if err := q.EnsureTopics(ctx, 1, 1); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	default:
		return queue.NewStoreQueue(queue.StoreConfig{Logger: a.log, DB: a.DB, Clock: a.cfg.Clock})
	}
}

func (a *App) NewScheduler(q queue.Queue) (*worker.Scheduler, error) {
	return worker.NewScheduler(worker.SchedulerConfig{
		Logger:             a.log,
		Clock:              a.cfg.Clock,
		Queue:              q,
		Connectors:         a.Ingest,
		IncludeIdentity:    a.cfg.Settings.IncludeIdentity,
		IncludeAggregation: a.cfg.Settings.IncludeAggregation,
		JobOptions:         a.JobOptions(),
	})
}

func (a *App) NewWorker(q queue.Queue, queues []string) (*worker.Worker, error) {
	return worker.New(worker.Config{
		Logger:      a.log,
		Clock:       a.cfg.Clock,
		Queue:       q,
		Executor:    a.Jobs,
		Queues:      queues,
		Concurrency: a.cfg.Settings.WorkerConcurrency,
		JobTimeout:  a.cfg.Settings.JobTimeout,
	})
}

func (a *App) NewAPI() (*api.Server, error) {
	return api.New(api.Config{
		Logger:     a.log,
		Clock:      a.cfg.Clock,
		DB:         a.DB.DB(),
		Registry:   a.Registry,
		Connectors: a.Ingest,
		Personal:   a.Personal,
		Analytics:  a.Analytics,
		Suggest:    a.Suggest,
		Auth: api.AuthConfig{
			Mode:     a.cfg.Settings.AuthMode,
			Secret:   []byte(a.cfg.Settings.AuthSecret),
			Issuer:   a.cfg.Settings.AuthIssuer,
			Audience: a.cfg.Settings.AuthAudience,
			Leeway:   a.cfg.Settings.AuthLeeway,
		},
	})
}

func (a *App) Close() {
	if a.ownsDB && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.log.Error("app: failed to close store", "error", err)
		}
	}
}
