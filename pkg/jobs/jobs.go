// Package jobs runs the pipeline stages as idempotent jobs and records every run in job_run.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/ingest"
	"github.com/malbeclabs/contextgraph/pkg/kg"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	KindConnectorIngest = "connector_ingest"
	KindPermissionsSync = "permissions_sync"
	KindPersonalGraph   = "personal_graph"
	KindIdentity        = "kg_identity"
	KindAggregation     = "aggregation"
)

// Kinds lists every job kind.
var Kinds = []string{KindConnectorIngest, KindPermissionsSync, KindPersonalGraph, KindIdentity, KindAggregation}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

const (
	ReasonConnectorDisabled = "connector disabled"
	ReasonRetentionDisabled = "retention disabled blocks publication"
)

type Ingester interface {
	Enabled(ctx context.Context, tool string) (connector.Connector, connector.Config, bool, error)
	IngestBatch(ctx context.Context, c connector.Connector, cfg connector.Config) (ingest.Counts, error)
	SyncPermissions(ctx context.Context, c connector.Connector, cfg connector.Config) (ingest.SyncResult, error)
}

type IdentityResolver interface {
	ResolveIdentities(ctx context.Context) (int, error)
}

type EntityInferrer interface {
	InferEntities(ctx context.Context) (kg.Result, error)
}

type PersonalGraphBuilder interface {
	BuildTimeline(ctx context.Context, personID string, principalIDs []string) (int, error)
	SegmentTasks(ctx context.Context, personID string) (int, error)
}

type Aggregator interface {
	AbstractOptedInTraces(ctx context.Context) (int, error)
	ClusterAndPublish(ctx context.Context, k, n int) (aggregation.Result, error)
}

type RetentionPolicy interface {
	RetentionEnabled(ctx context.Context) (bool, error)
}

type Config struct {
	Logger *slog.Logger
	DB     *store.Store
	Clock  clockwork.Clock

	Ingest      Ingester
	Identity    IdentityResolver
	KG          EntityInferrer
	Personal    PersonalGraphBuilder
	Aggregation Aggregator
	Retention   RetentionPolicy

	K int
	N int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Ingest == nil {
		return errors.New("ingest is required")
	}
	if cfg.Identity == nil {
		return errors.New("identity resolver is required")
	}
	if cfg.KG == nil {
		return errors.New("kg inferrer is required")
	}
	if cfg.Personal == nil {
		return errors.New("personal builder is required")
	}
	if cfg.Aggregation == nil {
		return errors.New("aggregation is required")
	}
	if cfg.Retention == nil {
		return errors.New("retention policy is required")
	}
	if cfg.K < 1 || cfg.N < 1 {
		return fmt.Errorf("k and n must be >= 1 (got k=%d, n=%d)", cfg.K, cfg.N)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg Config
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Outcome is what a job run produced.
type Outcome struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Result any    `json:"result,omitempty"`
}

type IdentityResult struct {
	Identities      int `json:"identities"`
	EntitiesCreated int `json:"entities_created"`
	EdgesCreated    int `json:"edges_created"`
}

type PersonalGraphResult struct {
	TimelineItems int `json:"timeline_items"`
	Tasks         int `json:"tasks"`
}

type AggregationResult struct {
	AbstractTraces int `json:"abstract_traces"`
	Published      int `json:"published"`
	Dropped        int `json:"dropped"`
}

// ValidateArgs checks that args fit kind.
func ValidateArgs(kind string, args []string) error {
	switch kind {
	case KindConnectorIngest, KindPermissionsSync:
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errs.Validation("%s requires exactly one tool argument", kind)
		}
	case KindPersonalGraph:
		if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
			return errs.Validation("%s requires a person argument", kind)
		}
	case KindIdentity, KindAggregation:
		if len(args) != 0 {
			return errs.Validation("%s takes no arguments", kind)
		}
	default:
		return errs.Validation("unknown job kind %q", kind)
	}
	return nil
}

// Run executes one job and records its transitions. A job that fails is recorded as failed
// and its error is returned; a skipped job returns a nil error.
func (r *Runner) Run(ctx context.Context, jobID, kind string, args []string) (Outcome, error) {
	if err := ValidateArgs(kind, args); err != nil {
		return Outcome{}, err
	}
	if args == nil {
		args = []string{}
	}

	start := r.cfg.Clock.Now()
	if err := r.recordPending(ctx, jobID, kind, args); err != nil {
		return Outcome{}, err
	}
	if err := r.transition(ctx, jobID, StatusPending, StatusRunning); err != nil {
		return Outcome{}, err
	}
	r.log.Info("jobs: job started", "job_id", jobID, "kind", kind, "args", args)

	out, jobErr := r.execute(ctx, kind, args)
	out.JobID, out.Kind = jobID, kind
	if jobErr != nil {
		out.Status = StatusFailed
	}

	// The job context may already be cancelled; the final state is still recorded.
	recordCtx := context.WithoutCancel(ctx)
	if err := r.finish(recordCtx, out, jobErr); err != nil {
		return out, errors.Join(jobErr, err)
	}
	metrics.WorkerJobsTotal.WithLabelValues(kind, string(out.Status)).Inc()
	metrics.WorkerJobDuration.WithLabelValues(kind).Observe(r.cfg.Clock.Since(start).Seconds())

	switch out.Status {
	case StatusFailed:
		r.log.Error("jobs: job failed", "job_id", jobID, "kind", kind, "error", jobErr)
		return out, fmt.Errorf("job %s (%s) failed: %w", jobID, kind, jobErr)
	case StatusSkipped:
		r.log.Info("jobs: job skipped", "job_id", jobID, "kind", kind, "reason", out.Reason)
	default:
		r.log.Info("jobs: job succeeded", "job_id", jobID, "kind", kind, "duration", r.cfg.Clock.Since(start).String())
	}
	return out, nil
}

func (r *Runner) execute(ctx context.Context, kind string, args []string) (Outcome, error) {
	switch kind {
	case KindConnectorIngest:
		return r.connectorJob(ctx, args[0], func(c connector.Connector, cfg connector.Config) (any, error) {
			return r.cfg.Ingest.IngestBatch(ctx, c, cfg)
		})
	case KindPermissionsSync:
		return r.connectorJob(ctx, args[0], func(c connector.Connector, cfg connector.Config) (any, error) {
			return r.cfg.Ingest.SyncPermissions(ctx, c, cfg)
		})
	case KindPersonalGraph:
		return r.personalGraph(ctx, args[0], args[1:])
	case KindIdentity:
		return r.identity(ctx)
	case KindAggregation:
		return r.aggregation(ctx)
	}
	return Outcome{}, errs.Validation("unknown job kind %q", kind)
}

func (r *Runner) connectorJob(ctx context.Context, tool string, fn func(connector.Connector, connector.Config) (any, error)) (Outcome, error) {
	c, cfg, ok, err := r.cfg.Ingest.Enabled(ctx, tool)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Status: StatusSkipped, Reason: ReasonConnectorDisabled}, nil
	}
	res, err := fn(c, cfg)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusSucceeded, Result: res}, nil
}

func (r *Runner) personalGraph(ctx context.Context, personID string, principals []string) (Outcome, error) {
	if len(principals) == 0 {
		principals = []string{personID}
	}
	items, err := r.cfg.Personal.BuildTimeline(ctx, personID, principals)
	if err != nil {
		return Outcome{}, err
	}
	tasks, err := r.cfg.Personal.SegmentTasks(ctx, personID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusSucceeded, Result: PersonalGraphResult{TimelineItems: items, Tasks: tasks}}, nil
}

func (r *Runner) identity(ctx context.Context) (Outcome, error) {
	n, err := r.cfg.Identity.ResolveIdentities(ctx)
	if err != nil {
		return Outcome{}, err
	}
	res, err := r.cfg.KG.InferEntities(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusSucceeded, Result: IdentityResult{
		Identities:      n,
		EntitiesCreated: res.EntitiesCreated,
		EdgesCreated:    res.EdgesCreated,
	}}, nil
}

func (r *Runner) aggregation(ctx context.Context) (Outcome, error) {
	enabled, err := r.cfg.Retention.RetentionEnabled(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if !enabled {
		return Outcome{Status: StatusSkipped, Reason: ReasonRetentionDisabled}, nil
	}
	traces, err := r.cfg.Aggregation.AbstractOptedInTraces(ctx)
	if err != nil {
		return Outcome{}, err
	}
	res, err := r.cfg.Aggregation.ClusterAndPublish(ctx, r.cfg.K, r.cfg.N)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusSucceeded, Result: AggregationResult{
		AbstractTraces: traces,
		Published:      res.Published,
		Dropped:        res.Dropped,
	}}, nil
}

func (r *Runner) recordPending(ctx context.Context, jobID, kind string, args []string) error {
	rawArgs, err := store.EncodeJSON(args)
	if err != nil {
		return err
	}
	return r.cfg.DB.WithTx(ctx, "job_pending", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_run (job_id, kind, args_json, status, started_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id) DO UPDATE SET
				status = EXCLUDED.status,
				reason = NULL,
				error = NULL,
				result_json = NULL,
				started_at = EXCLUDED.started_at,
				finished_at = NULL
		`, jobID, kind, rawArgs, string(StatusPending), r.cfg.Clock.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record job: %w", err)
		}
		return nil
	})
}

func (r *Runner) transition(ctx context.Context, jobID string, from, to Status) error {
	return r.cfg.DB.WithTx(ctx, "job_transition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE job_run SET status = $1 WHERE job_id = $2 AND status = $3
		`, string(to), jobID, string(from))
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		if n != 1 {
			return errs.Conflict("job %s is not %s", jobID, from)
		}
		return nil
	})
}

func (r *Runner) finish(ctx context.Context, out Outcome, jobErr error) error {
	var result, reason, errText sql.NullString
	if out.Result != nil {
		raw, err := store.EncodeJSON(out.Result)
		if err != nil {
			return err
		}
		result = store.NullString(raw)
	}
	if out.Reason != "" {
		reason = store.NullString(out.Reason)
	}
	if jobErr != nil {
		errText = store.NullString(jobErr.Error())
	}
	return r.cfg.DB.WithTx(ctx, "job_finish", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE job_run SET status = $1, reason = $2, error = $3, result_json = $4, finished_at = $5
			WHERE job_id = $6 AND status = $7
		`, string(out.Status), reason, errText, result, r.cfg.Clock.Now().UTC(), out.JobID, string(StatusRunning))
		if err != nil {
			return fmt.Errorf("failed to record job outcome: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to record job outcome: %w", err)
		}
		if n != 1 {
			return errs.Conflict("job %s is not running", out.JobID)
		}
		return nil
	})
}

// Run is a job_run row.
type Run struct {
	JobID      string     `json:"job_id"`
	Kind       string     `json:"kind"`
	Args       []string   `json:"args"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	ResultJSON string     `json:"result_json,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Get returns the run of jobID, or an errs.ErrNotFound error.
func (r *Runner) Get(ctx context.Context, jobID string) (Run, error) {
	runs, err := r.query(ctx, `WHERE job_id = $1`, 1, jobID)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, errs.NotFound("job %q not found", jobID)
	}
	return runs[0], nil
}

// Recent returns up to limit runs, most recently started first.
func (r *Runner) Recent(ctx context.Context, limit int) ([]Run, error) {
	return r.query(ctx, ``, limit)
}

func (r *Runner) query(ctx context.Context, where string, limit int, args ...any) ([]Run, error) {
	args = append(args, limit)
	rows, err := r.cfg.DB.DB().QueryContext(ctx, `
		SELECT job_id, kind, args_json, status, reason, error, result_json, started_at, finished_at
		FROM job_run `+where+`
		ORDER BY started_at DESC, job_id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                     Run
			rawArgs, status         string
			reason, errText, result sql.NullString
			finished                sql.NullTime
		)
		if err := rows.Scan(&run.JobID, &run.Kind, &rawArgs, &status, &reason, &errText, &result, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		if err := store.DecodeJSON(rawArgs, &run.Args); err != nil {
			return nil, err
		}
		run.Status = Status(status)
		run.Reason, run.Error, run.ResultJSON = reason.String, errText.String, result.String
		run.StartedAt = run.StartedAt.UTC()
		if finished.Valid {
			t := finished.Time.UTC()
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job runs: %w", err)
	}
	return runs, nil
}
