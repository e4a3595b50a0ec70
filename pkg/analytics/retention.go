package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const retentionCheckpoint = "retention_config"

type Retention struct {
	Enabled     bool `json:"retention_enabled"`
	RawDays     int  `json:"raw_days"`
	TraceDays   int  `json:"trace_days"`
	ContextDays int  `json:"context_days"`
}

func DefaultRetention() Retention {
	return Retention{Enabled: true, RawDays: 30, TraceDays: 180, ContextDays: 365}
}

func (r Retention) Validate() error {
	if r.RawDays < 1 || r.TraceDays < 1 || r.ContextDays < 1 {
		return errs.Validation("retention days must be >= 1 (raw=%d, trace=%d, context=%d)", r.RawDays, r.TraceDays, r.ContextDays)
	}
	return nil
}

type PurgeResult struct {
	RawEvents      int64 `json:"raw_event"`
	TraceEvents    int64 `json:"trace_event"`
	AbstractTraces int64 `json:"abstract_trace"`
}

// Retention returns the stored retention policy, or the configured default when none has
// been stored.
func (s *Service) Retention(ctx context.Context) (Retention, error) {
	r := s.cfg.DefaultRetention
	if _, err := store.GetCheckpoint(ctx, s.cfg.DB.DB(), retentionCheckpoint, &r); err != nil {
		return Retention{}, err
	}
	return r, nil
}

// RetentionEnabled reports whether the current policy allows retaining data.
func (s *Service) RetentionEnabled(ctx context.Context) (bool, error) {
	r, err := s.Retention(ctx)
	if err != nil {
		return false, err
	}
	return r.Enabled, nil
}

// SetRetention stores the retention policy and records who changed it.
func (s *Service) SetRetention(ctx context.Context, actor string, r Retention) (Retention, error) {
	if err := r.Validate(); err != nil {
		return Retention{}, err
	}
	err := s.cfg.DB.WithTx(ctx, "set_retention", func(tx *sql.Tx) error {
		now := s.cfg.Clock.Now().UTC()
		if err := store.PutCheckpoint(ctx, tx, now, retentionCheckpoint, r); err != nil {
			return err
		}
		return store.AppendAudit(ctx, tx, now, actor, "retention_update", r)
	})
	if err != nil {
		return Retention{}, err
	}
	s.log.Info("analytics: retention updated", "actor", actor, "enabled", r.Enabled)
	return r, nil
}

// Purge deletes raw events, trace events and abstract traces older than the policy allows.
// It refuses to run while retention is disabled.
func (s *Service) Purge(ctx context.Context) (PurgeResult, error) {
	r, err := s.Retention(ctx)
	if err != nil {
		return PurgeResult{}, err
	}
	if !r.Enabled {
		return PurgeResult{}, errs.Conflict("retention disabled; refusing purge")
	}

	var res PurgeResult
	err = s.cfg.DB.WithTx(ctx, "purge", func(tx *sql.Tx) error {
		now := s.cfg.Clock.Now().UTC()
		days := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

		res = PurgeResult{}
		if res.RawEvents, err = execCount(ctx, tx, `DELETE FROM raw_event WHERE fetched_at < $1`, days(r.RawDays)); err != nil {
			return err
		}
		traceCutoff := days(r.TraceDays)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM personal_timeline_item WHERE trace_event_id IN (
				SELECT trace_event_id FROM trace_event WHERE event_time < $1
			)
		`, traceCutoff); err != nil {
			return fmt.Errorf("failed to purge timeline items: %w", err)
		}
		if res.TraceEvents, err = execCount(ctx, tx, `DELETE FROM trace_event WHERE event_time < $1`, traceCutoff); err != nil {
			return err
		}
		if res.AbstractTraces, err = execCount(ctx, tx, `DELETE FROM abstract_trace WHERE created_at < $1`, days(r.ContextDays)); err != nil {
			return err
		}
		return store.AppendAudit(ctx, tx, now, "system", "retention_purge", res)
	})
	if err != nil {
		return PurgeResult{}, err
	}
	s.log.Info("analytics: purged expired data", "raw_events", res.RawEvents, "trace_events", res.TraceEvents, "abstract_traces", res.AbstractTraces)
	return res, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged rows: %w", err)
	}
	return n, nil
}
