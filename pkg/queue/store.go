package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	statusQueued   = "queued"
	statusStarted  = "started"
	statusFinished = "finished"
	statusFailed   = "failed"
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     *store.Store
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// StoreQueue keeps jobs in the queue_job table. Finished and failed jobs are kept for
// their result or failure TTL and removed on later queue operations.
type StoreQueue struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStoreQueue(cfg StoreConfig) (*StoreQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StoreQueue{log: cfg.Logger, cfg: cfg}, nil
}

func (q *StoreQueue) Enqueue(ctx context.Context, queue, kind string, args []string, opts Options) (Handle, error) {
	if _, err := ParseNames([]string{queue}); err != nil {
		return Handle{}, err
	}
	if args == nil {
		args = []string{}
	}
	rawArgs, err := store.EncodeJSON(args)
	if err != nil {
		return Handle{}, err
	}
	id := uuid.NewString()
	err = q.cfg.DB.WithTx(ctx, "queue_enqueue", func(tx *sql.Tx) error {
		now := q.cfg.Clock.Now().UTC()
		if err := expire(ctx, tx, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_job (job_id, queue_name, kind, args_json, status, timeout_ms, result_ttl_ms, failure_ttl_ms, enqueued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, queue, kind, rawArgs, statusQueued, opts.Timeout.Milliseconds(), opts.ResultTTL.Milliseconds(), opts.FailureTTL.Milliseconds(), now); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	})
	if err != nil {
		return Handle{}, err
	}
	q.log.Debug("queue: enqueued job", "queue", queue, "kind", kind, "job_id", id)
	return Handle{ID: id, Queue: queue}, nil
}

func (q *StoreQueue) Dequeue(ctx context.Context, queues []string) (Job, bool, error) {
	var (
		job   Job
		found bool
	)
	err := q.cfg.DB.WithTx(ctx, "queue_dequeue", func(tx *sql.Tx) error {
		found = false
		now := q.cfg.Clock.Now().UTC()
		for _, name := range queues {
			var (
				rawArgs                     string
				timeoutMs, resultMs, failMs int64
			)
			err := tx.QueryRowContext(ctx, `
				SELECT job_id, queue_name, kind, args_json, timeout_ms, result_ttl_ms, failure_ttl_ms, enqueued_at
				FROM queue_job
				WHERE queue_name = $1 AND status = $2
				ORDER BY enqueued_at, job_id
				LIMIT 1
			`, name, statusQueued).Scan(&job.ID, &job.Queue, &job.Kind, &rawArgs, &timeoutMs, &resultMs, &failMs, &job.EnqueuedAt)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to select job: %w", err)
			}
			if err := store.DecodeJSON(rawArgs, &job.Args); err != nil {
				return err
			}
			job.EnqueuedAt = job.EnqueuedAt.UTC()
			job.Timeout = time.Duration(timeoutMs) * time.Millisecond
			job.ResultTTL = time.Duration(resultMs) * time.Millisecond
			job.FailureTTL = time.Duration(failMs) * time.Millisecond

			res, err := tx.ExecContext(ctx, `
				UPDATE queue_job SET status = $1, started_at = $2 WHERE job_id = $3 AND status = $4
			`, statusStarted, now, job.ID, statusQueued)
			if err != nil {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			if n == 1 {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	if !found {
		return Job{}, false, nil
	}
	return job, true, nil
}

func (q *StoreQueue) Complete(ctx context.Context, job Job, jobErr error) error {
	return q.cfg.DB.WithTx(ctx, "queue_complete", func(tx *sql.Tx) error {
		now := q.cfg.Clock.Now().UTC()
		status, ttl, errText := statusFinished, job.ResultTTL, sql.NullString{}
		if jobErr != nil {
			status, ttl = statusFailed, job.FailureTTL
			errText = store.NullString(jobErr.Error())
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_job SET status = $1, finished_at = $2, expires_at = $3, error = $4 WHERE job_id = $5
		`, status, now, now.Add(ttl), errText, job.ID); err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return nil
	})
}

func (q *StoreQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := q.cfg.DB.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_job WHERE queue_name = $1 AND status = $2
	`, queue, statusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}

func (q *StoreQueue) Close() error {
	return nil
}

func expire(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_job WHERE expires_at IS NOT NULL AND expires_at < $1
	`, now); err != nil {
		return fmt.Errorf("failed to expire jobs: %w", err)
	}
	return nil
}
