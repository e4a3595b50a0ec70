// Package worker executes queued jobs on a bounded pool and runs the periodic scheduler
// cycle that enqueues them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/jobs"
	"github.com/malbeclabs/contextgraph/pkg/queue"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 2 * time.Second
	defaultJobTimeout   = 10 * time.Minute
)

// Executor runs a single job.
type Executor interface {
	Run(ctx context.Context, jobID, kind string, args []string) (jobs.Outcome, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Queue    queue.Queue
	Executor Executor

	// Queues are drained in order; empty means every queue.
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds jobs enqueued without their own timeout.
	JobTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Queue == nil {
		return errors.New("queue is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	queues, err := queue.ParseNames(cfg.Queues)
	if err != nil {
		return err
	}
	cfg.Queues = queues
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return nil
}

type Worker struct {
	log  *slog.Logger
	cfg  Config
	pool pond.Pool
}

func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewPool(cfg.Concurrency),
	}, nil
}

// Run processes jobs until ctx is done, sleeping for the poll interval whenever every queue
// is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker: starting", "queues", w.cfg.Queues, "concurrency", w.cfg.Concurrency)
	defer w.pool.StopAndWait()

	for {
		n, err := w.batch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.log.Error("worker: batch failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}

// Drain processes jobs until every queue is empty and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.batch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// batch dequeues up to Concurrency jobs and runs them in parallel. Jobs with the same
// kind and args share a lane and run one after another.
func (w *Worker) batch(ctx context.Context) (int, error) {
	var taken []queue.Job
	for len(taken) < w.cfg.Concurrency {
		job, ok, err := w.cfg.Queue.Dequeue(ctx, w.cfg.Queues)
		if err != nil {
			if len(taken) == 0 {
				return 0, fmt.Errorf("failed to dequeue job: %w", err)
			}
			w.log.Error("worker: failed to dequeue job", "error", err)
			break
		}
		if !ok {
			break
		}
		taken = append(taken, job)
	}
	if len(taken) == 0 {
		return 0, nil
	}

	group := w.pool.NewGroupContext(ctx)
	for _, lane := range lanes(taken) {
		group.Submit(func() {
			for _, job := range lane {
				w.execute(ctx, job)
			}
		})
	}
	if err := group.Wait(); err != nil {
		return len(taken), fmt.Errorf("failed to run jobs: %w", err)
	}
	return len(taken), nil
}

// lanes groups jobs by kind and args, keeping dequeue order within each lane.
func lanes(taken []queue.Job) [][]queue.Job {
	index := make(map[string]int)
	var out [][]queue.Job
	for _, job := range taken {
		key := job.Kind + "\x00" + strings.Join(job.Args, "\x00")
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], job)
	}
	return out
}

func (w *Worker) execute(ctx context.Context, job queue.Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.cfg.JobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, jobErr := w.cfg.Executor.Run(jobCtx, job.ID, job.Kind, job.Args)
	if jobErr != nil {
		w.log.Warn("worker: job returned error", "job_id", job.ID, "queue", job.Queue, "kind", job.Kind, "error", jobErr)
	}
	if err := w.cfg.Queue.Complete(context.WithoutCancel(ctx), job, jobErr); err != nil {
		w.log.Error("worker: failed to complete job", "job_id", job.ID, "queue", job.Queue, "error", err)
	}
}
