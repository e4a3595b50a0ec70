// Package queue provides the durable named job queues workers consume from.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	ConnectorIngest  = "CONNECTOR_INGEST"
	PermissionsSync  = "PERMISSIONS_SYNC"
	Normalize        = "NORMALIZE"
	AggregateContext = "AGGREGATE_CONTEXT"
)

// All lists every queue in the order workers drain them.
var All = []string{ConnectorIngest, PermissionsSync, Normalize, AggregateContext}

var ErrClosed = errors.New("queue closed")

// Job is a unit of work waiting in or taken from a queue.
type Job struct {
	ID         string        `json:"job_id"`
	Queue      string        `json:"queue"`
	Kind       string        `json:"kind"`
	Args       []string      `json:"args"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Timeout    time.Duration `json:"timeout"`
	ResultTTL  time.Duration `json:"result_ttl"`
	FailureTTL time.Duration `json:"failure_ttl"`
}

type Options struct {
	Timeout    time.Duration
	ResultTTL  time.Duration
	FailureTTL time.Duration
}

type Handle struct {
	ID    string `json:"job_id"`
	Queue string `json:"queue"`
}

// Queue is implemented by every queue backend.
type Queue interface {
	Enqueue(ctx context.Context, queue, kind string, args []string, opts Options) (Handle, error)
	// Dequeue takes the next job from the first of queues that has one. It reports false
	// when every queue is empty.
	Dequeue(ctx context.Context, queues []string) (Job, bool, error)
	// Complete records the outcome of a dequeued job. A nil jobErr marks it finished.
	Complete(ctx context.Context, job Job, jobErr error) error
	Depth(ctx context.Context, queue string) (int, error)
	Close() error
}

// ParseNames parses a comma separated list of queue names. Duplicates are dropped and an
// empty list selects every queue.
func ParseNames(raw []string) ([]string, error) {
	var selected []string
	seen := make(map[string]bool)
	for _, part := range raw {
		for _, name := range strings.Split(part, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !slices.Contains(All, name) {
				return nil, fmt.Errorf("unknown queue '%s'. Allowed: %s", name, strings.Join(All, ", "))
			}
			if !seen[name] {
				seen[name] = true
				selected = append(selected, name)
			}
		}
	}
	if len(selected) == 0 {
		return append([]string(nil), All...), nil
	}
	return selected, nil
}

// Depths returns the depth of every queue.
func Depths(ctx context.Context, q Queue) (map[string]int, error) {
	depths := make(map[string]int, len(All))
	for _, name := range All {
		n, err := q.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		depths[name] = n
	}
	return depths, nil
}
