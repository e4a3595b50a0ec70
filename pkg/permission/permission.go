// Package permission is the single authority for whether a set of principals may see a
// resource or trace event. Evaluation is fail-closed.
package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const StateKnown = "KNOWN"

type Config struct {
	Logger *slog.Logger
	DB     *store.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Event is the part of a trace event that visibility depends on.
type Event struct {
	PermissionState string
	ResourceID      string
}

// Checker answers visibility questions for one evaluation pass.
type Checker interface {
	ResourceVisible(ctx context.Context, resourceID string, principalIDs []string) (bool, error)
	EventVisible(ctx context.Context, ev Event, principalIDs []string) (bool, error)
}

type resourceACL struct {
	found      bool
	state      string
	principals map[string]struct{}
}

type Evaluator struct {
	log *slog.Logger
	cfg Config
}

func NewEvaluator(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{log: cfg.Logger, cfg: cfg}, nil
}

// Checker returns a checker that reads ACLs through q. Each resource is read at most once
// per checker, so a checker must not outlive the operation it was opened for.
func (e *Evaluator) Checker(q store.Querier) Checker {
	return &pass{q: q, acls: make(map[string]resourceACL)}
}

// ResourceVisible reports whether any of principalIDs holds an active grant on the
// resource. Missing resources, resources whose permission state is not KNOWN and
// resources without active grants are invisible.
func (e *Evaluator) ResourceVisible(ctx context.Context, resourceID string, principalIDs []string) (bool, error) {
	return e.Checker(e.cfg.DB.DB()).ResourceVisible(ctx, resourceID, principalIDs)
}

// EventVisible reports whether an event may be shown to principalIDs. Events not in the
// KNOWN state are invisible; events without a resource are visible.
func (e *Evaluator) EventVisible(ctx context.Context, ev Event, principalIDs []string) (bool, error) {
	return e.Checker(e.cfg.DB.DB()).EventVisible(ctx, ev, principalIDs)
}

type pass struct {
	q    store.Querier
	acls map[string]resourceACL
}

func (p *pass) ResourceVisible(ctx context.Context, resourceID string, principalIDs []string) (bool, error) {
	acl, err := p.lookup(ctx, resourceID)
	if err != nil {
		return false, err
	}
	if !acl.found {
		return false, nil
	}
	if acl.state != StateKnown {
		metrics.PermissionUnknownTotal.Inc()
		return false, nil
	}
	for _, id := range principalIDs {
		if _, ok := acl.principals[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *pass) EventVisible(ctx context.Context, ev Event, principalIDs []string) (bool, error) {
	if ev.PermissionState != StateKnown {
		metrics.PermissionUnknownTotal.Inc()
		return false, nil
	}
	if ev.ResourceID == "" {
		return true, nil
	}
	return p.ResourceVisible(ctx, ev.ResourceID, principalIDs)
}

func (p *pass) lookup(ctx context.Context, resourceID string) (resourceACL, error) {
	if acl, ok := p.acls[resourceID]; ok {
		return acl, nil
	}

	acl := resourceACL{principals: map[string]struct{}{}}
	err := p.q.QueryRowContext(ctx, `SELECT permission_state FROM resource WHERE resource_id = $1`, resourceID).Scan(&acl.state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p.acls[resourceID] = acl
		return acl, nil
	case err != nil:
		return resourceACL{}, fmt.Errorf("failed to query resource: %w", err)
	}
	acl.found = true

	rows, err := p.q.QueryContext(ctx, `
		SELECT principal_id FROM resource_acl WHERE resource_id = $1 AND revoked_at IS NULL
	`, resourceID)
	if err != nil {
		return resourceACL{}, fmt.Errorf("failed to query resource acl: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return resourceACL{}, fmt.Errorf("failed to scan resource acl: %w", err)
		}
		acl.principals[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return resourceACL{}, fmt.Errorf("failed to read resource acl: %w", err)
	}

	p.acls[resourceID] = acl
	return acl, nil
}
