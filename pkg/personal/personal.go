// Package personal builds each person's permission-filtered timeline and segments it into
// tasks.
package personal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/permission"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	// TaskGap is the largest gap between consecutive events of one task.
	TaskGap = 30 * time.Minute

	taskConfidence = 0.8
)

// VisibilityChecker opens a permission checker that reads ACLs through q.
type VisibilityChecker interface {
	Checker(q store.Querier) permission.Checker
}

type Config struct {
	Logger      *slog.Logger
	DB          *store.Store
	Clock       clockwork.Clock
	Permissions VisibilityChecker
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Permissions == nil {
		return errors.New("permissions are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Builder struct {
	log *slog.Logger
	cfg Config
}

func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{log: cfg.Logger, cfg: cfg}, nil
}

type event struct {
	id              string
	eventTime       time.Time
	actionType      string
	toolFamily      string
	resourceID      string
	permissionState string
}

// SetOptIn records whether a person's tasks may feed aggregation.
func (b *Builder) SetOptIn(ctx context.Context, personID string, enabled bool) error {
	return b.cfg.DB.WithTx(ctx, "set_opt_in", func(tx *sql.Tx) error {
		now := b.cfg.Clock.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO personal_opt_in (person_id, opt_in_aggregation, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (person_id) DO UPDATE SET
				opt_in_aggregation = EXCLUDED.opt_in_aggregation,
				updated_at = EXCLUDED.updated_at
		`, personID, enabled, now); err != nil {
			return fmt.Errorf("failed to set opt-in: %w", err)
		}
		return store.AppendAudit(ctx, tx, now, personID, "personal_opt_in", map[string]bool{"opt_in_aggregation": enabled})
	})
}

// OptIn reports a person's aggregation opt-in. Persons without a record are opted out.
func (b *Builder) OptIn(ctx context.Context, personID string) (bool, error) {
	var enabled bool
	err := b.cfg.DB.DB().QueryRowContext(ctx, `
		SELECT opt_in_aggregation FROM personal_opt_in WHERE person_id = $1
	`, personID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read opt-in: %w", err)
	}
	return enabled, nil
}

// BuildTimeline replaces the person's timeline with the events they acted on that
// principalIDs may see, ranked by (event_time, trace_event_id). It returns the number of
// visible events.
func (b *Builder) BuildTimeline(ctx context.Context, personID string, principalIDs []string) (int, error) {
	var total, n int
	err := b.cfg.DB.WithTx(ctx, "build_timeline", func(tx *sql.Tx) error {
		events, err := actorEvents(ctx, tx, personID)
		if err != nil {
			return err
		}
		checker := b.cfg.Permissions.Checker(tx)

		visible := make([]event, 0, len(events))
		for _, ev := range events {
			ok, err := checker.EventVisible(ctx, permission.Event{
				PermissionState: ev.permissionState,
				ResourceID:      ev.resourceID,
			}, principalIDs)
			if err != nil {
				return fmt.Errorf("failed to evaluate visibility: %w", err)
			}
			if ok {
				visible = append(visible, ev)
			}
		}
		sortEvents(visible)

		if _, err := tx.ExecContext(ctx, `DELETE FROM personal_timeline_item WHERE person_id = $1`, personID); err != nil {
			return fmt.Errorf("failed to clear timeline: %w", err)
		}
		now := b.cfg.Clock.Now().UTC()
		for i, ev := range visible {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO personal_timeline_item (person_id, trace_event_id, sequence_rank, created_at)
				VALUES ($1, $2, $3, $4)
			`, personID, ev.id, i+1, now); err != nil {
				return fmt.Errorf("failed to insert timeline item: %w", err)
			}
		}
		total, n = len(events), len(visible)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.log.Debug("personal: built timeline", "events", total, "visible", n)
	return n, nil
}

// SegmentTasks replaces the person's tasks by splitting the timeline wherever consecutive
// events are more than TaskGap apart. It returns the number of tasks.
func (b *Builder) SegmentTasks(ctx context.Context, personID string) (int, error) {
	var n int
	err := b.cfg.DB.WithTx(ctx, "segment_tasks", func(tx *sql.Tx) error {
		timeline, err := timelineEvents(ctx, tx, personID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM personal_task WHERE person_id = $1`, personID); err != nil {
			return fmt.Errorf("failed to clear tasks: %w", err)
		}

		tasks := segment(timeline)
		for _, task := range tasks {
			ids := make([]string, len(task))
			for i, ev := range task {
				ids[i] = ev.id
			}
			members, err := store.EncodeJSON(ids)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO personal_task (personal_task_id, person_id, start_time, end_time, label, confidence, member_trace_event_ids)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, uuid.NewString(), personID, task[0].eventTime, task[len(task)-1].eventTime, label(task), taskConfidence, members); err != nil {
				return fmt.Errorf("failed to insert task: %w", err)
			}
		}
		n = len(tasks)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.log.Debug("personal: segmented tasks", "tasks", n)
	return n, nil
}

// segment splits rank-ordered events into tasks at gaps longer than TaskGap.
func segment(events []event) [][]event {
	var (
		tasks   [][]event
		current []event
	)
	for i, ev := range events {
		if i > 0 && ev.eventTime.Sub(events[i-1].eventTime) > TaskGap && len(current) > 0 {
			tasks = append(tasks, current)
			current = nil
		}
		current = append(current, ev)
	}
	if len(current) > 0 {
		tasks = append(tasks, current)
	}
	return tasks
}

// label names a task after its most frequent action type, breaking ties by the
// lexicographically smallest action.
func label(task []event) string {
	counts := make(map[string]int)
	for _, ev := range task {
		counts[ev.actionType]++
	}
	top := ""
	for action, n := range counts {
		if top == "" || n > counts[top] || (n == counts[top] && action < top) {
			top = action
		}
	}
	return "task:" + top
}

func sortEvents(events []event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].eventTime.Equal(events[j].eventTime) {
			return events[i].eventTime.Before(events[j].eventTime)
		}
		return events[i].id < events[j].id
	})
}

func actorEvents(ctx context.Context, q store.Querier, personID string) ([]event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT trace_event_id, event_time, action_type, tool_family, COALESCE(resource_id, ''), permission_state
		FROM trace_event
		WHERE actor_principal_id = $1
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace events: %w", err)
	}
	return scanEvents(rows)
}

func timelineEvents(ctx context.Context, q store.Querier, personID string) ([]event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.trace_event_id, t.event_time, t.action_type, t.tool_family, COALESCE(t.resource_id, ''), t.permission_state
		FROM personal_timeline_item i
		JOIN trace_event t ON t.trace_event_id = i.trace_event_id
		WHERE i.person_id = $1
		ORDER BY i.sequence_rank
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event, error) {
	defer rows.Close()
	var out []event
	for rows.Next() {
		var ev event
		if err := rows.Scan(&ev.id, &ev.eventTime, &ev.actionType, &ev.toolFamily, &ev.resourceID, &ev.permissionState); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		ev.eventTime = ev.eventTime.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
