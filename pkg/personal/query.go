package personal

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/contextgraph/pkg/store"
)

type TimelineItem struct {
	TraceEventID string    `json:"trace_event_id"`
	SequenceRank int       `json:"sequence_rank"`
	EventTime    time.Time `json:"event_time"`
	ActionType   string    `json:"action_type"`
	ToolFamily   string    `json:"tool_family"`
}

type Task struct {
	ID                  string    `json:"personal_task_id"`
	Label               string    `json:"label"`
	Start               time.Time `json:"start_time"`
	End                 time.Time `json:"end_time"`
	Confidence          float64   `json:"confidence"`
	MemberTraceEventIDs []string  `json:"member_trace_event_ids"`
}

type Export struct {
	PersonID string         `json:"person_id"`
	OptIn    bool           `json:"opt_in_aggregation"`
	Timeline []TimelineItem `json:"timeline"`
	Tasks    []Task         `json:"tasks"`
}

// Timeline returns the person's timeline in rank order. Zero from or to leaves that side
// of the event time range open.
func (b *Builder) Timeline(ctx context.Context, personID string, from, to time.Time) ([]TimelineItem, error) {
	query := `
		SELECT t.trace_event_id, i.sequence_rank, t.event_time, t.action_type, t.tool_family
		FROM personal_timeline_item i
		JOIN trace_event t ON t.trace_event_id = i.trace_event_id
		WHERE i.person_id = $1`
	args := []any{personID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(` AND t.event_time >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(` AND t.event_time <= $%d`, len(args))
	}
	query += ` ORDER BY i.sequence_rank`

	rows, err := b.cfg.DB.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	items := []TimelineItem{}
	for rows.Next() {
		var it TimelineItem
		if err := rows.Scan(&it.TraceEventID, &it.SequenceRank, &it.EventTime, &it.ActionType, &it.ToolFamily); err != nil {
			return nil, fmt.Errorf("failed to scan timeline item: %w", err)
		}
		it.EventTime = it.EventTime.UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}

// Tasks returns the person's tasks, newest first.
func (b *Builder) Tasks(ctx context.Context, personID string) ([]Task, error) {
	rows, err := b.cfg.DB.DB().QueryContext(ctx, `
		SELECT personal_task_id, label, start_time, end_time, confidence, member_trace_event_ids
		FROM personal_task
		WHERE person_id = $1
		ORDER BY start_time DESC, personal_task_id
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var (
			t       Task
			members string
		)
		if err := rows.Scan(&t.ID, &t.Label, &t.Start, &t.End, &t.Confidence, &members); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := store.DecodeJSON(members, &t.MemberTraceEventIDs); err != nil {
			return nil, err
		}
		t.Start = t.Start.UTC()
		t.End = t.End.UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Export returns everything stored about a person's own activity.
func (b *Builder) Export(ctx context.Context, personID string) (Export, error) {
	optIn, err := b.OptIn(ctx, personID)
	if err != nil {
		return Export{}, err
	}
	timeline, err := b.Timeline(ctx, personID, time.Time{}, time.Time{})
	if err != nil {
		return Export{}, err
	}
	tasks, err := b.Tasks(ctx, personID)
	if err != nil {
		return Export{}, err
	}
	return Export{PersonID: personID, OptIn: optIn, Timeline: timeline, Tasks: tasks}, nil
}
