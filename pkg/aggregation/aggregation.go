// Package aggregation abstracts opted-in tasks into depersonalized traces and mines them
// into k-anonymous process patterns.
package aggregation

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

	"github.com/malbeclabs/contextgraph/pkg/identity"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	maxDeltaMs = 86_400_000

	fastOutcomeThreshold = time.Hour

	OutcomeFast = "resolved_fast"
	OutcomeSlow = "resolved_slow"
)

type Config struct {
	Logger *slog.Logger
	DB     *store.Store
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
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

type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	Published int `json:"published"`
	Dropped   int `json:"dropped"`
}

type task struct {
	id      string
	start   time.Time
	end     time.Time
	members []string
}

type traceEvent struct {
	id         string
	eventTime  time.Time
	actionType string
	toolFamily string
	tagsJSON   string
}

// AbstractOptedInTraces replaces all abstract traces with one per task of every opted-in
// person. When nobody is opted in, every abstract trace is removed and 0 is returned.
func (s *Service) AbstractOptedInTraces(ctx context.Context) (int, error) {
	var created int
	err := s.cfg.DB.WithTx(ctx, "abstract_traces", func(tx *sql.Tx) error {
		created = 0
		persons, err := optedInPersons(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM abstract_trace`); err != nil {
			return fmt.Errorf("failed to clear abstract traces: %w", err)
		}

		now := s.cfg.Clock.Now().UTC()
		for _, personID := range persons {
			tasks, err := personTasks(ctx, tx, personID)
			if err != nil {
				return err
			}
			personHash := identity.HashPerson(personID)
			for _, t := range tasks {
				events, err := memberEvents(ctx, tx, t.members)
				if err != nil {
					return err
				}
				steps, err := abstractSteps(events)
				if err != nil {
					return err
				}
				stepsJSON, err := store.EncodeJSON(steps)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO abstract_trace (abstract_trace_id, process_key, steps_json, outcome, created_at, eligible, source_person_id_hash)
					VALUES ($1, $2, $3, $4, $5, TRUE, $6)
				`, uuid.NewString(), ProcessKey(steps), stepsJSON, outcome(t), now, personHash); err != nil {
					return fmt.Errorf("failed to insert abstract trace: %w", err)
				}
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		metrics.AbstractTracesCreatedTotal.Add(float64(created))
	}
	s.log.Debug("aggregation: abstracted traces", "created", created)
	return created, nil
}

func outcome(t task) string {
	if t.end.Sub(t.start) < fastOutcomeThreshold {
		return OutcomeFast
	}
	return OutcomeSlow
}

// abstractSteps orders events by (event_time, id) and strips them to steps.
func abstractSteps(events []traceEvent) ([]Step, error) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].eventTime.Equal(events[j].eventTime) {
			return events[i].eventTime.Before(events[j].eventTime)
		}
		return events[i].id < events[j].id
	})

	steps := make([]Step, 0, len(events))
	var prev time.Time
	for i, ev := range events {
		var delta int64
		if i > 0 {
			delta = min(ev.eventTime.Sub(prev).Milliseconds(), maxDeltaMs)
		}
		prev = ev.eventTime

		tags, err := entityTypeTags(ev.tagsJSON)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{
			ActionType:          ev.actionType,
			ToolFamily:          ev.toolFamily,
			EntityTypeTags:      tags,
			ProcessTags:         []string{"action:" + ev.actionType},
			DeltaTimeMsFromPrev: delta,
		})
	}
	return steps, nil
}

func entityTypeTags(raw string) ([]string, error) {
	var doc struct {
		EntityTypeTags []string `json:"entity_type_tags"`
	}
	if err := store.DecodeJSON(raw, &doc); err != nil {
		return nil, err
	}
	if doc.EntityTypeTags == nil {
		return []string{}, nil
	}
	return doc.EntityTypeTags, nil
}

// ClusterAndPublish replaces every pattern, edge and variant with the clustering of the
// eligible abstract traces.
func (s *Service) ClusterAndPublish(ctx context.Context, k, n int) (Result, error) {
	if k < 1 || n < 1 {
		return Result{}, fmt.Errorf("k and n must be >= 1 (got k=%d, n=%d)", k, n)
	}
	start := time.Now()
	defer func() {
		metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	err := s.cfg.DB.WithTx(ctx, "cluster_and_publish", func(tx *sql.Tx) error {
		traces, err := LoadTraces(ctx, tx, "")
		if err != nil {
			return err
		}
		patterns := Cluster(traces, k, n)

		for _, stmt := range []string{
			`DELETE FROM context_edge`,
			`DELETE FROM context_path_variant`,
			`DELETE FROM context_pattern`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to clear patterns: %w", err)
			}
		}

		res = Result{}
		now := s.cfg.Clock.Now().UTC()
		for _, p := range patterns {
			if err := insertPattern(ctx, tx, now, p); err != nil {
				return err
			}
			if p.Published {
				res.Published++
			} else {
				res.Dropped++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	metrics.PatternsPublishedTotal.Add(float64(res.Published))
	metrics.PatternsDroppedTotal.Add(float64(res.Dropped))
	s.log.Info("aggregation: patterns clustered", "k", k, "n", n, "published", res.Published, "dropped", res.Dropped)
	return res, nil
}

func insertPattern(ctx context.Context, tx *sql.Tx, now time.Time, p Pattern) error {
	patternID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_pattern (pattern_id, process_key, signature, distinct_user_count, distinct_trace_count, published, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, patternID, p.ProcessKey, p.Signature, p.DistinctUsers, p.DistinctTraces, p.Published, now); err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}

	for _, e := range p.Edges {
		timing, err := store.EncodeJSON(map[string]int64{"p50_ms": e.P50Ms, "p95_ms": e.P95Ms})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_edge (pattern_id, from_step_hash, to_step_hash, transition_count, probability, timing_stats_json)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, patternID, e.From, e.To, e.Count, e.Probability, timing); err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}

	for _, v := range p.Variants {
		hashes, err := store.EncodeJSON(v.StepHashes)
		if err != nil {
			return err
		}
		outcomes, err := store.EncodeJSON(v.OutcomeStats)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_path_variant (variant_id, pattern_id, rank, step_hashes, frequency, timing_stats_json, outcome_stats_json)
			VALUES ($1, $2, $3, $4, $5, '{}', $6)
		`, uuid.NewString(), patternID, v.Rank, hashes, v.Frequency, outcomes); err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}
	return nil
}

// LoadTraces returns the eligible abstract traces, optionally limited to one process key.
func LoadTraces(ctx context.Context, q store.Querier, processKey string) ([]AbstractTrace, error) {
	query := `
		SELECT abstract_trace_id, process_key, steps_json, outcome, COALESCE(source_person_id_hash, '')
		FROM abstract_trace
		WHERE eligible = TRUE`
	var args []any
	if processKey != "" {
		query += ` AND process_key = $1`
		args = append(args, processKey)
	}
	query += ` ORDER BY abstract_trace_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query abstract traces: %w", err)
	}
	defer rows.Close()

	var traces []AbstractTrace
	for rows.Next() {
		var (
			t     AbstractTrace
			steps string
		)
		if err := rows.Scan(&t.ID, &t.ProcessKey, &steps, &t.Outcome, &t.PersonHash); err != nil {
			return nil, fmt.Errorf("failed to scan abstract trace: %w", err)
		}
		if err := store.DecodeJSON(steps, &t.Steps); err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func optedInPersons(ctx context.Context, q store.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT person_id FROM personal_opt_in WHERE opt_in_aggregation = TRUE ORDER BY person_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query opt-ins: %w", err)
	}
	defer rows.Close()

	var persons []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan opt-in: %w", err)
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func personTasks(ctx context.Context, q store.Querier, personID string) ([]task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT personal_task_id, start_time, end_time, member_trace_event_ids
		FROM personal_task
		WHERE person_id = $1
		ORDER BY start_time, personal_task_id
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task
	for rows.Next() {
		var (
			t       task
			members string
		)
		if err := rows.Scan(&t.id, &t.start, &t.end, &members); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := store.DecodeJSON(members, &t.members); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func memberEvents(ctx context.Context, q store.Querier, ids []string) ([]traceEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
		SELECT trace_event_id, event_time, action_type, tool_family, entity_tags_json
		FROM trace_event
		WHERE trace_event_id IN (`+store.Placeholders(1, len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var events []traceEvent
	for rows.Next() {
		var ev traceEvent
		if err := rows.Scan(&ev.id, &ev.eventTime, &ev.actionType, &ev.toolFamily, &ev.tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.eventTime = ev.eventTime.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
