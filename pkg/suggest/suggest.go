// Package suggest proposes likely next steps from published process patterns.
package suggest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	DefaultLimit = 5
	MaxLimit     = 20
)

type Config struct {
	Logger *slog.Logger
	DB     *store.Store

	// ResolveSteps reports the concrete step behind each suggested transition instead of
	// the unknown placeholder. Steps are recovered from the abstract traces that formed
	// the pattern.
	ResolveSteps bool
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

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

type Suggestion struct {
	Step                      aggregation.Step `json:"step"`
	Probability               float64          `json:"probability"`
	ExpectedTimeToNextSeconds int64            `json:"expected_time_to_next_seconds"`
}

type pattern struct {
	id        string
	signature string
}

// SuggestNextSteps returns up to limit transitions out of the last recent step (or the
// start of the process when recentSteps is empty), most probable first.
func (e *Engine) SuggestNextSteps(ctx context.Context, processKey string, recentSteps []aggregation.Step, limit int) ([]Suggestion, error) {
	if processKey == "" {
		return nil, errs.Validation("process_key is required")
	}
	if limit < 1 || limit > MaxLimit {
		return nil, errs.Validation("limit must be between 1 and %d (got %d)", MaxLimit, limit)
	}

	db := e.cfg.DB.DB()
	p, ok, err := publishedPattern(ctx, db, processKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.log.Debug("suggest: no published pattern", "process_key", processKey)
		return []Suggestion{}, nil
	}

	fromHash := aggregation.StartHash
	if len(recentSteps) > 0 {
		fromHash = aggregation.StepHash(recentSteps[len(recentSteps)-1])
	}

	rows, err := db.QueryContext(ctx, `
		SELECT to_step_hash, probability, timing_stats_json
		FROM context_edge
		WHERE pattern_id = $1 AND from_step_hash = $2
		ORDER BY probability DESC, to_step_hash
		LIMIT $3
	`, p.id, fromHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	type edge struct {
		to          string
		probability float64
		p50Ms       int64
	}
	var edges []edge
	for rows.Next() {
		var (
			ed     edge
			timing string
		)
		if err := rows.Scan(&ed.to, &ed.probability, &timing); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		var stats struct {
			P50Ms int64 `json:"p50_ms"`
		}
		if err := store.DecodeJSON(timing, &stats); err != nil {
			return nil, err
		}
		ed.p50Ms = stats.P50Ms
		edges = append(edges, ed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edges: %w", err)
	}

	var resolved map[string]aggregation.Step
	if e.cfg.ResolveSteps && len(edges) > 0 {
		resolved, err = resolveSteps(ctx, db, processKey, p.signature)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Suggestion, 0, len(edges))
	for _, ed := range edges {
		step, ok := resolved[ed.to]
		if !ok {
			step = placeholderStep()
		}
		out = append(out, Suggestion{
			Step:                      step,
			Probability:               ed.probability,
			ExpectedTimeToNextSeconds: ed.p50Ms / 1000,
		})
	}
	e.log.Debug("suggest: next steps", "process_key", processKey, "from", fromHash, "suggestions", len(out))
	return out, nil
}

func placeholderStep() aggregation.Step {
	return aggregation.Step{
		ActionType:     "unknown",
		ToolFamily:     "unknown",
		EntityTypeTags: []string{},
		ProcessTags:    []string{},
	}
}

func publishedPattern(ctx context.Context, q store.Querier, processKey string) (pattern, bool, error) {
	var p pattern
	err := q.QueryRowContext(ctx, `
		SELECT pattern_id, signature
		FROM context_pattern
		WHERE process_key = $1 AND published = TRUE
		ORDER BY signature
		LIMIT 1
	`, processKey).Scan(&p.id, &p.signature)
	if errors.Is(err, sql.ErrNoRows) {
		return pattern{}, false, nil
	}
	if err != nil {
		return pattern{}, false, fmt.Errorf("failed to query pattern: %w", err)
	}
	return p, true, nil
}

// resolveSteps maps each step hash of the pattern to the step it was computed from.
func resolveSteps(ctx context.Context, q store.Querier, processKey, signature string) (map[string]aggregation.Step, error) {
	traces, err := aggregation.LoadTraces(ctx, q, processKey)
	if err != nil {
		return nil, err
	}
	steps := make(map[string]aggregation.Step)
	for _, t := range traces {
		if aggregation.Signature(t.Steps) != signature {
			continue
		}
		for _, s := range t.Steps {
			h := aggregation.StepHash(s)
			if _, ok := steps[h]; ok {
				continue
			}
			s.DeltaTimeMsFromPrev = 0
			steps[h] = s
		}
	}
	return steps, nil
}
