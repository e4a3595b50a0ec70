// Package analytics serves read models over published patterns and manages the retention
// policy.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

const maxBottlenecks = 10

type Config struct {
	Logger *slog.Logger
	DB     *store.Store
	Clock  clockwork.Clock

	// DefaultRetention applies until a retention policy has been stored.
	DefaultRetention Retention
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
	if cfg.DefaultRetention == (Retention{}) {
		cfg.DefaultRetention = DefaultRetention()
	}
	if err := cfg.DefaultRetention.Validate(); err != nil {
		return fmt.Errorf("invalid default retention: %w", err)
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

type PatternSummary struct {
	PatternID          string    `json:"pattern_id"`
	ProcessKey         string    `json:"process_key"`
	Signature          string    `json:"signature"`
	DistinctUserCount  int       `json:"distinct_user_count"`
	DistinctTraceCount int       `json:"distinct_trace_count"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type VariantStep struct {
	Hash string `json:"hash"`
}

type Variant struct {
	Rank      int                `json:"rank"`
	Frequency float64            `json:"frequency"`
	Steps     []VariantStep      `json:"steps"`
	Timing    map[string]any     `json:"timing"`
	Outcomes  map[string]float64 `json:"outcomes"`
}

type Timing struct {
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
}

type Edge struct {
	FromStepHash string  `json:"from_step_hash"`
	ToStepHash   string  `json:"to_step_hash"`
	Count        int     `json:"count"`
	Probability  float64 `json:"probability"`
	Timing       Timing  `json:"timing"`
}

type Bottleneck struct {
	FromStepHash string `json:"from_step_hash"`
	ToStepHash   string `json:"to_step_hash"`
	P95Ms        int64  `json:"p95_ms"`
}

// Processes returns the distinct process keys that have a published pattern.
func (s *Service) Processes(ctx context.Context) ([]string, error) {
	rows, err := s.cfg.DB.DB().QueryContext(ctx, `
		SELECT DISTINCT process_key FROM context_pattern WHERE published = TRUE ORDER BY process_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Patterns returns the published patterns of a process, most recently updated first.
func (s *Service) Patterns(ctx context.Context, processKey string) ([]PatternSummary, error) {
	rows, err := s.cfg.DB.DB().QueryContext(ctx, `
		SELECT pattern_id, process_key, signature, distinct_user_count, distinct_trace_count, updated_at
		FROM context_pattern
		WHERE process_key = $1 AND published = TRUE
		ORDER BY updated_at DESC, signature
	`, processKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	patterns := []PatternSummary{}
	for rows.Next() {
		var p PatternSummary
		if err := rows.Scan(&p.PatternID, &p.ProcessKey, &p.Signature, &p.DistinctUserCount, &p.DistinctTraceCount, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Variants returns the ranked path variants of a published pattern. Unknown and
// unpublished patterns are reported as not found.
func (s *Service) Variants(ctx context.Context, patternID string) ([]Variant, error) {
	if err := s.requirePublished(ctx, patternID); err != nil {
		return nil, err
	}
	rows, err := s.cfg.DB.DB().QueryContext(ctx, `
		SELECT rank, frequency, step_hashes, timing_stats_json, outcome_stats_json
		FROM context_path_variant
		WHERE pattern_id = $1
		ORDER BY rank
	`, patternID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	variants := []Variant{}
	for rows.Next() {
		var (
			v                        Variant
			hashes, timing, outcomes string
		)
		if err := rows.Scan(&v.Rank, &v.Frequency, &hashes, &timing, &outcomes); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		var stepHashes []string
		if err := store.DecodeJSON(hashes, &stepHashes); err != nil {
			return nil, err
		}
		v.Steps = make([]VariantStep, len(stepHashes))
		for i, h := range stepHashes {
			v.Steps[i] = VariantStep{Hash: h}
		}
		if err := store.DecodeJSON(timing, &v.Timing); err != nil {
			return nil, err
		}
		if err := store.DecodeJSON(outcomes, &v.Outcomes); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// Edges returns the transitions of a published pattern ordered by source then destination.
func (s *Service) Edges(ctx context.Context, patternID string) ([]Edge, error) {
	if err := s.requirePublished(ctx, patternID); err != nil {
		return nil, err
	}
	rows, err := s.cfg.DB.DB().QueryContext(ctx, `
		SELECT from_step_hash, to_step_hash, transition_count, probability, timing_stats_json
		FROM context_edge
		WHERE pattern_id = $1
		ORDER BY from_step_hash, to_step_hash
	`, patternID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := []Edge{}
	for rows.Next() {
		var (
			e      Edge
			timing string
		)
		if err := rows.Scan(&e.FromStepHash, &e.ToStepHash, &e.Count, &e.Probability, &timing); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if err := store.DecodeJSON(timing, &e.Timing); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Bottlenecks returns the slowest transitions of a published pattern by p95.
func (s *Service) Bottlenecks(ctx context.Context, patternID string) ([]Bottleneck, error) {
	edges, err := s.Edges(ctx, patternID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Timing.P95Ms > edges[j].Timing.P95Ms
	})
	if len(edges) > maxBottlenecks {
		edges = edges[:maxBottlenecks]
	}
	out := make([]Bottleneck, len(edges))
	for i, e := range edges {
		out[i] = Bottleneck{FromStepHash: e.FromStepHash, ToStepHash: e.ToStepHash, P95Ms: e.Timing.P95Ms}
	}
	return out, nil
}

func (s *Service) requirePublished(ctx context.Context, patternID string) error {
	var n int
	if err := s.cfg.DB.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM context_pattern WHERE pattern_id = $1 AND published = TRUE
	`, patternID).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up pattern: %w", err)
	}
	if n == 0 {
		return errs.NotFound("pattern %s not found", patternID)
	}
	return nil
}
