// Package kg infers a knowledge graph of entities and the persons acting on them.
package kg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/malbeclabs/contextgraph/pkg/store"
)

const (
	EdgeActsOn = "acts_on"

	entityConfidence = 0.6
	personConfidence = 0.7
	edgeConfidence   = 0.5
)

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

type Inferrer struct {
	log *slog.Logger
	cfg Config
}

func NewInferrer(cfg Config) (*Inferrer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Inferrer{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	EntitiesCreated int `json:"entities_created"`
	EdgesCreated    int `json:"edges_created"`
}

type Entity struct {
	ID           string         `json:"entity_id"`
	Type         string         `json:"entity_type"`
	CanonicalKey string         `json:"canonical_key"`
	DisplayName  string         `json:"display_name"`
	Confidence   float64        `json:"confidence"`
	Attrs        map[string]any `json:"attrs"`
}

type Edge struct {
	Src        string   `json:"src_entity_id"`
	Dst        string   `json:"dst_entity_id"`
	Type       string   `json:"edge_type"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence_trace_event_ids"`
}

type traceRow struct {
	id    string
	tool  string
	actor string
	tags  []string
}

// EntityKey returns the canonical key of an entity type observed in a tool.
func EntityKey(entityType, tool string) string {
	return strings.ToLower(entityType) + ":" + tool
}

// PersonKey returns the canonical key of the person entity for an actor.
func PersonKey(actor string) string {
	if actor == "" {
		actor = "unknown"
	}
	return "person:" + actor
}

// InferEntities adds an entity for every entity tag on every trace event, a person entity
// for its actor, and an acts_on edge between them. Existing entities and edges are kept as
// they are. Person entities are not counted as created entities.
func (i *Inferrer) InferEntities(ctx context.Context) (Result, error) {
	var res Result
	err := i.cfg.DB.WithTx(ctx, "infer_entities", func(tx *sql.Tx) error {
		res = Result{}
		events, err := traceRows(ctx, tx)
		if err != nil {
			return err
		}
		for _, ev := range events {
			for _, tag := range ev.tags {
				key := EntityKey(tag, ev.tool)
				created, err := ensureEntity(ctx, tx, Entity{
					ID:           key,
					Type:         tag,
					CanonicalKey: key,
					DisplayName:  key,
					Confidence:   entityConfidence,
					Attrs:        map[string]any{"tool": ev.tool},
				})
				if err != nil {
					return err
				}
				if created {
					res.EntitiesCreated++
				}

				person := PersonKey(ev.actor)
				if _, err := ensureEntity(ctx, tx, Entity{
					ID:           person,
					Type:         "Person",
					CanonicalKey: person,
					DisplayName:  person,
					Confidence:   personConfidence,
					Attrs:        map[string]any{},
				}); err != nil {
					return err
				}

				created, err = ensureEdge(ctx, tx, person, key, ev.id)
				if err != nil {
					return err
				}
				if created {
					res.EdgesCreated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	i.log.Info("kg: inferred entities", "entities_created", res.EntitiesCreated, "edges_created", res.EdgesCreated)
	return res, nil
}

func ensureEntity(ctx context.Context, tx *sql.Tx, e Entity) (bool, error) {
	attrs, err := store.EncodeJSON(e.Attrs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO kg_entity (entity_id, entity_type, canonical_key, display_name, confidence, attrs_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, e.ID, e.Type, e.CanonicalKey, e.DisplayName, e.Confidence, attrs)
	if err != nil {
		return false, fmt.Errorf("failed to insert entity: %w", err)
	}
	return store.Inserted(res)
}

func ensureEdge(ctx context.Context, tx *sql.Tx, src, dst, traceEventID string) (bool, error) {
	evidence, err := store.EncodeJSON([]string{traceEventID})
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO kg_edge (edge_id, src_entity_id, dst_entity_id, edge_type, confidence, evidence_trace_event_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (src_entity_id, dst_entity_id, edge_type) DO NOTHING
	`, uuid.NewString(), src, dst, EdgeActsOn, edgeConfidence, evidence)
	if err != nil {
		return false, fmt.Errorf("failed to insert edge: %w", err)
	}
	return store.Inserted(res)
}

func traceRows(ctx context.Context, q store.Querier) ([]traceRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT trace_event_id, tool, COALESCE(actor_principal_id, ''), entity_tags_json
		FROM trace_event
		ORDER BY event_time, trace_event_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace events: %w", err)
	}
	defer rows.Close()

	var out []traceRow
	for rows.Next() {
		var (
			r    traceRow
			tags string
		)
		if err := rows.Scan(&r.id, &r.tool, &r.actor, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		var doc struct {
			EntityTypeTags []string `json:"entity_type_tags"`
		}
		if err := store.DecodeJSON(tags, &doc); err != nil {
			return nil, err
		}
		r.tags = doc.EntityTypeTags
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entities returns every entity ordered by canonical key.
func (i *Inferrer) Entities(ctx context.Context) ([]Entity, error) {
	rows, err := i.cfg.DB.DB().QueryContext(ctx, `
		SELECT entity_id, entity_type, canonical_key, display_name, confidence, attrs_json
		FROM kg_entity
		ORDER BY canonical_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := []Entity{}
	for rows.Next() {
		var (
			e     Entity
			attrs string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.CanonicalKey, &e.DisplayName, &e.Confidence, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := store.DecodeJSON(attrs, &e.Attrs); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Edges returns every edge ordered by source then destination.
func (i *Inferrer) Edges(ctx context.Context) ([]Edge, error) {
	rows, err := i.cfg.DB.DB().QueryContext(ctx, `
		SELECT src_entity_id, dst_entity_id, edge_type, confidence, evidence_trace_event_ids
		FROM kg_edge
		ORDER BY src_entity_id, dst_entity_id, edge_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := []Edge{}
	for rows.Next() {
		var (
			e        Edge
			evidence string
		)
		if err := rows.Scan(&e.Src, &e.Dst, &e.Type, &e.Confidence, &evidence); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if err := store.DecodeJSON(evidence, &e.Evidence); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
