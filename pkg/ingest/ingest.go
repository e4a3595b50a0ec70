// Package ingest writes connector batches into the store: raw events, resources, ACL
// grants and normalized trace events.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/identity"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

type Config struct {
	Logger   *slog.Logger
	DB       *store.Store
	Clock    clockwork.Clock
	Registry *connector.Registry
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
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

type Counts struct {
	RawEvents   int `json:"raw_event"`
	TraceEvents int `json:"trace_event"`
	ResourceACL int `json:"resource_acl"`
}

type SyncResult struct {
	Resources int `json:"resources"`
	Revoked   int `json:"revoked"`
}

// IngestBatch fetches a batch from c and stores it. Events whose raw form already exists
// are skipped, so re-running a batch writes nothing new.
func (s *Service) IngestBatch(ctx context.Context, c connector.Connector, cfg connector.Config) (Counts, error) {
	if err := c.Validate(cfg); err != nil {
		return Counts{}, err
	}
	events, deltas, err := s.fetch(ctx, c, cfg)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	err = s.cfg.DB.WithTx(ctx, "ingest_batch", func(tx *sql.Tx) error {
		counts = Counts{ResourceACL: len(deltas)}
		now := s.cfg.Clock.Now().UTC()

		for _, d := range deltas {
			if _, err := applyDelta(ctx, tx, now, c.Tool(), d); err != nil {
				return err
			}
		}

		for _, ev := range events {
			inserted, err := insertRawEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			counts.RawEvents++

			trace, delta, err := c.Normalize(ev)
			if err != nil {
				return fmt.Errorf("failed to normalize %s event %s: %w", c.Tool(), ev.ExternalEventID, err)
			}

			var resourceID string
			switch {
			case delta != nil:
				resourceID, err = applyDelta(ctx, tx, now, c.Tool(), *delta)
			case trace.Resource != nil:
				resourceID, err = ensureResource(ctx, tx, now, c.Tool(), *trace.Resource)
			}
			if err != nil {
				return err
			}

			written, err := insertTrace(ctx, tx, trace, resourceID)
			if err != nil {
				return err
			}
			if written {
				counts.TraceEvents++
			}
		}
		return nil
	})
	if err != nil {
		return Counts{}, err
	}

	if counts.TraceEvents > 0 {
		metrics.IngestEventsTotal.WithLabelValues(c.Tool()).Add(float64(counts.TraceEvents))
	}
	s.log.Info("ingest: batch stored", "tool", c.Tool(), "raw_events", counts.RawEvents, "trace_events", counts.TraceEvents, "resources", counts.ResourceACL)
	return counts, nil
}

func (s *Service) fetch(ctx context.Context, c connector.Connector, cfg connector.Config) ([]connector.Event, []connector.ResourceDelta, error) {
	start := time.Now()
	defer func() {
		metrics.ConnectorFetchDuration.WithLabelValues(c.Tool()).Observe(time.Since(start).Seconds())
	}()

	events, err := c.FetchEvents(ctx, cfg)
	if err != nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(c.Tool(), "fetch_events").Inc()
		return nil, nil, fmt.Errorf("failed to fetch %s events: %w", c.Tool(), err)
	}
	deltas, err := c.FetchACLs(ctx, cfg)
	if err != nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(c.Tool(), "fetch_acls").Inc()
		return nil, nil, fmt.Errorf("failed to fetch %s acls: %w", c.Tool(), err)
	}
	return events, deltas, nil
}

// SyncPermissions refreshes resources and grants only. Active grants whose principal is
// missing from a KNOWN delta are revoked.
func (s *Service) SyncPermissions(ctx context.Context, c connector.Connector, cfg connector.Config) (SyncResult, error) {
	if err := c.Validate(cfg); err != nil {
		return SyncResult{}, err
	}
	deltas, err := c.FetchACLs(ctx, cfg)
	if err != nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(c.Tool(), "fetch_acls").Inc()
		return SyncResult{}, fmt.Errorf("failed to fetch %s acls: %w", c.Tool(), err)
	}

	var res SyncResult
	err = s.cfg.DB.WithTx(ctx, "sync_permissions", func(tx *sql.Tx) error {
		res = SyncResult{}
		now := s.cfg.Clock.Now().UTC()
		for _, d := range deltas {
			resourceID, err := applyDelta(ctx, tx, now, c.Tool(), d)
			if err != nil {
				return err
			}
			if d.PermissionState == connector.PermissionKnown {
				n, err := revokeMissingGrants(ctx, tx, now, resourceID, d.ACLPrincipalIDs)
				if err != nil {
					return err
				}
				res.Revoked += n
			}
			res.Resources++
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	s.log.Info("ingest: permissions synced", "tool", c.Tool(), "resources", res.Resources, "revoked", res.Revoked)
	return res, nil
}

// applyDelta upserts the resource and, for KNOWN state, adds any missing active grants.
func applyDelta(ctx context.Context, tx *sql.Tx, now time.Time, source string, d connector.ResourceDelta) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resource (resource_id, tool, resource_type, external_id, url, title, permission_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tool, resource_type, external_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			permission_state = EXCLUDED.permission_state,
			updated_at = EXCLUDED.updated_at
	`, uuid.NewString(), d.Tool, d.ResourceType, d.ExternalID, store.NullString(d.URL), store.NullString(d.Title), d.PermissionState, now); err != nil {
		return "", fmt.Errorf("failed to upsert resource %s/%s: %w", d.ResourceType, d.ExternalID, err)
	}
	resourceID, err := lookupResource(ctx, tx, d.Tool, connector.ResourceRef{Type: d.ResourceType, ExternalID: d.ExternalID})
	if err != nil {
		return "", err
	}
	if d.PermissionState != connector.PermissionKnown {
		return resourceID, nil
	}

	for _, principalID := range d.ACLPrincipalIDs {
		if err := identity.EnsurePrincipal(ctx, tx, now, principalID); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_acl (resource_id, principal_id, granted_at, acl_source)
			SELECT $1, $2, CAST($3 AS TIMESTAMPTZ), CAST($4 AS TEXT)
			WHERE NOT EXISTS (
				SELECT 1 FROM resource_acl WHERE resource_id = $1 AND principal_id = $2 AND revoked_at IS NULL
			)
			ON CONFLICT (resource_id, principal_id, granted_at) DO NOTHING
		`, resourceID, principalID, now, source); err != nil {
			return "", fmt.Errorf("failed to insert grant: %w", err)
		}
	}
	return resourceID, nil
}

// ensureResource returns the resource for ref, creating it in the UNKNOWN state when the
// connector has not reported it yet.
func ensureResource(ctx context.Context, tx *sql.Tx, now time.Time, tool string, ref connector.ResourceRef) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resource (resource_id, tool, resource_type, external_id, permission_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tool, resource_type, external_id) DO NOTHING
	`, uuid.NewString(), tool, ref.Type, ref.ExternalID, connector.PermissionUnknown, now); err != nil {
		return "", fmt.Errorf("failed to ensure resource %s/%s: %w", ref.Type, ref.ExternalID, err)
	}
	return lookupResource(ctx, tx, tool, ref)
}

func lookupResource(ctx context.Context, tx *sql.Tx, tool string, ref connector.ResourceRef) (string, error) {
	var id string
	if err := tx.QueryRowContext(ctx, `
		SELECT resource_id FROM resource WHERE tool = $1 AND resource_type = $2 AND external_id = $3
	`, tool, ref.Type, ref.ExternalID).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to look up resource %s/%s: %w", ref.Type, ref.ExternalID, err)
	}
	return id, nil
}

func revokeMissingGrants(ctx context.Context, tx *sql.Tx, now time.Time, resourceID string, keep []string) (int, error) {
	query := `UPDATE resource_acl SET revoked_at = $1 WHERE resource_id = $2 AND revoked_at IS NULL`
	args := []any{now, resourceID}
	if len(keep) > 0 {
		query += ` AND principal_id NOT IN (` + store.Placeholders(3, len(keep)) + `)`
		for _, p := range keep {
			args = append(args, p)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked grants: %w", err)
	}
	return int(n), nil
}

// insertRawEvent stores ev unless its (tool, external_event_id) already exists and
// reports whether a row was written.
func insertRawEvent(ctx context.Context, tx *sql.Tx, ev connector.Event) (bool, error) {
	payload, err := store.EncodeJSON(ev.Payload)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_event (raw_event_id, tool, external_event_id, fetched_at, payload_json, permission_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tool, external_event_id) DO NOTHING
	`, uuid.NewString(), ev.Tool, ev.ExternalEventID, ev.FetchedAt.UTC(), payload, ev.PermissionState)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event: %w", err)
	}
	return store.Inserted(res)
}

func insertTrace(ctx context.Context, tx *sql.Tx, t connector.NormalizedTrace, resourceID string) (bool, error) {
	related := make([]string, 0, len(t.Related))
	for _, ref := range t.Related {
		related = append(related, ref.Type+":"+ref.ExternalID)
	}
	relatedJSON, err := store.EncodeJSON(related)
	if err != nil {
		return false, err
	}
	tags := t.EntityTags
	if tags == nil {
		tags = map[string]any{}
	}
	tagsJSON, err := store.EncodeJSON(tags)
	if err != nil {
		return false, err
	}
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := store.EncodeJSON(meta)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO trace_event (trace_event_id, tool, external_event_id, tool_family, action_type, event_time,
			actor_principal_id, resource_id, related_resource_ids, entity_tags_json, metadata_json, permission_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tool, external_event_id) DO NOTHING
	`, uuid.NewString(), t.Tool, t.ExternalEventID, t.ToolFamily, t.ActionType, t.EventTime.UTC(),
		store.NullString(t.ActorPrincipalID), store.NullString(resourceID), relatedJSON, tagsJSON, metaJSON, t.PermissionState)
	if err != nil {
		return false, fmt.Errorf("failed to insert trace event: %w", err)
	}
	return store.Inserted(res)
}
