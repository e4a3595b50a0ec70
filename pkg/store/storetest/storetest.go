// Package storetest provides migrated in-memory stores for tests.
package storetest

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/store"
)

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// New returns a migrated store backed by a fresh in-memory DuckDB database.
func New(t *testing.T) *store.Store {
	t.Helper()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	s := store.New(Logger(), db, store.DialectDuckDB)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// Count returns the number of rows in table.
func Count(t *testing.T, s *store.Store, table string) int {
	t.Helper()

	var n int
	require.NoError(t, s.DB().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// Trace is a trace_event row. Empty fields get test defaults.
type Trace struct {
	ID              string
	Tool            string
	ExternalID      string
	ToolFamily      string
	ActionType      string
	EventTime       time.Time
	Actor           string
	ResourceID      string
	Tags            map[string]any
	PermissionState string
}

// InsertTrace inserts a trace event and returns its id.
func InsertTrace(t *testing.T, s *store.Store, tr Trace) string {
	t.Helper()

	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Tool == "" {
		tr.Tool = "jira"
	}
	if tr.ExternalID == "" {
		tr.ExternalID = tr.ID
	}
	if tr.ToolFamily == "" {
		tr.ToolFamily = "tickets"
	}
	if tr.ActionType == "" {
		tr.ActionType = "status_change"
	}
	if tr.PermissionState == "" {
		tr.PermissionState = "KNOWN"
	}
	if tr.Tags == nil {
		tr.Tags = map[string]any{}
	}
	tags, err := store.EncodeJSON(tr.Tags)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(context.Background(), `
		INSERT INTO trace_event (trace_event_id, tool, external_event_id, tool_family, action_type, event_time,
			actor_principal_id, resource_id, related_resource_ids, entity_tags_json, metadata_json, permission_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]', $9, '{}', $10)
	`, tr.ID, tr.Tool, tr.ExternalID, tr.ToolFamily, tr.ActionType, tr.EventTime.UTC(),
		store.NullString(tr.Actor), store.NullString(tr.ResourceID), tags, tr.PermissionState)
	require.NoError(t, err)
	return tr.ID
}

// InsertResource inserts a resource with the given permission state and returns its id.
func InsertResource(t *testing.T, s *store.Store, externalID, permissionState string) string {
	t.Helper()

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO resource (resource_id, tool, resource_type, external_id, permission_state, created_at, updated_at)
		VALUES ($1, 'jira', 'ticket', $2, $3, $4, $4)
	`, id, externalID, permissionState, now)
	require.NoError(t, err)
	return id
}

// Grant adds an active ACL grant.
func Grant(t *testing.T, s *store.Store, resourceID, principalID string) {
	t.Helper()

	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO resource_acl (resource_id, principal_id, granted_at, acl_source)
		VALUES ($1, $2, $3, 'test')
	`, resourceID, principalID, time.Now().UTC())
	require.NoError(t, err)
}

// SetOptIn writes a personal_opt_in row.
func SetOptIn(t *testing.T, s *store.Store, personID string, enabled bool) {
	t.Helper()

	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO personal_opt_in (person_id, opt_in_aggregation, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (person_id) DO UPDATE SET opt_in_aggregation = EXCLUDED.opt_in_aggregation, updated_at = EXCLUDED.updated_at
	`, personID, enabled, time.Now().UTC())
	require.NoError(t, err)
}
