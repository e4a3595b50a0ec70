package store

import (
	"context"
	"fmt"
)

// The schema sticks to the SQL subset shared by DuckDB and PostgreSQL. JSON documents are
// stored as TEXT and decoded in Go.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connector_config (
		connector_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL UNIQUE,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		config_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS raw_event (
		raw_event_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		external_event_id TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		permission_state TEXT NOT NULL,
		UNIQUE (tool, external_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource (
		resource_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		url TEXT,
		title TEXT,
		permission_state TEXT NOT NULL DEFAULT 'UNKNOWN',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tool, resource_type, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS person (
		person_id TEXT PRIMARY KEY,
		primary_email TEXT,
		display_name TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS principal (
		principal_id TEXT PRIMARY KEY,
		principal_type TEXT NOT NULL,
		person_id TEXT,
		external_group_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS principal_membership (
		group_principal_id TEXT NOT NULL,
		member_principal_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (group_principal_id, member_principal_id)
	)`,
	`CREATE TABLE IF NOT EXISTS identity (
		identity_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		email TEXT,
		display_name TEXT,
		person_id TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tool, external_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_acl (
		resource_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		granted_at TIMESTAMPTZ NOT NULL,
		acl_source TEXT NOT NULL,
		revoked_at TIMESTAMPTZ,
		PRIMARY KEY (resource_id, principal_id, granted_at)
	)`,
	`CREATE TABLE IF NOT EXISTS trace_event (
		trace_event_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		external_event_id TEXT NOT NULL,
		tool_family TEXT NOT NULL,
		action_type TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		actor_principal_id TEXT,
		resource_id TEXT,
		related_resource_ids TEXT NOT NULL DEFAULT '[]',
		entity_tags_json TEXT NOT NULL DEFAULT '{}',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		permission_state TEXT NOT NULL,
		UNIQUE (tool, external_event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_event_actor ON trace_event (actor_principal_id)`,
	`CREATE TABLE IF NOT EXISTS personal_opt_in (
		person_id TEXT PRIMARY KEY,
		opt_in_aggregation BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS personal_timeline_item (
		person_id TEXT NOT NULL,
		trace_event_id TEXT NOT NULL,
		sequence_rank INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (person_id, trace_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS personal_task (
		personal_task_id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		label TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		member_trace_event_ids TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS abstract_trace (
		abstract_trace_id TEXT PRIMARY KEY,
		process_key TEXT NOT NULL,
		steps_json TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		eligible BOOLEAN NOT NULL DEFAULT TRUE,
		source_person_id_hash TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS context_pattern (
		pattern_id TEXT PRIMARY KEY,
		process_key TEXT NOT NULL,
		signature TEXT NOT NULL,
		distinct_user_count INTEGER NOT NULL,
		distinct_trace_count INTEGER NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (process_key, signature)
	)`,
	`CREATE TABLE IF NOT EXISTS context_edge (
		pattern_id TEXT NOT NULL,
		from_step_hash TEXT NOT NULL,
		to_step_hash TEXT NOT NULL,
		transition_count INTEGER NOT NULL,
		probability DOUBLE PRECISION NOT NULL,
		timing_stats_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (pattern_id, from_step_hash, to_step_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS context_path_variant (
		variant_id TEXT PRIMARY KEY,
		pattern_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		step_hashes TEXT NOT NULL DEFAULT '[]',
		frequency DOUBLE PRECISION NOT NULL,
		timing_stats_json TEXT NOT NULL DEFAULT '{}',
		outcome_stats_json TEXT NOT NULL DEFAULT '{}',
		UNIQUE (pattern_id, rank)
	)`,
	`CREATE TABLE IF NOT EXISTS kg_entity (
		entity_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		canonical_key TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		attrs_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS kg_edge (
		edge_id TEXT PRIMARY KEY,
		src_entity_id TEXT NOT NULL,
		dst_entity_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		evidence_trace_event_ids TEXT NOT NULL DEFAULT '[]',
		UNIQUE (src_entity_id, dst_entity_id, edge_type)
	)`,
	`CREATE TABLE IF NOT EXISTS job_checkpoint (
		job_name TEXT PRIMARY KEY,
		checkpoint_json TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_run (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		args_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		reason TEXT,
		error TEXT,
		result_json TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS queue_job (
		job_id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		args_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		timeout_ms BIGINT NOT NULL,
		result_ttl_ms BIGINT NOT NULL,
		failure_ttl_ms BIGINT NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id TEXT PRIMARY KEY,
		actor_principal_id TEXT,
		action TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates every table the pipeline uses. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	s.log.Debug("store: migrations applied", "count", len(migrations))
	return nil
}
