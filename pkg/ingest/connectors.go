package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

// ConnectorConfig is a connector_config row.
type ConnectorConfig struct {
	ConnectorID string           `json:"connector_id"`
	Tool        string           `json:"tool"`
	Enabled     bool             `json:"enabled"`
	Config      connector.Config `json:"config"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SetConnectorEnabled upserts a connector's configuration and enabled flag and records the
// change in the audit log. Enabling validates the configuration first.
func (s *Service) SetConnectorEnabled(ctx context.Context, tool string, enabled bool, cfg connector.Config) (ConnectorConfig, error) {
	c, err := s.cfg.Registry.Get(tool)
	if err != nil {
		return ConnectorConfig{}, err
	}
	if enabled {
		if err := c.Validate(cfg); err != nil {
			return ConnectorConfig{}, err
		}
	}
	raw, err := store.EncodeJSON(cfg)
	if err != nil {
		return ConnectorConfig{}, err
	}

	action := "connector_disable"
	if enabled {
		action = "connector_enable"
	}
	err = s.cfg.DB.WithTx(ctx, "set_connector_enabled", func(tx *sql.Tx) error {
		now := s.cfg.Clock.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO connector_config (connector_id, tool, enabled, config_json, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (tool) DO UPDATE SET
				enabled = EXCLUDED.enabled,
				config_json = EXCLUDED.config_json,
				updated_at = EXCLUDED.updated_at
		`, uuid.NewString(), tool, enabled, raw, now); err != nil {
			return fmt.Errorf("failed to upsert connector config: %w", err)
		}
		return store.AppendAudit(ctx, tx, now, "system", action, map[string]any{"tool": tool, "enabled": enabled})
	})
	if err != nil {
		return ConnectorConfig{}, err
	}
	s.log.Info("ingest: connector updated", "tool", tool, "enabled", enabled)
	return s.ConnectorConfig(ctx, tool)
}

// ConnectorConfig returns the stored configuration for tool, or an errs.ErrNotFound error.
func (s *Service) ConnectorConfig(ctx context.Context, tool string) (ConnectorConfig, error) {
	rows, err := s.queryConnectors(ctx, `WHERE tool = $1`, tool)
	if err != nil {
		return ConnectorConfig{}, err
	}
	if len(rows) == 0 {
		return ConnectorConfig{}, errs.NotFound("connector %q is not configured", tool)
	}
	return rows[0], nil
}

// ListConnectors returns every stored connector configuration ordered by tool.
func (s *Service) ListConnectors(ctx context.Context) ([]ConnectorConfig, error) {
	return s.queryConnectors(ctx, ``)
}

// EnabledTools returns the tools whose connectors are enabled, sorted.
func (s *Service) EnabledTools(ctx context.Context) ([]string, error) {
	rows, err := s.ListConnectors(ctx)
	if err != nil {
		return nil, err
	}
	var tools []string
	for _, r := range rows {
		if r.Enabled {
			tools = append(tools, r.Tool)
		}
	}
	return tools, nil
}

// Enabled returns the connector and its configuration when tool is configured and enabled.
// ok is false for a missing or disabled configuration.
func (s *Service) Enabled(ctx context.Context, tool string) (c connector.Connector, cfg connector.Config, ok bool, err error) {
	row, err := s.ConnectorConfig(ctx, tool)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, connector.Config{}, false, nil
	}
	if err != nil {
		return nil, connector.Config{}, false, err
	}
	if !row.Enabled {
		return nil, connector.Config{}, false, nil
	}
	c, err = s.cfg.Registry.Get(tool)
	if err != nil {
		return nil, connector.Config{}, false, err
	}
	return c, row.Config, true, nil
}

func (s *Service) queryConnectors(ctx context.Context, where string, args ...any) ([]ConnectorConfig, error) {
	rows, err := s.cfg.DB.DB().QueryContext(ctx, `
		SELECT connector_id, tool, enabled, config_json, created_at, updated_at
		FROM connector_config `+where+`
		ORDER BY tool
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connector config: %w", err)
	}
	defer rows.Close()

	var out []ConnectorConfig
	for rows.Next() {
		var (
			c   ConnectorConfig
			raw string
		)
		if err := rows.Scan(&c.ConnectorID, &c.Tool, &c.Enabled, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connector config: %w", err)
		}
		if c.Config, err = connector.ParseConfig(raw); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
