package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/contextgraph/internal/app"
	"github.com/malbeclabs/contextgraph/pkg/connector"
	"github.com/malbeclabs/contextgraph/pkg/errs"
)

const (
	demoPerson      = "demo-user"
	defaultExport   = "artifacts/export.json"
	demoScope       = "read:default"
	tokenRefPattern = "env:%s_TOKEN"
)

func newMigrateCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				fmt.Fprintln(opts.Out, "migrated")
				return nil
			})
		},
	}
}

func newSeedCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Enable every connector, ingest the demo batches and publish patterns for the demo user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if err := seedDemo(cmd, a); err != nil {
					return err
				}
				fmt.Fprintln(opts.Out, "demo seed complete")
				return nil
			})
		},
	})
	return cmd
}

func seedDemo(cmd *cobra.Command, a *app.App) error {
	ctx := cmd.Context()
	for _, tool := range a.Registry.Tools() {
		cfg := connector.Config{
			Auth:   connector.Auth{TokenRef: fmt.Sprintf(tokenRefPattern, strings.ToUpper(tool))},
			Scopes: []string{demoScope},
		}
		if _, err := a.Ingest.SetConnectorEnabled(ctx, tool, true, cfg); err != nil {
			return fmt.Errorf("failed to enable %s: %w", tool, err)
		}
	}
	for _, tool := range a.Registry.Tools() {
		c, cfg, ok, err := a.Ingest.Enabled(ctx, tool)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := a.Ingest.IngestBatch(ctx, c, cfg); err != nil {
			return err
		}
		if _, err := a.Ingest.SyncPermissions(ctx, c, cfg); err != nil {
			return err
		}
	}
	if _, err := a.Identity.ResolveIdentities(ctx); err != nil {
		return err
	}
	if _, err := a.KG.InferEntities(ctx); err != nil {
		return err
	}
	if err := a.Identity.EnsurePerson(ctx, demoPerson); err != nil {
		return err
	}
	if err := a.Personal.SetOptIn(ctx, demoPerson, true); err != nil {
		return err
	}
	if _, err := a.Personal.BuildTimeline(ctx, demoPerson, []string{demoPerson, "group:analyst", "group:admin"}); err != nil {
		return err
	}
	if _, err := a.Personal.SegmentTasks(ctx, demoPerson); err != nil {
		return err
	}
	if _, err := a.Aggregation.AbstractOptedInTraces(ctx); err != nil {
		return err
	}
	// A single demo user can never reach the configured threshold.
	if _, err := a.Aggregation.ClusterAndPublish(ctx, 1, 1); err != nil {
		return err
	}
	return nil
}

func newConnectorsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Manage connector configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured connectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				rows, err := a.Ingest.ListConnectors(cmd.Context())
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Fprintln(opts.Out, "no connector config")
					return nil
				}
				table := opts.table([]string{"Tool", "Enabled", "Scopes", "Updated"})
				for _, row := range rows {
					table.Append([]string{
						row.Tool,
						fmt.Sprintf("%t", row.Enabled),
						strings.Join(row.Config.Scopes, ","),
						row.UpdatedAt.UTC().Format(time.RFC3339),
					})
				}
				table.Render()
				return nil
			})
		},
	})

	enable := &cobra.Command{
		Use:   "enable <tool>",
		Short: "Enable a connector with a read-only configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool := args[0]
			cfg, err := enableConfig(cmd, tool)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if !a.Registry.Has(tool) {
					return usageError("unknown connector %s (known: %s)", tool, strings.Join(a.Registry.Tools(), ", "))
				}
				row, err := a.Ingest.SetConnectorEnabled(cmd.Context(), tool, true, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.Out, "%s: enabled=%t\n", row.Tool, row.Enabled)
				return nil
			})
		},
	}
	enable.Flags().String("config", "", "connector config file (.yaml, .yml or .json); flags override its fields")
	enable.Flags().String("token-ref", "", "credential reference of the form env:NAME (default env:<TOOL>_TOKEN)")
	enable.Flags().String("base-url", "", "tool API base URL")
	enable.Flags().StringSlice("scopes", nil, "read-only scopes (default per tool)")
	enable.Flags().StringSlice("projects", nil, "projects to ingest")
	enable.Flags().StringSlice("channels", nil, "channels to ingest")
	cmd.AddCommand(enable)

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <tool>",
		Short: "Disable a connector, keeping its configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool := args[0]
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if !a.Registry.Has(tool) {
					return usageError("unknown connector %s (known: %s)", tool, strings.Join(a.Registry.Tools(), ", "))
				}
				var cfg connector.Config
				existing, err := a.Ingest.ConnectorConfig(cmd.Context(), tool)
				switch {
				case err == nil:
					cfg = existing.Config
				case !errors.Is(err, errs.ErrNotFound):
					return err
				}
				row, err := a.Ingest.SetConnectorEnabled(cmd.Context(), tool, false, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.Out, "%s: enabled=%t\n", row.Tool, row.Enabled)
				return nil
			})
		},
	})
	return cmd
}

// enableConfig loads --config when given and overlays every flag set on the command line.
func enableConfig(cmd *cobra.Command, tool string) (connector.Config, error) {
	var cfg connector.Config
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return cfg, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		if cfg, err = connector.LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("token-ref") {
		if cfg.Auth.TokenRef, err = flags.GetString("token-ref"); err != nil {
			return cfg, fmt.Errorf("failed to get token-ref flag: %w", err)
		}
	}
	if cfg.Auth.TokenRef == "" {
		cfg.Auth.TokenRef = fmt.Sprintf(tokenRefPattern, strings.ToUpper(tool))
	}
	if flags.Changed("base-url") {
		if cfg.BaseURL, err = flags.GetString("base-url"); err != nil {
			return cfg, fmt.Errorf("failed to get base-url flag: %w", err)
		}
	}
	if flags.Changed("scopes") {
		if cfg.Scopes, err = flags.GetStringSlice("scopes"); err != nil {
			return cfg, fmt.Errorf("failed to get scopes flag: %w", err)
		}
	}
	if flags.Changed("projects") {
		if cfg.Projects, err = flags.GetStringSlice("projects"); err != nil {
			return cfg, fmt.Errorf("failed to get projects flag: %w", err)
		}
	}
	if flags.Changed("channels") {
		if cfg.Channels, err = flags.GetStringSlice("channels"); err != nil {
			return cfg, fmt.Errorf("failed to get channels flag: %w", err)
		}
	}
	return cfg, nil
}

func newExportUserCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-user <person-id>",
		Short: "Export a person's timeline and tasks as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return fmt.Errorf("failed to get output flag: %w", err)
			}
			personID := args[0]
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				export, err := a.Personal.Export(cmd.Context(), personID)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return fmt.Errorf("failed to create export directory: %w", err)
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer f.Close()
				if err := (&Options{Out: f}).printJSON(export); err != nil {
					return err
				}
				fmt.Fprintf(opts.Out, "exported %s to %s\n", personID, output)
				return nil
			})
		},
	}
	cmd.Flags().StringP("output", "o", defaultExport, "path of the export file")
	return cmd
}

func newDeleteUserCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user <person-id>",
		Short: "Erase everything scoped to a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Identity.ErasePerson(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(opts.Out, "deleted user scope for %s\n", args[0])
				return nil
			})
		},
	}
}

func newPurgeCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete data older than the retention policy allows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Analytics.Purge(cmd.Context())
				var e *errs.Error
				if errors.As(err, &e) && e.Kind == errs.KindConflict {
					return usageError("%s", e.Message)
				}
				if err != nil {
					return err
				}
				return opts.printJSON(res)
			})
		},
	}
}
