package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/contextgraph/internal/app"
	"github.com/malbeclabs/contextgraph/pkg/aggregation"
	"github.com/malbeclabs/contextgraph/pkg/jobs"
	"github.com/malbeclabs/contextgraph/pkg/queue"
	"github.com/malbeclabs/contextgraph/pkg/suggest"
	"github.com/malbeclabs/contextgraph/pkg/worker"
)

// workerRunJobs maps the short job names accepted by worker-run to job kinds.
var workerRunJobs = map[string]string{
	"ingest":      jobs.KindConnectorIngest,
	"permissions": jobs.KindPermissionsSync,
	"personal":    jobs.KindPersonalGraph,
	"kg":          jobs.KindIdentity,
	"aggregation": jobs.KindAggregation,
}

func workerRunNames() []string {
	names := make([]string, 0, len(workerRunJobs))
	for name := range workerRunJobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newWorkerRunCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker-run <job> [arg...]",
		Short: "Run one job synchronously (" + strings.Join(workerRunNames(), ", ") + ")",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := workerRunJobs[args[0]]
			if !ok {
				return usageError("unknown job %s", args[0])
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				out, err := a.Jobs.Run(cmd.Context(), uuid.NewString(), kind, args[1:])
				if err != nil {
					return err
				}
				return opts.printJSON(out)
			})
		},
	}
}

func newCycleCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Enqueue one scheduler cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drain, err := cmd.Flags().GetBool("drain")
			if err != nil {
				return fmt.Errorf("failed to get drain flag: %w", err)
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app.App) error {
				q, err := a.NewQueue(ctx, nil)
				if err != nil {
					return err
				}
				defer q.Close()

				scheduler, err := a.NewScheduler(q)
				if err != nil {
					return err
				}
				res, err := scheduler.EnqueueCycle(ctx)
				if err != nil {
					return err
				}
				if err := opts.printJSON(res); err != nil {
					return err
				}
				if !drain {
					return nil
				}
				w, err := a.NewWorker(q, nil)
				if err != nil {
					return err
				}
				n, err := w.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.Out, "drained %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Bool("drain", false, "run every queued job before returning")
	return cmd
}

func newQueuesCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app.App) error {
				q, err := a.NewQueue(ctx, nil)
				if err != nil {
					return err
				}
				defer q.Close()

				depths, err := worker.RefreshDepths(ctx, q)
				if err != nil {
					return err
				}
				table := opts.table([]string{"Queue", "Depth"})
				for _, name := range queue.All {
					table.Append([]string{name, fmt.Sprintf("%d", depths[name])})
				}
				table.Render()
				return nil
			})
		},
	}
}

func newJobsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent job runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				runs, err := a.Jobs.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				table := opts.table([]string{"Job", "Kind", "Args", "Status", "Reason", "Started", "Duration"})
				for _, run := range runs {
					duration := ""
					if run.FinishedAt != nil {
						duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
					}
					reason := run.Reason
					if run.Error != "" {
						reason = run.Error
					}
					table.Append([]string{
						run.JobID,
						run.Kind,
						strings.Join(run.Args, " "),
						string(run.Status),
						reason,
						run.StartedAt.UTC().Format(time.RFC3339),
						duration,
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func newAnalyticsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Query published patterns",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "processes",
		Short: "List process keys with published patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				procs, err := a.Analytics.Processes(cmd.Context())
				if err != nil {
					return err
				}
				table := opts.table([]string{"Process"})
				for _, p := range procs {
					table.Append([]string{p})
				}
				table.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "patterns <process-key>",
		Short: "List the published patterns of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				patterns, err := a.Analytics.Patterns(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				table := opts.table([]string{"Pattern", "Signature", "Users", "Traces", "Updated"})
				for _, p := range patterns {
					table.Append([]string{
						p.PatternID,
						p.Signature,
						fmt.Sprintf("%d", p.DistinctUserCount),
						fmt.Sprintf("%d", p.DistinctTraceCount),
						p.UpdatedAt.UTC().Format(time.RFC3339),
					})
				}
				table.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "variants <pattern-id>",
		Short: "Show the ranked path variants of a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				variants, err := a.Analytics.Variants(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				table := opts.table([]string{"Rank", "Frequency", "Steps"})
				for _, v := range variants {
					hashes := make([]string, 0, len(v.Steps))
					for _, st := range v.Steps {
						hashes = append(hashes, st.Hash)
					}
					table.Append([]string{
						fmt.Sprintf("%d", v.Rank),
						fmt.Sprintf("%.2f", v.Frequency),
						strings.Join(hashes, " > "),
					})
				}
				table.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "edges <pattern-id>",
		Short: "Show the transition edges of a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				edges, err := a.Analytics.Edges(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				table := opts.table([]string{"From", "To", "Count", "Probability", "P50\n(ms)", "P95\n(ms)"})
				for _, e := range edges {
					table.Append([]string{
						e.FromStepHash,
						e.ToStepHash,
						fmt.Sprintf("%d", e.Count),
						fmt.Sprintf("%.2f", e.Probability),
						fmt.Sprintf("%d", e.Timing.P50Ms),
						fmt.Sprintf("%d", e.Timing.P95Ms),
					})
				}
				table.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "bottlenecks <pattern-id>",
		Short: "Show the slowest transitions of a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				bottlenecks, err := a.Analytics.Bottlenecks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				table := opts.table([]string{"From", "To", "P95\n(ms)"})
				for _, b := range bottlenecks {
					table.Append([]string{b.FromStepHash, b.ToStepHash, fmt.Sprintf("%d", b.P95Ms)})
				}
				table.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retention",
		Short: "Show the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				ret, err := a.Analytics.Retention(cmd.Context())
				if err != nil {
					return err
				}
				return opts.printJSON(ret)
			})
		},
	})
	return cmd
}

// parseStep parses an action:tool_family step reference.
func parseStep(raw string) (aggregation.Step, error) {
	action, family, ok := strings.Cut(raw, ":")
	if !ok || action == "" || family == "" {
		return aggregation.Step{}, usageError("invalid step %q: expected action_type:tool_family", raw)
	}
	return aggregation.Step{ActionType: action, ToolFamily: family, EntityTypeTags: []string{}, ProcessTags: []string{}}, nil
}

func newSuggestCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <process-key>",
		Short: "Suggest next steps from the published patterns of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawSteps, err := cmd.Flags().GetStringArray("step")
			if err != nil {
				return fmt.Errorf("failed to get step flag: %w", err)
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			steps := make([]aggregation.Step, 0, len(rawSteps))
			for _, raw := range rawSteps {
				st, err := parseStep(raw)
				if err != nil {
					return err
				}
				steps = append(steps, st)
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				suggestions, err := a.Suggest.SuggestNextSteps(cmd.Context(), args[0], steps, limit)
				if err != nil {
					return err
				}
				table := opts.table([]string{"Action", "Tool Family", "Probability", "Expected Next\n(s)"})
				for _, s := range suggestions {
					table.Append([]string{
						s.Step.ActionType,
						s.Step.ToolFamily,
						fmt.Sprintf("%.2f", s.Probability),
						fmt.Sprintf("%d", s.ExpectedTimeToNextSeconds),
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArray("step", nil, "recent step as action_type:tool_family, oldest first (repeatable)")
	cmd.Flags().Int("limit", suggest.DefaultLimit, "maximum number of suggestions")
	return cmd
}
