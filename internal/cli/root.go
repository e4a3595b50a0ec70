// Package cli implements the contextgraph administration command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/contextgraph/internal/app"
	"github.com/malbeclabs/contextgraph/pkg/config"
	"github.com/malbeclabs/contextgraph/pkg/logger"
	"github.com/malbeclabs/contextgraph/pkg/store"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
	exitCodeUsage   ExitCode = 2
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code ExitCode
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func usageError(format string, args ...any) error {
	return &exitError{code: exitCodeUsage, msg: fmt.Sprintf(format, args...)}
}

// Options are the dependencies shared by every command.
type Options struct {
	Out      io.Writer
	Err      io.Writer
	Settings config.Config
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// DB is used instead of opening Settings.DatabaseURI when set.
	DB *store.Store
}

func Run() ExitCode {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeError
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return Execute(ctx, &Options{Out: os.Stdout, Err: os.Stderr, Settings: settings}, os.Args[1:])
}

// Execute runs the command line in args and maps the outcome to an exit code.
func Execute(ctx context.Context, opts *Options, args []string) ExitCode {
	root := NewRootCmd(opts)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(opts.Err, ee.msg)
			return ee.code
		}
		fmt.Fprintf(opts.Err, "Error: %v\n", err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(opts *Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	rootCmd := &cobra.Command{
		Use:           "contextgraph",
		Short:         "Administration CLI for the context graph.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(opts.Out)
	rootCmd.SetErr(opts.Err)

	rootCmd.PersistentFlags().BoolVarP(&opts.Settings.Verbose, "verbose", "v", opts.Settings.Verbose, "set debug logging level")
	opts.Settings.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newConnectorsCmd(opts),
		newWorkerRunCmd(opts),
		newCycleCmd(opts),
		newQueuesCmd(opts),
		newJobsCmd(opts),
		newExportUserCmd(opts),
		newDeleteUserCmd(opts),
		newPurgeCmd(opts),
		newAnalyticsCmd(opts),
		newSuggestCmd(opts),
	)
	return rootCmd
}

// withApp opens the application for the duration of fn.
func (o *Options) withApp(ctx context.Context, fn func(a *app.App) error) error {
	log := o.Logger
	if log == nil {
		log = logger.NewWriter(o.Err, o.Settings.Verbose)
	}
	a, err := app.New(ctx, app.Config{Logger: log, Clock: o.Clock, Settings: o.Settings, DB: o.DB})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (o *Options) printJSON(v any) error {
	enc := json.NewEncoder(o.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (o *Options) table(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(o.Out)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}
