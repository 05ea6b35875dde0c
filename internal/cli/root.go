// Package cli implements circulationctl, the operator tool that inspects and
// repairs availability directly against the database.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"librarycirc/internal/app"
	"librarycirc/internal/config"
	"librarycirc/internal/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Open builds the services a command runs against. The command closes
	// the returned app.
	Open func(ctx context.Context) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command wired to the configured database.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	opts.Open = func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load configuration", err)
		}
		level := slog.LevelWarn
		if opts.Verbose {
			level = slog.LevelDebug
		}
		logger := telemetry.NewLogger(os.Stderr, "circulationctl", level)
		a, err := app.Open(ctx, cfg, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open database", err)
		}
		return a, nil
	}
	return newRootCommand(opts)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circulationctl",
		Short: "Inspect and repair library circulation state",
		Long: `Operator tool for the circulation store.

Reads availability, the per-book journal and overdue loans, rebuilds
counters from the loan records and runs concurrency drills against a book.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newAvailabilityCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newJournalCommand(opts))
	cmd.AddCommand(newOverdueCommand(opts))
	cmd.AddCommand(newDrillCommand(opts))

	return cmd
}

// withApp opens the services for the duration of fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
