package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"librarycirc/internal/app"
	"librarycirc/internal/circulation"
	"librarycirc/internal/drill"
)

func parseBookID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, WrapExitError(ExitCommandError, "invalid book id", err)
	}
	return id, nil
}

func commandError(op string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return WrapExitError(ExitCommandError, op, err)
}

func renderAvailability(a *circulation.Availability) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "book:      %s\n", a.BookID)
		fmt.Fprintf(w, "available: %d of %d\n", a.Available, a.Total)
		fmt.Fprintf(w, "trusted:   %t\n", a.Trusted)
	}
}

func newAvailabilityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "availability <book-id>",
		Short: "Show available and total copies of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(cmd, opts)
			bookID, err := parseBookID(args[0])
			if err != nil {
				return out.Failure(err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				availability, err := a.Circulation.Availability(ctx, bookID)
				if err != nil {
					return out.Failure(commandError("read availability", err))
				}
				return out.Success(availability, renderAvailability(availability))
			})
		},
	}
}

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <book-id>",
		Short: "Rebuild a book's availability counter from its active loans",
		Long: `Recomputes available copies as total copies minus active loans and
marks the counter trusted again. A change is recorded in the book's journal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(cmd, opts)
			bookID, err := parseBookID(args[0])
			if err != nil {
				return out.Failure(err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				before, err := a.Circulation.Availability(ctx, bookID)
				if err != nil {
					return out.Failure(commandError("read availability", err))
				}
				after, err := a.Circulation.Reconcile(ctx, bookID)
				if err != nil {
					return out.Failure(commandError("reconcile", err))
				}
				out.VerboseLog("before: available=%d total=%d trusted=%t", before.Available, before.Total, before.Trusted)
				return out.Success(after, renderAvailability(after))
			})
		},
	}
}

func newJournalCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "journal <book-id>",
		Short: "List a book's circulation journal in version order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(cmd, opts)
			bookID, err := parseBookID(args[0])
			if err != nil {
				return out.Failure(err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				events, err := a.Circulation.Journal(ctx, bookID)
				if err != nil {
					return out.Failure(commandError("read journal", err))
				}
				return out.Success(events, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tTYPE\tOCCURRED\tPAYLOAD")
					for _, e := range events {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Version, e.Type, e.OccurredAt.Format(time.RFC3339), e.Payload)
					}
					tw.Flush()
				})
			})
		},
	}
}

func newOverdueCommand(opts *RootOptions) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List active loans past their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(cmd, opts)
			at := time.Now()
			if asOf != "" {
				parsed, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return out.Failure(WrapExitError(ExitCommandError, "invalid --as-of", err))
				}
				at = parsed
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				loans, err := a.Circulation.OverdueLoans(ctx, at)
				if err != nil {
					return out.Failure(commandError("list overdue loans", err))
				}
				return out.Success(loans, func(w io.Writer) {
					if len(loans) == 0 {
						fmt.Fprintf(w, "no loans overdue as of %s\n", at.Format(time.RFC3339))
						return
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "LOAN\tBOOK\tBORROWER\tDUE")
					for _, l := range loans {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.ID, l.BookID, l.BorrowerID, l.DueAt.Format(time.RFC3339))
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference time in RFC 3339 (default now)")
	return cmd
}

type drillOptions struct {
	borrowers int
	workers   int
	rounds    int
	deadline  time.Duration
}

func newDrillCommand(opts *RootOptions) *cobra.Command {
	d := &drillOptions{}
	cmd := &cobra.Command{
		Use:   "drill <concurrent|churn|abandoned> <book-id>",
		Short: "Run a concurrency drill against one book and check availability stays consistent",
		Long: `Drills exercise the live store:

  concurrent  many distinct borrowers race for the same book
  churn       workers borrow and return the book repeatedly
  abandoned   borrows whose deadlines expire mid-flight

The counter invariant is probed before and after. The command exits 1 when
the hypothesis does not hold.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"concurrent", "churn", "abandoned"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(cmd, opts)
			bookID, err := parseBookID(args[1])
			if err != nil {
				return out.Failure(err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				var exp drill.Experiment
				switch args[0] {
				case "concurrent":
					exp = drill.ConcurrentBorrows(a.Circulation, bookID, d.borrowers)
				case "churn":
					exp = drill.Churn(a.Circulation, bookID, d.workers, d.rounds)
				case "abandoned":
					exp = drill.AbandonedBorrows(a.Circulation, bookID, d.borrowers, d.deadline)
				default:
					return out.Failure(NewExitError(ExitCommandError, fmt.Sprintf("unknown drill %q", args[0])))
				}
				out.VerboseLog("running %s: %s", exp.Name, exp.Hypothesis)

				result, err := drill.NewEngine().Run(ctx, exp)
				if err != nil {
					return out.Failure(commandError("run drill", err))
				}
				if werr := out.Success(result, renderResult(result)); werr != nil {
					return werr
				}
				if !result.HypothesisHeld {
					return NewExitError(ExitFailure, "hypothesis did not hold")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&d.borrowers, "borrowers", 32, "concurrent borrowers (concurrent, abandoned)")
	cmd.Flags().IntVar(&d.workers, "workers", 8, "workers (churn)")
	cmd.Flags().IntVar(&d.rounds, "rounds", 10, "borrow/return rounds per worker (churn)")
	cmd.Flags().DurationVar(&d.deadline, "deadline", time.Millisecond, "per-borrow deadline (abandoned)")
	return cmd
}

func renderResult(r *drill.Result) func(io.Writer) {
	return func(w io.Writer) {
		verdict := "HELD"
		if !r.HypothesisHeld {
			verdict = "VIOLATED"
		}
		fmt.Fprintf(w, "%s: %s in %s\n", r.Experiment, verdict, r.Duration.Round(time.Millisecond))
		for _, k := range sortedKeys(r.Outcomes) {
			fmt.Fprintf(w, "  %-12s %d\n", k, r.Outcomes[k])
		}
		for _, k := range sortedKeys(r.Observations) {
			fmt.Fprintf(w, "  %-16s %g\n", k, r.Observations[k])
		}
		for _, v := range r.Violations {
			fmt.Fprintf(w, "  violation: %s %s expected %g got %g\n", v.Phase, v.Metric, v.Expected, v.Actual)
		}
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  failed: %s\n", f)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
