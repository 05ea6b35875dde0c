package drill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"librarycirc/internal/circulation"
)

const (
	OutcomeBorrowed    = "borrowed"
	OutcomeReturned    = "returned"
	OutcomeUnavailable = "unavailable"
	OutcomeContention  = "contention"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
)

// InvariantProbe measures how far available copies are from total minus
// active loans. Zero means consistent.
func InvariantProbe(svc circulation.Service, bookID uuid.UUID) Probe {
	return Probe{
		Name: "invariant_drift",
		Query: func(ctx context.Context) (float64, error) {
			a, err := svc.Availability(ctx, bookID)
			if err != nil {
				return 0, err
			}
			loans, err := svc.LoansByBook(ctx, bookID)
			if err != nil {
				return 0, err
			}
			active := 0
			for _, l := range loans {
				if l.Active() {
					active++
				}
			}
			drift := math.Abs(float64(a.Available - (a.Total - active)))
			if a.Available < 0 || a.Available > a.Total || !a.Trusted {
				drift++
			}
			return drift, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ConcurrentBorrows fires borrowers concurrent borrows of one book from
// distinct borrowers. Exactly min(available, borrowers) may succeed.
func ConcurrentBorrows(svc circulation.Service, bookID uuid.UUID, borrowers int) Experiment {
	var expected int
	return Experiment{
		Name:        "concurrent-borrow",
		Hypothesis:  "Concurrent borrows of one book never hand out more copies than are on the shelf",
		SteadyState: []Probe{InvariantProbe(svc, bookID)},
		Method: func(ctx context.Context, r *Result) error {
			a, err := svc.Availability(ctx, bookID)
			if err != nil {
				return fmt.Errorf("read availability: %w", err)
			}
			expected = min(a.Available, borrowers)

			fanOut(ctx, borrowers, func(ctx context.Context) {
				_, err := svc.Borrow(ctx, bookID, uuid.New())
				r.Count(outcome(err, OutcomeBorrowed))
			})
			return nil
		},
		Validation: []Assertion{
			{
				Metric:    OutcomeBorrowed,
				Condition: func(v float64) bool { return int(v) == expected },
				Message:   "exactly the available copies are borrowed",
			},
			{
				Metric:    OutcomeFailed,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no borrow fails with an internal error",
			},
		},
	}
}

// Churn has workers borrow and return the same book rounds times each.
// Every copy must be back on the shelf at the end.
func Churn(svc circulation.Service, bookID uuid.UUID, workers, rounds int) Experiment {
	var total int
	return Experiment{
		Name:        "borrow-return-churn",
		Hypothesis:  "Interleaved borrows and returns leave availability equal to total",
		SteadyState: []Probe{InvariantProbe(svc, bookID)},
		Method: func(ctx context.Context, r *Result) error {
			a, err := svc.Availability(ctx, bookID)
			if err != nil {
				return fmt.Errorf("read availability: %w", err)
			}
			total = a.Available

			fanOut(ctx, workers, func(ctx context.Context) {
				borrower := uuid.New()
				for i := 0; i < rounds; i++ {
					_, err := svc.Borrow(ctx, bookID, borrower)
					r.Count(outcome(err, OutcomeBorrowed))
					if err != nil {
						continue
					}
					_, err = svc.Return(ctx, bookID, borrower)
					r.Count(outcome(err, OutcomeReturned))
				}
			})
			after, err := svc.Availability(ctx, bookID)
			if err != nil {
				return fmt.Errorf("read availability: %w", err)
			}
			r.Observations["available_after"] = float64(after.Available)
			return nil
		},
		Validation: []Assertion{
			{
				Metric:    "available_after",
				Condition: func(v float64) bool { return int(v) == total },
				Message:   "every borrowed copy is returned",
			},
			{
				Metric:    OutcomeFailed,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no transition fails with an internal error",
			},
		},
	}
}

// AbandonedBorrows issues borrows whose contexts expire almost immediately.
// Whatever was not committed must leave no trace.
func AbandonedBorrows(svc circulation.Service, bookID uuid.UUID, borrowers int, deadline time.Duration) Experiment {
	return Experiment{
		Name:        "abandoned-borrow",
		Hypothesis:  "Borrows cancelled mid-flight leave the counter consistent with the ledger",
		SteadyState: []Probe{InvariantProbe(svc, bookID)},
		Method: func(ctx context.Context, r *Result) error {
			fanOut(ctx, borrowers, func(ctx context.Context) {
				ctx, cancel := context.WithTimeout(ctx, deadline)
				defer cancel()
				_, err := svc.Borrow(ctx, bookID, uuid.New())
				r.Count(outcome(err, OutcomeBorrowed))
			})
			return nil
		},
		Validation: []Assertion{
			{
				Metric:    OutcomeFailed,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "cancellation surfaces as contention, never as an internal error",
			},
		},
	}
}

func fanOut(ctx context.Context, n int, fn func(context.Context)) {
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn(ctx)
		}()
	}
	close(start)
	wg.Wait()
}

func outcome(err error, success string) string {
	if err == nil {
		return success
	}
	if errors.Is(err, circulation.ErrBookUnavailable) {
		return OutcomeUnavailable
	}
	switch circulation.Classify(err) {
	case circulation.ClassContention:
		return OutcomeContention
	case circulation.ClassValidation:
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}
