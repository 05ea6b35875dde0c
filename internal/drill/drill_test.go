package drill_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/circulation"
	"librarycirc/internal/circulation/memstore"
	"librarycirc/internal/drill"
)

type catalog struct {
	mu     sync.Mutex
	totals map[uuid.UUID]int
}

func (c *catalog) TotalCopies(_ context.Context, id uuid.UUID) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.totals[id]
	return n, ok, nil
}

func setup(total int) (*circulation.Coordinator, *memstore.Store, uuid.UUID) {
	id := uuid.New()
	store := memstore.New()
	svc := circulation.NewCoordinator(store, &catalog{totals: map[uuid.UUID]int{id: total}})
	return svc, store, id
}

func TestConcurrentBorrowsDrill(t *testing.T) {
	svc, _, bookID := setup(4)

	result, err := drill.NewEngine().Run(context.Background(), drill.ConcurrentBorrows(svc, bookID, 40))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
	assert.Equal(t, 4, result.Outcomes[drill.OutcomeBorrowed])
	assert.Equal(t, 36, result.Outcomes[drill.OutcomeUnavailable])
	assert.Zero(t, result.Observations["invariant_drift"])
}

func TestChurnDrill(t *testing.T) {
	svc, _, bookID := setup(2)

	result, err := drill.NewEngine().Run(context.Background(), drill.Churn(svc, bookID, 6, 5))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
	assert.Equal(t, result.Outcomes[drill.OutcomeBorrowed], result.Outcomes[drill.OutcomeReturned])
	assert.Equal(t, float64(2), result.Observations["available_after"])
}

func TestAbandonedBorrowsDrill(t *testing.T) {
	svc, _, bookID := setup(3)

	result, err := drill.NewEngine().Run(context.Background(), drill.AbandonedBorrows(svc, bookID, 30, time.Microsecond))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
	assert.LessOrEqual(t, result.Outcomes[drill.OutcomeBorrowed], 3)
}

func TestDrillAbortsOnBrokenSteadyState(t *testing.T) {
	svc, store, bookID := setup(1)

	// Two active loans against one copy, written behind the counter's back.
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, tx.InsertLoan(ctx, circulation.Loan{ID: uuid.New(), BookID: bookID, BorrowerID: uuid.New()}))
	}
	require.NoError(t, tx.Commit())

	result, err := drill.NewEngine().Run(ctx, drill.ConcurrentBorrows(svc, bookID, 5))
	require.ErrorIs(t, err, drill.ErrSteadyState)
	assert.False(t, result.SteadyStateValid)
	assert.Empty(t, result.Outcomes)
}

func TestFailedAssertionIsReported(t *testing.T) {
	exp := drill.Experiment{
		Name: "always-fails",
		Method: func(_ context.Context, r *drill.Result) error {
			r.Count(drill.OutcomeFailed)
			return nil
		},
		Validation: []drill.Assertion{{
			Metric:    drill.OutcomeFailed,
			Condition: func(v float64) bool { return v == 0 },
			Message:   "nothing fails",
		}},
	}
	result, err := drill.NewEngine().Run(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"nothing fails"}, result.Failures)

	broken := drill.Experiment{Method: func(context.Context, *drill.Result) error { return errors.New("boom") }}
	_, err = drill.NewEngine().Run(context.Background(), broken)
	require.EqualError(t, err, "boom")
}
