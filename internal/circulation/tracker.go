// internal/circulation/tracker.go
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Reservation is a copy held by a borrow that has not committed yet.
type Reservation struct {
	BookID    uuid.UUID
	Remaining int
}

// Tracker maintains available copies for the books touched by one transaction.
// Every read goes through LockCounter, so the check and the decrement happen
// under the same row lock.
type Tracker struct {
	tx CounterTx
}

// NewTracker scopes a tracker to tx.
func NewTracker(tx CounterTx) *Tracker {
	return &Tracker{tx: tx}
}

// Load returns the current counter for the book.
func (t *Tracker) Load(ctx context.Context, bookID uuid.UUID) (Counter, bool, error) {
	c, ok, err := t.tx.LockCounter(ctx, bookID)
	if err != nil {
		return Counter{}, false, fmt.Errorf("lock counter: %w", err)
	}
	return c, ok, nil
}

// Reset rebuilds the counter as total minus active loans and marks it trusted.
// The journal version is preserved.
func (t *Tracker) Reset(ctx context.Context, bookID uuid.UUID, total, active int) (Counter, error) {
	c, _, err := t.Load(ctx, bookID)
	if err != nil {
		return Counter{}, err
	}
	if active > total {
		return Counter{}, ErrLoansExceedTotal
	}

	c.BookID = bookID
	c.Total = total
	c.Available = total - active
	c.Untrusted = false
	if err := t.tx.SaveCounter(ctx, c); err != nil {
		return Counter{}, fmt.Errorf("save counter: %w", err)
	}
	return c, nil
}

// Reserve takes one copy if any is left.
func (t *Tracker) Reserve(ctx context.Context, bookID uuid.UUID) (Reservation, error) {
	c, ok, err := t.Load(ctx, bookID)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, ErrCounterMissing
	}
	if c.Available <= 0 {
		return Reservation{}, ErrInsufficient
	}

	c.Available--
	if err := t.tx.SaveCounter(ctx, c); err != nil {
		return Reservation{}, fmt.Errorf("save counter: %w", err)
	}
	return Reservation{BookID: bookID, Remaining: c.Available}, nil
}

// Release gives one copy back. Releasing past the total is a consistency
// fault and leaves the counter untouched.
func (t *Tracker) Release(ctx context.Context, bookID uuid.UUID) error {
	c, ok, err := t.Load(ctx, bookID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCounterMissing
	}
	if c.Available >= c.Total {
		return ErrNotReserved
	}

	c.Available++
	if err := t.tx.SaveCounter(ctx, c); err != nil {
		return fmt.Errorf("save counter: %w", err)
	}
	return nil
}

// MarkUntrusted flags the counter for reconciliation.
func (t *Tracker) MarkUntrusted(ctx context.Context, bookID uuid.UUID) error {
	c, ok, err := t.Load(ctx, bookID)
	if err != nil || !ok {
		return err
	}
	c.Untrusted = true
	if err := t.tx.SaveCounter(ctx, c); err != nil {
		return fmt.Errorf("save counter: %w", err)
	}
	return nil
}

// Advance bumps the journal version and returns the new value.
// A book without a counter gets one with zero copies, flagged untrusted.
func (t *Tracker) Advance(ctx context.Context, bookID uuid.UUID) (int, error) {
	c, ok, err := t.Load(ctx, bookID)
	if err != nil {
		return 0, err
	}
	if !ok {
		c = Counter{BookID: bookID, Untrusted: true}
	}
	c.Version++
	if err := t.tx.SaveCounter(ctx, c); err != nil {
		return 0, fmt.Errorf("save counter: %w", err)
	}
	return c.Version, nil
}
