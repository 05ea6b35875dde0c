// internal/circulation/ledger.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger is the append-only record of loans within one transaction.
// A loan row is written once on open and its returned-at is set once on close.
// Timestamps are kept at millisecond precision.
type Ledger struct {
	tx     LoanTx
	now    func() time.Time
	newID  func() uuid.UUID
	period time.Duration
}

// NewLedger scopes a ledger to tx.
func NewLedger(tx LoanTx, now func() time.Time, newID func() uuid.UUID, period time.Duration) *Ledger {
	return &Ledger{tx: tx, now: now, newID: newID, period: period}
}

// Open records a new active loan.
func (l *Ledger) Open(ctx context.Context, bookID, borrowerID uuid.UUID) (Loan, error) {
	if _, active, err := l.ActiveLoanFor(ctx, bookID, borrowerID); err != nil {
		return Loan{}, err
	} else if active {
		return Loan{}, ErrDuplicateActiveLoan
	}

	borrowedAt := l.now().UTC().Truncate(time.Millisecond)
	loan := Loan{
		ID:         l.newID(),
		BookID:     bookID,
		BorrowerID: borrowerID,
		BorrowedAt: borrowedAt,
		DueAt:      borrowedAt.Add(l.period),
	}
	if err := l.tx.InsertLoan(ctx, loan); err != nil {
		if errors.Is(err, ErrDuplicateActiveLoan) {
			return Loan{}, err
		}
		return Loan{}, fmt.Errorf("insert loan: %w", err)
	}
	return loan, nil
}

// Close sets returned-at on an active loan.
func (l *Ledger) Close(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	loan, ok, err := l.tx.GetLoan(ctx, loanID)
	if err != nil {
		return Loan{}, fmt.Errorf("get loan: %w", err)
	}
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	if !loan.Active() {
		return Loan{}, ErrAlreadyClosed
	}

	returnedAt := l.now().UTC().Truncate(time.Millisecond)
	if err := l.tx.CloseLoan(ctx, loanID, returnedAt); err != nil {
		if errors.Is(err, ErrAlreadyClosed) {
			return Loan{}, err
		}
		return Loan{}, fmt.Errorf("close loan: %w", err)
	}
	loan.ReturnedAt = &returnedAt
	return loan, nil
}

// ActiveLoanFor finds the active loan for the pair, if any.
func (l *Ledger) ActiveLoanFor(ctx context.Context, bookID, borrowerID uuid.UUID) (Loan, bool, error) {
	loan, ok, err := l.tx.ActiveLoan(ctx, bookID, borrowerID)
	if err != nil {
		return Loan{}, false, fmt.Errorf("find active loan: %w", err)
	}
	return loan, ok, nil
}

// ActiveCount counts active loans for the book.
func (l *Ledger) ActiveCount(ctx context.Context, bookID uuid.UUID) (int, error) {
	n, err := l.tx.CountActiveLoans(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return n, nil
}
