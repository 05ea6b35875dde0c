// internal/circulation/errors.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation errors: the request conflicts with the current state.
var (
	ErrBookNotFound          = errors.New("book not found")
	ErrDuplicateActiveLoan   = errors.New("borrower already holds an active loan for this book")
	ErrNoActiveLoan          = errors.New("no active loan for this book and borrower")
	ErrTotalBelowActiveLoans = errors.New("total copies cannot drop below the number of active loans")
	ErrInvalidTotal          = errors.New("total copies must not be negative")
	ErrBookHasLoans          = errors.New("book has loan history and cannot be removed")
)

// Contention errors: transient, safe for the caller to retry.
var (
	ErrBookUnavailable = errors.New("no copies available")
	ErrBusy            = errors.New("book is busy, retry later")
	ErrConflict        = errors.New("concurrent modification of book journal")
)

// Consistency faults: internal, escalated through the FaultReporter.
var (
	ErrNotReserved      = errors.New("release without an outstanding reservation: available already equals total")
	ErrCounterMissing   = errors.New("availability counter missing for book with loans")
	ErrLoansExceedTotal = errors.New("active loans exceed total copies")
)

// Tracker and ledger level errors.
var (
	ErrInsufficient    = errors.New("no copies left to reserve")
	ErrAlreadyClosed   = errors.New("loan already closed")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrReadOnlyCatalog = errors.New("catalog does not accept changes from circulation")
)

// Class groups errors by how callers should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassContention
	ClassFault
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassContention:
		return "contention"
	case ClassFault:
		return "fault"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the coordinator onto its Class.
// Validation wins over the other classes when an error carries several sentinels.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrBookNotFound),
		errors.Is(err, ErrDuplicateActiveLoan),
		errors.Is(err, ErrNoActiveLoan),
		errors.Is(err, ErrTotalBelowActiveLoans),
		errors.Is(err, ErrInvalidTotal),
		errors.Is(err, ErrBookHasLoans):
		return ClassValidation
	case errors.Is(err, ErrBookUnavailable),
		errors.Is(err, ErrBusy),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassContention
	case errors.Is(err, ErrNotReserved),
		errors.Is(err, ErrCounterMissing),
		errors.Is(err, ErrLoansExceedTotal):
		return ClassFault
	default:
		return ClassInternal
	}
}

// TransitionError is the failure variant of a borrow, return or catalog transition.
type TransitionError struct {
	Op         string
	BookID     uuid.UUID
	BorrowerID uuid.UUID
	Err        error
}

func (e *TransitionError) Error() string {
	if e.BorrowerID == uuid.Nil {
		return fmt.Sprintf("%s book %s: %v", e.Op, e.BookID, e.Err)
	}
	return fmt.Sprintf("%s book %s for %s: %v", e.Op, e.BookID, e.BorrowerID, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Class reports the class of the wrapped error.
func (e *TransitionError) Class() Class {
	return Classify(e.Err)
}
