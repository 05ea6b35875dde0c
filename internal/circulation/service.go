// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	Borrow(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error)
	Return(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error)
	Availability(ctx context.Context, bookID uuid.UUID) (*Availability, error)
	LoansByBook(ctx context.Context, bookID uuid.UUID) ([]Loan, error)
	LoansByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Loan, error)
	OverdueLoans(ctx context.Context, asOf time.Time) ([]Loan, error)
	Journal(ctx context.Context, bookID uuid.UUID) ([]JournalEvent, error)
	SetTotalCopies(ctx context.Context, bookID uuid.UUID, total int) (*Availability, error)
	Reconcile(ctx context.Context, bookID uuid.UUID) (*Availability, error)
	RemoveBook(ctx context.Context, bookID uuid.UUID) error
}

// Catalog is the part of the catalog record store the coordinator reads.
type Catalog interface {
	TotalCopies(ctx context.Context, bookID uuid.UUID) (total int, found bool, err error)
}

// CatalogWriter is implemented by catalogs that let the coordinator change totals.
type CatalogWriter interface {
	Catalog
	SetTotalCopies(ctx context.Context, bookID uuid.UUID, total int) error
}

// CatalogRemover is implemented by catalogs that let the coordinator delete records.
type CatalogRemover interface {
	Catalog
	DeleteBook(ctx context.Context, bookID uuid.UUID) error
}

// Store persists counters, loans and the journal.
// Reads outside a Tx see committed state only.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Counter(ctx context.Context, bookID uuid.UUID) (Counter, bool, error)
	ActiveLoanCount(ctx context.Context, bookID uuid.UUID) (int, error)
	LoansByBook(ctx context.Context, bookID uuid.UUID) ([]Loan, error)
	LoansByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Loan, error)
	OverdueLoans(ctx context.Context, asOf time.Time) ([]Loan, error)
	Journal(ctx context.Context, bookID uuid.UUID) ([]JournalEvent, error)
}

// CounterTx is the availability side of a transaction.
type CounterTx interface {
	// LockCounter reads the counter and holds it for the rest of the transaction.
	LockCounter(ctx context.Context, bookID uuid.UUID) (Counter, bool, error)
	SaveCounter(ctx context.Context, c Counter) error
}

// LoanTx is the ledger side of a transaction.
type LoanTx interface {
	ActiveLoan(ctx context.Context, bookID, borrowerID uuid.UUID) (Loan, bool, error)
	CountActiveLoans(ctx context.Context, bookID uuid.UUID) (int, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, bool, error)
	// InsertLoan returns ErrDuplicateActiveLoan when the pair already has an active loan.
	InsertLoan(ctx context.Context, loan Loan) error
	// CloseLoan returns ErrAlreadyClosed when returned-at is already set.
	CloseLoan(ctx context.Context, loanID uuid.UUID, at time.Time) error
}

// Tx is one atomic unit spanning counters, loans and the journal.
type Tx interface {
	CounterTx
	LoanTx
	// AppendEvent returns ErrConflict when the version is already taken.
	AppendEvent(ctx context.Context, event JournalEvent) error
	Commit() error
	Rollback() error
}
