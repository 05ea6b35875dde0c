// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLoanPeriod is how long a borrower may keep a copy before the loan is overdue.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// Loan represents one copy of a book held by a borrower.
// A nil ReturnedAt means the loan is still active.
type Loan struct {
	ID         uuid.UUID  `json:"id"`
	BookID     uuid.UUID  `json:"book_id"`
	BorrowerID uuid.UUID  `json:"borrower_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
}

// Active reports whether the loan has not been returned yet.
func (l Loan) Active() bool {
	return l.ReturnedAt == nil
}

// Overdue reports whether the loan is still out after its due date.
func (l Loan) Overdue(now time.Time) bool {
	return l.Active() && now.After(l.DueAt)
}

// Counter is the availability projection of a single book.
// Version counts the journal events recorded for the book.
type Counter struct {
	BookID    uuid.UUID
	Total     int
	Available int
	Untrusted bool
	Version   int
}

// Availability is the read model returned to callers.
type Availability struct {
	BookID    uuid.UUID `json:"book_id"`
	Available int       `json:"available"`
	Total     int       `json:"total"`
	Trusted   bool      `json:"trusted"`
}

// EventType names a journal entry.
type EventType string

const (
	EventLoanOpened             EventType = "LoanOpened"
	EventLoanClosed             EventType = "LoanClosed"
	EventCopiesAdjusted         EventType = "CopiesAdjusted"
	EventAvailabilityReconciled EventType = "AvailabilityReconciled"
)

// JournalEvent is one committed transition on a book, ordered by Version.
type JournalEvent struct {
	BookID     uuid.UUID `json:"book_id"`
	Version    int       `json:"version"`
	Type       EventType `json:"type"`
	Payload    []byte    `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LoanOpenedEvent is recorded when a borrow commits.
type LoanOpenedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	DueAt      time.Time `json:"due_at"`
	Available  int       `json:"available"`
}

// LoanClosedEvent is recorded when a return commits.
type LoanClosedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	ReturnedAt time.Time `json:"returned_at"`
	Available  int       `json:"available"`
	Fault      string    `json:"fault,omitempty"`
}

// CopiesAdjustedEvent is recorded when the catalog total changes.
type CopiesAdjustedEvent struct {
	PreviousTotal int `json:"previous_total"`
	NewTotal      int `json:"new_total"`
	ActiveLoans   int `json:"active_loans"`
	Available     int `json:"available"`
}

// AvailabilityReconciledEvent is recorded when the counter is rebuilt from the ledger.
type AvailabilityReconciledEvent struct {
	PreviousAvailable int  `json:"previous_available"`
	Available         int  `json:"available"`
	PreviousTotal     int  `json:"previous_total"`
	Total             int  `json:"total"`
	ActiveLoans       int  `json:"active_loans"`
	WasUntrusted      bool `json:"was_untrusted"`
}
