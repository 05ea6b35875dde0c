// Package memstore is an in-process circulation.Store.
// Transactions buffer their writes and apply them atomically on Commit.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"librarycirc/internal/circulation"
)

var errTxDone = sql.ErrTxDone

// Store keeps counters, loans and journals in memory.
type Store struct {
	mu       sync.RWMutex
	counters map[uuid.UUID]circulation.Counter
	loans    map[uuid.UUID]circulation.Loan
	journals map[uuid.UUID][]circulation.JournalEvent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		counters: make(map[uuid.UUID]circulation.Counter),
		loans:    make(map[uuid.UUID]circulation.Loan),
		journals: make(map[uuid.UUID][]circulation.JournalEvent),
	}
}

// Begin starts a buffered transaction.
func (s *Store) Begin(ctx context.Context) (circulation.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		store:    s,
		counters: make(map[uuid.UUID]circulation.Counter),
		loans:    make(map[uuid.UUID]circulation.Loan),
	}, nil
}

// Counter returns the committed counter of a book.
func (s *Store) Counter(_ context.Context, bookID uuid.UUID) (circulation.Counter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[bookID]
	return c, ok, nil
}

// ActiveLoanCount counts committed active loans of a book.
func (s *Store) ActiveLoanCount(_ context.Context, bookID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.loans {
		if l.BookID == bookID && l.Active() {
			n++
		}
	}
	return n, nil
}

// LoansByBook lists every loan of a book ordered by borrowed-at.
func (s *Store) LoansByBook(_ context.Context, bookID uuid.UUID) ([]circulation.Loan, error) {
	return s.filter(func(l circulation.Loan) bool { return l.BookID == bookID }), nil
}

// LoansByBorrower lists every loan of a borrower ordered by borrowed-at.
func (s *Store) LoansByBorrower(_ context.Context, borrowerID uuid.UUID) ([]circulation.Loan, error) {
	return s.filter(func(l circulation.Loan) bool { return l.BorrowerID == borrowerID }), nil
}

// OverdueLoans lists active loans due before asOf.
func (s *Store) OverdueLoans(_ context.Context, asOf time.Time) ([]circulation.Loan, error) {
	return s.filter(func(l circulation.Loan) bool { return l.Overdue(asOf) }), nil
}

// Journal returns a copy of the book's journal.
func (s *Store) Journal(_ context.Context, bookID uuid.UUID) ([]circulation.JournalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]circulation.JournalEvent, len(s.journals[bookID]))
	copy(events, s.journals[bookID])
	return events, nil
}

func (s *Store) filter(keep func(circulation.Loan) bool) []circulation.Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans := make([]circulation.Loan, 0)
	for _, l := range s.loans {
		if keep(l) {
			loans = append(loans, cloneLoan(l))
		}
	}
	sortLoans(loans)
	return loans
}

type tx struct {
	store    *Store
	counters map[uuid.UUID]circulation.Counter
	loans    map[uuid.UUID]circulation.Loan
	events   []circulation.JournalEvent
	done     bool
}

func (t *tx) LockCounter(ctx context.Context, bookID uuid.UUID) (circulation.Counter, bool, error) {
	if err := t.check(ctx); err != nil {
		return circulation.Counter{}, false, err
	}
	if c, ok := t.counters[bookID]; ok {
		return c, true, nil
	}
	return t.store.Counter(ctx, bookID)
}

func (t *tx) SaveCounter(ctx context.Context, c circulation.Counter) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.counters[c.BookID] = c
	return nil
}

func (t *tx) ActiveLoan(ctx context.Context, bookID, borrowerID uuid.UUID) (circulation.Loan, bool, error) {
	if err := t.check(ctx); err != nil {
		return circulation.Loan{}, false, err
	}
	for _, l := range t.view() {
		if l.BookID == bookID && l.BorrowerID == borrowerID && l.Active() {
			return l, true, nil
		}
	}
	return circulation.Loan{}, false, nil
}

func (t *tx) CountActiveLoans(ctx context.Context, bookID uuid.UUID) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, l := range t.view() {
		if l.BookID == bookID && l.Active() {
			n++
		}
	}
	return n, nil
}

func (t *tx) GetLoan(ctx context.Context, loanID uuid.UUID) (circulation.Loan, bool, error) {
	if err := t.check(ctx); err != nil {
		return circulation.Loan{}, false, err
	}
	if l, ok := t.loans[loanID]; ok {
		return cloneLoan(l), true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	l, ok := t.store.loans[loanID]
	return cloneLoan(l), ok, nil
}

func (t *tx) InsertLoan(ctx context.Context, loan circulation.Loan) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, active, _ := t.ActiveLoan(ctx, loan.BookID, loan.BorrowerID); active {
		return circulation.ErrDuplicateActiveLoan
	}
	t.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (t *tx) CloseLoan(ctx context.Context, loanID uuid.UUID, at time.Time) error {
	l, ok, err := t.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if !ok {
		return circulation.ErrLoanNotFound
	}
	if !l.Active() {
		return circulation.ErrAlreadyClosed
	}
	l.ReturnedAt = &at
	t.loans[loanID] = l
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, event circulation.JournalEvent) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if event.Version != t.nextVersion(event.BookID) {
		return circulation.ErrConflict
	}
	t.events = append(t.events, event)
	return nil
}

// Commit re-validates the write set against committed state and applies it.
func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range t.loans {
		if !l.Active() {
			continue
		}
		for id, other := range s.loans {
			if id != l.ID && other.Active() && other.BookID == l.BookID && other.BorrowerID == l.BorrowerID {
				return circulation.ErrDuplicateActiveLoan
			}
		}
	}
	for _, e := range t.events {
		if len(s.journals[e.BookID]) >= e.Version {
			return circulation.ErrConflict
		}
	}

	for id, c := range t.counters {
		s.counters[id] = c
	}
	for id, l := range t.loans {
		s.loans[id] = l
	}
	for _, e := range t.events {
		s.journals[e.BookID] = append(s.journals[e.BookID], e)
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	return ctx.Err()
}

// view merges committed loans with the ones written in this transaction.
func (t *tx) view() []circulation.Loan {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	loans := make([]circulation.Loan, 0, len(t.store.loans)+len(t.loans))
	for id, l := range t.store.loans {
		if _, shadowed := t.loans[id]; !shadowed {
			loans = append(loans, l)
		}
	}
	for _, l := range t.loans {
		loans = append(loans, l)
	}
	return loans
}

func (t *tx) nextVersion(bookID uuid.UUID) int {
	t.store.mu.RLock()
	n := len(t.store.journals[bookID])
	t.store.mu.RUnlock()
	for _, e := range t.events {
		if e.BookID == bookID {
			n++
		}
	}
	return n + 1
}

func cloneLoan(l circulation.Loan) circulation.Loan {
	if l.ReturnedAt != nil {
		at := *l.ReturnedAt
		l.ReturnedAt = &at
	}
	return l
}

func sortLoans(loans []circulation.Loan) {
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].BorrowedAt.Equal(loans[j].BorrowedAt) {
			return loans[i].BorrowedAt.Before(loans[j].BorrowedAt)
		}
		return loans[i].ID.String() < loans[j].ID.String()
	})
}
