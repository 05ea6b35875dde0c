// internal/circulation/implementation.go
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "librarycirc/circulation"

const (
	opBorrow    = "borrow"
	opReturn    = "return"
	opSetTotal  = "set_total_copies"
	opReconcile = "reconcile"
	opRemove    = "remove_book"
)

// Coordinator implements Service. Every transition runs under the book's
// lock inside one store transaction.
type Coordinator struct {
	store       Store
	catalog     Catalog
	locks       *LockArena
	faults      FaultReporter
	logger      *slog.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
	now         func() time.Time
	newID       func() uuid.UUID
	loanPeriod  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces uuid.New for loan ids.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithLoanPeriod sets how long loans run before they are due.
func WithLoanPeriod(period time.Duration) Option {
	return func(c *Coordinator) {
		if period > 0 {
			c.loanPeriod = period
		}
	}
}

// WithLockArena shares an arena between coordinators.
func WithLockArena(locks *LockArena) Option {
	return func(c *Coordinator) { c.locks = locks }
}

// WithLockTimeout bounds the wait for a busy book.
func WithLockTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.locks = NewLockArena(timeout) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultReporter sets the operator channel for consistency faults.
func WithFaultReporter(r FaultReporter) Option {
	return func(c *Coordinator) { c.faults = r }
}

// NewCoordinator creates a new circulation service instance.
func NewCoordinator(store Store, catalog Catalog, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		catalog:    catalog,
		logger:     slog.Default(),
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		newID:      uuid.New,
		loanPeriod: DefaultLoanPeriod,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = NewLockArena(DefaultLockTimeout)
	}
	if c.faults == nil {
		c.faults = NewLogFaultReporter(c.logger)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"circulation.transitions",
		metric.WithDescription("Borrow, return and catalog transitions by outcome"),
	)
	if err != nil {
		counter = noop.Int64Counter{}
	}
	c.transitions = counter
	return c
}

// txFunc runs inside a store transaction with a tracker and a ledger bound to it.
type txFunc func(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger) error

// Borrow moves the (book, borrower) pair from NoLoan to Active.
func (c *Coordinator) Borrow(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error) {
	ctx, span := c.start(ctx, opBorrow, bookID, borrowerID)
	defer span.End()

	loan, err := c.borrow(ctx, bookID, borrowerID)
	c.finish(ctx, span, opBorrow, err)
	if err != nil {
		return nil, &TransitionError{Op: opBorrow, BookID: bookID, BorrowerID: borrowerID, Err: err}
	}
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

func (c *Coordinator) borrow(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error) {
	total, found, err := c.catalog.TotalCopies(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("lookup total copies: %w", err)
	}
	if !found {
		return nil, ErrBookNotFound
	}

	var loan Loan
	err = c.withinBook(ctx, bookID, func(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger) error {
		if err := c.prepare(ctx, tx, tracker, ledger, bookID, total); err != nil {
			return err
		}

		if _, active, err := ledger.ActiveLoanFor(ctx, bookID, borrowerID); err != nil {
			return err
		} else if active {
			return ErrDuplicateActiveLoan
		}

		reservation, err := tracker.Reserve(ctx, bookID)
		if err != nil {
			if errors.Is(err, ErrInsufficient) {
				return ErrBookUnavailable
			}
			return err
		}

		opened, err := ledger.Open(ctx, bookID, borrowerID)
		if err != nil {
			if relErr := tracker.Release(ctx, bookID); relErr != nil {
				c.logger.WarnContext(ctx, "compensating release failed, transaction will be rolled back",
					slog.String("book_id", bookID.String()),
					slog.Any("error", relErr),
				)
			}
			return err
		}
		loan = opened

		return c.record(ctx, tx, tracker, bookID, EventLoanOpened, LoanOpenedEvent{
			LoanID:     loan.ID,
			BorrowerID: borrowerID,
			DueAt:      loan.DueAt,
			Available:  reservation.Remaining,
		})
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// Return moves the (book, borrower) pair from Active to Returned.
func (c *Coordinator) Return(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error) {
	ctx, span := c.start(ctx, opReturn, bookID, borrowerID)
	defer span.End()

	loan, err := c.returnLoan(ctx, bookID, borrowerID)
	c.finish(ctx, span, opReturn, err)
	if err != nil {
		return nil, &TransitionError{Op: opReturn, BookID: bookID, BorrowerID: borrowerID, Err: err}
	}
	return loan, nil
}

func (c *Coordinator) returnLoan(ctx context.Context, bookID, borrowerID uuid.UUID) (*Loan, error) {
	// A book gone from the catalog still accepts returns against its counter.
	total, found, err := c.catalog.TotalCopies(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("lookup total copies: %w", err)
	}

	var closed Loan
	var fault error

	err = c.withinBook(ctx, bookID, func(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger) error {
		fault = nil

		loan, active, err := ledger.ActiveLoanFor(ctx, bookID, borrowerID)
		if err != nil {
			return err
		}
		if !active {
			return ErrNoActiveLoan
		}

		counter, ok, err := tracker.Load(ctx, bookID)
		if err != nil {
			return err
		}
		want := total
		if !found {
			want = counter.Total
		}
		if ok && stale(counter, want) {
			if _, err := c.rebuild(ctx, tx, tracker, ledger, bookID, want); err != nil {
				if Classify(err) != ClassFault {
					return err
				}
				fault = err
			}
		}

		closed, err = ledger.Close(ctx, loan.ID)
		if err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				return ErrNoActiveLoan
			}
			return err
		}

		if err := tracker.Release(ctx, bookID); err != nil {
			if Classify(err) != ClassFault {
				return err
			}
			fault = errors.Join(fault, err)
		}
		if fault != nil {
			if err := tracker.MarkUntrusted(ctx, bookID); err != nil {
				return err
			}
		}

		after, _, err := tracker.Load(ctx, bookID)
		if err != nil {
			return err
		}
		event := LoanClosedEvent{
			LoanID:     closed.ID,
			BorrowerID: borrowerID,
			ReturnedAt: *closed.ReturnedAt,
			Available:  after.Available,
		}
		if fault != nil {
			event.Fault = fault.Error()
		}
		return c.record(ctx, tx, tracker, bookID, EventLoanClosed, event)
	})
	if err != nil {
		return nil, err
	}

	// The loan is closed for the borrower; the fault is the operator's problem.
	if fault != nil {
		c.faults.Report(ctx, Fault{
			Op:         opReturn,
			BookID:     bookID,
			LoanID:     closed.ID,
			Err:        fault,
			DetectedAt: c.now().UTC(),
		})
	}
	return &closed, nil
}

// Availability returns the current counter for a book.
func (c *Coordinator) Availability(ctx context.Context, bookID uuid.UUID) (*Availability, error) {
	total, found, err := c.catalog.TotalCopies(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("lookup total copies: %w", err)
	}
	if !found {
		return nil, &TransitionError{Op: "availability", BookID: bookID, Err: ErrBookNotFound}
	}

	counter, ok, err := c.store.Counter(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}
	if !ok {
		return &Availability{BookID: bookID, Available: total, Total: total, Trusted: true}, nil
	}
	a := toAvailability(counter)
	if stale(counter, total) {
		a.Trusted = false
	}
	return a, nil
}

// LoansByBook returns every loan of the book ordered by borrowed-at.
func (c *Coordinator) LoansByBook(ctx context.Context, bookID uuid.UUID) ([]Loan, error) {
	loans, err := c.store.LoansByBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("list loans by book: %w", err)
	}
	return loans, nil
}

// LoansByBorrower returns every loan of the borrower ordered by borrowed-at.
func (c *Coordinator) LoansByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Loan, error) {
	loans, err := c.store.LoansByBorrower(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("list loans by borrower: %w", err)
	}
	return loans, nil
}

// OverdueLoans lists active loans whose due date is before asOf. It never
// changes any state.
func (c *Coordinator) OverdueLoans(ctx context.Context, asOf time.Time) ([]Loan, error) {
	loans, err := c.store.OverdueLoans(ctx, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list overdue loans: %w", err)
	}
	return loans, nil
}

// Journal returns the committed transitions of a book in version order.
func (c *Coordinator) Journal(ctx context.Context, bookID uuid.UUID) ([]JournalEvent, error) {
	events, err := c.store.Journal(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	return events, nil
}

// SetTotalCopies changes the catalog total and rebuilds availability.
// Totals below the active loan count are rejected.
func (c *Coordinator) SetTotalCopies(ctx context.Context, bookID uuid.UUID, total int) (*Availability, error) {
	ctx, span := c.start(ctx, opSetTotal, bookID, uuid.Nil)
	defer span.End()

	counter, err := c.setTotalCopies(ctx, bookID, total)
	c.finish(ctx, span, opSetTotal, err)
	if err != nil {
		return nil, &TransitionError{Op: opSetTotal, BookID: bookID, Err: err}
	}
	return toAvailability(counter), nil
}

func (c *Coordinator) setTotalCopies(ctx context.Context, bookID uuid.UUID, total int) (Counter, error) {
	if total < 0 {
		return Counter{}, ErrInvalidTotal
	}
	writer, ok := c.catalog.(CatalogWriter)
	if !ok {
		return Counter{}, ErrReadOnlyCatalog
	}
	previous, found, err := writer.TotalCopies(ctx, bookID)
	if err != nil {
		return Counter{}, fmt.Errorf("lookup total copies: %w", err)
	}
	if !found {
		return Counter{}, ErrBookNotFound
	}

	unlock, err := c.locks.Acquire(ctx, bookID)
	if err != nil {
		return Counter{}, err
	}
	defer unlock()

	active, err := c.store.ActiveLoanCount(ctx, bookID)
	if err != nil {
		return Counter{}, fmt.Errorf("count active loans: %w", err)
	}
	if total < active {
		return Counter{}, ErrTotalBelowActiveLoans
	}

	if err := writer.SetTotalCopies(ctx, bookID, total); err != nil {
		return Counter{}, fmt.Errorf("update catalog total: %w", err)
	}

	var after Counter
	err = c.inTx(ctx, func(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger) error {
		active, err := ledger.ActiveCount(ctx, bookID)
		if err != nil {
			return err
		}
		if total < active {
			return ErrTotalBelowActiveLoans
		}
		after, err = tracker.Reset(ctx, bookID, total, active)
		if err != nil {
			return err
		}
		return c.record(ctx, tx, tracker, bookID, EventCopiesAdjusted, CopiesAdjustedEvent{
			PreviousTotal: previous,
			NewTotal:      total,
			ActiveLoans:   active,
			Available:     after.Available,
		})
	})
	if err != nil {
		// Compensate the catalog write.
		if cErr := writer.SetTotalCopies(context.WithoutCancel(ctx), bookID, previous); cErr != nil {
			c.logger.ErrorContext(ctx, "failed to compensate catalog total",
				slog.String("book_id", bookID.String()),
				slog.Int("previous_total", previous),
				slog.Any("error", cErr),
			)
		}
		return Counter{}, err
	}
	return after, nil
}

// RemoveBook deletes the catalog record of a book that was never lent.
// Books with any loan, active or returned, keep their record so the ledger
// stays resolvable.
func (c *Coordinator) RemoveBook(ctx context.Context, bookID uuid.UUID) error {
	ctx, span := c.start(ctx, opRemove, bookID, uuid.Nil)
	defer span.End()

	err := c.removeBook(ctx, bookID)
	c.finish(ctx, span, opRemove, err)
	if err != nil {
		return &TransitionError{Op: opRemove, BookID: bookID, Err: err}
	}
	return nil
}

func (c *Coordinator) removeBook(ctx context.Context, bookID uuid.UUID) error {
	remover, ok := c.catalog.(CatalogRemover)
	if !ok {
		return ErrReadOnlyCatalog
	}
	_, found, err := remover.TotalCopies(ctx, bookID)
	if err != nil {
		return fmt.Errorf("lookup total copies: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}

	unlock, err := c.locks.Acquire(ctx, bookID)
	if err != nil {
		return err
	}
	defer unlock()

	loans, err := c.store.LoansByBook(ctx, bookID)
	if err != nil {
		return fmt.Errorf("list loans by book: %w", err)
	}
	if len(loans) > 0 {
		return ErrBookHasLoans
	}
	if err := remover.DeleteBook(ctx, bookID); err != nil {
		return fmt.Errorf("delete catalog record: %w", err)
	}
	c.logger.InfoContext(ctx, "book removed", slog.String("book_id", bookID.String()))
	return nil
}

// Reconcile rebuilds availability from the ledger and clears the untrusted flag.
func (c *Coordinator) Reconcile(ctx context.Context, bookID uuid.UUID) (*Availability, error) {
	ctx, span := c.start(ctx, opReconcile, bookID, uuid.Nil)
	defer span.End()

	counter, err := c.reconcile(ctx, bookID)
	c.finish(ctx, span, opReconcile, err)
	if err != nil {
		return nil, &TransitionError{Op: opReconcile, BookID: bookID, Err: err}
	}
	return toAvailability(counter), nil
}

func (c *Coordinator) reconcile(ctx context.Context, bookID uuid.UUID) (Counter, error) {
	total, found, err := c.catalog.TotalCopies(ctx, bookID)
	if err != nil {
		return Counter{}, fmt.Errorf("lookup total copies: %w", err)
	}
	if !found {
		return Counter{}, ErrBookNotFound
	}

	var after Counter
	var fault error
	err = c.withinBook(ctx, bookID, func(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger) error {
		fault = nil
		rebuilt, rerr := c.rebuild(ctx, tx, tracker, ledger, bookID, total)
		if !errors.Is(rerr, ErrLoansExceedTotal) {
			after = rebuilt
			return rerr
		}
		fault = rerr
		return tracker.MarkUntrusted(ctx, bookID)
	})
	if err != nil {
		return Counter{}, err
	}
	if fault != nil {
		c.faults.Report(ctx, Fault{Op: opReconcile, BookID: bookID, Err: fault, DetectedAt: c.now().UTC()})
		return Counter{}, fault
	}
	return after, nil
}

// prepare makes sure the book has a trusted counter before a borrow.
func (c *Coordinator) prepare(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger, bookID uuid.UUID, total int) error {
	counter, ok, err := tracker.Load(ctx, bookID)
	if err != nil {
		return err
	}
	if ok && !stale(counter, total) {
		return nil
	}
	if _, err := c.rebuild(ctx, tx, tracker, ledger, bookID, total); err != nil {
		if errors.Is(err, ErrLoansExceedTotal) {
			c.faults.Report(ctx, Fault{Op: opBorrow, BookID: bookID, Err: err, DetectedAt: c.now().UTC()})
		}
		return err
	}
	return nil
}

// stale reports whether the counter must be rebuilt before it is used: it was
// flagged by a fault, or the catalog total moved without the coordinator.
func stale(counter Counter, total int) bool {
	return counter.Untrusted || counter.Total != total
}

// rebuild sets available to total minus active loans. Rebuilding an existing
// counter is journaled.
func (c *Coordinator) rebuild(ctx context.Context, tx Tx, tracker *Tracker, ledger *Ledger, bookID uuid.UUID, total int) (Counter, error) {
	before, existed, err := tracker.Load(ctx, bookID)
	if err != nil {
		return Counter{}, err
	}
	active, err := ledger.ActiveCount(ctx, bookID)
	if err != nil {
		return Counter{}, err
	}
	after, err := tracker.Reset(ctx, bookID, total, active)
	if err != nil {
		return Counter{}, err
	}
	if !existed {
		return after, nil
	}

	if before.Untrusted || before.Available != after.Available || before.Total != after.Total {
		c.logger.WarnContext(ctx, "availability rebuilt from ledger",
			slog.String("book_id", bookID.String()),
			slog.Int("previous_available", before.Available),
			slog.Int("available", after.Available),
			slog.Int("previous_total", before.Total),
			slog.Int("total", total),
			slog.Bool("was_untrusted", before.Untrusted),
		)
	}
	if err := c.record(ctx, tx, tracker, bookID, EventAvailabilityReconciled, AvailabilityReconciledEvent{
		PreviousAvailable: before.Available,
		Available:         after.Available,
		PreviousTotal:     before.Total,
		Total:             total,
		ActiveLoans:       active,
		WasUntrusted:      before.Untrusted,
	}); err != nil {
		return Counter{}, err
	}
	return after, nil
}

// record appends a journal event at the next version of the book.
func (c *Coordinator) record(ctx context.Context, tx Tx, tracker *Tracker, bookID uuid.UUID, eventType EventType, payload any) error {
	data, err := jsoniter.ConfigFastest.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	version, err := tracker.Advance(ctx, bookID)
	if err != nil {
		return err
	}

	event := JournalEvent{
		BookID:     bookID,
		Version:    version,
		Type:       eventType,
		Payload:    data,
		OccurredAt: c.now().UTC().Truncate(time.Millisecond),
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// withinBook runs fn under the book lock in a single transaction.
func (c *Coordinator) withinBook(ctx context.Context, bookID uuid.UUID, fn txFunc) error {
	unlock, err := c.locks.Acquire(ctx, bookID)
	if err != nil {
		return err
	}
	defer unlock()

	return c.inTx(ctx, fn)
}

// inTx commits when fn succeeds and the context is still live; anything else
// rolls back.
func (c *Coordinator) inTx(ctx context.Context, fn txFunc) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.logger.WarnContext(ctx, "rollback failed", slog.Any("error", err))
		}
	}()

	tracker := NewTracker(tx)
	ledger := NewLedger(tx, c.now, c.newID, c.loanPeriod)
	if err := fn(ctx, tx, tracker, ledger); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (c *Coordinator) start(ctx context.Context, op string, bookID, borrowerID uuid.UUID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("book.id", bookID.String()),
	}
	if borrowerID != uuid.Nil {
		attrs = append(attrs, attribute.String("borrower.id", borrowerID.String()))
	}
	return c.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("transition.outcome", outcome))
	c.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func toAvailability(c Counter) *Availability {
	return &Availability{
		BookID:    c.BookID,
		Available: c.Available,
		Total:     c.Total,
		Trusted:   !c.Untrusted,
	}
}
