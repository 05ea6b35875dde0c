package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"librarycirc/internal/circulation"
)

type tx struct {
	ctx   context.Context
	store *Store
	tx    *sqlx.Tx
	span  trace.Span
	ended bool
}

func (t *tx) LockCounter(ctx context.Context, bookID uuid.UUID) (circulation.Counter, bool, error) {
	c, ok, err := t.store.counter(ctx, t.tx, bookID, true)
	return c, ok, t.mapErr(err)
}

// SaveCounter updates the availability row, inserting it on first use.
func (t *tx) SaveCounter(ctx context.Context, c circulation.Counter) error {
	d := t.store.dialect
	query, args, err := d.Update(tableAvailability).Prepared(true).
		Set(goqu.Record{
			colTotalCopies: c.Total,
			colAvailable:   c.Available,
			colUntrusted:   c.Untrusted,
			colVersion:     c.Version,
		}).
		Where(goqu.C(colBookID).Eq(c.BookID.String())).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build counter update: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return t.mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n > 0 {
		return nil
	}

	query, args, err = d.Insert(tableAvailability).Prepared(true).
		Rows(goqu.Record{
			colBookID:      c.BookID.String(),
			colTotalCopies: c.Total,
			colAvailable:   c.Available,
			colUntrusted:   c.Untrusted,
			colVersion:     c.Version,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build counter insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			// Another process created the row between our read and insert.
			return errors.Join(circulation.ErrConflict, err)
		}
		return t.mapErr(err)
	}
	return nil
}

func (t *tx) ActiveLoan(ctx context.Context, bookID, borrowerID uuid.UUID) (circulation.Loan, bool, error) {
	return t.oneLoan(ctx,
		goqu.C(colBookID).Eq(bookID.String()),
		goqu.C(colBorrowerID).Eq(borrowerID.String()),
		goqu.C(colReturnedAt).IsNull(),
	)
}

func (t *tx) CountActiveLoans(ctx context.Context, bookID uuid.UUID) (int, error) {
	n, err := t.store.countActive(ctx, t.tx, bookID)
	return n, t.mapErr(err)
}

func (t *tx) GetLoan(ctx context.Context, loanID uuid.UUID) (circulation.Loan, bool, error) {
	return t.oneLoan(ctx, goqu.C(colID).Eq(loanID.String()))
}

// InsertLoan relies on the partial unique index over active loans.
func (t *tx) InsertLoan(ctx context.Context, loan circulation.Loan) error {
	query, args, err := t.store.dialect.Insert(tableLoans).Prepared(true).
		Rows(goqu.Record{
			colID:         loan.ID.String(),
			colBookID:     loan.BookID.String(),
			colBorrowerID: loan.BorrowerID.String(),
			colBorrowedAt: toMillis(loan.BorrowedAt),
			colDueAt:      toMillis(loan.DueAt),
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return circulation.ErrDuplicateActiveLoan
		}
		return t.mapErr(err)
	}
	t.span.AddEvent("loan.inserted", trace.WithAttributes(attribute.String("loan.id", loan.ID.String())))
	return nil
}

// CloseLoan sets returned-at only while it is still null.
func (t *tx) CloseLoan(ctx context.Context, loanID uuid.UUID, at time.Time) error {
	query, args, err := t.store.dialect.Update(tableLoans).Prepared(true).
		Set(goqu.Record{colReturnedAt: toMillis(at)}).
		Where(
			goqu.C(colID).Eq(loanID.String()),
			goqu.C(colReturnedAt).IsNull(),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan close: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return t.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, found, err := t.GetLoan(ctx, loanID); err != nil {
		return err
	} else if !found {
		return circulation.ErrLoanNotFound
	}
	return circulation.ErrAlreadyClosed
}

// AppendEvent checks the expected version before inserting; the primary key
// on (book_id, version) catches writers that race past the check.
func (t *tx) AppendEvent(ctx context.Context, event circulation.JournalEvent) error {
	d := t.store.dialect
	query, args, err := d.From(tableJournal).Prepared(true).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0)).
		Where(goqu.C(colBookID).Eq(event.BookID.String())).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build version query: %w", err)
	}
	var current int
	if err := t.tx.GetContext(ctx, &current, query, args...); err != nil {
		return t.mapErr(err)
	}
	if current != event.Version-1 {
		t.span.SetAttributes(
			attribute.Int("journal.actual_version", current),
			attribute.Bool("conflict.detected", true),
		)
		return circulation.ErrConflict
	}

	query, args, err = d.Insert(tableJournal).Prepared(true).
		Rows(goqu.Record{
			colBookID:     event.BookID.String(),
			colVersion:    event.Version,
			colEventType:  string(event.Type),
			colPayload:    string(event.Payload),
			colOccurredAt: toMillis(event.OccurredAt),
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build journal insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return circulation.ErrConflict
		}
		return t.mapErr(err)
	}

	t.span.AddEvent("event.appended", trace.WithAttributes(
		attribute.Int("event.version", event.Version),
		attribute.String("event.type", string(event.Type)),
	))
	return nil
}

func (t *tx) Commit() error {
	defer t.end()
	if err := t.tx.Commit(); err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		return t.mapErr(err)
	}
	t.span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

func (t *tx) Rollback() error {
	if !t.ended {
		t.span.SetAttributes(attribute.Bool("tx.committed", false))
	}
	defer t.end()
	return t.tx.Rollback()
}

func (t *tx) end() {
	if !t.ended {
		t.ended = true
		t.span.End()
	}
}

func (t *tx) oneLoan(ctx context.Context, where ...goqu.Expression) (circulation.Loan, bool, error) {
	query, args, err := t.store.dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(where...).
		Limit(1).
		ToSQL()
	if err != nil {
		return circulation.Loan{}, false, fmt.Errorf("build loan query: %w", err)
	}
	var row loanRow
	if err := t.tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circulation.Loan{}, false, nil
		}
		return circulation.Loan{}, false, t.mapErr(err)
	}
	return row.toLoan(), true, nil
}

// mapErr turns lock and serialization failures into ErrConflict so callers
// can retry. Failures caused by the transaction's context ending carry the
// context error.
func (t *tx) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if cerr := t.ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return errors.Join(cerr, err)
	}
	if isRetryable(err) {
		return errors.Join(circulation.ErrConflict, err)
	}
	return err
}
