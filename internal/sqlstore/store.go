// Package sqlstore persists the catalog, the loan ledger, availability
// counters and the per-book journal in Postgres or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers "postgres"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // registers "sqlite"

	"librarycirc/internal/circulation"
)

// Driver selects the database/sql driver.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverPGX      Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
)

const (
	tableBooks        = "books"
	tableAvailability = "book_availability"
	tableLoans        = "loans"
	tableJournal      = "loan_journal"

	colID          = "id"
	colISBN        = "isbn"
	colTitle       = "title"
	colAuthor      = "author"
	colTotalCopies = "total_copies"
	colCreatedAt   = "created_at"
	colUpdatedAt   = "updated_at"
	colBookID      = "book_id"
	colAvailable   = "available"
	colUntrusted   = "untrusted"
	colVersion     = "version"
	colBorrowerID  = "borrower_id"
	colBorrowedAt  = "borrowed_at"
	colDueAt       = "due_at"
	colReturnedAt  = "returned_at"
	colEventType   = "event_type"
	colPayload     = "payload"
	colOccurredAt  = "occurred_at"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store implements circulation.Store and catalog.Store over one database.
type Store struct {
	db       *sqlx.DB
	driver   Driver
	dialect  goqu.DialectWrapper
	lockRows bool
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects, verifies the connection and applies the bundled schema.
func Open(ctx context.Context, driver Driver, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url is required")
	}

	var dialect string
	switch driver {
	case DriverPostgres, DriverPGX:
		dialect = "postgres"
	case DriverSQLite:
		dialect = "sqlite3"
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; transactions queue on the pool instead of
		// failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &Store{
		db:       db,
		driver:   driver,
		dialect:  goqu.Dialect(dialect),
		lockRows: dialect == "postgres",
		tracer:   otel.Tracer("librarycirc/sqlstore"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver reports the driver the store was opened with.
func (s *Store) Driver() Driver {
	return s.driver
}

func (s *Store) applySchema(ctx context.Context) error {
	name := "schema/postgres.sql"
	if s.driver == DriverSQLite {
		name = "schema/sqlite.sql"
	}
	ddl, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(ddl), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Begin starts a transaction spanning counters, loans and the journal.
func (s *Store) Begin(ctx context.Context) (circulation.Tx, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.tx")
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	return &tx{ctx: ctx, store: s, tx: sqlTx, span: span}, nil
}

// Counter returns the committed counter of a book.
func (s *Store) Counter(ctx context.Context, bookID uuid.UUID) (circulation.Counter, bool, error) {
	return s.counter(ctx, s.db, bookID, false)
}

// ActiveLoanCount counts committed active loans of a book.
func (s *Store) ActiveLoanCount(ctx context.Context, bookID uuid.UUID) (int, error) {
	return s.countActive(ctx, s.db, bookID)
}

// LoansByBook lists every loan of a book ordered by borrowed-at.
func (s *Store) LoansByBook(ctx context.Context, bookID uuid.UUID) ([]circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.loans_by_book",
		trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()
	return s.selectLoans(ctx, goqu.C(colBookID).Eq(bookID.String()))
}

// LoansByBorrower lists every loan of a borrower ordered by borrowed-at.
func (s *Store) LoansByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.loans_by_borrower",
		trace.WithAttributes(attribute.String("borrower.id", borrowerID.String())))
	defer span.End()
	return s.selectLoans(ctx, goqu.C(colBorrowerID).Eq(borrowerID.String()))
}

// OverdueLoans lists active loans due before asOf.
func (s *Store) OverdueLoans(ctx context.Context, asOf time.Time) ([]circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.overdue_loans")
	defer span.End()
	return s.selectLoans(ctx,
		goqu.C(colReturnedAt).IsNull(),
		goqu.C(colDueAt).Lt(toMillis(asOf)),
	)
}

// Journal returns the book's events in version order.
func (s *Store) Journal(ctx context.Context, bookID uuid.UUID) ([]circulation.JournalEvent, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.journal",
		trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	query, args, err := s.dialect.From(tableJournal).Prepared(true).
		Select(colBookID, colVersion, colEventType, colPayload, colOccurredAt).
		Where(goqu.C(colBookID).Eq(bookID.String())).
		Order(goqu.C(colVersion).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build journal query: %w", err)
	}

	var rows []journalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	events := make([]circulation.JournalEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toEvent())
	}
	return events, nil
}

func (s *Store) selectLoans(ctx context.Context, where ...goqu.Expression) ([]circulation.Loan, error) {
	query, args, err := s.dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(where...).
		Order(goqu.C(colBorrowedAt).Asc(), goqu.C(colID).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loans query: %w", err)
	}

	var rows []loanRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	loans := make([]circulation.Loan, 0, len(rows))
	for _, r := range rows {
		loans = append(loans, r.toLoan())
	}
	return loans, nil
}

// counter reads the availability row, taking a row lock when forUpdate is set
// and the dialect supports it.
func (s *Store) counter(ctx context.Context, q sqlx.QueryerContext, bookID uuid.UUID, forUpdate bool) (circulation.Counter, bool, error) {
	ds := s.dialect.From(tableAvailability).Prepared(true).
		Select(colBookID, colTotalCopies, colAvailable, colUntrusted, colVersion).
		Where(goqu.C(colBookID).Eq(bookID.String()))
	if forUpdate && s.lockRows {
		ds = ds.ForUpdate(exp.Wait)
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return circulation.Counter{}, false, fmt.Errorf("build counter query: %w", err)
	}

	var row counterRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circulation.Counter{}, false, nil
		}
		return circulation.Counter{}, false, fmt.Errorf("query counter: %w", err)
	}
	return row.toCounter(), true, nil
}

func (s *Store) countActive(ctx context.Context, q sqlx.QueryerContext, bookID uuid.UUID) (int, error) {
	query, args, err := s.dialect.From(tableLoans).Prepared(true).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C(colBookID).Eq(bookID.String()),
			goqu.C(colReturnedAt).IsNull(),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return n, nil
}

var loanColumns = []any{colID, colBookID, colBorrowerID, colBorrowedAt, colDueAt, colReturnedAt}

type loanRow struct {
	ID         uuid.UUID     `db:"id"`
	BookID     uuid.UUID     `db:"book_id"`
	BorrowerID uuid.UUID     `db:"borrower_id"`
	BorrowedAt int64         `db:"borrowed_at"`
	DueAt      int64         `db:"due_at"`
	ReturnedAt sql.NullInt64 `db:"returned_at"`
}

func (r loanRow) toLoan() circulation.Loan {
	loan := circulation.Loan{
		ID:         r.ID,
		BookID:     r.BookID,
		BorrowerID: r.BorrowerID,
		BorrowedAt: fromMillis(r.BorrowedAt),
		DueAt:      fromMillis(r.DueAt),
	}
	if r.ReturnedAt.Valid {
		at := fromMillis(r.ReturnedAt.Int64)
		loan.ReturnedAt = &at
	}
	return loan
}

type counterRow struct {
	BookID      uuid.UUID `db:"book_id"`
	TotalCopies int       `db:"total_copies"`
	Available   int       `db:"available"`
	Untrusted   bool      `db:"untrusted"`
	Version     int       `db:"version"`
}

func (r counterRow) toCounter() circulation.Counter {
	return circulation.Counter{
		BookID:    r.BookID,
		Total:     r.TotalCopies,
		Available: r.Available,
		Untrusted: r.Untrusted,
		Version:   r.Version,
	}
}

type journalRow struct {
	BookID     uuid.UUID `db:"book_id"`
	Version    int       `db:"version"`
	EventType  string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	OccurredAt int64     `db:"occurred_at"`
}

func (r journalRow) toEvent() circulation.JournalEvent {
	return circulation.JournalEvent{
		BookID:     r.BookID,
		Version:    r.Version,
		Type:       circulation.EventType(r.EventType),
		Payload:    r.Payload,
		OccurredAt: fromMillis(r.OccurredAt),
	}
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return line
}

var _ circulation.Store = (*Store)(nil)
