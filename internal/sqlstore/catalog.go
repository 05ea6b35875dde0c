package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"librarycirc/internal/catalog"
)

type bookRow struct {
	ID          uuid.UUID `db:"id"`
	ISBN        string    `db:"isbn"`
	Title       string    `db:"title"`
	Author      string    `db:"author"`
	TotalCopies int       `db:"total_copies"`
	CreatedAt   int64     `db:"created_at"`
	UpdatedAt   int64     `db:"updated_at"`
}

func (r bookRow) toBook() catalog.Book {
	return catalog.Book{
		ID:          r.ID,
		ISBN:        r.ISBN,
		Title:       r.Title,
		Author:      r.Author,
		TotalCopies: r.TotalCopies,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

var bookColumns = []any{colID, colISBN, colTitle, colAuthor, colTotalCopies, colCreatedAt, colUpdatedAt}

// AddBook inserts a catalog record.
func (s *Store) AddBook(ctx context.Context, book catalog.Book) error {
	query, args, err := s.dialect.Insert(tableBooks).Prepared(true).
		Rows(goqu.Record{
			colID:          book.ID.String(),
			colISBN:        book.ISBN,
			colTitle:       book.Title,
			colAuthor:      book.Author,
			colTotalCopies: book.TotalCopies,
			colCreatedAt:   toMillis(book.CreatedAt),
			colUpdatedAt:   toMillis(book.UpdatedAt),
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build book insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrDuplicateISBN
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// GetBook loads one catalog record.
func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	query, args, err := s.dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build book query: %w", err)
	}
	var row bookRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrBookNotFound
		}
		return nil, fmt.Errorf("query book: %w", err)
	}
	book := row.toBook()
	return &book, nil
}

// UpdateDetails rewrites the descriptive fields.
func (s *Store) UpdateDetails(ctx context.Context, id uuid.UUID, details catalog.Details, at time.Time) error {
	return s.updateBook(ctx, id, goqu.Record{
		colISBN:      details.ISBN,
		colTitle:     details.Title,
		colAuthor:    details.Author,
		colUpdatedAt: toMillis(at),
	})
}

// ListBooks returns every record ordered by title.
func (s *Store) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	query, args, err := s.dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).
		Order(goqu.C(colTitle).Asc(), goqu.C(colID).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build books query: %w", err)
	}
	var rows []bookRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	books := make([]catalog.Book, 0, len(rows))
	for _, r := range rows {
		books = append(books, r.toBook())
	}
	return books, nil
}

// TotalCopies implements circulation.Catalog.
func (s *Store) TotalCopies(ctx context.Context, id uuid.UUID) (int, bool, error) {
	query, args, err := s.dialect.From(tableBooks).Prepared(true).
		Select(colTotalCopies).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return 0, false, fmt.Errorf("build total query: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query total copies: %w", err)
	}
	return total, true, nil
}

// SetTotalCopies implements circulation.CatalogWriter.
func (s *Store) SetTotalCopies(ctx context.Context, id uuid.UUID, total int) error {
	return s.updateBook(ctx, id, goqu.Record{
		colTotalCopies: total,
		colUpdatedAt:   toMillis(time.Now()),
	})
}

// DeleteBook implements circulation.CatalogRemover.
func (s *Store) DeleteBook(ctx context.Context, id uuid.UUID) error {
	query, args, err := s.dialect.Delete(tableBooks).Prepared(true).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build book delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return catalog.ErrBookNotFound
	}
	return nil
}

func (s *Store) updateBook(ctx context.Context, id uuid.UUID, set goqu.Record) error {
	query, args, err := s.dialect.Update(tableBooks).Prepared(true).
		Set(set).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build book update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrDuplicateISBN
		}
		return fmt.Errorf("update book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return catalog.ErrBookNotFound
	}
	return nil
}

var _ catalog.Store = (*Store)(nil)
