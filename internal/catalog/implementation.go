// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// service implements the Service interface.
type service struct {
	store  Store
	copies CopyAdjuster
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new catalog service instance. Total copy changes are
// routed through copies so availability is rebuilt under the book's lock.
func NewService(store Store, copies CopyAdjuster, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		store:  store,
		copies: copies,
		logger: logger,
		now:    time.Now,
	}
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, details Details, totalCopies int) (*Book, error) {
	details = details.normalize()
	if err := details.Validate(); err != nil {
		return nil, err
	}
	if totalCopies < 0 {
		return nil, errors.Join(ErrInvalidBook, errors.New("total copies must not be negative"))
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	book := Book{
		ID:          uuid.New(),
		ISBN:        details.ISBN,
		Title:       details.Title,
		Author:      details.Author,
		TotalCopies: totalCopies,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.AddBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to add book: %w", err)
	}

	s.logger.InfoContext(ctx, "book added",
		slog.String("book_id", book.ID.String()),
		slog.Int("total_copies", totalCopies),
	)
	return &book, nil
}

// GetBook retrieves a book from the catalog by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.store.GetBook(ctx, id)
}

// UpdateBook applies a partial update. Details are written first; a total
// rejected by circulation (for instance below the active loan count) restores
// them so the update applies entirely or not at all.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, update Update) (*Book, error) {
	book, err := s.store.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := book.Details()
	details := update.apply(previous)
	if update.touchesDetails() {
		if err := details.Validate(); err != nil {
			return nil, err
		}
	}

	wroteDetails := false
	if update.touchesDetails() && details != previous {
		if err := s.store.UpdateDetails(ctx, id, details, s.now().UTC().Truncate(time.Millisecond)); err != nil {
			return nil, fmt.Errorf("failed to update book: %w", err)
		}
		wroteDetails = true
	}

	// An unchanged total still goes through circulation, which rebuilds a
	// counter that drifted from the record.
	if update.TotalCopies != nil {
		if _, err := s.copies.SetTotalCopies(ctx, id, *update.TotalCopies); err != nil {
			if wroteDetails {
				if rErr := s.store.UpdateDetails(context.WithoutCancel(ctx), id, previous, book.UpdatedAt); rErr != nil {
					s.logger.ErrorContext(ctx, "failed to restore book details",
						slog.String("book_id", id.String()),
						slog.Any("error", rErr),
					)
				}
			}
			return nil, err
		}
	}

	return s.store.GetBook(ctx, id)
}

// DeleteBook removes a record that has never been lent.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	return s.copies.RemoveBook(ctx, id)
}

// ListBooks returns every book ordered by title.
func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	return s.store.ListBooks(ctx)
}
