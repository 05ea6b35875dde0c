// internal/catalog/service.go
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"librarycirc/internal/circulation"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, details Details, totalCopies int) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, update Update) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
}

// Store persists catalog records. It also serves as the circulation
// coordinator's catalog, so TotalCopies reports a missing book as found=false.
type Store interface {
	AddBook(ctx context.Context, book Book) error
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, details Details, at time.Time) error
	ListBooks(ctx context.Context) ([]Book, error)
	TotalCopies(ctx context.Context, id uuid.UUID) (int, bool, error)
	SetTotalCopies(ctx context.Context, id uuid.UUID, total int) error
	DeleteBook(ctx context.Context, id uuid.UUID) error
}

// CopyAdjuster changes total copies and removes records while keeping
// availability consistent. circulation.Service satisfies it.
type CopyAdjuster interface {
	SetTotalCopies(ctx context.Context, bookID uuid.UUID, total int) (*circulation.Availability, error)
	RemoveBook(ctx context.Context, bookID uuid.UUID) error
}

var (
	_ circulation.CatalogWriter  = Store(nil)
	_ circulation.CatalogRemover = Store(nil)
)
