// internal/catalog/memory.go
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[uuid.UUID]Book
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{books: make(map[uuid.UUID]Book)}
}

func (m *MemoryStore) AddBook(_ context.Context, book Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[book.ID]; exists {
		return ErrInvalidBook
	}
	if m.isbnTaken(book.ISBN, book.ID) {
		return ErrDuplicateISBN
	}
	m.books[book.ID] = book
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id uuid.UUID) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return &book, nil
}

func (m *MemoryStore) UpdateDetails(_ context.Context, id uuid.UUID, details Details, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	if m.isbnTaken(details.ISBN, id) {
		return ErrDuplicateISBN
	}
	book.ISBN, book.Title, book.Author = details.ISBN, details.Title, details.Author
	book.UpdatedAt = at
	m.books[id] = book
	return nil
}

func (m *MemoryStore) ListBooks(_ context.Context) ([]Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	books := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].ID.String() < books[j].ID.String()
	})
	return books, nil
}

func (m *MemoryStore) TotalCopies(_ context.Context, id uuid.UUID) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[id]
	return book.TotalCopies, ok, nil
}

func (m *MemoryStore) SetTotalCopies(_ context.Context, id uuid.UUID, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	book.TotalCopies = total
	book.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	m.books[id] = book
	return nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return ErrBookNotFound
	}
	delete(m.books, id)
	return nil
}

func (m *MemoryStore) isbnTaken(isbn string, except uuid.UUID) bool {
	if isbn == "" {
		return false
	}
	for id, b := range m.books {
		if id != except && b.ISBN == isbn {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
