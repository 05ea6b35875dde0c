// internal/catalog/domain.go
package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound  = errors.New("book not found")
	ErrInvalidBook   = errors.New("invalid book")
	ErrDuplicateISBN = errors.New("isbn already catalogued")
)

// Book is the catalog record of a title. Available copies are owned by
// circulation and are not part of the record.
type Book struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	TotalCopies int       `json:"total_copies"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Details are the descriptive fields of a book.
type Details struct {
	ISBN   string `json:"isbn"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

// Update is a partial change of a book. Nil fields stay as they are.
type Update struct {
	ISBN        *string `json:"isbn,omitempty"`
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
}

// Validate checks the required fields.
func (d Details) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.Join(ErrInvalidBook, errors.New("title is required"))
	}
	if strings.TrimSpace(d.Author) == "" {
		return errors.Join(ErrInvalidBook, errors.New("author is required"))
	}
	return nil
}

// Details returns the descriptive fields of b.
func (b Book) Details() Details {
	return Details{ISBN: b.ISBN, Title: b.Title, Author: b.Author}
}

func (d Details) normalize() Details {
	return Details{
		ISBN:   strings.TrimSpace(d.ISBN),
		Title:  strings.TrimSpace(d.Title),
		Author: strings.TrimSpace(d.Author),
	}
}

func (u Update) apply(d Details) Details {
	if u.ISBN != nil {
		d.ISBN = strings.TrimSpace(*u.ISBN)
	}
	if u.Title != nil {
		d.Title = strings.TrimSpace(*u.Title)
	}
	if u.Author != nil {
		d.Author = strings.TrimSpace(*u.Author)
	}
	return d
}

func (u Update) touchesDetails() bool {
	return u.ISBN != nil || u.Title != nil || u.Author != nil
}
