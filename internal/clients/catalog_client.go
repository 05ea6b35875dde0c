package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"librarycirc/internal/catalog"
	"librarycirc/internal/circulation"
)

// CatalogClient reads and adjusts book records held by a remote catalog service.
type CatalogClient struct {
	base
}

func NewCatalogClient(baseURL string, opts ...Option) *CatalogClient {
	return &CatalogClient{base: newBase(baseURL, opts)}
}

// GetBook fetches a record. A 404 maps to catalog.ErrBookNotFound.
func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/books/"+id.String(), nil)
	if err != nil {
		return nil, err
	}

	var book catalog.Book
	if err := c.do(req, &book); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, catalog.ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &book, nil
}

// TotalCopies implements circulation.Catalog.
func (c *CatalogClient) TotalCopies(ctx context.Context, id uuid.UUID) (int, bool, error) {
	book, err := c.GetBook(ctx, id)
	if errors.Is(err, catalog.ErrBookNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return book.TotalCopies, true, nil
}

// SetTotalCopies implements circulation.CatalogWriter.
func (c *CatalogClient) SetTotalCopies(ctx context.Context, id uuid.UUID, total int) error {
	body := struct {
		TotalCopies int `json:"total_copies"`
	}{TotalCopies: total}

	req, err := c.newRequest(ctx, http.MethodPatch, "/books/"+id.String(), body)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return catalog.ErrBookNotFound
		}
		return fmt.Errorf("update total copies: %w", err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

var _ circulation.CatalogWriter = (*CatalogClient)(nil)
