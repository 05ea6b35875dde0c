// internal/catalog/handler.go
package catalog

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"librarycirc/internal/circulation"
	"librarycirc/internal/httpjson"
)

// AvailabilityReader reports live availability for a book.
type AvailabilityReader interface {
	Availability(ctx context.Context, bookID uuid.UUID) (*circulation.Availability, error)
}

type Handler struct {
	service      Service
	availability AvailabilityReader
}

func NewHandler(service Service, availability AvailabilityReader) *Handler {
	return &Handler{service: service, availability: availability}
}

// BookView is a catalog record together with its live availability.
type BookView struct {
	Book
	Available int  `json:"available"`
	Trusted   bool `json:"trusted"`
}

type createBookRequest struct {
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	TotalCopies int    `json:"total_copies"`
}

// ListBooks handles GET /api/books. ?available=true keeps only books with a
// copy on the shelf.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	onlyAvailable := r.URL.Query().Get("available") == "true"

	views := make([]BookView, 0, len(books))
	for _, b := range books {
		view, err := h.view(r.Context(), b)
		if err != nil {
			writeError(w, err)
			return
		}
		if onlyAvailable && view.Available == 0 {
			continue
		}
		views = append(views, view)
	}
	httpjson.Write(w, http.StatusOK, views)
}

// CreateBook handles POST /api/books.
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.service.AddBook(r.Context(), Details{ISBN: req.ISBN, Title: req.Title, Author: req.Author}, req.TotalCopies)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, BookView{Book: *book, Available: book.TotalCopies, Trusted: true})
}

// GetBook handles GET /api/books/{id}.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.view(r.Context(), *book)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, view)
}

// UpdateBook handles PUT /api/admin/books/{id}.
func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var update Update
	if err := httpjson.Decode(r, &update); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, update)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.view(r.Context(), *book)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, view)
}

// DeleteBook handles DELETE /api/admin/books/{id}. Books with loan history
// answer 409.
func (h *Handler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) view(ctx context.Context, b Book) (BookView, error) {
	a, err := h.availability.Availability(ctx, b.ID)
	if err != nil {
		return BookView{}, err
	}
	return BookView{Book: b, Available: a.Available, Trusted: a.Trusted}, nil
}

func bookID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid book ID")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		httpjson.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidBook):
		httpjson.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrDuplicateISBN):
		httpjson.Error(w, http.StatusConflict, err.Error())
	default:
		circulation.WriteError(w, err)
	}
}
