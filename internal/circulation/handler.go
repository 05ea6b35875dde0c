// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"librarycirc/internal/auth"
	"librarycirc/internal/httpjson"
)

type Handler struct {
	service Service
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger, now: time.Now}
}

type borrowResponse struct {
	LoanID uuid.UUID `json:"loan_id"`
	DueAt  time.Time `json:"due_at"`
}

type returnResponse struct {
	LoanID     uuid.UUID `json:"loan_id"`
	ReturnedAt time.Time `json:"returned_at"`
}

type journalEntry struct {
	Version    int                 `json:"version"`
	Type       EventType           `json:"type"`
	Payload    jsoniter.RawMessage `json:"payload"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Borrow handles POST /api/books/{id}/borrow for the calling principal.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	bookID, principal, ok := h.bookAndPrincipal(w, r)
	if !ok {
		return
	}

	loan, err := h.service.Borrow(r.Context(), bookID, principal.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, borrowResponse{LoanID: loan.ID, DueAt: loan.DueAt})
}

// Return handles POST /api/books/{id}/return for the calling principal.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	bookID, principal, ok := h.bookAndPrincipal(w, r)
	if !ok {
		return
	}

	loan, err := h.service.Return(r.Context(), bookID, principal.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, returnResponse{LoanID: loan.ID, ReturnedAt: *loan.ReturnedAt})
}

// Availability handles GET /api/books/{id}/availability.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	availability, err := h.service.Availability(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, availability)
}

// BookLoans handles GET /api/books/{id}/loans.
func (h *Handler) BookLoans(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.service.LoansByBook(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, loans)
}

// MyLoans handles GET /api/me/loans.
func (h *Handler) MyLoans(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
		return
	}
	h.writeBorrowerLoans(w, r, principal.ID)
}

// UserLoans handles GET /api/admin/users/{id}/loans.
func (h *Handler) UserLoans(w http.ResponseWriter, r *http.Request) {
	borrowerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.writeBorrowerLoans(w, r, borrowerID)
}

// Overdue handles GET /api/admin/loans/overdue. ?as_of takes an RFC 3339 time.
func (h *Handler) Overdue(w http.ResponseWriter, r *http.Request) {
	asOf := h.now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpjson.Error(w, http.StatusBadRequest, "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = parsed
	}
	loans, err := h.service.OverdueLoans(r.Context(), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, loans)
}

// Journal handles GET /api/admin/books/{id}/journal.
func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.Journal(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries := make([]journalEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, journalEntry{
			Version:    e.Version,
			Type:       e.Type,
			Payload:    jsoniter.RawMessage(e.Payload),
			OccurredAt: e.OccurredAt,
		})
	}
	httpjson.Write(w, http.StatusOK, entries)
}

// Reconcile handles POST /api/admin/books/{id}/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	availability, err := h.service.Reconcile(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, availability)
}

func (h *Handler) writeBorrowerLoans(w http.ResponseWriter, r *http.Request, borrowerID uuid.UUID) {
	loans, err := h.service.LoansByBorrower(r.Context(), borrowerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, loans)
}

func (h *Handler) bookAndPrincipal(w http.ResponseWriter, r *http.Request) (uuid.UUID, auth.Principal, bool) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
		return uuid.Nil, auth.Principal{}, false
	}
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return uuid.Nil, auth.Principal{}, false
	}
	return bookID, principal, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if class := Classify(err); class == ClassFault || class == ClassInternal {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("class", class.String()),
			slog.Any("error", err),
		)
	}
	WriteError(w, err)
}

// WriteError maps a coordinator error onto an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	switch Classify(err) {
	case ClassValidation:
		status := http.StatusConflict
		switch {
		case errors.Is(err, ErrBookNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrTotalBelowActiveLoans), errors.Is(err, ErrInvalidTotal):
			status = http.StatusUnprocessableEntity
		}
		httpjson.Error(w, status, cause(err).Error())
	case ClassContention:
		if errors.Is(err, ErrBookUnavailable) {
			httpjson.Error(w, http.StatusConflict, ErrBookUnavailable.Error())
			return
		}
		w.Header().Set("Retry-After", "1")
		httpjson.Error(w, http.StatusServiceUnavailable, cause(err).Error())
	case ClassFault:
		httpjson.Error(w, http.StatusInternalServerError, "consistency fault, book needs reconciliation")
	default:
		if errors.Is(err, ErrReadOnlyCatalog) {
			httpjson.Error(w, http.StatusNotImplemented, ErrReadOnlyCatalog.Error())
			return
		}
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// cause strips the TransitionError prefix for client-facing messages.
func cause(err error) error {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Err
	}
	return err
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}
