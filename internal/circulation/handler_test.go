package circulation_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/auth"
	"librarycirc/internal/circulation"
	"librarycirc/internal/httpjson"
)

func newTestRouter(f *fixture, principal *auth.Principal) http.Handler {
	h := circulation.NewHandler(f.svc, nil)
	r := chi.NewRouter()
	if principal != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), *principal)))
			})
		})
	}
	r.Post("/books/{id}/borrow", h.Borrow)
	r.Post("/books/{id}/return", h.Return)
	r.Get("/books/{id}/availability", h.Availability)
	r.Get("/books/{id}/loans", h.BookLoans)
	r.Get("/books/{id}/journal", h.Journal)
	r.Post("/books/{id}/reconcile", h.Reconcile)
	r.Get("/me/loans", h.MyLoans)
	r.Get("/users/{id}/loans", h.UserLoans)
	r.Get("/loans/overdue", h.Overdue)
	return r
}

func serve(t *testing.T, h http.Handler, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if out != nil {
		require.NoError(t, httpjson.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestHandlerBorrowAndReturn(t *testing.T) {
	f := newFixture(t)
	member := auth.Principal{ID: uuid.New(), Role: auth.RoleMember}
	router := newTestRouter(f, &member)
	bookID := f.catalog.add(1)

	var borrowed struct {
		LoanID uuid.UUID `json:"loan_id"`
	}
	rec := serve(t, router, http.MethodPost, "/books/"+bookID.String()+"/borrow", &borrowed)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEqual(t, uuid.Nil, borrowed.LoanID)

	var body httpjson.ErrorBody
	rec = serve(t, router, http.MethodPost, "/books/"+bookID.String()+"/borrow", &body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, circulation.ErrDuplicateActiveLoan.Error(), body.Error)

	var mine []circulation.Loan
	rec = serve(t, router, http.MethodGet, "/me/loans", &mine)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, mine, 1)
	assert.Equal(t, borrowed.LoanID, mine[0].ID)

	var availability circulation.Availability
	serve(t, router, http.MethodGet, "/books/"+bookID.String()+"/availability", &availability)
	assert.Equal(t, 0, availability.Available)

	var returned struct {
		LoanID uuid.UUID `json:"loan_id"`
	}
	rec = serve(t, router, http.MethodPost, "/books/"+bookID.String()+"/return", &returned)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, borrowed.LoanID, returned.LoanID)

	var journal []struct {
		Version int                   `json:"version"`
		Type    circulation.EventType `json:"type"`
		Payload map[string]any        `json:"payload"`
	}
	rec = serve(t, router, http.MethodGet, "/books/"+bookID.String()+"/journal", &journal)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, journal, 2)
	assert.Equal(t, circulation.EventLoanClosed, journal[1].Type)
	assert.Equal(t, borrowed.LoanID.String(), journal[1].Payload["loan_id"])
}

func TestHandlerRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, nil)

	rec := serve(t, router, http.MethodPost, "/books/"+uuid.NewString()+"/borrow", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, router, http.MethodGet, "/books/not-a-uuid/availability", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, router, http.MethodGet, "/books/"+uuid.NewString()+"/availability", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, router, http.MethodGet, "/loans/overdue?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerOverdue(t *testing.T) {
	f := newFixture(t)
	borrower := uuid.New()
	bookID := f.catalog.add(1)
	loan, err := f.svc.Borrow(context.Background(), bookID, borrower)
	require.NoError(t, err)
	router := newTestRouter(f, nil)

	var overdue []circulation.Loan
	asOf := loan.DueAt.AddDate(0, 0, 1).Format("2006-01-02T15:04:05Z07:00")
	rec := serve(t, router, http.MethodGet, "/loans/overdue?as_of="+asOf, &overdue)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, overdue, 1)
	assert.Equal(t, loan.ID, overdue[0].ID)

	var loans []circulation.Loan
	serve(t, router, http.MethodGet, "/users/"+borrower.String()+"/loans", &loans)
	assert.Len(t, loans, 1)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"not found", &circulation.TransitionError{Op: "borrow", Err: circulation.ErrBookNotFound}, http.StatusNotFound, ""},
		{"duplicate", circulation.ErrDuplicateActiveLoan, http.StatusConflict, ""},
		{"below active", circulation.ErrTotalBelowActiveLoans, http.StatusUnprocessableEntity, ""},
		{"unavailable", circulation.ErrBookUnavailable, http.StatusConflict, ""},
		{"busy", circulation.ErrBusy, http.StatusServiceUnavailable, "1"},
		{"conflict", circulation.ErrConflict, http.StatusServiceUnavailable, "1"},
		{"fault", circulation.ErrLoansExceedTotal, http.StatusInternalServerError, ""},
		{"read only", circulation.ErrReadOnlyCatalog, http.StatusNotImplemented, ""},
		{"internal", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			circulation.WriteError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}
