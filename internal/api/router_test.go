package api_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/api"
	"librarycirc/internal/auth"
	"librarycirc/internal/catalog"
	"librarycirc/internal/circulation"
	"librarycirc/internal/circulation/memstore"
	"librarycirc/internal/httpjson"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type server struct {
	t      *testing.T
	srv    *httptest.Server
	admin  auth.Account
	tokens *auth.TokenGate
}

func newServer(t *testing.T, db api.Pinger) *server {
	t.Helper()
	books := catalog.NewMemoryStore()
	loans := circulation.NewCoordinator(memstore.New(), books)
	tokens, err := auth.NewTokenGate(secret)
	require.NoError(t, err)
	dir := auth.NewDirectory()
	admin, err := dir.Add("ops@example.org", "hunter22", auth.RoleAdmin)
	require.NoError(t, err)

	router := api.NewRouter(api.Deps{
		Circulation: loans,
		Catalog:     catalog.NewService(books, loans, nil),
		Gate:        auth.Chain(tokens, auth.NewBasicGate(dir, 10)),
		Database:    db,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &server{t: t, srv: srv, admin: admin, tokens: tokens}
}

func (s *server) memberToken(id uuid.UUID) string {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "member",
	}).SignedString(secret)
	require.NoError(s.t, err)
	return raw
}

// call sends a request; token "" uses the admin's basic credentials.
func (s *server) call(method, path, token, body string, out any) int {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(s.t, err)
	if token == "" {
		req.SetBasicAuth("ops@example.org", "hunter22")
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, httpjson.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCirculationOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	var book catalog.BookView
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/books", "", `{"title":"Dune","author":"Frank Herbert","total_copies":2}`, &book))
	path := "/api/books/" + book.ID.String()

	require.Equal(t, http.StatusForbidden, s.call(http.MethodPost, "/api/books", s.memberToken(u1), `{"title":"x","author":"y"}`, nil))

	var borrowed struct {
		LoanID uuid.UUID `json:"loan_id"`
		DueAt  time.Time `json:"due_at"`
	}
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, path+"/borrow", s.memberToken(u1), "", &borrowed))
	assert.WithinDuration(t, time.Now().Add(circulation.DefaultLoanPeriod), borrowed.DueAt, time.Minute)
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, path+"/borrow", s.memberToken(u2), "", nil))

	var body httpjson.ErrorBody
	require.Equal(t, http.StatusConflict, s.call(http.MethodPost, path+"/borrow", s.memberToken(u3), "", &body))
	assert.Equal(t, circulation.ErrBookUnavailable.Error(), body.Error)

	var availability circulation.Availability
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, path+"/availability", s.memberToken(u3), "", &availability))
	assert.Equal(t, 0, availability.Available)
	assert.Equal(t, 2, availability.Total)

	require.Equal(t, http.StatusOK, s.call(http.MethodPost, path+"/return", s.memberToken(u1), "", nil))
	require.Equal(t, http.StatusConflict, s.call(http.MethodPost, path+"/return", s.memberToken(u1), "", nil))
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, path+"/borrow", s.memberToken(u3), "", nil))

	var mine []circulation.Loan
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/me/loans", s.memberToken(u1), "", &mine))
	require.Len(t, mine, 1)
	assert.NotNil(t, mine[0].ReturnedAt)

	require.Equal(t, http.StatusForbidden, s.call(http.MethodPut, "/api/admin/books/"+book.ID.String(), s.memberToken(u1), `{"total_copies":5}`, nil))
	require.Equal(t, http.StatusUnprocessableEntity, s.call(http.MethodPut, "/api/admin/books/"+book.ID.String(), "", `{"total_copies":1}`, nil))
	require.Equal(t, http.StatusOK, s.call(http.MethodPut, "/api/admin/books/"+book.ID.String(), "", `{"total_copies":3}`, &book))
	assert.Equal(t, 1, book.Available)

	var journal []map[string]any
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/admin/books/"+book.ID.String()+"/journal", "", "", &journal))
	assert.Len(t, journal, 5)

	var overdue []circulation.Loan
	asOf := time.Now().Add(circulation.DefaultLoanPeriod + time.Hour).UTC().Format(time.RFC3339)
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/admin/loans/overdue?as_of="+asOf, "", "", &overdue))
	assert.Len(t, overdue, 2)

	var reconciled circulation.Availability
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/admin/books/"+book.ID.String()+"/reconcile", "", "", &reconciled))
	assert.Equal(t, 1, reconciled.Available)
	assert.True(t, reconciled.Trusted)

	var userLoans []circulation.Loan
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/admin/users/"+u3.String()+"/loans", "", "", &userLoans))
	assert.Len(t, userLoans, 1)
}

func TestConcurrentBorrowsOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	var book catalog.BookView
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/books", "", `{"title":"Emma","author":"Jane Austen","total_copies":3}`, &book))

	const borrowers = 20
	codes := make(chan int, borrowers)
	var wg sync.WaitGroup
	for i := 0; i < borrowers; i++ {
		token := s.memberToken(uuid.New())
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/api/books/"+book.ID.String()+"/borrow", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := s.srv.Client().Do(req)
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, map[int]int{http.StatusCreated: 3, http.StatusConflict: borrowers - 3}, counts)
}

func TestAuthentication(t *testing.T) {
	s := newServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/books", nil)
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, s.call(http.MethodGet, "/api/books", "not-a-token", "", nil))
	assert.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/books", s.memberToken(uuid.New()), "", nil))
	assert.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/admin/loans/overdue", "", "", nil))
}

func TestCurrentPrincipal(t *testing.T) {
	s := newServer(t, nil)
	member := uuid.New()

	var me auth.Principal
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/auth/me", s.memberToken(member), "", &me))
	assert.Equal(t, auth.Principal{ID: member, Role: auth.RoleMember}, me)

	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/auth/me", "", "", &me))
	assert.Equal(t, auth.Principal{ID: s.admin.ID, Role: auth.RoleAdmin}, me)
}

func TestDeleteBookOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	member := s.memberToken(uuid.New())

	var lent, unlent catalog.BookView
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/books", "", `{"title":"Ulysses","author":"James Joyce","total_copies":1}`, &lent))
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/books", "", `{"title":"Dubliners","author":"James Joyce","total_copies":1}`, &unlent))
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/books/"+lent.ID.String()+"/borrow", member, "", nil))
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/books/"+lent.ID.String()+"/return", member, "", nil))

	var body httpjson.ErrorBody
	require.Equal(t, http.StatusConflict, s.call(http.MethodDelete, "/api/admin/books/"+lent.ID.String(), "", "", &body))
	assert.Equal(t, circulation.ErrBookHasLoans.Error(), body.Error)
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/books/"+lent.ID.String(), member, "", nil))

	require.Equal(t, http.StatusForbidden, s.call(http.MethodDelete, "/api/admin/books/"+unlent.ID.String(), member, "", nil))
	require.Equal(t, http.StatusNoContent, s.call(http.MethodDelete, "/api/admin/books/"+unlent.ID.String(), "", "", nil))
	require.Equal(t, http.StatusNotFound, s.call(http.MethodGet, "/api/books/"+unlent.ID.String(), member, "", nil))
	require.Equal(t, http.StatusNotFound, s.call(http.MethodDelete, "/api/admin/books/"+unlent.ID.String(), "", "", nil))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthAndDocs(t *testing.T) {
	var health struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}

	s := newServer(t, pinger{})
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/health", "x", "", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Services["database"])

	down := newServer(t, pinger{err: errors.New("connection refused")})
	require.Equal(t, http.StatusServiceUnavailable, down.call(http.MethodGet, "/health", "x", "", &health))
	assert.Equal(t, "degraded", health.Status)

	var docs struct {
		API       string           `json:"api"`
		Endpoints []map[string]any `json:"endpoints"`
	}
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/", "x", "", &docs))
	assert.NotEmpty(t, docs.API)
	assert.NotEmpty(t, docs.Endpoints)
}
