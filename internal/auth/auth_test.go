package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/auth"
)

var (
	secret = []byte("0123456789abcdef0123456789abcdef")
	now    = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func sign(t *testing.T, key []byte, method jwt.SigningMethod, claims auth.Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func claimsFor(id uuid.UUID, role string, expires time.Time) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			Issuer:    "membership",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: role,
	}
}

func newTokenGate(t *testing.T) *auth.TokenGate {
	t.Helper()
	g, err := auth.NewTokenGate(secret, auth.WithIssuer("membership"), auth.WithTokenClock(func() time.Time { return now }))
	require.NoError(t, err)
	return g
}

func TestTokenGate(t *testing.T) {
	g := newTokenGate(t)
	id := uuid.New()

	p, err := g.Verify(sign(t, secret, jwt.SigningMethodHS256, claimsFor(id, "admin", now.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{ID: id, Role: auth.RoleAdmin}, p)

	p, err = g.Verify(sign(t, secret, jwt.SigningMethodHS256, claimsFor(id, "", now.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMember, p.Role)

	rejected := map[string]string{
		"expired":      sign(t, secret, jwt.SigningMethodHS256, claimsFor(id, "member", now.Add(-time.Minute))),
		"wrong key":    sign(t, []byte("ffffffffffffffffffffffffffffffff"), jwt.SigningMethodHS256, claimsFor(id, "member", now.Add(time.Hour))),
		"wrong alg":    sign(t, secret, jwt.SigningMethodHS512, claimsFor(id, "member", now.Add(time.Hour))),
		"unknown role": sign(t, secret, jwt.SigningMethodHS256, claimsFor(id, "librarian", now.Add(time.Hour))),
		"not a token":  "abc.def.ghi",
		"no expiry":    sign(t, secret, jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: id.String(), Issuer: "membership"}}),
		"wrong issuer": sign(t, secret, jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: id.String(), Issuer: "elsewhere", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}}),
		"bad subject":  sign(t, secret, jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "42", Issuer: "membership", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}}),
	}
	for name, raw := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := g.Verify(raw)
			assert.ErrorIs(t, err, auth.ErrUnauthenticated)
		})
	}
}

func TestNewTokenGateRejectsShortSecret(t *testing.T) {
	_, err := auth.NewTokenGate([]byte("short"))
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := auth.BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "bearer  abc ")
	raw, ok := auth.BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc", raw)

	r.Header.Set("Authorization", "Basic abc")
	_, ok = auth.BearerToken(r)
	assert.False(t, ok)
}

func TestPasswordHash(t *testing.T) {
	h, err := auth.HashPassword("correct horse")
	require.NoError(t, err)

	ok, err := h.Verify("correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("battery staple")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, h.Salt, other.Salt)

	_, err = auth.PasswordHash{Hash: "x", Salt: "%%%"}.Verify("x")
	assert.Error(t, err)
}

func TestBasicGate(t *testing.T) {
	dir := auth.NewDirectory()
	account, err := dir.Add("Admin@Example.org ", "s3cret", auth.RoleAdmin)
	require.NoError(t, err)
	_, err = dir.Add("admin@example.org", "other", auth.RoleMember)
	require.ErrorIs(t, err, auth.ErrAccountExists)

	gate := auth.NewBasicGate(dir, 2)
	request := func(email, password string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.SetBasicAuth(email, password)
		return r
	}

	p, err := gate.Authenticate(request("admin@example.org", "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{ID: account.ID, Role: auth.RoleAdmin}, p)

	_, err = gate.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	for i := 0; i < 2; i++ {
		_, err = gate.Authenticate(request("admin@example.org", "guess"))
		require.ErrorIs(t, err, auth.ErrUnauthenticated)
	}
	_, err = gate.Authenticate(request("admin@example.org", "s3cret"))
	require.ErrorIs(t, err, auth.ErrRateLimited)

	// Unknown emails are rejected without taking a limiter.
	for i := 0; i < 20; i++ {
		_, err = gate.Authenticate(request(uuid.NewString()+"@example.org", "x"))
		require.ErrorIs(t, err, auth.ErrUnauthenticated)
	}
	assert.Equal(t, 1, gate.TrackedEmails())
}

func TestBasicGateSuccessDoesNotSpendBudget(t *testing.T) {
	dir := auth.NewDirectory()
	_, err := dir.Add("ops@example.org", "s3cret", auth.RoleAdmin)
	require.NoError(t, err)
	gate := auth.NewBasicGate(dir, 1)

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.SetBasicAuth("ops@example.org", "s3cret")
		_, err := gate.Authenticate(r)
		require.NoError(t, err, "attempt %d", i)
	}
}

func TestBasicGateLimitsParallelGuesses(t *testing.T) {
	dir := auth.NewDirectory()
	_, err := dir.Add("ops@example.org", "s3cret", auth.RoleAdmin)
	require.NoError(t, err)
	gate := auth.NewBasicGate(dir, 2)

	const attempts = 50
	var checked, limited atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.SetBasicAuth("ops@example.org", "guess")
			_, err := gate.Authenticate(r)
			switch {
			case errors.Is(err, auth.ErrRateLimited):
				limited.Add(1)
			case errors.Is(err, auth.ErrUnauthenticated):
				checked.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, checked.Load(), int32(3))
	assert.Equal(t, int32(attempts), checked.Load()+limited.Load())
}

func TestChain(t *testing.T) {
	id := uuid.New()
	deny := auth.GateFunc(func(*http.Request) (auth.Principal, error) { return auth.Principal{}, auth.ErrUnauthenticated })
	allow := auth.GateFunc(func(*http.Request) (auth.Principal, error) { return auth.Principal{ID: id}, nil })
	broken := auth.GateFunc(func(*http.Request) (auth.Principal, error) { return auth.Principal{}, errors.New("upstream down") })
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	p, err := auth.Chain(deny, allow).Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)

	_, err = auth.Chain(deny, deny).Authenticate(r)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = auth.Chain(broken, allow).Authenticate(r)
	require.EqualError(t, err, "upstream down")
}

func TestMiddleware(t *testing.T) {
	g := newTokenGate(t)
	member, admin := uuid.New(), uuid.New()
	memberToken := sign(t, secret, jwt.SigningMethodHS256, claimsFor(member, "member", now.Add(time.Hour)))
	adminToken := sign(t, secret, jwt.SigningMethodHS256, claimsFor(admin, "admin", now.Add(time.Hour)))

	var seen auth.Principal
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	memberRoute := auth.Middleware(g, nil)(final)
	adminRoute := auth.Middleware(g, nil)(auth.RequireRole(auth.RoleAdmin)(final))

	call := func(h http.Handler, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := call(memberRoute, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = call(memberRoute, memberToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, member, seen.ID)

	rec = call(adminRoute, memberToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(adminRoute, adminToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, auth.RoleAdmin, seen.Role)

	rec = httptest.NewRecorder()
	auth.RequireRole(auth.RoleMember)(final).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseRole(t *testing.T) {
	r, err := auth.ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, r)
	_, err = auth.ParseRole("root")
	assert.Error(t, err)
	assert.True(t, auth.Principal{Role: auth.RoleAdmin}.Allows(auth.RoleMember))
	assert.False(t, auth.Principal{Role: auth.RoleMember}.Allows(auth.RoleAdmin))
}
