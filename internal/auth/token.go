package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the token payload understood by TokenGate.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenGate validates HS256 bearer tokens signed with a shared secret.
type TokenGate struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenGate.
type TokenOption func(*TokenGate)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) TokenOption {
	return func(g *TokenGate) { g.issuer = issuer }
}

// WithTokenClock replaces time.Now for expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(g *TokenGate) { g.now = now }
}

// NewTokenGate creates a gate for tokens signed with secret.
func NewTokenGate(secret []byte, opts ...TokenOption) (*TokenGate, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	g := &TokenGate{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authenticate implements Gate.
func (g *TokenGate) Authenticate(r *http.Request) (Principal, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return g.Verify(raw)
}

// Verify validates a raw token and returns its principal.
func (g *TokenGate) Verify(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject is not a user id", ErrUnauthenticated)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return Principal{ID: id, Role: role}, nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
