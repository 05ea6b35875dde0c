package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"librarycirc/internal/httpjson"
)

// Gate authenticates a request.
// Implementations return ErrUnauthenticated when the request carries no
// credentials they understand or the credentials are invalid.
type Gate interface {
	Authenticate(r *http.Request) (Principal, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(r *http.Request) (Principal, error)

func (f GateFunc) Authenticate(r *http.Request) (Principal, error) {
	return f(r)
}

// Chain tries each gate in order and returns the first principal. Errors other
// than ErrUnauthenticated stop the chain.
func Chain(gates ...Gate) Gate {
	return GateFunc(func(r *http.Request) (Principal, error) {
		for _, g := range gates {
			p, err := g.Authenticate(r)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, ErrUnauthenticated) {
				return Principal{}, err
			}
		}
		return Principal{}, ErrUnauthenticated
	})
}

// Middleware rejects unauthenticated requests and stores the principal in the
// request context.
func Middleware(gate Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := gate.Authenticate(r)
			if err != nil {
				logger.DebugContext(r.Context(), "request rejected",
					slog.String("path", r.URL.Path),
					slog.Any("error", err),
				)
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole lets through principals allowed to act as role.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, ErrUnauthenticated)
				return
			}
			if !p.Allows(role) {
				writeAuthError(w, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		httpjson.Error(w, http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(60))
		httpjson.Error(w, http.StatusTooManyRequests, ErrRateLimited.Error())
	case errors.Is(err, ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="library"`)
		httpjson.Error(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
	default:
		httpjson.Error(w, http.StatusBadGateway, "authentication backend unavailable")
	}
}
