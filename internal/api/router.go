// Package api assembles the HTTP surface of the circulation service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"librarycirc/internal/auth"
	"librarycirc/internal/catalog"
	"librarycirc/internal/circulation"
	"librarycirc/internal/httpjson"
)

// Version is reported by the documentation and health endpoints.
const Version = "1.0.0"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Circulation circulation.Service
	// Catalog is nil when book records are owned by a remote catalog service;
	// the record routes are then not mounted.
	Catalog catalog.Service
	Gate    auth.Gate
	// Database is optional; without it /health reports the store as in-memory.
	Database Pinger
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewRouter wires the public, member and admin routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	loans := circulation.NewHandler(d.Circulation, d.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/", documentation)
	r.Get("/health", health(d.Database, d.Now))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(d.Gate, d.Logger))

		var books *catalog.Handler
		if d.Catalog != nil {
			books = catalog.NewHandler(d.Catalog, d.Circulation)
			r.Get("/books", books.ListBooks)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/books", books.CreateBook)
		}
		r.Route("/books/{id}", func(r chi.Router) {
			if books != nil {
				r.Get("/", books.GetBook)
			}
			r.Get("/availability", loans.Availability)
			r.Get("/loans", loans.BookLoans)
			r.Post("/borrow", loans.Borrow)
			r.Post("/return", loans.Return)
		})
		r.Get("/me/loans", loans.MyLoans)
		r.Get("/auth/me", currentPrincipal)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			if books != nil {
				r.Put("/books/{id}", books.UpdateBook)
				r.Delete("/books/{id}", books.DeleteBook)
			}
			r.Get("/books/{id}/journal", loans.Journal)
			r.Post("/books/{id}/reconcile", loans.Reconcile)
			r.Get("/loans/overdue", loans.Overdue)
			r.Get("/users/{id}/loans", loans.UserLoans)
		})
	})
	return r
}

// currentPrincipal answers with the authenticated identity, in the shape the
// membership service's /me uses.
func currentPrincipal(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	httpjson.Write(w, http.StatusOK, p)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
}

func health(db Pinger, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			Version:   Version,
			Services:  map[string]string{"database": "in-memory"},
			Timestamp: now().UTC(),
		}
		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Services["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				resp.Services["database"] = "connected"
			}
		}
		httpjson.Write(w, status, resp)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
