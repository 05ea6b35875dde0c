package api

import (
	"net/http"

	"librarycirc/internal/httpjson"
)

type endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Access      string `json:"access"`
}

var endpoints = []endpoint{
	{http.MethodGet, "/api/books", "List books with live availability (?available=true)", "member"},
	{http.MethodPost, "/api/books", "Create a book", "admin"},
	{http.MethodGet, "/api/books/{id}", "Book details", "member"},
	{http.MethodGet, "/api/books/{id}/availability", "Available and total copies", "member"},
	{http.MethodGet, "/api/books/{id}/loans", "Loans of a book", "member"},
	{http.MethodPost, "/api/books/{id}/borrow", "Borrow a copy", "member"},
	{http.MethodPost, "/api/books/{id}/return", "Return a copy", "member"},
	{http.MethodGet, "/api/me/loans", "Loans of the caller", "member"},
	{http.MethodGet, "/api/auth/me", "The authenticated caller", "member"},
	{http.MethodPut, "/api/admin/books/{id}", "Update book details or total copies", "admin"},
	{http.MethodDelete, "/api/admin/books/{id}", "Delete a book that was never lent", "admin"},
	{http.MethodGet, "/api/admin/books/{id}/journal", "Committed transitions of a book", "admin"},
	{http.MethodPost, "/api/admin/books/{id}/reconcile", "Rebuild availability from the loan ledger", "admin"},
	{http.MethodGet, "/api/admin/loans/overdue", "Active loans past due (?as_of=RFC3339)", "admin"},
	{http.MethodGet, "/api/admin/users/{id}/loans", "Loans of a user", "admin"},
	{http.MethodGet, "/health", "Health check", "public"},
}

type docsResponse struct {
	API            string     `json:"api"`
	Version        string     `json:"version"`
	Status         string     `json:"status"`
	Authentication string     `json:"authentication"`
	Endpoints      []endpoint `json:"endpoints"`
}

func documentation(w http.ResponseWriter, _ *http.Request) {
	httpjson.Write(w, http.StatusOK, docsResponse{
		API:            "Library Circulation",
		Version:        Version,
		Status:         "operational",
		Authentication: "Bearer token or HTTP Basic",
		Endpoints:      endpoints,
	})
}
