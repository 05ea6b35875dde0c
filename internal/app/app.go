// Package app wires configuration into the stores, services and gates the
// binaries run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"librarycirc/internal/auth"
	"librarycirc/internal/catalog"
	"librarycirc/internal/circulation"
	"librarycirc/internal/clients"
	"librarycirc/internal/config"
	"librarycirc/internal/sqlstore"
)

// App holds the wired components.
type App struct {
	Store       *sqlstore.Store
	Circulation *circulation.Coordinator
	// Catalog is nil when records are owned by a remote catalog service.
	Catalog catalog.Service
	// Gate is nil for apps built with Open.
	Gate auth.Gate
}

// New opens the database and builds the services and the request gate.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Gate, err = newGate(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Open builds the store and services without an authentication gate, for
// operator tooling that talks to the database directly.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := sqlstore.Open(ctx, sqlstore.Driver(cfg.DatabaseDriver), cfg.DatabaseURL, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &App{Store: store}
	var books circulation.Catalog = store
	if cfg.CatalogServiceURL != "" {
		books = clients.NewCatalogClient(cfg.CatalogServiceURL)
	}

	a.Circulation = circulation.NewCoordinator(store, books,
		circulation.WithLoanPeriod(cfg.LoanPeriod),
		circulation.WithLockTimeout(cfg.LockTimeout),
		circulation.WithLogger(logger),
	)
	if cfg.CatalogServiceURL == "" {
		a.Catalog = catalog.NewService(store, a.Circulation, logger)
	}
	return a, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.Store.Close()
}

// newGate chains every configured way of authenticating: bearer tokens,
// the membership service and local operator accounts.
func newGate(cfg config.Config) (auth.Gate, error) {
	var gates []auth.Gate
	if cfg.TokenSecret != "" {
		opts := []auth.TokenOption{}
		if cfg.TokenIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.TokenIssuer))
		}
		tokens, err := auth.NewTokenGate([]byte(cfg.TokenSecret), opts...)
		if err != nil {
			return nil, err
		}
		gates = append(gates, tokens)
	}
	if cfg.MembershipServiceURL != "" {
		gates = append(gates, clients.NewMembershipClient(cfg.MembershipServiceURL))
	}
	if cfg.AdminEmail != "" {
		dir := auth.NewDirectory()
		if _, err := dir.Add(cfg.AdminEmail, cfg.AdminPassword, auth.RoleAdmin); err != nil {
			return nil, fmt.Errorf("seed admin account: %w", err)
		}
		gates = append(gates, auth.NewBasicGate(dir, cfg.AuthRatePerMinute))
	}
	if len(gates) == 0 {
		return nil, errors.New("no authentication configured: set TOKEN_SECRET, MEMBERSHIP_SERVICE_URL or ADMIN_EMAIL")
	}
	return auth.Chain(gates...), nil
}
