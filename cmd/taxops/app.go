package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tributo-cl/backoffice/pkg/config"
	"github.com/tributo-cl/backoffice/pkg/credentials"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/observability"
	"github.com/tributo-cl/backoffice/pkg/store"
	"github.com/tributo-cl/backoffice/pkg/vault"
)

// app bundles the configuration, logger and repositories every command
// needs. Redis, portal and object-store clients are wired only where a
// command uses them.
type app struct {
	cfg *config.Config
	log *slog.Logger
	db  *store.DB

	vault     *vault.Vault
	creds     *credentials.Store
	companies *store.CompanyStore
	docs      *store.DocumentStore
	contacts  *store.ContactStore
	forms     *store.FormStore
	logs      *store.SyncLogStore
	processes *store.ProcessStore
	segments  *store.SegmentStore
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := observability.NewLogger(os.Stderr, cfg.LogLevel)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	v, err := vault.NewFromSecret(cfg.MasterSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		vault:     v,
		creds:     credentials.NewStore(db.DB, v),
		companies: store.NewCompanyStore(db),
		docs:      store.NewDocumentStore(db),
		contacts:  store.NewContactStore(db),
		forms:     store.NewFormStore(db),
		logs:      store.NewSyncLogStore(db),
		processes: store.NewProcessStore(db),
		segments:  store.NewSegmentStore(db),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// companiesFor resolves the --company-id selector: empty means every
// active company, otherwise a company ID or a canonical tax identifier.
func (a *app) companiesFor(ctx context.Context, selector string) ([]*domain.Company, error) {
	if selector == "" {
		return a.companies.ListActive(ctx)
	}
	c, err := a.companies.Get(ctx, selector)
	if err == nil {
		return []*domain.Company{c}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	rut, perr := domain.ParseRUT(selector)
	if perr != nil {
		return nil, fmt.Errorf("%w: no company %q", config.ErrConfig, selector)
	}
	c, err = a.companies.GetByTaxID(ctx, rut)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no company %q", config.ErrConfig, selector)
	}
	if err != nil {
		return nil, err
	}
	return []*domain.Company{c}, nil
}
