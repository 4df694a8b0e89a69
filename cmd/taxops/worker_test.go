package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tributo-cl/backoffice/pkg/config"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/ingest"
	"github.com/tributo-cl/backoffice/pkg/queue"
	"github.com/tributo-cl/backoffice/pkg/store"
)

func testApp(t *testing.T) *app {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	db := &store.DB{DB: raw, Dialect: store.SQLite}
	require.NoError(t, db.Migrate(context.Background()))

	return &app{
		cfg:       &config.Config{TimeZone: time.UTC},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		db:        db,
		companies: store.NewCompanyStore(db),
		docs:      store.NewDocumentStore(db),
		logs:      store.NewSyncLogStore(db),
	}
}

// A malformed period in the payload must fail before any sync log is
// created; otherwise every queue retry strands another row in running.
func TestSyncDocumentsHandlerRejectsBadPeriodWithoutLog(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)

	company := &domain.Company{
		TaxID:        domain.RUT{Digits: 77794858, DV: "K"},
		BusinessName: "Comercial Andina SpA",
		IsActive:     true,
	}
	require.NoError(t, a.companies.Create(ctx, company))

	coordinator := ingest.NewCoordinator(ingest.Config{}, a.log, nil, nil,
		a.db, a.docs, a.companies, a.logs, nil)
	handler := syncDocumentsHandler(a, coordinator)

	raw, err := json.Marshal(queue.SyncDocumentsPayload{
		CompanyID: company.ID,
		From:      "not-a-period",
	})
	require.NoError(t, err)

	err = handler(ctx, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-period")

	logs, err := a.logs.ListByCompany(ctx, company.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// Same for a bad upper bound.
	raw, err = json.Marshal(queue.SyncDocumentsPayload{
		CompanyID: company.ID,
		From:      "2025-01",
		To:        "garbage",
	})
	require.NoError(t, err)
	require.Error(t, handler(ctx, raw))

	logs, err = a.logs.ListByCompany(ctx, company.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
