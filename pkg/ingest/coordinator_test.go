package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tributo-cl/backoffice/pkg/contacts"
	"github.com/tributo-cl/backoffice/pkg/credentials"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/store"
	"github.com/tributo-cl/backoffice/pkg/vault"
)

type fixture struct {
	db      *store.DB
	company *domain.Company
	creds   *credentials.Store
	docs    *store.DocumentStore
	cstore  *store.ContactStore
	logs    *store.SyncLogStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	db := &store.DB{DB: raw, Dialect: store.SQLite}
	require.NoError(t, db.Migrate(ctx))

	company := &domain.Company{
		TaxID:        domain.RUT{Digits: 77794858, DV: "K"},
		BusinessName: "Comercial Andina SpA",
		IsActive:     true,
	}
	require.NoError(t, store.NewCompanyStore(db).Create(ctx, company))

	v, err := vault.NewFromSecret("test-master-secret")
	require.NoError(t, err)
	creds := credentials.NewStore(raw, v)
	require.NoError(t, creds.Save(ctx, company.ID, "user-1", company.TaxID, "portal-pass"))

	return &fixture{
		db:      db,
		company: company,
		creds:   creds,
		docs:    store.NewDocumentStore(db),
		cstore:  store.NewContactStore(db),
		logs:    store.NewSyncLogStore(db),
	}
}

func (f *fixture) coordinator(t *testing.T, open portal.Factory) *Coordinator {
	t.Helper()
	companies := store.NewCompanyStore(f.db)
	deriver := contacts.NewDeriver(testLogger(), f.cstore)
	c := NewCoordinator(Config{}, testLogger(), f.creds, open,
		f.db, f.docs, companies, f.logs, nil, deriver)
	return c.WithClock(func() time.Time {
		return time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	})
}

func (f *fixture) newSyncLog(t *testing.T) *domain.SyncLog {
	t.Helper()
	l := &domain.SyncLog{CompanyID: f.company.ID, SyncType: "sync_documents", TaskID: "task-1"}
	require.NoError(t, f.logs.Create(context.Background(), l))
	return l
}

func purchaseRow(folio int, typ any, issuerRUT string) portal.RawDocument {
	return portal.RawDocument{
		Shape: portal.ShapePortal,
		Fields: map[string]any{
			"nro_documento": folio,
			"tipo_doc":      typ,
			"rut_emisor":    issuerRUT,
			"razon_social":  "Proveedor " + issuerRUT,
			"fecha_emision": "15/01/2024",
			"monto_neto":    "100.000",
			"monto_iva":     "19.000",
			"monto_total":   "119.000",
		},
	}
}

func salesRow(folio int, recipientRUT string) portal.RawDocument {
	return portal.RawDocument{
		Shape: portal.ShapePortal,
		Fields: map[string]any{
			"nro_documento": folio,
			"tipo_doc":      33,
			"rut_emisor":    recipientRUT,
			"fecha_emision": "20/01/2024",
			"monto_total":   "50.000",
		},
	}
}

// January 2024 fixtures matching the mixed-outcome scenario: three purchase
// records (one carrying an unseen type code 99) and one sales record.
func mockJanuary() *portal.MockSession {
	period := domain.Period{Year: 2024, Month: 1}
	return &portal.MockSession{
		Summary: map[string]*portal.Summary{
			period.Compact(): {
				Purchases: []portal.TypeCount{{Code: 33, Count: 2}, {Code: 61, Count: 1}},
				Sales:     []portal.TypeCount{{Code: 33, Count: 1}},
			},
		},
		Purchase: map[string][]portal.RawDocument{
			portal.DocKey(period, 33): {
				purchaseRow(101, 33, "11222333-4"),
				purchaseRow(102, 99, "11222333-4"),
			},
			portal.DocKey(period, 61): {
				purchaseRow(201, "Nota de Crédito", "55666777-8"),
			},
		},
		Sales: map[string][]portal.RawDocument{
			portal.DocKey(period, 33): {
				salesRow(301, "99888777-6"),
			},
		},
	}
}

func TestSyncPeriodMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := mockJanuary()
	coord := f.coordinator(t, portal.NewMockFactory(mock))
	syncLog := f.newSyncLog(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counters, err := coord.SyncPeriod(ctx, f.company, from, from, syncLog)
	require.NoError(t, err)

	assert.Equal(t, 4, counters.Processed)
	assert.Equal(t, 4, counters.Created)
	assert.Equal(t, 0, counters.Updated)
	assert.Equal(t, 0, counters.Errors)
	assert.True(t, mock.Closed)

	// The unseen type code was auto-created in the reference table.
	dt, err := f.docs.GetType(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryOther, dt.Category)

	final, err := f.logs.Get(ctx, syncLog.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercentage)
	assert.Equal(t, final.Counters.Processed,
		final.Counters.Created+final.Counters.Updated+final.Counters.Errors)

	// Contact derivation ran inside the upsert transactions: two distinct
	// providers from purchases, one client from the sale.
	all, err := f.cstore.ListByCompany(ctx, f.company.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	providers, clients := 0, 0
	for _, contact := range all {
		if contact.IsProvider {
			providers++
		}
		if contact.IsClient {
			clients++
		}
	}
	assert.Equal(t, 2, providers)
	assert.Equal(t, 1, clients)
}

func TestSyncPeriodRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := f.coordinator(t, portal.NewMockFactory(mockJanuary()))
	_, err := first.SyncPeriod(ctx, f.company, from, from, f.newSyncLog(t))
	require.NoError(t, err)

	second := f.coordinator(t, portal.NewMockFactory(mockJanuary()))
	counters, err := second.SyncPeriod(ctx, f.company, from, from, f.newSyncLog(t))
	require.NoError(t, err)

	assert.Equal(t, 4, counters.Processed)
	assert.Equal(t, 0, counters.Created)
	assert.Equal(t, 4, counters.Updated)

	docs, err := f.docs.ListByCompany(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 4)
}

// cancellingSession flips the sync log to cancelled after a fixed number of
// summary calls, simulating an external writer.
type cancellingSession struct {
	*portal.MockSession
	summaries int
	after     int
	cancel    func()
}

func (c *cancellingSession) DocumentsSummary(ctx context.Context, period domain.Period) (*portal.Summary, error) {
	s, err := c.MockSession.DocumentsSummary(ctx, period)
	c.summaries++
	if c.summaries == c.after {
		c.cancel()
	}
	return s, err
}

func TestSyncCancellationAtPeriodBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	syncLog := f.newSyncLog(t)

	session := &cancellingSession{
		MockSession: &portal.MockSession{},
		after:       8,
		cancel: func() {
			require.NoError(t, f.logs.Cancel(ctx, syncLog.ID))
		},
	}
	factory := func(portal.Credentials) (portal.Session, error) { return session, nil }
	coord := f.coordinator(t, factory)

	from := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err := coord.SyncPeriod(ctx, f.company, from, to, syncLog)
	assert.ErrorIs(t, err, ErrCancelled)

	// The coordinator stopped at the next period boundary.
	assert.Equal(t, 8, session.summaries)
	assert.True(t, session.Closed)

	final, err := f.logs.Get(ctx, syncLog.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCancelled, final.Status)
}

func TestSyncAuthFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := &portal.MockSession{AuthErr: portal.ErrAuth}
	coord := f.coordinator(t, portal.NewMockFactory(mock))
	syncLog := f.newSyncLog(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := coord.SyncPeriod(ctx, f.company, from, from, syncLog)
	assert.ErrorIs(t, err, portal.ErrAuth)
	assert.True(t, mock.Closed)

	final, gerr := f.logs.Get(ctx, syncLog.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.SyncFailed, final.Status)
}

func TestSyncInvalidDateRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	coord := f.coordinator(t, portal.NewMockFactory(&portal.MockSession{}))

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := coord.SyncPeriod(ctx, f.company, from, to, f.newSyncLog(t))
	assert.Error(t, err)

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = coord.SyncPeriod(ctx, f.company, future, future, f.newSyncLog(t))
	assert.Error(t, err)
}

// A failed summary degrades to the fallback code sets instead of skipping
// the period.
func TestSyncSummaryFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	period := domain.Period{Year: 2024, Month: 1}
	mock := &portal.MockSession{
		CallErr: map[string]error{"documents_summary": portal.ErrTransient},
		Purchase: map[string][]portal.RawDocument{
			portal.DocKey(period, 46): {purchaseRow(900, 46, "11222333-4")},
		},
	}
	coord := f.coordinator(t, portal.NewMockFactory(mock))

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counters, err := coord.SyncPeriod(ctx, f.company, from, from, f.newSyncLog(t))
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Created)
	// All fallback purchase and sales codes were attempted.
	assert.Equal(t, len(fallbackPurchaseCodes), mock.CallCount["purchase_documents"])
	assert.Equal(t, len(fallbackSalesCodes), mock.CallCount["sales_documents"])
}

// Losing the session on the summary call aborts the job outright; the
// fallback sweep must not burn portal calls against a dead session.
func TestSyncSummaryAuthFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := &portal.MockSession{
		CallErr: map[string]error{"documents_summary": portal.ErrAuth},
	}
	coord := f.coordinator(t, portal.NewMockFactory(mock))
	syncLog := f.newSyncLog(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := coord.SyncPeriod(ctx, f.company, from, from, syncLog)
	assert.ErrorIs(t, err, portal.ErrAuth)
	assert.Equal(t, 0, mock.CallCount["purchase_documents"])
	assert.Equal(t, 0, mock.CallCount["sales_documents"])
	assert.True(t, mock.Closed)

	final, gerr := f.logs.Get(ctx, syncLog.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.SyncFailed, final.Status)
}

func TestSyncRecordsPerDocumentErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	period := domain.Period{Year: 2024, Month: 1}
	mock := &portal.MockSession{
		Summary: map[string]*portal.Summary{
			period.Compact(): {Purchases: []portal.TypeCount{{Code: 33, Count: 2}}},
		},
		Purchase: map[string][]portal.RawDocument{
			portal.DocKey(period, 33): {
				purchaseRow(1, 33, "11222333-4"),
				{Shape: portal.ShapePortal, Fields: map[string]any{"nro_documento": ""}},
			},
		},
	}
	coord := f.coordinator(t, portal.NewMockFactory(mock))

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	syncLog := f.newSyncLog(t)
	counters, err := coord.SyncPeriod(ctx, f.company, from, from, syncLog)
	require.NoError(t, err)

	assert.Equal(t, 2, counters.Processed)
	assert.Equal(t, 1, counters.Created)
	assert.Equal(t, 1, counters.Errors)

	final, err := f.logs.Get(ctx, syncLog.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCompleted, final.Status)
	errs, _ := final.SyncData["errors"].([]any)
	require.Len(t, errs, 1)
}

func TestReferenceLinkerPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	issuer := domain.RUT{Digits: 11222333, DV: "4"}

	for _, code := range []int{33, 61} {
		require.NoError(t, f.docs.EnsureType(ctx, f.db, domain.DocumentType{
			Code: code, Name: "tipo", Category: domain.CategoryInvoice, IsActive: true,
		}))
	}
	invoice := &domain.Document{
		CompanyID: f.company.ID, Issuer: domain.Party{RUT: issuer}, TypeCode: 33, Folio: 500,
		IssueDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), Status: domain.DocumentProcessed,
	}
	require.NoError(t, f.docs.Insert(ctx, f.db, invoice))
	credit := &domain.Document{
		CompanyID: f.company.ID, Issuer: domain.Party{RUT: issuer}, TypeCode: 61, Folio: 61,
		IssueDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Status: domain.DocumentProcessed,
		ReferenceFolio: 500, ReferenceFolioType: 33,
	}
	require.NoError(t, f.docs.Insert(ctx, f.db, credit))
	dangling := &domain.Document{
		CompanyID: f.company.ID, Issuer: domain.Party{RUT: issuer}, TypeCode: 61, Folio: 62,
		IssueDate: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), Status: domain.DocumentProcessed,
		ReferenceFolio: 999, ReferenceFolioType: 33,
	}
	require.NoError(t, f.docs.Insert(ctx, f.db, dangling))

	linker := NewReferenceLinker(testLogger(), f.docs)
	res, err := linker.Link(ctx, f.company.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 1, res.Linked)
	assert.Equal(t, 1, res.Missing)

	// Second pass only revisits the dangling reference.
	res, err = linker.Link(ctx, f.company.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, 0, res.Linked)
}
