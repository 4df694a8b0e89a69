package forms

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tributo-cl/backoffice/pkg/credentials"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/store"
	"github.com/tributo-cl/backoffice/pkg/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db      *store.DB
	company *domain.Company
	creds   *credentials.Store
	forms   *store.FormStore
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

	v, err := vault.NewFromSecret("test-secret")
	require.NoError(t, err)
	creds := credentials.NewStore(raw, v)
	require.NoError(t, creds.Save(ctx, company.ID, "user-1", company.TaxID, "pass"))

	return &fixture{db: db, company: company, creds: creds, forms: store.NewFormStore(db)}
}

func (f *fixture) service(t *testing.T, mock *portal.MockSession, queue Enqueuer) *Service {
	t.Helper()
	return NewService(testLogger(), f.creds, portal.NewMockFactory(mock),
		f.forms, store.NewCompanyStore(f.db), queue).
		WithClock(func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) })
}

type recordingQueue struct {
	jobs []DetailJob
}

func (q *recordingQueue) EnqueueFormDetail(_ context.Context, job DetailJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func TestSyncFormsStatusRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := &portal.MockSession{
		Forms: []portal.RawForm{
			{Folio: "1001", Period: "2025-01", Amount: "45.000", Active: true, SubmissionDate: "12/02/2025"},
			{Folio: "1002", Period: "2025-02", Amount: "30.500", Active: false, SubmissionDate: "12/03/2025"},
			{Folio: "", Period: "2025-03", Amount: ""},
		},
	}
	svc := f.service(t, mock, nil)

	res, err := svc.SyncForms(ctx, f.company, 2025, 0, "", domain.FormF29)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Created)
	assert.True(t, mock.Closed)

	tmpl, err := f.forms.GetTemplate(ctx, domain.FormF29)
	require.NoError(t, err)

	submitted, err := f.forms.Find(ctx, &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID, SIIFolio: "1001",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FormSubmitted, submitted.Status)
	assert.Equal(t, domain.Period{Year: 2025, Month: 1}, submitted.TaxPeriod)
	assert.Equal(t, 45000.0, submitted.TotalTaxDue)
	assert.Equal(t, 45000.0, submitted.BalanceDue)
	require.NotNil(t, submitted.Submitted)
	assert.Equal(t, time.Date(2025, 2, 12, 0, 0, 0, 0, time.UTC), *submitted.Submitted)

	accepted, err := f.forms.Find(ctx, &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID, SIIFolio: "1002",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FormAccepted, accepted.Status)

	draft, err := f.forms.Find(ctx, &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID,
		IssuerDigits: f.company.TaxID.Digits, IssuerDV: f.company.TaxID.DV,
		TaxPeriod: domain.Period{Year: 2025, Month: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FormDraft, draft.Status)
	assert.False(t, draft.NeedsDetailExtraction())

	// Folio-carrying forms are queued for detail extraction, folio-less
	// ones are not.
	assert.Len(t, res.DetailJobs, 2)
}

func TestSyncFormsRerunUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rows := []portal.RawForm{
		{Folio: "1001", Period: "2025-01", Amount: "45.000", Active: true, SubmissionDate: "12/02/2025"},
	}
	svc := f.service(t, &portal.MockSession{Forms: rows}, nil)

	res, err := svc.SyncForms(ctx, f.company, 2025, 0, "", domain.FormF29)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	svc = f.service(t, &portal.MockSession{Forms: rows}, nil)
	res, err = svc.SyncForms(ctx, f.company, 2025, 0, "", domain.FormF29)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)
}

func TestSyncAllHistoricalFormsEnqueuesDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Activity start 2023 narrows the walk to three years.
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.NewCompanyStore(f.db).UpsertTaxPayer(ctx, &domain.TaxPayer{
		CompanyID: f.company.ID, RUTDigits: f.company.TaxID.Digits, DV: f.company.TaxID.DV,
		TaxID: f.company.TaxID.String(), IsActive: true, ActivityStart: &start,
	}))

	mock := &portal.MockSession{
		Forms: []portal.RawForm{
			{Folio: "800", Period: "2023-07", Amount: "10.000", Active: true, SubmissionDate: "12/08/2023"},
			{Folio: "801", Period: "2024-01", Amount: "12.000", Active: true, SubmissionDate: "12/02/2024"},
			{Folio: "802", Period: "2025-01", Amount: "14.000", Active: true, SubmissionDate: "12/02/2025"},
		},
	}
	queue := &recordingQueue{}
	svc := f.service(t, mock, queue)

	res, err := svc.SyncAllHistoricalForms(ctx, f.company, domain.FormF29)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, mock.CallCount["forms_search"])
	require.Len(t, queue.jobs, 3)
	assert.Equal(t, "800", queue.jobs[0].Folio)
	assert.Equal(t, "2023-07", queue.jobs[0].Period)
}

func TestExtractFormDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tmpl, err := f.forms.EnsureTemplate(ctx, &domain.TaxFormTemplate{
		FormCode: domain.FormF29, Name: "F29", IsActive: true,
	})
	require.NoError(t, err)
	form := &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID,
		TaxPeriod: domain.Period{Year: 2025, Month: 1},
		Status:    domain.FormSubmitted, SIIFolio: "1001",
	}
	require.NoError(t, f.forms.Insert(ctx, form))

	mock := &portal.MockSession{
		Details: map[string]*portal.FormDetail{
			"1001": {Fields: []portal.FormDetailField{
				{Code: "538", Label: "Débito fiscal", Value: "1.023.785"},
				{Code: "537", Label: "Crédito fiscal", Value: "N/A"},
				{Code: "062", Label: "PPM", Value: "0,25"},
			}},
		},
	}
	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	ex := NewExtractor(testLogger(), f.creds, portal.NewMockFactory(mock), f.forms).
		WithClock(func() time.Time { return at })

	require.NoError(t, ex.Extract(ctx, form.ID, false))
	assert.True(t, mock.Closed)

	got, err := f.forms.Get(ctx, form.ID)
	require.NoError(t, err)
	assert.True(t, got.DetailsExtracted)
	require.NotNil(t, got.DetailsExtractedAt)
	assert.Equal(t, "portal_detail", got.DetailsExtractionMethod)
	require.Len(t, got.DetailsData, 3)

	require.NotNil(t, got.DetailsData[0].ValueFormatted)
	assert.Equal(t, 1023785.0, *got.DetailsData[0].ValueFormatted)
	assert.Equal(t, "1.023.785", got.DetailsData[0].Value)
	assert.Nil(t, got.DetailsData[1].ValueFormatted)
	require.NotNil(t, got.DetailsData[2].ValueFormatted)
	assert.Equal(t, 0.25, *got.DetailsData[2].ValueFormatted)

	// Second extraction without force is refused; with force it re-runs.
	assert.ErrorIs(t, ex.Extract(ctx, form.ID, false), ErrAlreadyExtracted)
	require.NoError(t, ex.Extract(ctx, form.ID, true))
}

func TestExtractRefusesEmptyFolio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tmpl, err := f.forms.EnsureTemplate(ctx, &domain.TaxFormTemplate{
		FormCode: domain.FormF29, Name: "F29", IsActive: true,
	})
	require.NoError(t, err)
	form := &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID,
		TaxPeriod: domain.Period{Year: 2025, Month: 2}, Status: domain.FormDraft,
	}
	require.NoError(t, f.forms.Insert(ctx, form))

	ex := NewExtractor(testLogger(), f.creds, portal.NewMockFactory(&portal.MockSession{}), f.forms)
	assert.ErrorIs(t, ex.Extract(ctx, form.ID, false), ErrNoFolio)
}

// Re-syncing a form never clobbers a previous enrichment.
func TestSyncPreservesEnrichment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rows := []portal.RawForm{
		{Folio: "1001", Period: "2025-01", Amount: "45.000", Active: true, SubmissionDate: "12/02/2025"},
	}
	svc := f.service(t, &portal.MockSession{Forms: rows}, nil)
	_, err := svc.SyncForms(ctx, f.company, 2025, 0, "", domain.FormF29)
	require.NoError(t, err)

	mock := &portal.MockSession{Details: map[string]*portal.FormDetail{
		"1001": {Fields: []portal.FormDetailField{{Code: "538", Value: "100"}}},
	}}
	ex := NewExtractor(testLogger(), f.creds, portal.NewMockFactory(mock), f.forms)
	tmpl, err := f.forms.GetTemplate(ctx, domain.FormF29)
	require.NoError(t, err)
	form, err := f.forms.Find(ctx, &domain.TaxForm{
		CompanyID: f.company.ID, TemplateID: tmpl.ID, SIIFolio: "1001",
	})
	require.NoError(t, err)
	require.NoError(t, ex.Extract(ctx, form.ID, false))

	svc = f.service(t, &portal.MockSession{Forms: rows}, nil)
	_, err = svc.SyncForms(ctx, f.company, 2025, 0, "", domain.FormF29)
	require.NoError(t, err)

	got, err := f.forms.Get(ctx, form.ID)
	require.NoError(t, err)
	assert.True(t, got.DetailsExtracted)
	require.Len(t, got.DetailsData, 1)
}
