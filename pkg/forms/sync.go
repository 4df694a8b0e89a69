// Package forms syncs declared tax forms (F29, F22, F3323, ...) from the
// portal into the operational store and enriches them with field-level
// detail. Upserts are idempotent on the form unique key so queue retries
// are safe.
package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tributo-cl/backoffice/pkg/credentials"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/ingest"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// DetailJob asks for a form's field-level detail to be fetched.
type DetailJob struct {
	FormID string `json:"form_id"`
	Folio  string `json:"folio"`
	Period string `json:"period"`
}

// Enqueuer hands detail jobs to the task queue. May be nil, in which case
// jobs are only reported in the result.
type Enqueuer interface {
	EnqueueFormDetail(ctx context.Context, job DetailJob) error
}

// Result counts one form sync run.
type Result struct {
	Processed  int
	Created    int
	Updated    int
	Errors     int
	DetailJobs []DetailJob
}

func (r *Result) add(other Result) {
	r.Processed += other.Processed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Errors += other.Errors
	r.DetailJobs = append(r.DetailJobs, other.DetailJobs...)
}

// Service syncs declared forms per company and year.
type Service struct {
	log       *slog.Logger
	creds     *credentials.Store
	open      portal.Factory
	forms     *store.FormStore
	companies *store.CompanyStore
	queue     Enqueuer
	now       func() time.Time
}

func NewService(log *slog.Logger, creds *credentials.Store, open portal.Factory,
	forms *store.FormStore, companies *store.CompanyStore, queue Enqueuer) *Service {
	return &Service{
		log:       log,
		creds:     creds,
		open:      open,
		forms:     forms,
		companies: companies,
		queue:     queue,
		now:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SyncForms fetches declared forms for a year (optionally narrowed to a
// month or folio) and upserts them. month 0 and folio "" mean unfiltered.
func (s *Service) SyncForms(ctx context.Context, company *domain.Company, year, month int, folio string, code domain.FormCode) (Result, error) {
	creds, err := s.creds.LoadValid(ctx, company.ID)
	if err != nil {
		return Result{}, err
	}
	session, err := s.open(creds)
	if err != nil {
		return Result{}, fmt.Errorf("open portal session: %w", err)
	}
	defer session.Close()
	if err := session.Authenticate(ctx); err != nil {
		if _, ferr := s.creds.RecordFailure(ctx, company.ID); ferr != nil {
			s.log.Error("recording auth failure", "company", company.ID, "err", ferr)
		}
		return Result{}, err
	}

	rows, err := session.FormsSearch(ctx, year, month, folio)
	if err != nil {
		return Result{}, fmt.Errorf("forms search %d: %w", year, err)
	}
	return s.upsertAll(ctx, company, code, rows), nil
}

// SyncAllHistoricalForms walks every year from the taxpayer's activity
// start (or five years back) to now, accumulating counters and enqueueing a
// detail job for every created or updated form.
func (s *Service) SyncAllHistoricalForms(ctx context.Context, company *domain.Company, code domain.FormCode) (Result, error) {
	now := s.now()
	startYear := now.Year() - 5
	if tp, err := s.companies.GetTaxPayer(ctx, company.ID); err == nil && tp.ActivityStart != nil {
		startYear = tp.ActivityStart.Year()
	}

	var total Result
	for year := startYear; year <= now.Year(); year++ {
		res, err := s.SyncForms(ctx, company, year, 0, "", code)
		if err != nil {
			// Auth and credential failures abort the walk; they will not
			// heal on the next year.
			if errors.Is(err, portal.ErrAuth) || errors.Is(err, credentials.ErrNoCredentials) ||
				errors.Is(err, credentials.ErrCredentialsDisabled) {
				return total, err
			}
			s.log.Warn("historical form sync year failed", "company", company.ID,
				"year", year, "err", err)
			total.Errors++
			continue
		}
		total.add(res)
	}

	if s.queue != nil {
		for _, job := range total.DetailJobs {
			if err := s.queue.EnqueueFormDetail(ctx, job); err != nil {
				s.log.Error("enqueueing form detail job", "form", job.FormID, "err", err)
			}
		}
	}
	return total, nil
}

func (s *Service) upsertAll(ctx context.Context, company *domain.Company, code domain.FormCode, rows []portal.RawForm) Result {
	var res Result
	tmpl, err := s.forms.EnsureTemplate(ctx, defaultTemplate(code))
	if err != nil {
		s.log.Error("ensuring form template", "code", code, "err", err)
		res.Errors = len(rows)
		return res
	}

	for _, row := range rows {
		res.Processed++
		form, err := s.convert(company, tmpl, row)
		if err != nil {
			res.Errors++
			s.log.Warn("skipping malformed form row", "folio", row.Folio, "err", err)
			continue
		}
		created, err := s.upsert(ctx, form)
		if err != nil {
			res.Errors++
			s.log.Warn("persisting form", "folio", row.Folio, "err", err)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		if form.NeedsDetailExtraction() {
			res.DetailJobs = append(res.DetailJobs, DetailJob{
				FormID: form.ID,
				Folio:  form.SIIFolio,
				Period: form.TaxPeriod.String(),
			})
		}
	}
	return res
}

// convert maps one search row into a TaxForm per the canonical shape:
// period "YYYY-MM", status from the active/submission combination, amount
// into both total due and balance.
func (s *Service) convert(company *domain.Company, tmpl *domain.TaxFormTemplate, row portal.RawForm) (*domain.TaxForm, error) {
	period, err := domain.ParsePeriod(row.Period)
	if err != nil {
		return nil, fmt.Errorf("form period: %w", err)
	}

	form := &domain.TaxForm{
		CompanyID:    company.ID,
		TemplateID:   tmpl.ID,
		IssuerDigits: company.TaxID.Digits,
		IssuerDV:     company.TaxID.DV,
		TaxPeriod:    period,
		SIIFolio:     row.Folio,
		SIIResponse:  map[string]any{"original_data": row.Raw},
	}

	if row.SubmissionDate != "" {
		submitted, err := time.Parse("02/01/2006", row.SubmissionDate)
		if err != nil {
			s.log.Warn("form submission date unparseable", "folio", row.Folio, "raw", row.SubmissionDate)
		} else {
			form.Submitted = &submitted
		}
	}

	switch {
	case row.Active && form.Submitted != nil:
		form.Status = domain.FormSubmitted
	case form.Submitted != nil:
		form.Status = domain.FormAccepted
	default:
		form.Status = domain.FormDraft
	}

	if amount, ok := ingest.ParseAmount(row.Amount); ok && amount != nil {
		form.TotalTaxDue = *amount
		form.BalanceDue = *amount
	}
	return form, nil
}

func (s *Service) upsert(ctx context.Context, form *domain.TaxForm) (bool, error) {
	existing, err := s.forms.Find(ctx, form)
	if errors.Is(err, store.ErrNotFound) {
		return true, s.forms.Insert(ctx, form)
	}
	if err != nil {
		return false, err
	}
	form.ID = existing.ID
	form.CreatedAt = existing.CreatedAt
	// The enrichment block survives re-syncs untouched.
	form.DetailsExtracted = existing.DetailsExtracted
	form.DetailsExtractedAt = existing.DetailsExtractedAt
	form.DetailsExtractionMethod = existing.DetailsExtractionMethod
	form.DetailsData = existing.DetailsData
	return false, s.forms.Update(ctx, form)
}

// defaultTemplate builds the lazily-created template row for a form code.
func defaultTemplate(code domain.FormCode) *domain.TaxFormTemplate {
	names := map[domain.FormCode]string{
		domain.FormF29:   "Formulario 29 - Declaración Mensual IVA",
		domain.FormF22:   "Formulario 22 - Declaración Anual de Renta",
		domain.FormF3323: "Formulario 3323 - Régimen Simplificado Trimestral",
		domain.FormF50:   "Formulario 50 - Impuestos Mensuales",
		domain.FormF1924: "Declaración Jurada 1924",
		domain.FormF1923: "Declaración Jurada 1923",
	}
	name, ok := names[code]
	if !ok {
		name = "Formulario " + string(code)
	}
	return &domain.TaxFormTemplate{
		FormCode: code,
		Name:     name,
		FormStructure: map[string]any{
			"sections": []any{
				map[string]any{"code": "header", "fields": []any{"folio", "period", "amount"}},
			},
		},
		IsActive: true,
	}
}
