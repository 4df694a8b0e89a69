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

var (
	// ErrAlreadyExtracted means the form was enriched and force was not set.
	ErrAlreadyExtracted = errors.New("form details already extracted")
	// ErrNoFolio refuses extraction for forms without an SII folio.
	ErrNoFolio = errors.New("form has no sii folio")
)

const extractionMethod = "portal_detail"

// Extractor fetches a form's field-level detail. Each call opens its own
// portal session; extractors may run in parallel across forms.
type Extractor struct {
	log     *slog.Logger
	creds   *credentials.Store
	open    portal.Factory
	forms   *store.FormStore
	timeout time.Duration // per form, including session spin-up
	now     func() time.Time
}

func NewExtractor(log *slog.Logger, creds *credentials.Store, open portal.Factory, forms *store.FormStore) *Extractor {
	return &Extractor{
		log:     log,
		creds:   creds,
		open:    open,
		forms:   forms,
		timeout: 3 * time.Minute,
		now:     time.Now,
	}
}

// WithTimeout overrides the per-form deadline.
func (e *Extractor) WithTimeout(d time.Duration) *Extractor {
	e.timeout = d
	return e
}

// WithClock overrides the clock for deterministic tests.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// Extract enriches one form, persisting the parsed field block and flipping
// details_extracted.
func (e *Extractor) Extract(ctx context.Context, formID string, force bool) error {
	form, err := e.forms.Get(ctx, formID)
	if err != nil {
		return err
	}
	if form.DetailsExtracted && !force {
		return ErrAlreadyExtracted
	}
	if form.SIIFolio == "" {
		return ErrNoFolio
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	creds, err := e.creds.LoadValid(ctx, form.CompanyID)
	if err != nil {
		return err
	}
	session, err := e.open(creds)
	if err != nil {
		return fmt.Errorf("open portal session: %w", err)
	}
	defer session.Close()
	if err := session.Authenticate(ctx); err != nil {
		return err
	}

	detail, err := session.FormDetail(ctx, form.SIIFolio, form.TaxPeriod)
	if err != nil {
		return fmt.Errorf("form detail %s: %w", form.SIIFolio, err)
	}

	fields := normaliseFields(detail.Fields)
	if err := e.forms.MarkDetails(ctx, form.ID, fields, extractionMethod, e.now()); err != nil {
		return err
	}
	e.log.Info("form details extracted", "form", form.ID, "folio", form.SIIFolio,
		"fields", len(fields))
	return nil
}

// normaliseFields keeps each original string and adds the Chilean-number
// parse of it; null sentinels yield a nil formatted value.
func normaliseFields(raw []portal.FormDetailField) []domain.FormField {
	out := make([]domain.FormField, 0, len(raw))
	for _, f := range raw {
		field := domain.FormField{Code: f.Code, Label: f.Label, Value: f.Value}
		if v, ok := ingest.ParseAmount(f.Value); ok {
			field.ValueFormatted = v
		}
		out = append(out, field)
	}
	return out
}
