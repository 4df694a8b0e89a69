package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// FormStore persists declared tax forms and their templates.
type FormStore struct {
	db *DB
}

func NewFormStore(db *DB) *FormStore {
	return &FormStore{db: db}
}

// EnsureTemplate lazily creates a form template for a code; an existing
// row wins.
func (s *FormStore) EnsureTemplate(ctx context.Context, t *domain.TaxFormTemplate) (*domain.TaxFormTemplate, error) {
	if existing, err := s.GetTemplate(ctx, t.FormCode); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	structure, err := jsonText(t.FormStructure)
	if err != nil {
		return nil, err
	}
	validation, err := jsonText(t.ValidationRules)
	if err != nil {
		return nil, err
	}
	calculation, err := jsonText(t.CalculationRules)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tax_form_templates (id, form_code, name, form_structure, validation_rules, calculation_rules, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (form_code) DO NOTHING
	`, t.ID, t.FormCode, t.Name, structure, validation, calculation, t.IsActive, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure form template: %w", err)
	}
	return s.GetTemplate(ctx, t.FormCode)
}

// GetTemplate loads a form template by code.
func (s *FormStore) GetTemplate(ctx context.Context, code domain.FormCode) (*domain.TaxFormTemplate, error) {
	var t domain.TaxFormTemplate
	var structure, validation, calculation sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, form_code, name, form_structure, validation_rules, calculation_rules, is_active, created_at
		FROM tax_form_templates WHERE form_code = $1
	`, code).Scan(&t.ID, &t.FormCode, &t.Name, &structure, &validation, &calculation, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load form template: %w", err)
	}
	if err := scanJSON(structure, &t.FormStructure); err != nil {
		return nil, err
	}
	if err := scanJSON(validation, &t.ValidationRules); err != nil {
		return nil, err
	}
	if err := scanJSON(calculation, &t.CalculationRules); err != nil {
		return nil, err
	}
	return &t, nil
}

const formColumns = `id, company_id, template_id, issuer_digits, issuer_dv, tax_period, year, month,
	status, due_date, submission_date, total_tax_due, total_paid, balance_due, sii_folio, sii_response,
	details_extracted, details_extracted_at, details_extraction_method, details_data, created_at, updated_at`

func scanForm(row interface{ Scan(...any) error }) (*domain.TaxForm, error) {
	var f domain.TaxForm
	var periodStr string
	var year int
	var month sql.NullInt64
	var due, submitted, extractedAt sql.NullTime
	var response, details sql.NullString
	err := row.Scan(&f.ID, &f.CompanyID, &f.TemplateID, &f.IssuerDigits, &f.IssuerDV,
		&periodStr, &year, &month, &f.Status, &due, &submitted,
		&f.TotalTaxDue, &f.TotalPaid, &f.BalanceDue, &f.SIIFolio, &response,
		&f.DetailsExtracted, &extractedAt, &f.DetailsExtractionMethod, &details,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tax form: %w", err)
	}
	if p, perr := domain.ParsePeriod(periodStr); perr == nil {
		f.TaxPeriod = p
	} else {
		f.TaxPeriod = domain.Period{Year: year, Month: int(month.Int64)}
	}
	if due.Valid {
		f.DueDate = &due.Time
	}
	if submitted.Valid {
		f.Submitted = &submitted.Time
	}
	if extractedAt.Valid {
		f.DetailsExtractedAt = &extractedAt.Time
	}
	if err := scanJSON(response, &f.SIIResponse); err != nil {
		return nil, err
	}
	if err := scanJSON(details, &f.DetailsData); err != nil {
		return nil, err
	}
	return &f, nil
}

// Find locates a form preferring the (company, template, folio) key and
// falling back to the legacy (issuer tuple, template, period) key.
func (s *FormStore) Find(ctx context.Context, f *domain.TaxForm) (*domain.TaxForm, error) {
	if f.SIIFolio != "" {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+formColumns+` FROM tax_forms
			WHERE company_id = $1 AND template_id = $2 AND sii_folio = $3
		`, f.CompanyID, f.TemplateID, f.SIIFolio)
		if found, err := scanForm(row); err == nil {
			return found, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+formColumns+` FROM tax_forms
		WHERE issuer_digits = $1 AND issuer_dv = $2 AND template_id = $3 AND tax_period = $4
	`, f.IssuerDigits, f.IssuerDV, f.TemplateID, f.TaxPeriod.String())
	return scanForm(row)
}

// Insert writes a new form row.
func (s *FormStore) Insert(ctx context.Context, f *domain.TaxForm) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	response, err := jsonText(f.SIIResponse)
	if err != nil {
		return err
	}
	details, err := jsonText(f.DetailsData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	var month any
	if f.TaxPeriod.Month > 0 {
		month = f.TaxPeriod.Month
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tax_forms (`+formColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`, f.ID, f.CompanyID, f.TemplateID, f.IssuerDigits, f.IssuerDV, f.TaxPeriod.String(),
		f.TaxPeriod.Year, month, f.Status, f.DueDate, f.Submitted,
		f.TotalTaxDue, f.TotalPaid, f.BalanceDue, f.SIIFolio, response,
		f.DetailsExtracted, f.DetailsExtractedAt, f.DetailsExtractionMethod, details, now)
	if err != nil {
		return fmt.Errorf("insert tax form: %w", err)
	}
	return nil
}

// Update rewrites the declarative fields of an existing form.
func (s *FormStore) Update(ctx context.Context, f *domain.TaxForm) error {
	response, err := jsonText(f.SIIResponse)
	if err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	var month any
	if f.TaxPeriod.Month > 0 {
		month = f.TaxPeriod.Month
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tax_forms SET
			tax_period = $1, year = $2, month = $3, status = $4, due_date = $5, submission_date = $6,
			total_tax_due = $7, total_paid = $8, balance_due = $9, sii_folio = $10, sii_response = $11,
			updated_at = $12
		WHERE id = $13
	`, f.TaxPeriod.String(), f.TaxPeriod.Year, month, f.Status, f.DueDate, f.Submitted,
		f.TotalTaxDue, f.TotalPaid, f.BalanceDue, f.SIIFolio, response, f.UpdatedAt, f.ID)
	if err != nil {
		return fmt.Errorf("update tax form: %w", err)
	}
	return nil
}

// Get loads a form by id.
func (s *FormStore) Get(ctx context.Context, id string) (*domain.TaxForm, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM tax_forms WHERE id = $1`, id)
	return scanForm(row)
}

// MarkDetails persists the enrichment block and flips the extracted flag.
func (s *FormStore) MarkDetails(ctx context.Context, id string, fields []domain.FormField, method string, at time.Time) error {
	details, err := jsonText(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tax_forms SET details_extracted = TRUE, details_extracted_at = $1,
			details_extraction_method = $2, details_data = $3, updated_at = $1
		WHERE id = $4
	`, at.UTC(), method, details, id)
	if err != nil {
		return fmt.Errorf("mark form details: %w", err)
	}
	return nil
}

// ListNeedingDetails returns forms whose detail extraction is pending.
func (s *FormStore) ListNeedingDetails(ctx context.Context, companyID string, limit int) ([]*domain.TaxForm, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+` FROM tax_forms
		WHERE company_id = $1 AND details_extracted = FALSE AND sii_folio <> ''
		ORDER BY year DESC, month DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list forms needing details: %w", err)
	}
	defer rows.Close()
	var out []*domain.TaxForm
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
