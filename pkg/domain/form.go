package domain

import "time"

// FormCode identifies a declared tax form template.
type FormCode string

const (
	FormF29   FormCode = "F29"
	FormF22   FormCode = "F22"
	FormF3323 FormCode = "F3323"
	FormF50   FormCode = "F50"
	FormF1924 FormCode = "F1924"
	FormF1923 FormCode = "F1923"
)

// TaxFormTemplate is the reference entity for a form code. FormStructure
// is the declarative sections/fields document; the rule maps are optional.
type TaxFormTemplate struct {
	ID               string
	FormCode         FormCode
	Name             string
	FormStructure    map[string]any
	ValidationRules  map[string]any
	CalculationRules map[string]any
	IsActive         bool
	CreatedAt        time.Time
}

// FormStatus is the lifecycle state of a declared form.
type FormStatus string

const (
	FormDraft     FormStatus = "draft"
	FormSubmitted FormStatus = "submitted"
	FormAccepted  FormStatus = "accepted"
	FormPaid      FormStatus = "paid"
	FormOverdue   FormStatus = "overdue"
)

// FormField is one parsed field of an enriched form. Value keeps the
// original portal string; ValueFormatted is the Chilean-number parse of it,
// nil for empty or "N/A"-style values.
type FormField struct {
	Code           string   `json:"code"`
	Label          string   `json:"label"`
	Value          string   `json:"value"`
	ValueFormatted *float64 `json:"value_formatted"`
}

// TaxForm is one declared form instance. Uniqueness:
// (CompanyID, TemplateID, SIIFolio), with a legacy fallback on
// (issuer digits+dv, template, tax period).
type TaxForm struct {
	ID         string
	CompanyID  string
	TemplateID string

	IssuerDigits int64 // legacy indexing; writes go through CompanyID
	IssuerDV     string

	TaxPeriod Period
	Status    FormStatus
	DueDate   *time.Time
	Submitted *time.Time

	TotalTaxDue float64
	TotalPaid   float64
	BalanceDue  float64

	SIIFolio    string
	SIIResponse map[string]any // original portal payload under "original_data"

	DetailsExtracted        bool
	DetailsExtractedAt      *time.Time
	DetailsExtractionMethod string
	DetailsData             []FormField

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsDetailExtraction reports whether a detail-extraction job should run.
func (f *TaxForm) NeedsDetailExtraction() bool {
	return !f.DetailsExtracted && f.SIIFolio != ""
}

// HasRecentDetails reports whether the form was enriched within the window.
func (f *TaxForm) HasRecentDetails(window time.Duration, now time.Time) bool {
	return f.DetailsExtracted && f.DetailsExtractedAt != nil &&
		now.Sub(*f.DetailsExtractedAt) <= window
}
