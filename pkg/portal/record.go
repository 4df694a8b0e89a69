package portal

import (
	"errors"
	"fmt"
)

// Shape discriminates the two raw document record shapes the portal layer
// produces. Portal-shape rows come straight off the listing pages and use
// the portal's own folio key; canonical-shape rows were pre-processed and
// carry a generic "folio" key.
type Shape string

const (
	ShapePortal    Shape = "portal"
	ShapeCanonical Shape = "canonical"
)

// Portal-shape rows carry the folio under this key.
const portalFolioKey = "nro_documento"

// Operation direction tags stamped onto rows by the coordinator.
const (
	OperationReceived = "recibidos"
	OperationIssued   = "emitidos"
)

// RawDocument is a tagged raw document row. Fields keeps the original
// record; the coordinator stamps the surrounding tags before batching.
type RawDocument struct {
	Shape  Shape
	Fields map[string]any

	// Tags added by the ingestion coordinator.
	TipoOperacion string // OperationReceived or OperationIssued
	CompanyTaxID  string
	TaskID        string
	Period        string // YYYYMM
}

// ErrEmptyRecord rejects nil or empty raw rows.
var ErrEmptyRecord = errors.New("empty raw document record")

// ParseRawDocument chooses the record's shape by discriminator key
// presence: the portal folio key wins, a generic "folio" key means
// canonical, anything else is an error.
func ParseRawDocument(fields map[string]any) (RawDocument, error) {
	if len(fields) == 0 {
		return RawDocument{}, ErrEmptyRecord
	}
	if _, ok := fields[portalFolioKey]; ok {
		return RawDocument{Shape: ShapePortal, Fields: fields}, nil
	}
	if _, ok := fields["folio"]; ok {
		return RawDocument{Shape: ShapeCanonical, Fields: fields}, nil
	}
	return RawDocument{}, fmt.Errorf("record has neither %q nor \"folio\" key", portalFolioKey)
}

// Folio returns the folio value under the shape's key.
func (r RawDocument) Folio() (any, bool) {
	switch r.Shape {
	case ShapePortal:
		v, ok := r.Fields[portalFolioKey]
		return v, ok
	default:
		v, ok := r.Fields["folio"]
		return v, ok
	}
}

// RawForm is one row of a declared-forms search.
type RawForm struct {
	Folio          string         `json:"folio"`
	Period         string         `json:"period"` // canonical "YYYY-MM"
	Amount         string         `json:"amount"` // locale-formatted number
	Active         bool           `json:"active"`
	SubmissionDate string         `json:"submission_date"` // DD/MM/YYYY, may be empty
	Raw            map[string]any `json:"raw,omitempty"`
}
