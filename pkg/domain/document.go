package domain

import "time"

// DocumentCategory classifies document types.
type DocumentCategory string

const (
	CategoryInvoice       DocumentCategory = "invoice"
	CategoryReceipt       DocumentCategory = "receipt"
	CategoryCreditNote    DocumentCategory = "credit_note"
	CategoryDebitNote     DocumentCategory = "debit_note"
	CategoryDeliveryGuide DocumentCategory = "delivery_guide"
	CategoryExport        DocumentCategory = "export"
	CategoryOther         DocumentCategory = "other"
)

// DocumentType is the shared reference table keyed by the authority's
// integer type code (33 = electronic invoice, 61 = credit note, ...).
// Rows are created on demand when an unseen code appears and never deleted.
type DocumentType struct {
	Code              int
	Name              string
	Category          DocumentCategory
	IsDTE             bool
	RequiresRecipient bool
	IsActive          bool
}

// DocumentStatus is the lifecycle state of a tax document.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentPending   DocumentStatus = "pending"
	DocumentSigned    DocumentStatus = "signed"
	DocumentSent      DocumentStatus = "sent"
	DocumentAccepted  DocumentStatus = "accepted"
	DocumentRejected  DocumentStatus = "rejected"
	DocumentCancelled DocumentStatus = "cancelled"
	DocumentProcessed DocumentStatus = "processed"
)

// DocumentDirection is derived by comparing the issuer and recipient
// tuples against the owning company's tax id.
type DocumentDirection string

const (
	DirectionIssued   DocumentDirection = "issued"
	DirectionReceived DocumentDirection = "received"
	DirectionUnknown  DocumentDirection = "unknown"
)

// Party is one side of a document: issuer or recipient.
type Party struct {
	RUT      RUT
	Name     string
	Address  string
	Activity string
}

// Document is one tax document instance. Uniqueness:
// (Issuer.RUT.Digits, Issuer.RUT.DV, TypeCode, Folio).
type Document struct {
	ID        string
	CompanyID string
	Issuer    Party
	Recipient Party
	TypeCode  int
	Folio     int64
	IssueDate time.Time
	Status    DocumentStatus

	NetAmount    float64
	TaxAmount    float64
	ExemptAmount float64
	TotalAmount  float64

	RawData    map[string]any // original portal payload
	SIITrackID string

	// Credit and debit notes reference the corrected document.
	ReferenceFolio     int64
	ReferenceFolioType int
	ReferenceID        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Direction classifies the document relative to the owning company.
// At most one of issued/received holds; a document whose issuer and
// recipient both differ from the company is unknown.
func (d *Document) Direction(company RUT) DocumentDirection {
	issued := d.Issuer.RUT == company
	received := d.Recipient.RUT == company
	switch {
	case issued && !received:
		return DirectionIssued
	case received && !issued:
		return DirectionReceived
	default:
		return DirectionUnknown
	}
}

// Contact is a per-company contact derived from document counterparties.
// Uniqueness: (CompanyID, TaxID). At least one role flag must be true,
// and a contact's tax id is never the owning company's own.
type Contact struct {
	ID         string
	CompanyID  string
	TaxID      RUT
	Name       string
	Address    string
	Category   string
	IsClient   bool
	IsProvider bool
	IsActive   bool
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
