package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/portal"
)

// MappingError rejects one raw record during mapping.
type MappingError struct {
	Reason string
}

func (e *MappingError) Error() string { return "document mapping failed: " + e.Reason }

// typeNameEntry maps a folded substring of a portal type name to a code.
// More specific entries come first.
var typeNameTable = []struct {
	substr string
	code   int
}{
	{"nota de credito", 61},
	{"nota de debito", 56},
	{"factura de compra", 46},
	{"factura de exportacion", 110},
	{"factura exenta", 34},
	{"factura no afecta", 34},
	{"boleta exenta", 41},
	{"boleta", 39},
	{"guia de despacho", 52},
	{"liquidacion", 43},
	{"factura", 33},
}

// categoryOf infers the reference-table category from a type code.
func categoryOf(code int) domain.DocumentCategory {
	switch code {
	case 33, 34, 46:
		return domain.CategoryInvoice
	case 39, 41:
		return domain.CategoryReceipt
	case 61:
		return domain.CategoryCreditNote
	case 56:
		return domain.CategoryDebitNote
	case 52:
		return domain.CategoryDeliveryGuide
	case 110, 111, 112:
		return domain.CategoryExport
	default:
		return domain.CategoryOther
	}
}

// Mapped is the mapper's output: a structurally complete document plus the
// reference-table row to ensure before upserting.
type Mapped struct {
	Document domain.Document
	Type     domain.DocumentType
}

// Mapper converts validated raw records into Document fields. Soft failures
// (dates, amounts) fall back with a warning; only a missing folio or a
// malformed company tax id is fatal.
type Mapper struct {
	log *slog.Logger
	now func() time.Time
}

func NewMapper(log *slog.Logger) *Mapper {
	return &Mapper{log: log, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Mapper) WithClock(now func() time.Time) *Mapper {
	m.now = now
	return m
}

// Map produces the upsertable document for a validated record. companyID is
// the owning company; company is its canonical tax id.
func (m *Mapper) Map(rec portal.RawDocument, companyID string, company domain.RUT) (*Mapped, error) {
	keys := fieldKeys(rec.Shape)

	folioRaw, ok := rec.Folio()
	if !ok || folioRaw == nil {
		return nil, &MappingError{Reason: "record has no folio"}
	}
	folio, err := folioOf(folioRaw)
	if err != nil {
		return nil, &MappingError{Reason: err.Error()}
	}

	code := m.typeCode(rec.Fields[keys.typeCode])

	counterparty := m.party(rec, keys)
	companyParty := domain.Party{RUT: company}

	// tipo_operacion decides which side of the document the company is on.
	// Missing means received.
	var issuer, recipient domain.Party
	if rec.TipoOperacion == portal.OperationIssued {
		issuer, recipient = companyParty, counterparty
	} else {
		issuer, recipient = counterparty, companyParty
	}

	issueDate := m.issueDate(rec.Fields[keys.issueDate])

	doc := domain.Document{
		CompanyID:    companyID,
		Issuer:       issuer,
		Recipient:    recipient,
		TypeCode:     code,
		Folio:        folio,
		IssueDate:    issueDate,
		Status:       domain.DocumentProcessed,
		NetAmount:    m.amount(rec, keys.net),
		TaxAmount:    m.amount(rec, keys.tax),
		ExemptAmount: m.amount(rec, keys.exempt),
		TotalAmount:  m.amount(rec, keys.total),
		RawData:      rec.Fields,
		SIITrackID:   m.trackID(folioRaw),
	}
	if ref, ok := intField(rec.Fields[keys.refFolio]); ok {
		doc.ReferenceFolio = int64(ref)
	}
	if refType, ok := intField(rec.Fields[keys.refType]); ok {
		doc.ReferenceFolioType = refType
	}

	return &Mapped{
		Document: doc,
		Type: domain.DocumentType{
			Code:     code,
			Name:     typeName(rec.Fields[keys.typeCode], code),
			Category: categoryOf(code),
			IsDTE:    true,
			IsActive: true,
		},
	}, nil
}

// shapeKeys names the per-shape field keys the mapper reads.
type shapeKeys struct {
	typeCode  string
	issueDate string
	net       string
	tax       string
	exempt    string
	total     string
	partyRUT  string
	partyName string
	refFolio  string
	refType   string
}

func fieldKeys(shape portal.Shape) shapeKeys {
	if shape == portal.ShapePortal {
		return shapeKeys{
			typeCode:  "tipo_doc",
			issueDate: "fecha_emision",
			net:       "monto_neto",
			tax:       "monto_iva",
			exempt:    "monto_exento",
			total:     "monto_total",
			partyRUT:  "rut_emisor",
			partyName: "razon_social",
			refFolio:  "folio_referencia",
			refType:   "tipo_doc_referencia",
		}
	}
	return shapeKeys{
		typeCode:  "document_type",
		issueDate: "issue_date",
		net:       "net_amount",
		tax:       "tax_amount",
		exempt:    "exempt_amount",
		total:     "total_amount",
		partyRUT:  "issuer_rut",
		partyName: "issuer_name",
		refFolio:  "reference_folio",
		refType:   "reference_folio_type",
	}
}

// typeCode resolves the raw type field: integers pass through, strings go
// through the substring table, then first-integer extraction; default 33.
func (m *Mapper) typeCode(raw any) int {
	switch t := raw.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		folded := fold(t)
		for _, entry := range typeNameTable {
			if strings.Contains(folded, entry.substr) {
				return entry.code
			}
		}
		if n, ok := firstInt(t); ok {
			return n
		}
	}
	if raw != nil {
		m.log.Warn("unrecognised document type, defaulting to 33", "raw", raw)
	}
	return 33
}

func typeName(raw any, code int) string {
	if s, ok := raw.(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("Tipo %d", code)
}

func (m *Mapper) party(rec portal.RawDocument, keys shapeKeys) domain.Party {
	p := domain.Party{}
	if s, ok := rec.Fields[keys.partyRUT].(string); ok && s != "" {
		if rut, err := parseRUTField(s); err == nil {
			p.RUT = rut
		} else {
			m.log.Warn("counterparty rut unparseable", "raw", s)
		}
	}
	if s, ok := rec.Fields[keys.partyName].(string); ok {
		p.Name = s
	}
	return p
}

func (m *Mapper) issueDate(raw any) time.Time {
	s, ok := raw.(string)
	if !ok || s == "" {
		m.log.Warn("document has no issue date, using current date")
		return m.now().UTC()
	}
	t, err := ParseDate(s)
	if err != nil {
		m.log.Warn("document issue date unparseable, using current date", "raw", s)
		return m.now().UTC()
	}
	return t
}

func (m *Mapper) amount(rec portal.RawDocument, key string) float64 {
	raw, present := rec.Fields[key]
	if !present || raw == nil {
		return 0
	}
	n, ok := amountOf(raw)
	if !ok {
		m.log.Warn("document amount unparseable, using 0", "field", key, "raw", raw)
		return 0
	}
	return n
}

// trackID builds the synthetic correlation id stamped on every mapped
// document.
func (m *Mapper) trackID(folio any) string {
	suffix := "NA"
	if folio != nil {
		suffix = fmt.Sprintf("%v", folio)
	}
	return fmt.Sprintf("TRK%d%s", m.now().Unix(), suffix)
}

func folioOf(raw any) (int64, error) {
	switch f := raw.(type) {
	case int:
		return int64(f), nil
	case int64:
		return f, nil
	case float64:
		return int64(f), nil
	case string:
		if n, ok := firstInt(f); ok {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("folio %v is not numeric", raw)
}

func intField(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		return firstInt(n)
	}
	return 0, false
}

// parseRUTField parses a tax id rendered either canonically ("76543210-K")
// or as a bare digit run.
func parseRUTField(s string) (domain.RUT, error) {
	if rut, err := domain.ParseRUT(s); err == nil {
		return rut, nil
	}
	if n, ok := firstInt(s); ok && n > 0 {
		return domain.RUT{Digits: int64(n), DV: domain.ComputeDV(int64(n))}, nil
	}
	return domain.RUT{}, fmt.Errorf("malformed rut %q", s)
}
