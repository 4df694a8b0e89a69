package ingest

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tributo-cl/backoffice/pkg/portal"
)

// ValidationError rejects one raw record. Reason is stable and is carried
// into the sync log's error details.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid document record: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validator checks raw document records before they reach the mapper.
// Arithmetic deviations are warned through the logger, never fatal.
type Validator struct {
	log *slog.Logger
}

func NewValidator(log *slog.Logger) *Validator {
	return &Validator{log: log}
}

// Validate routes the record by shape and applies the common rules.
func (v *Validator) Validate(rec portal.RawDocument) error {
	if len(rec.Fields) == 0 {
		return invalid("empty record")
	}
	switch rec.Shape {
	case portal.ShapePortal:
		return v.validatePortal(rec)
	case portal.ShapeCanonical:
		return v.validateCanonical(rec)
	default:
		return invalid("unknown record shape %q", rec.Shape)
	}
}

func (v *Validator) validatePortal(rec portal.RawDocument) error {
	folio, _ := rec.Folio()
	if err := checkFolio(folio); err != nil {
		return err
	}
	if err := checkTypeCode(rec.Fields["tipo_doc"]); err != nil {
		return err
	}
	if err := v.checkAmounts(rec, "monto_neto", "monto_iva", "monto_total"); err != nil {
		return err
	}
	if rec.TipoOperacion != portal.OperationIssued {
		if err := checkIssuer(rec.Fields["rut_emisor"]); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateCanonical(rec portal.RawDocument) error {
	folio, _ := rec.Folio()
	if err := checkFolio(folio); err != nil {
		return err
	}
	if err := checkTypeCode(rec.Fields["document_type"]); err != nil {
		return err
	}
	if err := v.checkAmounts(rec, "net_amount", "tax_amount", "total_amount"); err != nil {
		return err
	}
	if rec.TipoOperacion != portal.OperationIssued {
		if err := checkIssuer(rec.Fields["issuer_rut"]); err != nil {
			return err
		}
	}
	return nil
}

func checkFolio(folio any) error {
	switch f := folio.(type) {
	case nil:
		return nil
	case string:
		if f == "" {
			return invalid("folio is an empty string")
		}
	case int:
		if f < 0 {
			return invalid("folio %d is negative", f)
		}
	case int64:
		if f < 0 {
			return invalid("folio %d is negative", f)
		}
	case float64:
		if f < 0 || f != math.Trunc(f) {
			return invalid("folio %v is not a non-negative integer", f)
		}
	default:
		return invalid("folio has unsupported type %T", folio)
	}
	return nil
}

func checkTypeCode(code any) error {
	switch c := code.(type) {
	case nil:
		return nil
	case string:
		if c == "" {
			return invalid("document type is an empty string")
		}
	case int, int64:
	case float64:
		if c != math.Trunc(c) {
			return invalid("document type %v is not an integer", c)
		}
	default:
		return invalid("document type has unsupported type %T", code)
	}
	return nil
}

// checkAmounts validates each present amount field and warns when the
// total deviates from net+tax by more than 1.
func (v *Validator) checkAmounts(rec portal.RawDocument, netKey, taxKey, totalKey string) error {
	parsed := make(map[string]float64, 3)
	for _, key := range []string{netKey, taxKey, totalKey} {
		raw, present := rec.Fields[key]
		if !present || raw == nil {
			continue
		}
		n, ok := amountOf(raw)
		if !ok {
			return invalid("amount field %q is not numeric: %v", key, raw)
		}
		parsed[key] = n
	}
	if len(parsed) == 3 {
		deviation := math.Abs(parsed[totalKey] - (parsed[netKey] + parsed[taxKey]))
		if deviation > 1 {
			v.log.Warn("document amounts do not reconcile",
				"net", parsed[netKey], "tax", parsed[taxKey], "total", parsed[totalKey],
				"deviation", deviation, "period", rec.Period)
		}
	}
	return nil
}

// checkIssuer enforces the received-document issuer constraint: a positive
// integer below 10^8.
func checkIssuer(raw any) error {
	if raw == nil {
		return nil
	}
	var digits int64
	switch r := raw.(type) {
	case string:
		if r == "" {
			return nil
		}
		rut, err := parseRUTField(r)
		if err != nil {
			return invalid("issuer rut %q is malformed", r)
		}
		digits = rut.Digits
	case int:
		digits = int64(r)
	case int64:
		digits = r
	case float64:
		digits = int64(r)
	default:
		return invalid("issuer rut has unsupported type %T", raw)
	}
	if digits <= 0 || digits >= 100_000_000 {
		return invalid("issuer rut %d out of range", digits)
	}
	return nil
}
