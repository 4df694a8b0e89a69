// Package portal defines the authenticated session against the tax
// authority's web portal, plus the raw record shapes it returns. The core
// treats the portal as an opaque fetcher of structured rows; HTML specifics
// live behind the Session implementations.
package portal

import (
	"context"
	"errors"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

var (
	// ErrAuth is a failed portal login; fatal to the job that owns the session.
	ErrAuth = errors.New("portal authentication failed")
	// ErrTimeout is a per-call timeout; retriable at the coordinator.
	ErrTimeout = errors.New("portal call timed out")
	// ErrTransient is a retriable portal failure other than a timeout.
	ErrTransient = errors.New("transient portal failure")
)

// Credentials authenticate a session.
type Credentials struct {
	TaxID    domain.RUT
	Password string
}

// TypeCount is one entry of a documents summary: a document type code and
// how many documents of that type exist in the period.
type TypeCount struct {
	Code  int    `json:"code"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary lists which document type codes have content in a period.
type Summary struct {
	Purchases []TypeCount `json:"purchases"`
	Sales     []TypeCount `json:"sales"`
}

// TaxpayerProfile is the structured identity blob for the authenticated
// taxpayer: names, partners, activities, addresses, representatives and
// authorised document ranges. The core persists it opaquely.
type TaxpayerProfile struct {
	RUT           domain.RUT
	RazonSocial   string
	ActivityStart string // DD-MM-YYYY as rendered by the portal, may be empty
	Raw           map[string]any
}

// FormDetailField is one field-level value of a declared form.
type FormDetailField struct {
	Code  string `json:"code"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// FormDetail is the deep fetch of a declared form.
type FormDetail struct {
	Fields    []FormDetailField           `json:"fields"`
	Subtables map[string][]map[string]any `json:"subtables,omitempty"`
}

// Session is an authenticated portal session. A Session is single-owner:
// it is not safe for concurrent use, and Close must run on all exit paths.
type Session interface {
	Authenticate(ctx context.Context) error
	TaxpayerInfo(ctx context.Context) (*TaxpayerProfile, error)
	DocumentsSummary(ctx context.Context, period domain.Period) (*Summary, error)
	PurchaseDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error)
	SalesDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error)
	FormsSearch(ctx context.Context, year, month int, folio string) ([]RawForm, error)
	FormDetail(ctx context.Context, folio string, period domain.Period) (*FormDetail, error)
	Close() error
}

// Factory opens a new Session for the given credentials. The ingestion
// coordinator and each form-detail worker open exactly one session apiece.
type Factory func(creds Credentials) (Session, error)
