package domain

import "time"

// Company is the owner aggregate: every document, form, contact, process
// and credential belongs to exactly one company.
type Company struct {
	ID               string
	TaxID            RUT
	BusinessName     string
	DisplayName      string
	Email            string
	MobilePhone      string
	IsActive         bool
	ElectronicBiller bool
	Currency         string // default CLP
	NotifyByEmail    bool
	NotifyByChat     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProcessSettings is the closed set of per-taxpayer process-enablement
// flags returned by the portal profile.
type ProcessSettings struct {
	F29Monthly     bool `json:"f29_monthly"`
	F22Annual      bool `json:"f22_annual"`
	F3323Quarterly bool `json:"f3323_quarterly"`
	DocumentSync   bool `json:"document_sync"`
	SIIIntegration bool `json:"sii_integration"`
}

// TaxPayer is the portal-side profile for a company, 1:1 with Company.
// Invariant: TaxID equals RUT{Digits: RUTDigits, DV: DV}.
type TaxPayer struct {
	ID            string
	CompanyID     string
	RUTDigits     int64
	DV            string
	TaxID         string
	RazonSocial   string
	SIIRawData    map[string]any // full structured portal response, opaque
	DataSource    string
	LastSIISync   *time.Time
	IsVerified    bool
	IsActive      bool
	Settings      ProcessSettings
	SegmentID     string // empty when unsegmented
	ActivityStart *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SiiCredentials stores one encrypted portal password per (company, user).
type SiiCredentials struct {
	ID                   string
	CompanyID            string
	UserID               string
	TaxID                RUT
	EncryptedPassword    string
	IsActive             bool
	LastVerified         *time.Time
	VerificationFailures int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// MaxVerificationFailures is the threshold after which credentials are
// considered invalid until re-verified.
const MaxVerificationFailures = 3

// Valid reports whether the credentials may be used for portal sessions.
func (c *SiiCredentials) Valid() bool {
	return c.IsActive && c.VerificationFailures < MaxVerificationFailures
}
