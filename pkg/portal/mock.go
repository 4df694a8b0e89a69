package portal

import (
	"context"
	"fmt"
	"sync"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// MockSession returns canned responses. Used by tests and local runs
// without portal connectivity.
type MockSession struct {
	mu sync.Mutex

	Creds    Credentials
	AuthErr  error
	Profile  *TaxpayerProfile
	Summary  map[string]*Summary                  // keyed by period Compact()
	Purchase map[string][]RawDocument             // keyed by period+"/"+code
	Sales    map[string][]RawDocument             // keyed by period+"/"+code
	Forms    []RawForm
	Details  map[string]*FormDetail               // keyed by folio
	CallErr  map[string]error                     // per-operation forced errors

	Closed    bool
	CallCount map[string]int
}

// NewMockFactory wraps a prepared MockSession as a Factory.
func NewMockFactory(s *MockSession) Factory {
	return func(creds Credentials) (Session, error) {
		s.Creds = creds
		return s, nil
	}
}

func (m *MockSession) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCount == nil {
		m.CallCount = make(map[string]int)
	}
	m.CallCount[op]++
	if m.CallErr != nil {
		if err, ok := m.CallErr[op]; ok {
			return err
		}
	}
	return nil
}

func (m *MockSession) Authenticate(ctx context.Context) error {
	if err := m.record("authenticate"); err != nil {
		return err
	}
	return m.AuthErr
}

func (m *MockSession) TaxpayerInfo(ctx context.Context) (*TaxpayerProfile, error) {
	if err := m.record("taxpayer_info"); err != nil {
		return nil, err
	}
	if m.Profile == nil {
		return &TaxpayerProfile{RUT: m.Creds.TaxID}, nil
	}
	return m.Profile, nil
}

func (m *MockSession) DocumentsSummary(ctx context.Context, period domain.Period) (*Summary, error) {
	if err := m.record("documents_summary"); err != nil {
		return nil, err
	}
	if s, ok := m.Summary[period.Compact()]; ok {
		return s, nil
	}
	return &Summary{}, nil
}

func (m *MockSession) PurchaseDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error) {
	if err := m.record("purchase_documents"); err != nil {
		return nil, err
	}
	return m.Purchase[docKey(period, code)], nil
}

func (m *MockSession) SalesDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error) {
	if err := m.record("sales_documents"); err != nil {
		return nil, err
	}
	return m.Sales[docKey(period, code)], nil
}

func (m *MockSession) FormsSearch(ctx context.Context, year, month int, folio string) ([]RawForm, error) {
	if err := m.record("forms_search"); err != nil {
		return nil, err
	}
	var out []RawForm
	for _, f := range m.Forms {
		p, err := domain.ParsePeriod(f.Period)
		if err != nil || p.Year != year {
			continue
		}
		if month > 0 && p.Month != month {
			continue
		}
		if folio != "" && f.Folio != folio {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *MockSession) FormDetail(ctx context.Context, folio string, period domain.Period) (*FormDetail, error) {
	if err := m.record("form_detail"); err != nil {
		return nil, err
	}
	if d, ok := m.Details[folio]; ok {
		return d, nil
	}
	return &FormDetail{}, nil
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// DocKey builds the map key used by Purchase and Sales fixtures.
func DocKey(period domain.Period, code int) string { return docKey(period, code) }

func docKey(period domain.Period, code int) string {
	return fmt.Sprintf("%s/%d", period.Compact(), code)
}
