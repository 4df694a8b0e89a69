package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// ClientConfig configures the live portal session.
type ClientConfig struct {
	BaseURL  string
	LoginURL string
	Timeout  time.Duration // per call, default 30s
	Headless bool

	// Rate caps requests against the portal; the authority throttles
	// aggressive scrapers.
	Rate  rate.Limit
	Burst int
}

// Client drives an authenticated RPA-style session over HTTP. It holds the
// portal's session cookies after a successful Authenticate. Not safe for
// concurrent use; callers own exactly one Client per job.
type Client struct {
	cfg           ClientConfig
	creds         Credentials
	http          *http.Client
	limiter       *rate.Limiter
	authenticated bool
	log           *slog.Logger
}

// NewClient builds a live Session factory for the given configuration.
func NewClient(cfg ClientConfig) Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Limit(2) // 2 req/s default
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return func(creds Credentials) (Session, error) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		return &Client{
			cfg:     cfg,
			creds:   creds,
			http:    &http.Client{Jar: jar},
			limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
			log:     slog.Default().With("component", "portal", "rut", creds.TaxID.String()),
		}, nil
	}
}

// Authenticate performs the portal login. Session cookies are retained by
// the underlying jar on success.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{
		"rut":      {c.creds.TaxID.String()},
		"clave":    {c.creds.Password},
		"referenc": {c.cfg.BaseURL},
	}
	body, status, err := c.post(ctx, c.cfg.LoginURL, form)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusFound {
		return fmt.Errorf("%w: login returned status %d", ErrAuth, status)
	}
	// The portal answers 200 with an error page on bad credentials.
	if strings.Contains(string(body), "Clave incorrecta") ||
		strings.Contains(string(body), "no es v") {
		return fmt.Errorf("%w: rejected credentials", ErrAuth)
	}
	c.authenticated = true
	c.log.Debug("portal session established")
	return nil
}

// TaxpayerInfo fetches the structured identity blob.
func (c *Client) TaxpayerInfo(ctx context.Context) (*TaxpayerProfile, error) {
	var raw map[string]any
	if err := c.getJSON(ctx, "/misiir/api/taxpayer", nil, &raw); err != nil {
		return nil, err
	}
	profile := &TaxpayerProfile{RUT: c.creds.TaxID, Raw: raw}
	if rs, ok := raw["razon_social"].(string); ok {
		profile.RazonSocial = rs
	}
	if ai, ok := raw["fecha_inicio_actividades"].(string); ok {
		profile.ActivityStart = ai
	}
	return profile, nil
}

// DocumentsSummary lists the document type codes with content in a period.
func (c *Client) DocumentsSummary(ctx context.Context, period domain.Period) (*Summary, error) {
	var s Summary
	q := url.Values{"periodo": {period.Compact()}}
	if err := c.getJSON(ctx, "/misiir/api/rcv/resumen", q, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PurchaseDocuments fetches the purchase register rows for one type code.
func (c *Client) PurchaseDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error) {
	return c.documents(ctx, "/misiir/api/rcv/compras", period, code)
}

// SalesDocuments fetches the sales register rows for one type code.
func (c *Client) SalesDocuments(ctx context.Context, period domain.Period, code int) ([]RawDocument, error) {
	return c.documents(ctx, "/misiir/api/rcv/ventas", period, code)
}

func (c *Client) documents(ctx context.Context, path string, period domain.Period, code int) ([]RawDocument, error) {
	var rows []map[string]any
	q := url.Values{
		"periodo":  {period.Compact()},
		"tipo_dte": {fmt.Sprintf("%d", code)},
	}
	if err := c.getJSON(ctx, path, q, &rows); err != nil {
		return nil, err
	}
	out := make([]RawDocument, 0, len(rows))
	for _, row := range rows {
		doc, err := ParseRawDocument(row)
		if err != nil {
			c.log.Warn("skipping unshaped portal row", "error", err)
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// FormsSearch lists declared forms for a year, optionally narrowed to a
// month or a folio. Periods are normalised to the canonical "YYYY-MM".
func (c *Client) FormsSearch(ctx context.Context, year, month int, folio string) ([]RawForm, error) {
	q := url.Values{"anio": {fmt.Sprintf("%d", year)}}
	if month > 0 {
		q.Set("mes", fmt.Sprintf("%02d", month))
	}
	if folio != "" {
		q.Set("folio", folio)
	}
	var rows []RawForm
	if err := c.getJSON(ctx, "/misiir/api/formularios", q, &rows); err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Period = canonicalPeriod(rows[i].Period)
	}
	return rows, nil
}

// FormDetail fetches the field-level values of one declared form.
func (c *Client) FormDetail(ctx context.Context, folio string, period domain.Period) (*FormDetail, error) {
	q := url.Values{"folio": {folio}, "periodo": {period.String()}}
	var d FormDetail
	if err := c.getJSON(ctx, "/misiir/api/formularios/detalle", q, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Close releases the session. The portal expires cookies server-side; we
// just drop them.
func (c *Client) Close() error {
	c.authenticated = false
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if !c.authenticated {
		return fmt.Errorf("%w: session not authenticated", ErrAuth)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.authenticated = false
		return fmt.Errorf("%w: status %d on %s", ErrAuth, resp.StatusCode, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d on %s", ErrTransient, resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("portal returned status %d on %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransient, path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, rawURL string, form url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyNetErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, classifyNetErr(err)
	}
	return body, resp.StatusCode, nil
}

func classifyNetErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// canonicalPeriod accepts "YYYY-MM", "MM-YYYY" and "D-M-Y"-style renderings
// and returns the canonical "YYYY-MM". Upstream modules disagree on the
// shape; this is the single normalisation point.
func canonicalPeriod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	switch len(parts) {
	case 2:
		if len(parts[0]) == 4 {
			return parts[0] + "-" + pad2(parts[1])
		}
		return parts[1] + "-" + pad2(parts[0])
	case 3:
		// day-month-year
		if len(parts[2]) == 4 {
			return parts[2] + "-" + pad2(parts[1])
		}
		// year-month-day
		if len(parts[0]) == 4 {
			return parts[0] + "-" + pad2(parts[1])
		}
	}
	return s
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
