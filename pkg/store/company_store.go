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

// CompanyStore persists companies and their taxpayer profiles.
type CompanyStore struct {
	db *DB
}

func NewCompanyStore(db *DB) *CompanyStore {
	return &CompanyStore{db: db}
}

// Create inserts a company, generating an ID when absent.
func (s *CompanyStore) Create(ctx context.Context, c *domain.Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Currency == "" {
		c.Currency = "CLP"
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companies (id, rut_digits, rut_dv, business_name, display_name, email, mobile_phone,
			is_active, electronic_biller, currency, notify_email, notify_chat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, c.ID, c.TaxID.Digits, c.TaxID.DV, c.BusinessName, c.DisplayName, c.Email, c.MobilePhone,
		c.IsActive, c.ElectronicBiller, c.Currency, c.NotifyByEmail, c.NotifyByChat, now)
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

const companyColumns = `id, rut_digits, rut_dv, business_name, display_name, email, mobile_phone,
	is_active, electronic_biller, currency, notify_email, notify_chat, created_at, updated_at`

func scanCompany(row interface{ Scan(...any) error }) (*domain.Company, error) {
	var c domain.Company
	err := row.Scan(&c.ID, &c.TaxID.Digits, &c.TaxID.DV, &c.BusinessName, &c.DisplayName,
		&c.Email, &c.MobilePhone, &c.IsActive, &c.ElectronicBiller, &c.Currency,
		&c.NotifyByEmail, &c.NotifyByChat, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan company: %w", err)
	}
	return &c, nil
}

// Get loads a company by ID.
func (s *CompanyStore) Get(ctx context.Context, id string) (*domain.Company, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
	return scanCompany(row)
}

// GetByTaxID loads a company by its canonical tax id.
func (s *CompanyStore) GetByTaxID(ctx context.Context, rut domain.RUT) (*domain.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE rut_digits = $1 AND rut_dv = $2`,
		rut.Digits, rut.DV)
	return scanCompany(row)
}

// ListActive lists active companies, used by the CLI batch commands.
func (s *CompanyStore) ListActive(ctx context.Context) ([]*domain.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE is_active ORDER BY business_name`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()
	var out []*domain.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertTaxPayer writes the portal profile for a company (1:1).
func (s *CompanyStore) UpsertTaxPayer(ctx context.Context, tp *domain.TaxPayer) error {
	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	raw, err := jsonText(tp.SIIRawData)
	if err != nil {
		return err
	}
	settings, err := jsonText(tp.Settings)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO taxpayers (id, company_id, rut_digits, rut_dv, tax_id, razon_social, sii_raw_data,
			data_source, last_sii_sync, is_verified, is_active, setting_procesos, segment_id, activity_start,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (company_id) DO UPDATE SET
			rut_digits = EXCLUDED.rut_digits,
			rut_dv = EXCLUDED.rut_dv,
			tax_id = EXCLUDED.tax_id,
			razon_social = EXCLUDED.razon_social,
			sii_raw_data = EXCLUDED.sii_raw_data,
			data_source = EXCLUDED.data_source,
			last_sii_sync = EXCLUDED.last_sii_sync,
			is_verified = EXCLUDED.is_verified,
			setting_procesos = EXCLUDED.setting_procesos,
			activity_start = EXCLUDED.activity_start,
			updated_at = EXCLUDED.updated_at
	`, tp.ID, tp.CompanyID, tp.RUTDigits, tp.DV, tp.TaxID, tp.RazonSocial, raw,
		tp.DataSource, tp.LastSIISync, tp.IsVerified, tp.IsActive, settings,
		nullString(tp.SegmentID), tp.ActivityStart, now)
	if err != nil {
		return fmt.Errorf("upsert taxpayer: %w", err)
	}
	return nil
}

// GetTaxPayer loads the taxpayer profile for a company.
func (s *CompanyStore) GetTaxPayer(ctx context.Context, companyID string) (*domain.TaxPayer, error) {
	var tp domain.TaxPayer
	var raw, settings sql.NullString
	var segmentID sql.NullString
	var lastSync, activityStart sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, rut_digits, rut_dv, tax_id, razon_social, sii_raw_data, data_source,
			last_sii_sync, is_verified, is_active, setting_procesos, segment_id, activity_start,
			created_at, updated_at
		FROM taxpayers WHERE company_id = $1
	`, companyID).Scan(&tp.ID, &tp.CompanyID, &tp.RUTDigits, &tp.DV, &tp.TaxID, &tp.RazonSocial,
		&raw, &tp.DataSource, &lastSync, &tp.IsVerified, &tp.IsActive, &settings,
		&segmentID, &activityStart, &tp.CreatedAt, &tp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load taxpayer: %w", err)
	}
	if err := scanJSON(raw, &tp.SIIRawData); err != nil {
		return nil, err
	}
	if err := scanJSON(settings, &tp.Settings); err != nil {
		return nil, err
	}
	tp.SegmentID = segmentID.String
	if lastSync.Valid {
		tp.LastSIISync = &lastSync.Time
	}
	if activityStart.Valid {
		tp.ActivityStart = &activityStart.Time
	}
	return &tp, nil
}

// SetSegment persists the segmentation result on the taxpayer.
func (s *CompanyStore) SetSegment(ctx context.Context, companyID, segmentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE taxpayers SET segment_id = $1, updated_at = $2 WHERE company_id = $3
	`, nullString(segmentID), time.Now().UTC(), companyID)
	if err != nil {
		return fmt.Errorf("set segment: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
