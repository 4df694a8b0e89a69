// Package credentials provides encrypted storage and lifecycle for portal
// passwords: one row per (company, user), AES-256-GCM at rest, with
// verification counters that disable credentials after repeated failures.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/vault"
)

var (
	// ErrNoCredentials means the company has no stored credentials.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrCredentialsDisabled means credentials exist but are inactive or
	// have exceeded the failure threshold.
	ErrCredentialsDisabled = errors.New("credentials disabled")
)

// Store manages encrypted portal credentials.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
	now   func() time.Time
}

// NewStore creates a credential store backed by db, encrypting with v.
func NewStore(db *sql.DB, v *vault.Vault) *Store {
	return &Store{db: db, vault: v, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Save encrypts the password and upserts the (company, user) row,
// marking it active and resetting the failure counter.
func (s *Store) Save(ctx context.Context, companyID, userID string, taxID domain.RUT, password string) error {
	ct, err := s.vault.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	now := s.now().UTC()
	query := `
		INSERT INTO sii_credentials (id, company_id, user_id, rut_digits, rut_dv, encrypted_password, is_active, verification_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, 0, $7, $7)
		ON CONFLICT (company_id, user_id) DO UPDATE SET
			rut_digits = EXCLUDED.rut_digits,
			rut_dv = EXCLUDED.rut_dv,
			encrypted_password = EXCLUDED.encrypted_password,
			is_active = TRUE,
			verification_failures = 0,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.NewString(), companyID, userID, taxID.Digits, taxID.DV, ct, now)
	if err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

// Load returns decrypted portal credentials for a company. The plaintext
// is returned even when the row is disabled; Valid on the returned record
// tells consumers whether they should use it.
func (s *Store) Load(ctx context.Context, companyID string) (portal.Credentials, *domain.SiiCredentials, error) {
	rec, err := s.get(ctx, companyID)
	if err != nil {
		return portal.Credentials{}, nil, err
	}
	password, err := s.vault.Decrypt(rec.EncryptedPassword)
	if err != nil {
		return portal.Credentials{}, nil, fmt.Errorf("company %s: %w", companyID, err)
	}
	return portal.Credentials{TaxID: rec.TaxID, Password: password}, rec, nil
}

// LoadValid is Load plus the validity gate most callers want.
func (s *Store) LoadValid(ctx context.Context, companyID string) (portal.Credentials, error) {
	creds, rec, err := s.Load(ctx, companyID)
	if err != nil {
		return portal.Credentials{}, err
	}
	if !rec.Valid() {
		return portal.Credentials{}, fmt.Errorf("company %s: %w", companyID, ErrCredentialsDisabled)
	}
	return creds, nil
}

func (s *Store) get(ctx context.Context, companyID string) (*domain.SiiCredentials, error) {
	query := `
		SELECT id, company_id, user_id, rut_digits, rut_dv, encrypted_password,
		       is_active, last_verified, verification_failures, created_at, updated_at
		FROM sii_credentials
		WHERE company_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var rec domain.SiiCredentials
	var lastVerified sql.NullTime
	err := s.db.QueryRowContext(ctx, query, companyID).Scan(
		&rec.ID, &rec.CompanyID, &rec.UserID, &rec.TaxID.Digits, &rec.TaxID.DV,
		&rec.EncryptedPassword, &rec.IsActive, &lastVerified,
		&rec.VerificationFailures, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("company %s: %w", companyID, ErrNoCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if lastVerified.Valid {
		rec.LastVerified = &lastVerified.Time
	}
	return &rec, nil
}

// MarkVerified records a successful portal authentication: resets the
// failure counter and stamps last_verified. Runs read-modify-write under a
// row lock.
func (s *Store) MarkVerified(ctx context.Context, companyID string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sii_credentials
		SET verification_failures = 0, last_verified = $1, updated_at = $1
		WHERE company_id = $2
	`, now, companyID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter atomically. Three
// consecutive failures render the credentials invalid.
func (s *Store) RecordFailure(ctx context.Context, companyID string) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sii_credentials
		SET verification_failures = verification_failures + 1, updated_at = $1
		WHERE company_id = $2
		RETURNING verification_failures
	`, s.now().UTC(), companyID).Scan(&failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("company %s: %w", companyID, ErrNoCredentials)
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return failures, nil
}

// Verify opens a portal session with the stored credentials. Success resets
// the failure counter; failure increments it.
func (s *Store) Verify(ctx context.Context, companyID string, open portal.Factory) error {
	creds, _, err := s.Load(ctx, companyID)
	if err != nil {
		return err
	}
	session, err := open(creds)
	if err != nil {
		return fmt.Errorf("open portal session: %w", err)
	}
	defer session.Close()

	if err := session.Authenticate(ctx); err != nil {
		if _, ferr := s.RecordFailure(ctx, companyID); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return s.MarkVerified(ctx, companyID)
}
