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

// ContactStore persists the per-company contact registry.
type ContactStore struct {
	db *DB
}

func NewContactStore(db *DB) *ContactStore {
	return &ContactStore{db: db}
}

const contactColumns = `id, company_id, rut_digits, rut_dv, name, address, category,
	is_client, is_provider, is_active, notes, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (*domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.CompanyID, &c.TaxID.Digits, &c.TaxID.DV, &c.Name, &c.Address,
		&c.Category, &c.IsClient, &c.IsProvider, &c.IsActive, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	return &c, nil
}

// Get looks up a contact by (company, tax id).
func (s *ContactStore) Get(ctx context.Context, q Querier, companyID string, rut domain.RUT) (*domain.Contact, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE company_id = $1 AND rut_digits = $2 AND rut_dv = $3
	`, companyID, rut.Digits, rut.DV)
	return scanContact(row)
}

// Insert writes a new contact. The role invariant (at least one of
// is_client/is_provider) is enforced here.
func (s *ContactStore) Insert(ctx context.Context, q Querier, c *domain.Contact) error {
	if !c.IsClient && !c.IsProvider {
		return errors.New("contact must have at least one role")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, c.ID, c.CompanyID, c.TaxID.Digits, c.TaxID.DV, c.Name, c.Address, c.Category,
		c.IsClient, c.IsProvider, c.IsActive, c.Notes, now)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// Update rewrites a contact's mutable fields.
func (s *ContactStore) Update(ctx context.Context, q Querier, c *domain.Contact) error {
	if !c.IsClient && !c.IsProvider {
		return errors.New("contact must have at least one role")
	}
	c.UpdatedAt = time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		UPDATE contacts SET name = $1, address = $2, category = $3,
			is_client = $4, is_provider = $5, is_active = $6, notes = $7, updated_at = $8
		WHERE id = $9
	`, c.Name, c.Address, c.Category, c.IsClient, c.IsProvider, c.IsActive, c.Notes,
		c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

// ListByCompany returns all contacts of a company.
func (s *ContactStore) ListByCompany(ctx context.Context, companyID string) ([]*domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE company_id = $1 ORDER BY name
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	var out []*domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
