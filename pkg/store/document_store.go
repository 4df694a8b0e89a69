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

// DocumentStore persists documents and the shared document type table.
type DocumentStore struct {
	db *DB
}

func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// DB exposes the underlying handle for callers that open their own
// transactions around upserts.
func (s *DocumentStore) DB() *DB { return s.db }

// EnsureType inserts a document type row if the code is unseen. The shared
// reference table is append-only; an existing row is left untouched.
func (s *DocumentStore) EnsureType(ctx context.Context, q Querier, dt domain.DocumentType) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO document_types (code, name, category, is_dte, requires_recipient, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO NOTHING
	`, dt.Code, dt.Name, dt.Category, dt.IsDTE, dt.RequiresRecipient, dt.IsActive)
	if err != nil {
		return fmt.Errorf("ensure document type %d: %w", dt.Code, err)
	}
	return nil
}

// GetType loads a document type by code.
func (s *DocumentStore) GetType(ctx context.Context, code int) (*domain.DocumentType, error) {
	var dt domain.DocumentType
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, category, is_dte, requires_recipient, is_active
		FROM document_types WHERE code = $1
	`, code).Scan(&dt.Code, &dt.Name, &dt.Category, &dt.IsDTE, &dt.RequiresRecipient, &dt.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}
	return &dt, nil
}

const documentColumns = `id, company_id, issuer_digits, issuer_dv, issuer_name, issuer_address, issuer_activity,
	recipient_digits, recipient_dv, recipient_name, recipient_address, recipient_activity,
	type_code, folio, issue_date, status, net_amount, tax_amount, exempt_amount, total_amount,
	raw_data, sii_track_id, reference_folio, reference_folio_type, reference_id, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*domain.Document, error) {
	var d domain.Document
	var raw sql.NullString
	var refID sql.NullString
	err := row.Scan(&d.ID, &d.CompanyID, &d.Issuer.RUT.Digits, &d.Issuer.RUT.DV, &d.Issuer.Name,
		&d.Issuer.Address, &d.Issuer.Activity,
		&d.Recipient.RUT.Digits, &d.Recipient.RUT.DV, &d.Recipient.Name,
		&d.Recipient.Address, &d.Recipient.Activity,
		&d.TypeCode, &d.Folio, &d.IssueDate, &d.Status,
		&d.NetAmount, &d.TaxAmount, &d.ExemptAmount, &d.TotalAmount,
		&raw, &d.SIITrackID, &d.ReferenceFolio, &d.ReferenceFolioType, &refID,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if err := scanJSON(raw, &d.RawData); err != nil {
		return nil, err
	}
	d.ReferenceID = refID.String
	return &d, nil
}

// FindByKey looks up a document by its unique key.
func (s *DocumentStore) FindByKey(ctx context.Context, q Querier, issuer domain.RUT, typeCode int, folio int64) (*domain.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE issuer_digits = $1 AND issuer_dv = $2 AND type_code = $3 AND folio = $4
	`, issuer.Digits, issuer.DV, typeCode, folio)
	return scanDocument(row)
}

// Insert writes a new document row.
func (s *DocumentStore) Insert(ctx context.Context, q Querier, d *domain.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	raw, err := jsonText(d.RawData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $26)
	`, d.ID, d.CompanyID, d.Issuer.RUT.Digits, d.Issuer.RUT.DV, d.Issuer.Name, d.Issuer.Address,
		d.Issuer.Activity, d.Recipient.RUT.Digits, d.Recipient.RUT.DV, d.Recipient.Name,
		d.Recipient.Address, d.Recipient.Activity, d.TypeCode, d.Folio, d.IssueDate, d.Status,
		d.NetAmount, d.TaxAmount, d.ExemptAmount, d.TotalAmount, raw, d.SIITrackID,
		d.ReferenceFolio, d.ReferenceFolioType, nullString(d.ReferenceID), now)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Update rewrites all non-identity fields of an existing document in place.
func (s *DocumentStore) Update(ctx context.Context, q Querier, d *domain.Document) error {
	raw, err := jsonText(d.RawData)
	if err != nil {
		return err
	}
	d.UpdatedAt = time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		UPDATE documents SET
			company_id = $1,
			issuer_name = $2, issuer_address = $3, issuer_activity = $4,
			recipient_digits = $5, recipient_dv = $6, recipient_name = $7,
			recipient_address = $8, recipient_activity = $9,
			issue_date = $10, status = $11,
			net_amount = $12, tax_amount = $13, exempt_amount = $14, total_amount = $15,
			raw_data = $16, sii_track_id = $17,
			reference_folio = $18, reference_folio_type = $19,
			updated_at = $20
		WHERE id = $21
	`, d.CompanyID, d.Issuer.Name, d.Issuer.Address, d.Issuer.Activity,
		d.Recipient.RUT.Digits, d.Recipient.RUT.DV, d.Recipient.Name,
		d.Recipient.Address, d.Recipient.Activity,
		d.IssueDate, d.Status,
		d.NetAmount, d.TaxAmount, d.ExemptAmount, d.TotalAmount,
		raw, d.SIITrackID, d.ReferenceFolio, d.ReferenceFolioType,
		d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// ListByCompany returns all documents owned by a company, newest first.
func (s *DocumentStore) ListByCompany(ctx context.Context, companyID string) ([]*domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE company_id = $1 ORDER BY issue_date DESC, folio DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ListUnlinkedReferences returns documents that name a reference folio but
// have no reference link yet. Used by the CLI reference pass.
func (s *DocumentStore) ListUnlinkedReferences(ctx context.Context, companyID string, limit int) ([]*domain.Document, error) {
	query := `
		SELECT ` + documentColumns + ` FROM documents
		WHERE reference_folio > 0 AND reference_id IS NULL`
	args := []any{}
	if companyID != "" {
		query += ` AND company_id = $1`
		args = append(args, companyID)
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT %d`, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unlinked references: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// LinkReference sets the reference document id. Idempotent.
func (s *DocumentStore) LinkReference(ctx context.Context, docID, referenceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET reference_id = $1, updated_at = $2 WHERE id = $3
	`, referenceID, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("link reference: %w", err)
	}
	return nil
}

func collectDocuments(rows *sql.Rows) ([]*domain.Document, error) {
	var out []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
