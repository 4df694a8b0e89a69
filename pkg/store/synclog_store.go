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

// SyncLogStore persists ingestion job records. Workers poll the status
// column for cooperative cancellation, so reads here never cache.
type SyncLogStore struct {
	db *DB
}

func NewSyncLogStore(db *DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

const syncLogColumns = `id, company_id, issuer_digits, issuer_dv, task_id, sync_type, status,
	user_email, description, sync_data, documents_processed, documents_created, documents_updated,
	errors_count, progress_percentage, completed_at, error_message, priority, created_at, updated_at`

// Create inserts a new job record, defaulting to pending.
func (s *SyncLogStore) Create(ctx context.Context, l *domain.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = domain.SyncPending
	}
	data, err := jsonText(l.SyncData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sii_sync_logs (`+syncLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
	`, l.ID, l.CompanyID, l.IssuerDigits, l.IssuerDV, l.TaskID, l.SyncType, l.Status,
		l.UserEmail, l.Description, data, l.Counters.Processed, l.Counters.Created,
		l.Counters.Updated, l.Counters.Errors, l.ProgressPercentage, l.CompletedAt,
		l.ErrorMessage, l.Priority, now)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func scanSyncLog(row interface{ Scan(...any) error }) (*domain.SyncLog, error) {
	var l domain.SyncLog
	var completed sql.NullTime
	var data sql.NullString
	err := row.Scan(&l.ID, &l.CompanyID, &l.IssuerDigits, &l.IssuerDV, &l.TaskID, &l.SyncType,
		&l.Status, &l.UserEmail, &l.Description, &data, &l.Counters.Processed,
		&l.Counters.Created, &l.Counters.Updated, &l.Counters.Errors, &l.ProgressPercentage,
		&completed, &l.ErrorMessage, &l.Priority, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync log: %w", err)
	}
	if completed.Valid {
		l.CompletedAt = &completed.Time
	}
	if err := scanJSON(data, &l.SyncData); err != nil {
		return nil, err
	}
	return &l, nil
}

// Get loads a job record by id.
func (s *SyncLogStore) Get(ctx context.Context, id string) (*domain.SyncLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sii_sync_logs WHERE id = $1`, id)
	return scanSyncLog(row)
}

// Status fetches only the status column. This is the cancellation probe
// workers call between periods.
func (s *SyncLogStore) Status(ctx context.Context, id string) (domain.SyncStatus, error) {
	var status domain.SyncStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM sii_sync_logs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sync log status: %w", err)
	}
	return status, nil
}

// MarkRunning transitions a pending job to running.
func (s *SyncLogStore) MarkRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sii_sync_logs SET status = $1, updated_at = $2 WHERE id = $3
	`, domain.SyncRunning, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark sync running: %w", err)
	}
	return nil
}

// UpdateProgress rewrites counters, progress and the free-form sync data.
func (s *SyncLogStore) UpdateProgress(ctx context.Context, l *domain.SyncLog) error {
	data, err := jsonText(l.SyncData)
	if err != nil {
		return err
	}
	l.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE sii_sync_logs SET
			documents_processed = $1, documents_created = $2, documents_updated = $3,
			errors_count = $4, progress_percentage = $5, sync_data = $6, updated_at = $7
		WHERE id = $8
	`, l.Counters.Processed, l.Counters.Created, l.Counters.Updated, l.Counters.Errors,
		l.ProgressPercentage, data, l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("update sync progress: %w", err)
	}
	return nil
}

// Finish moves a job to a terminal state, recording final counters and the
// error message when the job failed.
func (s *SyncLogStore) Finish(ctx context.Context, l *domain.SyncLog, status domain.SyncStatus, errMsg string) error {
	data, err := jsonText(l.SyncData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	l.Status = status
	l.CompletedAt = &now
	l.ErrorMessage = errMsg
	l.UpdatedAt = now
	if status == domain.SyncCompleted {
		l.ProgressPercentage = 100
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sii_sync_logs SET
			status = $1, completed_at = $2, error_message = $3,
			documents_processed = $4, documents_created = $5, documents_updated = $6,
			errors_count = $7, progress_percentage = $8, sync_data = $9, updated_at = $2
		WHERE id = $10
	`, l.Status, now, l.ErrorMessage, l.Counters.Processed, l.Counters.Created,
		l.Counters.Updated, l.Counters.Errors, l.ProgressPercentage, data, l.ID)
	if err != nil {
		return fmt.Errorf("finish sync log: %w", err)
	}
	return nil
}

// Cancel requests cancellation of a non-terminal job. Workers observe the
// flipped status at their next probe.
func (s *SyncLogStore) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sii_sync_logs SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')
	`, domain.SyncCancelled, now, id)
	if err != nil {
		return fmt.Errorf("cancel sync log: %w", err)
	}
	return nil
}

// ListByCompany returns a company's job history, newest first.
func (s *SyncLogStore) ListByCompany(ctx context.Context, companyID string, limit int) ([]*domain.SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncLogColumns+` FROM sii_sync_logs
		WHERE company_id = $1 ORDER BY created_at DESC LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()
	var out []*domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
