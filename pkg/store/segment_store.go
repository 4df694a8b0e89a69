package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// SegmentStore persists company segments and process assignment rules.
type SegmentStore struct {
	db *DB
}

func NewSegmentStore(db *DB) *SegmentStore {
	return &SegmentStore{db: db}
}

// Create inserts a segment.
func (s *SegmentStore) Create(ctx context.Context, seg *domain.CompanySegment) error {
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	criteria, err := jsonText(seg.Criteria)
	if err != nil {
		return err
	}
	seg.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO company_segments (id, name, segment_type, criteria, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, seg.ID, seg.Name, seg.SegmentType, criteria, seg.IsActive, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// ListActive returns active segments ordered by segment type, the order
// the evaluator walks them in.
func (s *SegmentStore) ListActive(ctx context.Context) ([]*domain.CompanySegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, segment_type, criteria, is_active, created_at
		FROM company_segments WHERE is_active ORDER BY segment_type, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	var out []*domain.CompanySegment
	for rows.Next() {
		var seg domain.CompanySegment
		var criteria sql.NullString
		if err := rows.Scan(&seg.ID, &seg.Name, &seg.SegmentType, &criteria, &seg.IsActive, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if err := scanJSON(criteria, &seg.Criteria); err != nil {
			return nil, err
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

// CreateRule inserts an assignment rule.
func (s *SegmentStore) CreateRule(ctx context.Context, r *domain.ProcessAssignmentRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_assignment_rules (id, template_id, segment_id, priority, is_active, auto_apply, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.TemplateID, r.SegmentID, r.Priority, r.IsActive, r.AutoApply, r.Conditions, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert assignment rule: %w", err)
	}
	return nil
}

// ListAutoApplyRules returns active, auto-apply rules for a segment,
// highest priority first.
func (s *SegmentStore) ListAutoApplyRules(ctx context.Context, segmentID string) ([]*domain.ProcessAssignmentRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, segment_id, priority, is_active, auto_apply, conditions, created_at
		FROM process_assignment_rules
		WHERE segment_id = $1 AND is_active AND auto_apply
		ORDER BY priority DESC, created_at
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list assignment rules: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessAssignmentRule
	for rows.Next() {
		var r domain.ProcessAssignmentRule
		if err := rows.Scan(&r.ID, &r.TemplateID, &r.SegmentID, &r.Priority, &r.IsActive,
			&r.AutoApply, &r.Conditions, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
