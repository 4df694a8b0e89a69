// Package queue is the Redis-backed task queue: at-least-once delivery
// with bounded retries. Handlers must be idempotent; ingestion and form
// sync rely on their store-level unique keys for that.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tributo-cl/backoffice/pkg/forms"
)

// Queue names the core declares.
const (
	QueueSII     = "sii"
	QueueDefault = "default"
)

// Job types.
const (
	TypeSyncDocuments = "sync_documents"
	TypeSyncForms     = "sync_forms"
	TypeFormDetail    = "form_detail"
	TypeApplySegment  = "apply_segment"
)

// Job is the wire envelope carried on a queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// SyncDocumentsPayload asks for a document ingestion run.
type SyncDocumentsPayload struct {
	CompanyID   string `json:"company_id"`
	FullHistory bool   `json:"full_history"`
	From        string `json:"from,omitempty"` // YYYY-MM
	To          string `json:"to,omitempty"`
}

// SyncFormsPayload asks for a form sync run.
type SyncFormsPayload struct {
	CompanyID string `json:"company_id"`
	FormCode  string `json:"form_code"`
	Year      int    `json:"year,omitempty"` // 0 means full history
}

// ApplySegmentPayload asks for a company's segment to be re-evaluated.
type ApplySegmentPayload struct {
	CompanyID string `json:"company_id"`
}

func listKey(queue string) string { return "jobs:" + queue }

// Client produces jobs.
type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Enqueue pushes one job. maxAttempts 0 defaults to 3.
func (c *Client) Enqueue(ctx context.Context, queue, jobType string, payload any, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	job := Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Queue:       queue,
		Payload:     body,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.rdb.LPush(ctx, listKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", jobType, queue, err)
	}
	return nil
}

// EnqueueFormDetail implements forms.Enqueuer on the sii queue.
func (c *Client) EnqueueFormDetail(ctx context.Context, job forms.DetailJob) error {
	return c.Enqueue(ctx, QueueSII, TypeFormDetail, job, 0)
}

// EnqueueSyncDocuments schedules a document ingestion run.
func (c *Client) EnqueueSyncDocuments(ctx context.Context, p SyncDocumentsPayload) error {
	return c.Enqueue(ctx, QueueSII, TypeSyncDocuments, p, 0)
}

// EnqueueSyncForms schedules a form sync run.
func (c *Client) EnqueueSyncForms(ctx context.Context, p SyncFormsPayload) error {
	return c.Enqueue(ctx, QueueSII, TypeSyncForms, p, 0)
}

// EnqueueApplySegment schedules a segment re-evaluation.
func (c *Client) EnqueueApplySegment(ctx context.Context, p ApplySegmentPayload) error {
	return c.Enqueue(ctx, QueueDefault, TypeApplySegment, p, 0)
}
