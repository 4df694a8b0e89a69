package domain

import "time"

// SyncStatus is the lifecycle state of an ingestion job.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// SyncCounters accumulate across batches of an ingestion job.
// Invariant after completion: Processed == Created + Updated + Errors.
type SyncCounters struct {
	Processed int `json:"documents_processed"`
	Created   int `json:"documents_created"`
	Updated   int `json:"documents_updated"`
	Errors    int `json:"errors_count"`
}

// Add accumulates another batch's counters.
func (c *SyncCounters) Add(other SyncCounters) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Errors += other.Errors
}

// SyncLog is the authoritative, append-mostly record of an ingestion job.
// Updates only mutate counters and terminal fields. User-visible failure
// for sync jobs is exclusively through this record.
type SyncLog struct {
	ID           string
	CompanyID    string
	IssuerDigits int64
	IssuerDV     string
	TaskID       string // queue correlation id
	SyncType     string
	Status       SyncStatus
	UserEmail    string
	Description  string

	SyncData map[string]any // free-form; carries sub-job results and error details

	Counters           SyncCounters
	ProgressPercentage int

	CompletedAt  *time.Time
	ErrorMessage string
	Priority     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the job reached a final state.
func (l *SyncLog) Terminal() bool {
	switch l.Status {
	case SyncCompleted, SyncFailed, SyncCancelled:
		return true
	}
	return false
}
