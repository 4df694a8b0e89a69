package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tributo-cl/backoffice/pkg/process"
)

// DeadlineStream is the Redis stream the messaging layer consumes.
const DeadlineStream = "alerts:deadlines"

// AlertPublisher writes deadline alerts to a Redis stream. Implements
// process.AlertSink.
type AlertPublisher struct {
	rdb    *redis.Client
	maxLen int64
}

func NewAlertPublisher(rdb *redis.Client) *AlertPublisher {
	return &AlertPublisher{rdb: rdb, maxLen: 10_000}
}

func (p *AlertPublisher) PublishDeadlineAlert(ctx context.Context, alert process.Alert) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadlineStream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":       string(alert.Kind),
			"process_id": alert.ProcessID,
			"company_id": alert.CompanyID,
			"name":       alert.Name,
			"due_date":   alert.DueDate.Format(time.RFC3339),
			"emitted_at": alert.EmittedAt.Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish deadline alert: %w", err)
	}
	return nil
}
