package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker consumes one or more queues. Delivery is at-least-once: a job
// that fails goes back on its queue until max_attempts is exhausted,
// then lands on the dead list.
type Worker struct {
	log      *slog.Logger
	rdb      *redis.Client
	queues   []string
	handlers map[string]Handler
	backoff  func(attempt int) time.Duration
	sleep    func(ctx context.Context, d time.Duration)
}

func NewWorker(log *slog.Logger, rdb *redis.Client, queues ...string) *Worker {
	if len(queues) == 0 {
		queues = []string{QueueSII, QueueDefault}
	}
	return &Worker{
		log:      log,
		rdb:      rdb,
		queues:   queues,
		handlers: make(map[string]Handler),
		backoff:  defaultBackoff,
		sleep:    sleepCtx,
	}
}

// Handle registers the handler for a job type.
func (w *Worker) Handle(jobType string, h Handler) *Worker {
	w.handlers[jobType] = h
	return w
}

func defaultBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > 120*time.Second {
		d = 120 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func deadKey(queue string) string { return "jobs:" + queue + ":dead" }

// Run blocks consuming jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = listKey(q)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := w.rdb.BRPop(ctx, 5*time.Second, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("queue pop failed", "err", err)
			w.sleep(ctx, time.Second)
			continue
		}
		// BRPop returns [key, value].
		w.process(ctx, res[1])
	}
}

func (w *Worker) process(ctx context.Context, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error("dropping malformed job", "err", err)
		return
	}
	h, ok := w.handlers[job.Type]
	if !ok {
		w.log.Error("no handler for job type", "type", job.Type, "job", job.ID)
		return
	}

	job.Attempts++
	err := h(ctx, job.Payload)
	if err == nil {
		w.log.Info("job done", "type", job.Type, "job", job.ID, "attempt", job.Attempts)
		return
	}

	w.log.Warn("job failed", "type", job.Type, "job", job.ID,
		"attempt", job.Attempts, "max", job.MaxAttempts, "err", err)
	if job.Attempts >= job.MaxAttempts {
		w.bury(ctx, &job, err)
		return
	}
	w.sleep(ctx, w.backoff(job.Attempts))
	w.requeue(ctx, &job)
}

func (w *Worker) requeue(ctx context.Context, job *Job) {
	raw, err := json.Marshal(job)
	if err != nil {
		w.log.Error("marshalling retry", "job", job.ID, "err", err)
		return
	}
	if err := w.rdb.LPush(ctx, listKey(job.Queue), raw).Err(); err != nil {
		w.log.Error("requeueing job", "job", job.ID, "err", err)
	}
}

func (w *Worker) bury(ctx context.Context, job *Job, cause error) {
	w.log.Error("job exhausted retries", "type", job.Type, "job", job.ID, "err", cause)
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := w.rdb.LPush(ctx, deadKey(job.Queue), raw).Err(); err != nil {
		w.log.Error("moving job to dead list", "job", job.ID, "err", err)
	}
}
