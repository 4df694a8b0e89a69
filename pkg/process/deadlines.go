package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// AlertKind classifies a deadline alert.
type AlertKind string

const (
	AlertReminder AlertKind = "reminder"
	AlertUrgent   AlertKind = "urgent"
	AlertOverdue  AlertKind = "overdue"
)

// Alert is the structured record the messaging subsystem consumes.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	ProcessID string    `json:"process_id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	DueDate   time.Time `json:"due_date"`
	EmittedAt time.Time `json:"emitted_at"`
}

// AlertSink publishes deadline alerts. May be nil; alerts are then only
// returned from the scan.
type AlertSink interface {
	PublishDeadlineAlert(ctx context.Context, alert Alert) error
}

// Monitor is the singleton periodic deadline scanner. Each scan emits at
// most one alert per process, at its highest severity.
type Monitor struct {
	log       *slog.Logger
	processes *store.ProcessStore
	sink      AlertSink
	now       func() time.Time
}

func NewMonitor(log *slog.Logger, processes *store.ProcessStore, sink AlertSink) *Monitor {
	return &Monitor{log: log, processes: processes, sink: sink, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Scan classifies active and paused processes by deadline proximity:
// overdue (past due), urgent (within one day), reminder (within three).
func (m *Monitor) Scan(ctx context.Context) ([]Alert, error) {
	now := m.now().UTC()
	var alerts []Alert

	overdue, err := m.processes.ListProcessesOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, p := range overdue {
		alerts = append(alerts, m.alert(AlertOverdue, p, now))
	}

	upcoming, err := m.processes.ListProcessesDue(ctx, now, now.Add(3*24*time.Hour))
	if err != nil {
		return nil, err
	}
	for _, p := range upcoming {
		kind := AlertReminder
		if !p.DueDate.After(now.Add(24 * time.Hour)) {
			kind = AlertUrgent
		}
		alerts = append(alerts, m.alert(kind, p, now))
	}

	for _, a := range alerts {
		if m.sink == nil {
			continue
		}
		if err := m.sink.PublishDeadlineAlert(ctx, a); err != nil {
			m.log.Error("publishing deadline alert", "process", a.ProcessID, "err", err)
		}
	}
	if len(alerts) > 0 {
		m.log.Info("deadline scan", "alerts", len(alerts))
	}
	return alerts, nil
}

func (m *Monitor) alert(kind AlertKind, p *domain.Process, now time.Time) Alert {
	return Alert{
		Kind:      kind,
		ProcessID: p.ID,
		CompanyID: p.CompanyID,
		Name:      p.Name,
		DueDate:   *p.DueDate,
		EmittedAt: now,
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.log.Error("deadline scan failed", "err", err)
			}
		}
	}
}
