package process

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// Generator creates the successor of a recurring process when it
// completes. It is a CompletionHook for the engine and safe to call from
// queue retries: creation dedupes on (company, type, period).
type Generator struct {
	log       *slog.Logger
	db        *store.DB
	processes *store.ProcessStore
	loc       *time.Location
	now       func() time.Time
}

func NewGenerator(log *slog.Logger, db *store.DB, processes *store.ProcessStore, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{log: log, db: db, processes: processes, loc: loc, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// ProcessCompleted implements CompletionHook.
func (g *Generator) ProcessCompleted(ctx context.Context, proc *domain.Process) error {
	if !proc.IsRecurring || proc.RecurrenceType == domain.RecurrenceNone {
		return nil
	}
	_, err := g.Generate(ctx, proc.ID)
	return err
}

// nextPeriod advances the covered period, not the completion month.
func nextPeriod(rt domain.RecurrenceType, period domain.Period) domain.Period {
	switch rt {
	case domain.RecurrenceQuarterly:
		return period.NextQuarter()
	case domain.RecurrenceAnnual:
		return domain.Period{Year: period.Year + 1}
	default:
		return period.Next()
	}
}

// Generate clones the structural shape of a completed recurring process
// for its next period under a row lock on the parent. It returns nil
// when the successor already exists.
func (g *Generator) Generate(ctx context.Context, processID string) (*domain.Process, error) {
	var child *domain.Process
	err := g.db.WithTx(ctx, func(tx *sql.Tx) error {
		parent, err := g.processes.GetProcessForUpdate(ctx, tx, processID)
		if err != nil {
			return err
		}
		period, ok := parent.Period()
		if !ok {
			g.log.Warn("recurring process has no covered period", "process", parent.ID)
			return nil
		}
		next := nextPeriod(parent.RecurrenceType, period)

		if _, err := g.processes.FindProcessByPeriod(ctx, tx, parent.CompanyID, parent.ProcessType, next.String()); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		rows, err := g.processes.ListProcessTasks(ctx, tx, parent.ID)
		if err != nil {
			return err
		}

		now := g.now().In(g.loc)
		config := map[string]any{}
		for k, v := range parent.ConfigData {
			config[k] = v
		}
		config["period"] = next.String()
		config["recurrence_source"] = parent.ID

		child = &domain.Process{
			CompanyID:        parent.CompanyID,
			IssuerDigits:     parent.IssuerDigits,
			IssuerDV:         parent.IssuerDV,
			Name:             parent.Name,
			ProcessType:      parent.ProcessType,
			Status:           domain.ProcessActive,
			StartDate:        &now,
			DueDate:          dueDateFor(parent.RecurrenceType, parent.RecurrenceConfig, next, g.loc),
			CreatedBy:        parent.CreatedBy,
			AssignedTo:       parent.AssignedTo,
			IsRecurring:      true,
			RecurrenceType:   parent.RecurrenceType,
			RecurrenceConfig: parent.RecurrenceConfig,
			ParentProcessID:  parent.ID,
			TemplateID:       parent.TemplateID,
			ConfigData:       config,
		}
		if err := g.processes.InsertProcess(ctx, tx, child); err != nil {
			return err
		}

		for _, r := range rows {
			task := &domain.Task{
				Title:        r.Task.Title,
				Description:  r.Task.Description,
				TaskType:     r.Task.TaskType,
				Category:     r.Task.Category,
				CompanyID:    r.Task.CompanyID,
				IssuerDigits: r.Task.IssuerDigits,
				IssuerDV:     r.Task.IssuerDV,
				AssignedTo:   r.Task.AssignedTo,
				Priority:     r.Task.Priority,
				Status:       domain.TaskPending,
				DueDate: taskDueDate(r.Join.DueDateOffsetDays, r.Join.DueDateFromPrevious,
					r.Join.AbsoluteDueDate, child.DueDate, now),
				EstimatedMinutes: r.Task.EstimatedMinutes,
				TaskData:         r.Task.TaskData,
			}
			if err := g.processes.InsertTask(ctx, tx, task); err != nil {
				return err
			}
			join := &domain.ProcessTask{
				ProcessID:           child.ID,
				TaskID:              task.ID,
				ExecutionOrder:      r.Join.ExecutionOrder,
				IsOptional:          r.Join.IsOptional,
				CanRunParallel:      r.Join.CanRunParallel,
				Conditions:          r.Join.Conditions,
				ContextData:         r.Join.ContextData,
				DueDateOffsetDays:   r.Join.DueDateOffsetDays,
				DueDateFromPrevious: r.Join.DueDateFromPrevious,
				AbsoluteDueDate:     r.Join.AbsoluteDueDate,
			}
			if err := g.processes.InsertProcessTask(ctx, tx, join); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if child != nil {
		g.log.Info("recurrence generated", "parent", processID, "child", child.ID,
			"period", child.ConfigData["period"])
	}
	return child, nil
}
