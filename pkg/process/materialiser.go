package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// ErrTemplateUnavailable refuses materialisation of inactive or draft
// templates.
var ErrTemplateUnavailable = errors.New("template not available")

// Materialiser turns a template into a live process with its task graph,
// all under one transaction.
type Materialiser struct {
	log       *slog.Logger
	db        *store.DB
	processes *store.ProcessStore
	loc       *time.Location
	now       func() time.Time
}

func NewMaterialiser(log *slog.Logger, db *store.DB, processes *store.ProcessStore, loc *time.Location) *Materialiser {
	if loc == nil {
		loc = time.UTC
	}
	return &Materialiser{log: log, db: db, processes: processes, loc: loc, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Materialiser) WithClock(now func() time.Time) *Materialiser {
	m.now = now
	return m
}

// coveredPeriod is the period a newly materialised process covers.
func coveredPeriod(rt domain.RecurrenceType, now time.Time) domain.Period {
	switch rt {
	case domain.RecurrenceMonthly:
		return domain.PeriodOf(now)
	case domain.RecurrenceQuarterly:
		// A quarter is identified by its first month.
		q := (int(now.Month()) - 1) / 3
		return domain.Period{Year: now.Year(), Month: q*3 + 1}
	case domain.RecurrenceAnnual:
		return domain.Period{Year: now.Year()}
	}
	return domain.Period{}
}

// dueDateFor computes the declaration deadline for a covered period:
// monthly forms fall due in the month after the period, quarterly forms
// in the month after the quarter, annual forms in the configured month of
// the following year.
func dueDateFor(rt domain.RecurrenceType, cfg domain.RecurrenceConfig, period domain.Period, loc *time.Location) *time.Time {
	switch rt {
	case domain.RecurrenceMonthly:
		day := cfg.DayOfMonth
		if day == 0 {
			day = 12
		}
		next := period.Next()
		due := time.Date(next.Year, time.Month(next.Month), day, 0, 0, 0, 0, loc)
		return &due
	case domain.RecurrenceQuarterly:
		day := cfg.DayOfMonth
		if day == 0 {
			day = 20
		}
		after := period.NextQuarter()
		due := time.Date(after.Year, time.Month(after.Month), day, 0, 0, 0, 0, loc)
		return &due
	case domain.RecurrenceAnnual:
		month := cfg.Month
		if month == 0 {
			month = 4
		}
		day := cfg.DayOfMonth
		if day == 0 {
			day = 30
		}
		due := time.Date(period.Year+1, time.Month(month), day, 0, 0, 0, 0, loc)
		return &due
	}
	return nil
}

// taskDueDate resolves a task's deadline from its due-date rule: an
// absolute date wins; a positive offset anchors on now, a non-positive
// one on the process due date; everything else lands on the process due
// date.
func taskDueDate(offset *int, fromPrevious bool, absolute *time.Time, processDue *time.Time, now time.Time) *time.Time {
	if absolute != nil {
		d := *absolute
		return &d
	}
	if offset != nil {
		if *offset > 0 {
			d := now.AddDate(0, 0, *offset)
			return &d
		}
		if processDue != nil {
			d := processDue.AddDate(0, 0, *offset)
			return &d
		}
		d := now.AddDate(0, 0, *offset)
		return &d
	}
	_ = fromPrevious // placeholder anchor; the join row keeps the flag
	if processDue == nil {
		return nil
	}
	d := *processDue
	return &d
}

// ApplyTemplate materialises one template for a company. Re-applying for
// an already-covered period returns the existing process untouched.
func (m *Materialiser) ApplyTemplate(ctx context.Context, templateID string, company *domain.Company, createdBy string, overrides map[string]any) (*domain.Process, error) {
	tmpl, err := m.processes.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Available() {
		return nil, fmt.Errorf("template %s (%s): %w", tmpl.Name, tmpl.Status, ErrTemplateUnavailable)
	}
	taskDefs, err := m.processes.ListTemplateTasks(ctx, tmpl.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTemplate(tmpl, taskDefs); err != nil {
		return nil, err
	}

	now := m.now().In(m.loc)
	period := coveredPeriod(tmpl.RecurrenceType, now)
	proc := buildProcess(tmpl, company, createdBy, overrides, period, now, m.loc)

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if per, ok := proc.Period(); ok {
			existing, err := m.processes.FindProcessByPeriod(ctx, tx, company.ID, proc.ProcessType, per.String())
			if err == nil {
				m.log.Info("period already materialised", "company", company.ID,
					"template", tmpl.Name, "period", per.String())
				proc = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := m.processes.InsertProcess(ctx, tx, proc); err != nil {
			return err
		}
		for _, def := range taskDefs {
			task := &domain.Task{
				Title:        def.Title,
				Description:  def.Description,
				TaskType:     def.TaskType,
				CompanyID:    company.ID,
				IssuerDigits: company.TaxID.Digits,
				IssuerDV:     company.TaxID.DV,
				AssignedTo:   createdBy,
				Priority:     def.Priority,
				Status:       domain.TaskPending,
				DueDate: taskDueDate(def.DueDateOffsetDays, def.DueDateFromPrevious,
					def.AbsoluteDueDate, proc.DueDate, now),
				EstimatedMinutes: int(def.EstimatedHours * 60),
				TaskData:         def.TaskConfig,
			}
			if err := m.processes.InsertTask(ctx, tx, task); err != nil {
				return err
			}
			join := &domain.ProcessTask{
				ProcessID:           proc.ID,
				TaskID:              task.ID,
				ExecutionOrder:      def.ExecutionOrder,
				IsOptional:          def.IsOptional,
				CanRunParallel:      def.CanRunParallel,
				Conditions:          conditionsOf(def.TaskConfig),
				DueDateOffsetDays:   def.DueDateOffsetDays,
				DueDateFromPrevious: def.DueDateFromPrevious,
				AbsoluteDueDate:     def.AbsoluteDueDate,
			}
			if err := m.processes.InsertProcessTask(ctx, tx, join); err != nil {
				return err
			}
		}
		return m.processes.IncrementTemplateUsage(ctx, tx, tmpl.ID)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("template materialised", "template", tmpl.Name, "company", company.ID,
		"process", proc.ID, "tasks", len(taskDefs))
	return proc, nil
}

func buildProcess(tmpl *domain.ProcessTemplateConfig, company *domain.Company, createdBy string,
	overrides map[string]any, period domain.Period, now time.Time, loc *time.Location) *domain.Process {
	config := map[string]any{}
	for k, v := range tmpl.TemplateConfig {
		config[k] = v
	}
	for k, v := range overrides {
		config[k] = v
	}
	if tmpl.RecurrenceType != domain.RecurrenceNone {
		if _, ok := config["period"]; !ok {
			config["period"] = period.String()
		}
	}
	start := now
	return &domain.Process{
		CompanyID:        company.ID,
		IssuerDigits:     company.TaxID.Digits,
		IssuerDV:         company.TaxID.DV,
		Name:             tmpl.Name + " - " + company.BusinessName,
		ProcessType:      tmpl.ProcessType,
		Status:           domain.ProcessActive,
		StartDate:        &start,
		DueDate:          dueDateFor(tmpl.RecurrenceType, tmpl.RecurrenceConfig, period, loc),
		CreatedBy:        createdBy,
		AssignedTo:       createdBy,
		IsRecurring:      tmpl.RecurrenceType != domain.RecurrenceNone,
		RecurrenceType:   tmpl.RecurrenceType,
		RecurrenceConfig: tmpl.RecurrenceConfig,
		TemplateID:       tmpl.ID,
		ConfigData:       config,
	}
}

// conditionsOf decodes an optional execution_conditions block embedded in
// the task config.
func conditionsOf(taskConfig map[string]any) *domain.ExecutionConditions {
	raw, ok := taskConfig["execution_conditions"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var c domain.ExecutionConditions
	if err := json.Unmarshal(buf, &c); err != nil {
		return nil
	}
	return &c
}
