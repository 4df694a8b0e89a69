package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// ProcessStore persists process templates, processes, tasks, the
// process-task join rows and executions.
type ProcessStore struct {
	db *DB
}

func NewProcessStore(db *DB) *ProcessStore {
	return &ProcessStore{db: db}
}

// DB exposes the handle for callers coordinating multi-store transactions.
func (s *ProcessStore) DB() *DB { return s.db }

// --- templates ---

// SaveTemplate upserts a template by id.
func (s *ProcessStore) SaveTemplate(ctx context.Context, t *domain.ProcessTemplateConfig) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	recConfig, err := jsonText(t.RecurrenceConfig)
	if err != nil {
		return err
	}
	tmplConfig, err := jsonText(t.TemplateConfig)
	if err != nil {
		return err
	}
	vars, err := jsonText(t.AvailableVariables)
	if err != nil {
		return err
	}
	defaults, err := jsonText(t.DefaultValues)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_templates (id, name, version, process_type, status, recurrence_type,
			recurrence_config, template_config, available_variables, default_values, usage_count,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			process_type = EXCLUDED.process_type,
			status = EXCLUDED.status,
			recurrence_type = EXCLUDED.recurrence_type,
			recurrence_config = EXCLUDED.recurrence_config,
			template_config = EXCLUDED.template_config,
			available_variables = EXCLUDED.available_variables,
			default_values = EXCLUDED.default_values,
			updated_at = EXCLUDED.updated_at
	`, t.ID, t.Name, t.Version, t.ProcessType, t.Status, t.RecurrenceType,
		recConfig, tmplConfig, vars, defaults, t.UsageCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

const templateColumns = `id, name, version, process_type, status, recurrence_type, recurrence_config,
	template_config, available_variables, default_values, usage_count, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*domain.ProcessTemplateConfig, error) {
	var t domain.ProcessTemplateConfig
	var recConfig, tmplConfig, vars, defaults sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Version, &t.ProcessType, &t.Status, &t.RecurrenceType,
		&recConfig, &tmplConfig, &vars, &defaults, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := scanJSON(recConfig, &t.RecurrenceConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(tmplConfig, &t.TemplateConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(vars, &t.AvailableVariables); err != nil {
		return nil, err
	}
	if err := scanJSON(defaults, &t.DefaultValues); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate loads a template by id.
func (s *ProcessStore) GetTemplate(ctx context.Context, id string) (*domain.ProcessTemplateConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM process_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// FindTemplateByName loads a template by exact name.
func (s *ProcessStore) FindTemplateByName(ctx context.Context, name string) (*domain.ProcessTemplateConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM process_templates WHERE name = $1`, name)
	return scanTemplate(row)
}

// ListTemplates returns all templates.
func (s *ProcessStore) ListTemplates(ctx context.Context) ([]*domain.ProcessTemplateConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM process_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessTemplateConfig
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplates removes all templates; used by the seeder's --clear.
func (s *ProcessStore) DeleteTemplates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_templates`)
	return err
}

// DeleteTemplateTasks removes a template's task definitions; used when
// re-seeding a template in place under a newer version.
func (s *ProcessStore) DeleteTemplateTasks(ctx context.Context, templateID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_template_tasks WHERE template_id = $1`, templateID)
	return err
}

// IncrementTemplateUsage bumps the usage counter.
func (s *ProcessStore) IncrementTemplateUsage(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE process_templates SET usage_count = usage_count + 1, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	return err
}

// SaveTemplateTask inserts a template task definition.
func (s *ProcessStore) SaveTemplateTask(ctx context.Context, tt *domain.ProcessTemplateTask) error {
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	depends, err := jsonText(tt.DependsOn)
	if err != nil {
		return err
	}
	cfg, err := jsonText(tt.TaskConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_template_tasks (id, template_id, execution_order, title, description,
			task_type, priority, is_optional, can_run_parallel, due_date_offset_days,
			due_date_from_previous, absolute_due_date, estimated_hours, depends_on, task_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, tt.ID, tt.TemplateID, tt.ExecutionOrder, tt.Title, tt.Description,
		tt.TaskType, tt.Priority, tt.IsOptional, tt.CanRunParallel, tt.DueDateOffsetDays,
		tt.DueDateFromPrevious, tt.AbsoluteDueDate, tt.EstimatedHours, depends, cfg)
	if err != nil {
		return fmt.Errorf("save template task: %w", err)
	}
	return nil
}

// ListTemplateTasks returns a template's tasks ordered by execution order.
func (s *ProcessStore) ListTemplateTasks(ctx context.Context, templateID string) ([]*domain.ProcessTemplateTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, execution_order, title, description, task_type, priority,
			is_optional, can_run_parallel, due_date_offset_days, due_date_from_previous,
			absolute_due_date, estimated_hours, depends_on, task_config
		FROM process_template_tasks WHERE template_id = $1 ORDER BY execution_order, title
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template tasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessTemplateTask
	for rows.Next() {
		var tt domain.ProcessTemplateTask
		var offset sql.NullInt64
		var absolute sql.NullTime
		var depends, cfg sql.NullString
		if err := rows.Scan(&tt.ID, &tt.TemplateID, &tt.ExecutionOrder, &tt.Title, &tt.Description,
			&tt.TaskType, &tt.Priority, &tt.IsOptional, &tt.CanRunParallel, &offset,
			&tt.DueDateFromPrevious, &absolute, &tt.EstimatedHours, &depends, &cfg); err != nil {
			return nil, fmt.Errorf("scan template task: %w", err)
		}
		if offset.Valid {
			v := int(offset.Int64)
			tt.DueDateOffsetDays = &v
		}
		if absolute.Valid {
			tt.AbsoluteDueDate = &absolute.Time
		}
		if err := scanJSON(depends, &tt.DependsOn); err != nil {
			return nil, err
		}
		if err := scanJSON(cfg, &tt.TaskConfig); err != nil {
			return nil, err
		}
		out = append(out, &tt)
	}
	return out, rows.Err()
}

// --- processes ---

const processColumns = `id, company_id, issuer_digits, issuer_dv, name, process_type, status,
	start_date, due_date, completed_at, assigned_to, created_by, is_recurring, recurrence_type,
	recurrence_config, is_template, parent_process_id, template_id, config_data, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (*domain.Process, error) {
	var p domain.Process
	var start, due, completed sql.NullTime
	var parent, template sql.NullString
	var recConfig, config sql.NullString
	err := row.Scan(&p.ID, &p.CompanyID, &p.IssuerDigits, &p.IssuerDV, &p.Name, &p.ProcessType,
		&p.Status, &start, &due, &completed, &p.AssignedTo, &p.CreatedBy, &p.IsRecurring,
		&p.RecurrenceType, &recConfig, &p.IsTemplate, &parent, &template, &config,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan process: %w", err)
	}
	if start.Valid {
		p.StartDate = &start.Time
	}
	if due.Valid {
		p.DueDate = &due.Time
	}
	if completed.Valid {
		p.CompletedAt = &completed.Time
	}
	p.ParentProcessID = parent.String
	p.TemplateID = template.String
	if err := scanJSON(recConfig, &p.RecurrenceConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(config, &p.ConfigData); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertProcess writes a process row. The denormalised period column backs
// the (company, type, period) dedupe index.
func (s *ProcessStore) InsertProcess(ctx context.Context, q Querier, p *domain.Process) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	recConfig, err := jsonText(p.RecurrenceConfig)
	if err != nil {
		return err
	}
	config, err := jsonText(p.ConfigData)
	if err != nil {
		return err
	}
	period := ""
	if per, ok := p.Period(); ok {
		period = per.String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = q.ExecContext(ctx, `
		INSERT INTO processes (`+processColumns+`, period)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20, $21)
	`, p.ID, p.CompanyID, p.IssuerDigits, p.IssuerDV, p.Name, p.ProcessType, p.Status,
		p.StartDate, p.DueDate, p.CompletedAt, p.AssignedTo, p.CreatedBy, p.IsRecurring,
		p.RecurrenceType, recConfig, p.IsTemplate, nullString(p.ParentProcessID),
		nullString(p.TemplateID), config, now, period)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

// GetProcess loads a process by id.
func (s *ProcessStore) GetProcess(ctx context.Context, id string) (*domain.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1`, id)
	return scanProcess(row)
}

// GetProcessForUpdate loads a process under a row lock inside tx.
func (s *ProcessStore) GetProcessForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Process, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE id = $1`+s.db.forUpdate(), id)
	return scanProcess(row)
}

// FindProcessByPeriod performs the creation-time dedupe lookup on
// (company, process type, period).
func (s *ProcessStore) FindProcessByPeriod(ctx context.Context, q Querier, companyID string, pt domain.ProcessType, period string) (*domain.Process, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+processColumns+` FROM processes
		WHERE company_id = $1 AND process_type = $2 AND period = $3
	`, companyID, pt, period)
	return scanProcess(row)
}

// UpdateProcessStatus transitions a process, stamping the relevant
// lifecycle timestamps.
func (s *ProcessStore) UpdateProcessStatus(ctx context.Context, q Querier, id string, status domain.ProcessStatus, at time.Time) error {
	at = at.UTC()
	var err error
	switch status {
	case domain.ProcessActive:
		_, err = q.ExecContext(ctx, `
			UPDATE processes SET status = $1, start_date = COALESCE(start_date, $2), updated_at = $2 WHERE id = $3
		`, status, at, id)
	case domain.ProcessCompleted:
		_, err = q.ExecContext(ctx, `
			UPDATE processes SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3
		`, status, at, id)
	default:
		_, err = q.ExecContext(ctx, `
			UPDATE processes SET status = $1, updated_at = $2 WHERE id = $3
		`, status, at, id)
	}
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}
	return nil
}

// ListProcessesDue returns active or paused processes with a due date in
// [from, to], for the deadline monitor. The upper bound is inclusive: a
// process due exactly at the window edge still gets its reminder.
func (s *ProcessStore) ListProcessesDue(ctx context.Context, from, to time.Time) ([]*domain.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM processes
		WHERE status IN ('active', 'paused') AND due_date >= $1 AND due_date <= $2
		ORDER BY due_date
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list processes due: %w", err)
	}
	defer rows.Close()
	return collectProcesses(rows)
}

// ListProcessesOverdue returns active or paused processes past due.
func (s *ProcessStore) ListProcessesOverdue(ctx context.Context, now time.Time) ([]*domain.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM processes
		WHERE status IN ('active', 'paused') AND due_date < $1
		ORDER BY due_date
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list processes overdue: %w", err)
	}
	defer rows.Close()
	return collectProcesses(rows)
}

func collectProcesses(rows *sql.Rows) ([]*domain.Process, error) {
	var out []*domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- tasks ---

const taskColumns = `id, title, description, task_type, category, company_id, issuer_digits, issuer_dv,
	assigned_to, priority, status, due_date, started_at, completed_at, progress_percentage,
	estimated_minutes, actual_minutes, task_data, result_data, error_message, created_at, updated_at`

// InsertTask writes a task row.
func (s *ProcessStore) InsertTask(ctx context.Context, q Querier, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	taskData, err := jsonText(t.TaskData)
	if err != nil {
		return err
	}
	resultData, err := jsonText(t.ResultData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`, t.ID, t.Title, t.Description, t.TaskType, t.Category, t.CompanyID, t.IssuerDigits, t.IssuerDV,
		t.AssignedTo, t.Priority, t.Status, t.DueDate, t.StartedAt, t.CompletedAt,
		t.ProgressPercentage, t.EstimatedMinutes, t.ActualMinutes, taskData, resultData,
		t.ErrorMessage, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var due, started, completed sql.NullTime
	var taskData, resultData sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.TaskType, &t.Category, &t.CompanyID,
		&t.IssuerDigits, &t.IssuerDV, &t.AssignedTo, &t.Priority, &t.Status, &due, &started,
		&completed, &t.ProgressPercentage, &t.EstimatedMinutes, &t.ActualMinutes,
		&taskData, &resultData, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if due.Valid {
		t.DueDate = &due.Time
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if err := scanJSON(taskData, &t.TaskData); err != nil {
		return nil, err
	}
	if err := scanJSON(resultData, &t.ResultData); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask loads a task by id.
func (s *ProcessStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// UpdateTaskStatus transitions a task, stamping lifecycle timestamps and
// the optional error message.
func (s *ProcessStore) UpdateTaskStatus(ctx context.Context, q Querier, id string, status domain.TaskStatus, errMsg string, at time.Time) error {
	at = at.UTC()
	var err error
	switch status {
	case domain.TaskInProgress:
		_, err = q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, started_at = COALESCE(started_at, $2), updated_at = $2 WHERE id = $3
		`, status, at, id)
	case domain.TaskCompleted:
		_, err = q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, completed_at = $2, progress_percentage = 100, updated_at = $2 WHERE id = $3
		`, status, at, id)
	case domain.TaskFailed:
		_, err = q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4
		`, status, errMsg, at, id)
	default:
		_, err = q.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3
		`, status, at, id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// --- process-task join ---

// InsertProcessTask writes the join row carrying ordering and due-date rules.
func (s *ProcessStore) InsertProcessTask(ctx context.Context, q Querier, pt *domain.ProcessTask) error {
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	conditions, err := jsonText(pt.Conditions)
	if err != nil {
		return err
	}
	contextData, err := jsonText(pt.ContextData)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO process_tasks (id, process_id, task_id, execution_order, is_optional,
			can_run_parallel, execution_conditions, context_data, due_date_offset_days,
			due_date_from_previous, absolute_due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, pt.ID, pt.ProcessID, pt.TaskID, pt.ExecutionOrder, pt.IsOptional,
		pt.CanRunParallel, conditions, contextData, pt.DueDateOffsetDays,
		pt.DueDateFromPrevious, pt.AbsoluteDueDate)
	if err != nil {
		return fmt.Errorf("insert process task: %w", err)
	}
	return nil
}

// ProcessTaskRow pairs a join row with its task for engine scheduling.
type ProcessTaskRow struct {
	Join domain.ProcessTask
	Task domain.Task
}

// ListProcessTasks returns a process's tasks with join metadata, ordered
// by execution order.
func (s *ProcessStore) ListProcessTasks(ctx context.Context, q Querier, processID string) ([]*ProcessTaskRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT pt.id, pt.process_id, pt.task_id, pt.execution_order, pt.is_optional,
			pt.can_run_parallel, pt.execution_conditions, pt.context_data,
			pt.due_date_offset_days, pt.due_date_from_previous, pt.absolute_due_date,
			`+prefixColumns("t", taskColumns)+`
		FROM process_tasks pt
		JOIN tasks t ON t.id = pt.task_id
		WHERE pt.process_id = $1
		ORDER BY pt.execution_order, t.created_at
	`, processID)
	if err != nil {
		return nil, fmt.Errorf("list process tasks: %w", err)
	}
	defer rows.Close()

	var out []*ProcessTaskRow
	for rows.Next() {
		var r ProcessTaskRow
		var conditions, contextData sql.NullString
		var offset sql.NullInt64
		var absolute sql.NullTime
		var due, started, completed sql.NullTime
		var taskData, resultData sql.NullString
		err := rows.Scan(&r.Join.ID, &r.Join.ProcessID, &r.Join.TaskID, &r.Join.ExecutionOrder,
			&r.Join.IsOptional, &r.Join.CanRunParallel, &conditions, &contextData,
			&offset, &r.Join.DueDateFromPrevious, &absolute,
			&r.Task.ID, &r.Task.Title, &r.Task.Description, &r.Task.TaskType, &r.Task.Category,
			&r.Task.CompanyID, &r.Task.IssuerDigits, &r.Task.IssuerDV, &r.Task.AssignedTo,
			&r.Task.Priority, &r.Task.Status, &due, &started, &completed,
			&r.Task.ProgressPercentage, &r.Task.EstimatedMinutes, &r.Task.ActualMinutes,
			&taskData, &resultData, &r.Task.ErrorMessage, &r.Task.CreatedAt, &r.Task.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan process task: %w", err)
		}
		if offset.Valid {
			v := int(offset.Int64)
			r.Join.DueDateOffsetDays = &v
		}
		if absolute.Valid {
			r.Join.AbsoluteDueDate = &absolute.Time
		}
		if due.Valid {
			r.Task.DueDate = &due.Time
		}
		if started.Valid {
			r.Task.StartedAt = &started.Time
		}
		if completed.Valid {
			r.Task.CompletedAt = &completed.Time
		}
		if conditions.Valid && conditions.String != "" && conditions.String != "{}" {
			r.Join.Conditions = &domain.ExecutionConditions{}
			if err := scanJSON(conditions, r.Join.Conditions); err != nil {
				return nil, err
			}
		}
		if err := scanJSON(contextData, &r.Join.ContextData); err != nil {
			return nil, err
		}
		if err := scanJSON(taskData, &r.Task.TaskData); err != nil {
			return nil, err
		}
		if err := scanJSON(resultData, &r.Task.ResultData); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- executions ---

// InsertExecution writes an execution record.
func (s *ProcessStore) InsertExecution(ctx context.Context, q Querier, e *domain.ProcessExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	execContext, err := jsonText(e.Context)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO process_executions (id, process_id, status, started_at, completed_at,
			execution_context, current_step, total_steps, completed_steps, failed_steps,
			last_error, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.ProcessID, e.Status, e.StartedAt.UTC(), e.CompletedAt, execContext,
		e.CurrentStep, e.TotalSteps, e.CompletedSteps, e.FailedSteps, e.LastError, e.ErrorCount)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func scanExecution(row interface{ Scan(...any) error }) (*domain.ProcessExecution, error) {
	var e domain.ProcessExecution
	var completed sql.NullTime
	var execContext sql.NullString
	err := row.Scan(&e.ID, &e.ProcessID, &e.Status, &e.StartedAt, &completed, &execContext,
		&e.CurrentStep, &e.TotalSteps, &e.CompletedSteps, &e.FailedSteps, &e.LastError, &e.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	if err := scanJSON(execContext, &e.Context); err != nil {
		return nil, err
	}
	return &e, nil
}

const executionColumns = `id, process_id, status, started_at, completed_at, execution_context,
	current_step, total_steps, completed_steps, failed_steps, last_error, error_count`

// GetExecution loads an execution by id.
func (s *ProcessStore) GetExecution(ctx context.Context, id string) (*domain.ProcessExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM process_executions WHERE id = $1`, id)
	return scanExecution(row)
}

// GetExecutionForUpdate loads an execution under a row lock; the execution
// record is the synchronisation point when advancing waves.
func (s *ProcessStore) GetExecutionForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.ProcessExecution, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM process_executions WHERE id = $1`+s.db.forUpdate(), id)
	return scanExecution(row)
}

// UpdateExecution rewrites an execution's mutable fields.
func (s *ProcessStore) UpdateExecution(ctx context.Context, q Querier, e *domain.ProcessExecution) error {
	execContext, err := jsonText(e.Context)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE process_executions SET status = $1, completed_at = $2, execution_context = $3,
			current_step = $4, total_steps = $5, completed_steps = $6, failed_steps = $7,
			last_error = $8, error_count = $9
		WHERE id = $10
	`, e.Status, e.CompletedAt, execContext, e.CurrentStep, e.TotalSteps,
		e.CompletedSteps, e.FailedSteps, e.LastError, e.ErrorCount, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// prefixColumns qualifies a comma-separated column list with an alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
