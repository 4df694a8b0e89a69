package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

type taskDef struct {
	order    int
	title    string
	taskType domain.TaskType
	parallel bool
	optional bool
	cond     *domain.ExecutionConditions
}

func (f *fixture) process(t *testing.T, status domain.ProcessStatus, defs []taskDef) *domain.Process {
	t.Helper()
	ctx := context.Background()
	proc := &domain.Process{
		CompanyID:    f.company.ID,
		IssuerDigits: f.company.TaxID.Digits,
		IssuerDV:     f.company.TaxID.DV,
		Name:         "Proceso de prueba",
		ProcessType:  domain.ProcessCustom,
		Status:       status,
	}
	require.NoError(t, f.processes.InsertProcess(ctx, f.db, proc))
	for _, d := range defs {
		task := &domain.Task{
			Title: d.title, TaskType: d.taskType, CompanyID: f.company.ID,
			Priority: domain.PriorityNormal, Status: domain.TaskPending,
		}
		require.NoError(t, f.processes.InsertTask(ctx, f.db, task))
		require.NoError(t, f.processes.InsertProcessTask(ctx, f.db, &domain.ProcessTask{
			ProcessID: proc.ID, TaskID: task.ID,
			ExecutionOrder: d.order, IsOptional: d.optional, CanRunParallel: d.parallel,
			Conditions: d.cond,
		}))
		// Distinct created_at keeps task listing order stable.
		time.Sleep(time.Millisecond)
	}
	return proc
}

type recordingRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]error
}

func (r *recordingRunner) Run(_ context.Context, task *domain.Task, _ *domain.ProcessExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, task.Title)
	if err, ok := r.fail[task.Title]; ok {
		return err
	}
	return nil
}

// Wave law: tasks [1:par, 1:par, 2:seq, 2:seq, 3:par] dispatch as
// [1,1], [2], [2], [3].
func TestExecuteWaveSelection(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "a1", taskType: domain.TaskAutomatic, parallel: true},
		{order: 1, title: "a2", taskType: domain.TaskAutomatic, parallel: true},
		{order: 2, title: "b1", taskType: domain.TaskAutomatic},
		{order: 2, title: "b2", taskType: domain.TaskAutomatic},
		{order: 3, title: "c1", taskType: domain.TaskAutomatic, parallel: true},
	})

	runner := &recordingRunner{}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)

	require.Len(t, runner.ran, 5)
	assert.ElementsMatch(t, []string{"a1", "a2"}, runner.ran[:2])
	assert.Equal(t, []string{"b1", "b2", "c1"}, runner.ran[2:])

	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, 5, got.CompletedSteps)
	assert.Equal(t, 100, got.Progress())

	p, err := f.processes.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessCompleted, p.Status)
	assert.NotNil(t, p.CompletedAt)
}

// Manual tasks are not dispatched; the execution waits for user action.
func TestManualTaskBlocksUntilCompleted(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "revisar", taskType: domain.TaskManual},
		{order: 2, title: "calcular", taskType: domain.TaskAutomatic,
			cond: &domain.ExecutionConditions{PreviousTaskStatus: domain.TaskCompleted}},
	})

	runner := &recordingRunner{}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, runner.ran)

	rows, err := f.processes.ListProcessTasks(ctx, f.db, proc.ID)
	require.NoError(t, err)
	require.NoError(t, engine.CompleteTask(ctx, exec.ID, rows[0].Task.ID, nil))

	assert.Equal(t, []string{"calcular"}, runner.ran)
	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
}

func TestConditionFailureOnRequiredTaskFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "gated", taskType: domain.TaskAutomatic,
			cond: &domain.ExecutionConditions{ContextVariable: &domain.ContextCondition{
				Name: "approved", Value: true,
			}}},
	})

	engine := NewEngine(testLogger(), f.db, f.processes, &recordingRunner{})
	exec, err := engine.StartProcess(ctx, proc.ID, map[string]any{"approved": false})
	require.NoError(t, err)

	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Contains(t, got.LastError, "approved")

	p, err := f.processes.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessFailed, p.Status)
}

func TestConditionFailureOnOptionalTaskSkips(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "opcional", taskType: domain.TaskAutomatic, optional: true,
			cond: &domain.ExecutionConditions{ContextVariable: &domain.ContextCondition{
				Name: "flag", Value: "on",
			}}},
		{order: 2, title: "siguiente", taskType: domain.TaskAutomatic},
	})

	runner := &recordingRunner{}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"siguiente"}, runner.ran)
	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)

	rows, err := f.processes.ListProcessTasks(ctx, f.db, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelledS, rows[0].Task.Status)
}

func TestOptionalTaskFailureDoesNotFailExecution(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "fragil", taskType: domain.TaskAutomatic, optional: true},
		{order: 2, title: "siguiente", taskType: domain.TaskAutomatic},
	})

	runner := &recordingRunner{fail: map[string]error{"fragil": errors.New("boom")}}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)

	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, 1, got.FailedSteps)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, 1, got.CompletedSteps)
}

func TestRequiredTaskFailureFailsProcess(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "critico", taskType: domain.TaskAutomatic},
		{order: 2, title: "nunca", taskType: domain.TaskAutomatic},
	})

	runner := &recordingRunner{fail: map[string]error{"critico": errors.New("boom")}}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"critico"}, runner.ran)
	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)

	p, err := f.processes.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessFailed, p.Status)
}

// Cancellation is cooperative: the next advance on a cancelled process
// aborts the execution.
func TestCancellationAbortsNextAdvance(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "manual", taskType: domain.TaskManual},
		{order: 2, title: "auto", taskType: domain.TaskAutomatic},
	})

	runner := &recordingRunner{}
	engine := NewEngine(testLogger(), f.db, f.processes, runner)
	exec, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)

	require.NoError(t, engine.CancelProcess(ctx, proc.ID))
	require.NoError(t, engine.ExecuteNextSteps(ctx, exec.ID))

	got, err := f.processes.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
	assert.Empty(t, runner.ran)
}

func TestStartProcessRefusesTerminalStates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessCompleted, nil)

	engine := NewEngine(testLogger(), f.db, f.processes, &recordingRunner{})
	_, err := engine.StartProcess(ctx, proc.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

type recordingHook struct {
	completed []string
}

func (h *recordingHook) ProcessCompleted(_ context.Context, proc *domain.Process) error {
	h.completed = append(h.completed, proc.ID)
	return nil
}

func TestCompletionHookFires(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	proc := f.process(t, domain.ProcessDraft, []taskDef{
		{order: 1, title: "solo", taskType: domain.TaskAutomatic},
	})

	hook := &recordingHook{}
	engine := NewEngine(testLogger(), f.db, f.processes, &recordingRunner{}, hook)
	_, err := engine.StartProcess(ctx, proc.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{proc.ID}, hook.completed)
}
