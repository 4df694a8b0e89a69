package domain

import "time"

// SegmentCriteria is the enumerated predicate map of a company segment.
// All present predicates must hold (AND); unknown keys never match.
type SegmentCriteria struct {
	Size             *SizeRange    `json:"size,omitempty"`
	EconomicActivity []string      `json:"economic_activity,omitempty"`
	TaxRegime        []string      `json:"tax_regime,omitempty"`
	AnnualRevenue    *RevenueRange `json:"annual_revenue,omitempty"`
	CustomConditions []string      `json:"custom_conditions,omitempty"`
}

// SizeRange bounds employee count; zero Max means unbounded.
type SizeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// RevenueRange bounds annual revenue; zero Max means unbounded.
type RevenueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CompanySegment is a named predicate over taxpayer attributes.
type CompanySegment struct {
	ID          string
	Name        string
	SegmentType string
	Criteria    SegmentCriteria
	IsActive    bool
	CreatedAt   time.Time
}

// ProcessType classifies templates and processes.
type ProcessType string

const (
	ProcessTaxMonthly     ProcessType = "tax_monthly"
	ProcessTaxAnnual      ProcessType = "tax_annual"
	ProcessTaxQuarterly   ProcessType = "tax_quarterly"
	ProcessDocumentSync   ProcessType = "document_sync"
	ProcessSIIIntegration ProcessType = "sii_integration"
	ProcessCustom         ProcessType = "custom"
)

// RecurrenceType is how a process repeats.
type RecurrenceType string

const (
	RecurrenceNone      RecurrenceType = "none"
	RecurrenceMonthly   RecurrenceType = "monthly"
	RecurrenceQuarterly RecurrenceType = "quarterly"
	RecurrenceAnnual    RecurrenceType = "annual"
)

// RecurrenceConfig carries the schedule knobs for recurring processes.
type RecurrenceConfig struct {
	DayOfMonth int   `json:"day_of_month,omitempty"`
	Month      int   `json:"month,omitempty"`
	Months     []int `json:"months,omitempty"`
}

// TemplateStatus is the availability state of a process template.
type TemplateStatus string

const (
	TemplateActive   TemplateStatus = "active"
	TemplateInactive TemplateStatus = "inactive"
	TemplateDraft    TemplateStatus = "draft"
)

// ProcessTemplateConfig is a versioned, reusable process definition.
type ProcessTemplateConfig struct {
	ID                 string
	Name               string
	Version            string // semantic version
	ProcessType        ProcessType
	Status             TemplateStatus
	RecurrenceType     RecurrenceType
	RecurrenceConfig   RecurrenceConfig
	TemplateConfig     map[string]any // free-form task body defaults
	AvailableVariables []string
	DefaultValues      map[string]any
	UsageCount         int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Available reports whether the template may be materialised.
func (t *ProcessTemplateConfig) Available() bool {
	return t.Status == TemplateActive
}

// TaskType distinguishes engine-driven from user-driven tasks.
type TaskType string

const (
	TaskManual    TaskType = "manual"
	TaskAutomatic TaskType = "automatic"
	TaskScheduled TaskType = "scheduled"
	TaskRecurring TaskType = "recurring"
)

// TaskPriority orders tasks for humans; the engine ignores it.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ProcessTemplateTask is one task definition inside a template.
// DueDateOffsetDays is signed: positive offsets anchor on process start,
// negative and zero offsets anchor on the process due date.
type ProcessTemplateTask struct {
	ID                  string
	TemplateID          string
	ExecutionOrder      int
	Title               string
	Description         string
	TaskType            TaskType
	Priority            TaskPriority
	IsOptional          bool
	CanRunParallel      bool
	DueDateOffsetDays   *int
	DueDateFromPrevious bool
	AbsoluteDueDate     *time.Time
	EstimatedHours      float64
	DependsOn           []string // template-task IDs within the same template
	TaskConfig          map[string]any
}

// ProcessAssignmentRule links a template to a segment. Higher priority
// rules are applied first.
type ProcessAssignmentRule struct {
	ID         string
	TemplateID string
	SegmentID  string
	Priority   int
	IsActive   bool
	AutoApply  bool
	Conditions string // CEL expression over the taxpayer profile; empty = always
	CreatedAt  time.Time
}

// ProcessStatus is the process state machine's state.
type ProcessStatus string

const (
	ProcessDraft     ProcessStatus = "draft"
	ProcessActive    ProcessStatus = "active"
	ProcessPaused    ProcessStatus = "paused"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCancelled ProcessStatus = "cancelled"
)

// Process is a concrete, company-scoped instance of a template.
// Creation dedupes on (CompanyID, ProcessType, ConfigData["period"]).
type Process struct {
	ID           string
	CompanyID    string
	IssuerDigits int64 // legacy indexing; reads prefer CompanyID
	IssuerDV     string
	Name         string
	ProcessType  ProcessType
	Status       ProcessStatus
	StartDate    *time.Time
	DueDate      *time.Time
	CompletedAt  *time.Time
	AssignedTo   string
	CreatedBy    string

	IsRecurring      bool
	RecurrenceType   RecurrenceType
	RecurrenceConfig RecurrenceConfig
	IsTemplate       bool
	ParentProcessID  string // immediate predecessor only, never transitive
	TemplateID       string

	ConfigData map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the process's covered period from ConfigData, if set.
func (p *Process) Period() (Period, bool) {
	s, ok := p.ConfigData["period"].(string)
	if !ok {
		return Period{}, false
	}
	per, err := ParsePeriod(s)
	return per, err == nil
}

// TaskStatus is the task state machine's state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelledS TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of work linked to a Process through ProcessTask.
type Task struct {
	ID           string
	Title        string
	Description  string
	TaskType     TaskType
	Category     string
	CompanyID    string
	IssuerDigits int64
	IssuerDV     string
	AssignedTo   string
	Priority     TaskPriority
	Status       TaskStatus
	DueDate      *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time

	ProgressPercentage int
	EstimatedMinutes   int
	ActualMinutes      int

	TaskData     map[string]any
	ResultData   map[string]any
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionConditions is the closed condition grammar evaluated before a
// task is dispatched.
type ExecutionConditions struct {
	PreviousTaskStatus TaskStatus        `json:"previous_task_status,omitempty"`
	ContextVariable    *ContextCondition `json:"context_variable,omitempty"`
	CompanyData        map[string]any    `json:"company_data,omitempty"`
	RequireApproval    bool              `json:"require_approval,omitempty"`
}

// ContextCondition requires a key/value pair in the execution context.
type ContextCondition struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ProcessTask joins a Task into a Process, carrying ordering, flags and
// the original due-date rule for later recomputation.
type ProcessTask struct {
	ID        string
	ProcessID string
	TaskID    string

	ExecutionOrder int
	IsOptional     bool
	CanRunParallel bool

	Conditions  *ExecutionConditions
	ContextData map[string]any

	DueDateOffsetDays   *int
	DueDateFromPrevious bool
	AbsoluteDueDate     *time.Time
}

// ExecutionStatus is the state of a single process run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ProcessExecution records a single run of a process.
type ProcessExecution struct {
	ID          string
	ProcessID   string
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time

	Context     map[string]any
	CurrentStep int

	TotalSteps     int
	CompletedSteps int
	FailedSteps    int

	LastError  string
	ErrorCount int
}

// Progress returns completed steps over total, in percent.
func (e *ProcessExecution) Progress() int {
	if e.TotalSteps == 0 {
		return 0
	}
	return e.CompletedSteps * 100 / e.TotalSteps
}
