package process

import (
	"github.com/google/uuid"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// TemplateFactory builds the canonical in-code templates used when no
// database-resident template exists. The seed command persists the same
// definitions from its embedded catalog.
type TemplateFactory struct{}

// TemplateBundle pairs a template with its task definitions.
type TemplateBundle struct {
	Template *domain.ProcessTemplateConfig
	Tasks    []*domain.ProcessTemplateTask
}

func intp(v int) *int { return &v }

type taskSpec struct {
	order    int
	title    string
	taskType domain.TaskType
	priority domain.TaskPriority
	offset   *int
	parallel bool
	optional bool
	hours    float64
}

func buildTasks(templateID string, specs []taskSpec) []*domain.ProcessTemplateTask {
	out := make([]*domain.ProcessTemplateTask, 0, len(specs))
	for _, s := range specs {
		out = append(out, &domain.ProcessTemplateTask{
			ID:                uuid.NewString(),
			TemplateID:        templateID,
			ExecutionOrder:    s.order,
			Title:             s.title,
			TaskType:          s.taskType,
			Priority:          s.priority,
			IsOptional:        s.optional,
			CanRunParallel:    s.parallel,
			DueDateOffsetDays: s.offset,
			EstimatedHours:    s.hours,
		})
	}
	return out
}

// F29Monthly is the monthly VAT declaration workflow.
func (TemplateFactory) F29Monthly() TemplateBundle {
	t := &domain.ProcessTemplateConfig{
		ID:             uuid.NewString(),
		Name:           "F29 - Declaración Mensual IVA",
		Version:        "1.0.0",
		ProcessType:    domain.ProcessTaxMonthly,
		Status:         domain.TemplateActive,
		RecurrenceType: domain.RecurrenceMonthly,
		RecurrenceConfig: domain.RecurrenceConfig{
			DayOfMonth: 12,
		},
		TemplateConfig: map[string]any{"form_code": "F29"},
	}
	t.AvailableVariables = []string{"period", "company_name"}
	tasks := buildTasks(t.ID, []taskSpec{
		{order: 1, title: "Sincronizar documentos del período", taskType: domain.TaskAutomatic, priority: domain.PriorityHigh, offset: intp(2), parallel: true, hours: 0.5},
		{order: 1, title: "Sincronizar formularios previos", taskType: domain.TaskAutomatic, priority: domain.PriorityNormal, offset: intp(5), parallel: true, hours: 0.5},
		{order: 2, title: "Revisar compras y ventas", taskType: domain.TaskManual, priority: domain.PriorityHigh, offset: intp(5), hours: 2},
		{order: 3, title: "Calcular débito y crédito fiscal", taskType: domain.TaskAutomatic, priority: domain.PriorityHigh, offset: intp(7), hours: 1},
		{order: 4, title: "Preparar borrador F29", taskType: domain.TaskManual, priority: domain.PriorityHigh, offset: intp(10), hours: 2},
		{order: 5, title: "Presentar F29 en el portal", taskType: domain.TaskManual, priority: domain.PriorityUrgent, offset: intp(12), hours: 1},
	})
	return TemplateBundle{Template: t, Tasks: tasks}
}

// F22Annual is the annual income declaration workflow. Task offsets are
// negative: they anchor on the process due date.
func (TemplateFactory) F22Annual() TemplateBundle {
	t := &domain.ProcessTemplateConfig{
		ID:             uuid.NewString(),
		Name:           "F22 - Declaración Anual de Renta",
		Version:        "1.0.0",
		ProcessType:    domain.ProcessTaxAnnual,
		Status:         domain.TemplateActive,
		RecurrenceType: domain.RecurrenceAnnual,
		RecurrenceConfig: domain.RecurrenceConfig{
			Month:      4,
			DayOfMonth: 30,
		},
		TemplateConfig: map[string]any{"form_code": "F22"},
	}
	tasks := buildTasks(t.ID, []taskSpec{
		{order: 1, title: "Consolidar balance anual", taskType: domain.TaskManual, priority: domain.PriorityHigh, offset: intp(-30), hours: 8},
		{order: 2, title: "Revisar agregados y deducciones", taskType: domain.TaskManual, priority: domain.PriorityHigh, offset: intp(-15), hours: 4},
		{order: 3, title: "Preparar borrador F22", taskType: domain.TaskManual, priority: domain.PriorityHigh, offset: intp(-5), hours: 4},
		{order: 4, title: "Presentar F22 en el portal", taskType: domain.TaskManual, priority: domain.PriorityUrgent, offset: intp(0), hours: 1},
	})
	return TemplateBundle{Template: t, Tasks: tasks}
}

// F3323Quarterly is the simplified-regime quarterly declaration workflow.
func (TemplateFactory) F3323Quarterly() TemplateBundle {
	t := &domain.ProcessTemplateConfig{
		ID:             uuid.NewString(),
		Name:           "F3323 - Régimen Simplificado Trimestral",
		Version:        "1.0.0",
		ProcessType:    domain.ProcessTaxQuarterly,
		Status:         domain.TemplateActive,
		RecurrenceType: domain.RecurrenceQuarterly,
		RecurrenceConfig: domain.RecurrenceConfig{
			DayOfMonth: 20,
		},
		TemplateConfig: map[string]any{"form_code": "F3323"},
	}
	tasks := buildTasks(t.ID, []taskSpec{
		{order: 1, title: "Sincronizar documentos del trimestre", taskType: domain.TaskAutomatic, priority: domain.PriorityHigh, offset: intp(5), hours: 0.5},
		{order: 2, title: "Calcular base trimestral", taskType: domain.TaskAutomatic, priority: domain.PriorityHigh, offset: intp(10), hours: 1},
		{order: 3, title: "Presentar F3323 en el portal", taskType: domain.TaskManual, priority: domain.PriorityUrgent, offset: intp(0), hours: 1},
	})
	return TemplateBundle{Template: t, Tasks: tasks}
}

// DocumentSync is the non-recurring document ingestion workflow.
func (TemplateFactory) DocumentSync() TemplateBundle {
	t := &domain.ProcessTemplateConfig{
		ID:             uuid.NewString(),
		Name:           "Sincronización de Documentos",
		Version:        "1.0.0",
		ProcessType:    domain.ProcessDocumentSync,
		Status:         domain.TemplateActive,
		RecurrenceType: domain.RecurrenceNone,
	}
	tasks := buildTasks(t.ID, []taskSpec{
		{order: 1, title: "Sincronizar historial de documentos", taskType: domain.TaskAutomatic, priority: domain.PriorityNormal, hours: 2},
		{order: 2, title: "Vincular referencias de documentos", taskType: domain.TaskAutomatic, priority: domain.PriorityNormal, optional: true, hours: 0.5},
	})
	return TemplateBundle{Template: t, Tasks: tasks}
}

// All returns every canonical bundle, in seeding order.
func (f TemplateFactory) All() []TemplateBundle {
	return []TemplateBundle{f.F29Monthly(), f.F22Annual(), f.F3323Quarterly(), f.DocumentSync()}
}
