// Package process implements the compliance workflow engine: template
// validation, template-to-process materialisation, DAG-ordered task
// execution, recurrence generation and deadline monitoring.
package process

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tributo-cl/backoffice/pkg/domain"
)

// TemplateError reports an invalid template definition.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s invalid: %s", e.Template, e.Reason)
}

// templateConfigSchema constrains the free-form template_config document.
// The key set is open, but the keys the engine itself reads are typed.
const templateConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"period": {"type": "string", "pattern": "^[0-9]{4}(-[0-9]{2})?$"},
		"form_code": {"type": "string"},
		"description": {"type": "string"},
		"recurrence_source": {"type": "string"}
	}
}`

var compiledConfigSchema = jsonschema.MustCompileString("template_config.json", templateConfigSchema)

// ValidateTemplate checks a template and its task definitions: a strict
// partial order (acyclic depends_on, strictly positive execution_order)
// and a well-formed template_config.
func ValidateTemplate(t *domain.ProcessTemplateConfig, tasks []*domain.ProcessTemplateTask) error {
	invalid := func(format string, args ...any) error {
		return &TemplateError{Template: t.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if t.TemplateConfig != nil {
		if err := compiledConfigSchema.Validate(map[string]any(t.TemplateConfig)); err != nil {
			return invalid("template_config: %v", err)
		}
	}

	byID := make(map[string]*domain.ProcessTemplateTask, len(tasks))
	for _, tt := range tasks {
		if tt.ExecutionOrder <= 0 {
			return invalid("task %q has non-positive execution order %d", tt.Title, tt.ExecutionOrder)
		}
		byID[tt.ID] = tt
	}
	for _, tt := range tasks {
		for _, dep := range tt.DependsOn {
			if _, ok := byID[dep]; !ok {
				return invalid("task %q depends on unknown task %s", tt.Title, dep)
			}
		}
	}

	// Colouring DFS over depends_on; a back edge is a cycle.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		for _, dep := range byID[id].DependsOn {
			switch colour[dep] {
			case grey:
				return false
			case white:
				if !visit(dep) {
					return false
				}
			}
		}
		colour[id] = black
		return true
	}
	for _, tt := range tasks {
		if colour[tt.ID] == white && !visit(tt.ID) {
			return invalid("task dependency cycle through %q", tt.Title)
		}
	}
	return nil
}
