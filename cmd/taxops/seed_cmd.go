package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/process"
	"github.com/tributo-cl/backoffice/pkg/store"
)

//go:embed templates.yaml
var templateCatalog []byte

type catalog struct {
	Templates []catalogTemplate `yaml:"templates"`
}

type catalogTemplate struct {
	Name               string            `yaml:"name"`
	Version            string            `yaml:"version"`
	ProcessType        string            `yaml:"process_type"`
	Recurrence         string            `yaml:"recurrence"`
	RecurrenceConfig   catalogRecurrence `yaml:"recurrence_config"`
	TemplateConfig     map[string]any    `yaml:"template_config"`
	AvailableVariables []string          `yaml:"available_variables"`
	Tasks              []catalogTask     `yaml:"tasks"`
}

type catalogRecurrence struct {
	DayOfMonth int   `yaml:"day_of_month"`
	Month      int   `yaml:"month"`
	Months     []int `yaml:"months"`
}

type catalogTask struct {
	Order          int            `yaml:"order"`
	Title          string         `yaml:"title"`
	Description    string         `yaml:"description"`
	Type           string         `yaml:"type"`
	Priority       string         `yaml:"priority"`
	OffsetDays     *int           `yaml:"offset_days"`
	FromPrevious   bool           `yaml:"due_from_previous"`
	Parallel       bool           `yaml:"parallel"`
	Optional       bool           `yaml:"optional"`
	EstimatedHours float64        `yaml:"estimated_hours"`
	Config         map[string]any `yaml:"config"`
}

// loadCatalog parses the embedded template catalog into validated
// bundles. Every bundle passes the same validation the materialiser runs.
func loadCatalog() ([]process.TemplateBundle, error) {
	var cat catalog
	if err := yaml.Unmarshal(templateCatalog, &cat); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	bundles := make([]process.TemplateBundle, 0, len(cat.Templates))
	for _, ct := range cat.Templates {
		if _, err := semver.NewVersion(ct.Version); err != nil {
			return nil, fmt.Errorf("template %q: bad version %q: %w", ct.Name, ct.Version, err)
		}
		t := &domain.ProcessTemplateConfig{
			ID:             uuid.NewString(),
			Name:           ct.Name,
			Version:        ct.Version,
			ProcessType:    domain.ProcessType(ct.ProcessType),
			Status:         domain.TemplateActive,
			RecurrenceType: domain.RecurrenceType(ct.Recurrence),
			RecurrenceConfig: domain.RecurrenceConfig{
				DayOfMonth: ct.RecurrenceConfig.DayOfMonth,
				Month:      ct.RecurrenceConfig.Month,
				Months:     ct.RecurrenceConfig.Months,
			},
			TemplateConfig:     ct.TemplateConfig,
			AvailableVariables: ct.AvailableVariables,
		}
		if t.RecurrenceType == "" {
			t.RecurrenceType = domain.RecurrenceNone
		}
		tasks := make([]*domain.ProcessTemplateTask, 0, len(ct.Tasks))
		for _, tt := range ct.Tasks {
			tasks = append(tasks, &domain.ProcessTemplateTask{
				ID:                  uuid.NewString(),
				TemplateID:          t.ID,
				ExecutionOrder:      tt.Order,
				Title:               tt.Title,
				Description:         tt.Description,
				TaskType:            domain.TaskType(tt.Type),
				Priority:            domain.TaskPriority(tt.Priority),
				IsOptional:          tt.Optional,
				CanRunParallel:      tt.Parallel,
				DueDateOffsetDays:   tt.OffsetDays,
				DueDateFromPrevious: tt.FromPrevious,
				EstimatedHours:      tt.EstimatedHours,
				TaskConfig:          tt.Config,
			})
		}
		if err := process.ValidateTemplate(t, tasks); err != nil {
			return nil, fmt.Errorf("template %q: %w", ct.Name, err)
		}
		bundles = append(bundles, process.TemplateBundle{Template: t, Tasks: tasks})
	}
	return bundles, nil
}

type seedResult struct {
	Created int
	Updated int
	Skipped int
}

// seedTemplates loads the catalog into the store. An existing template
// with the same name is kept when its version is equal or newer;
// otherwise it is re-seeded in place under its existing ID.
func seedTemplates(ctx context.Context, processes *store.ProcessStore, clear, verbose bool, out io.Writer) (seedResult, error) {
	var res seedResult
	bundles, err := loadCatalog()
	if err != nil {
		return res, err
	}
	if clear {
		if err := processes.DeleteTemplates(ctx); err != nil {
			return res, fmt.Errorf("clear templates: %w", err)
		}
	}

	for _, b := range bundles {
		existing, err := processes.FindTemplateByName(ctx, b.Template.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := saveBundle(ctx, processes, b); err != nil {
				return res, err
			}
			res.Created++
			if verbose {
				fmt.Fprintf(out, "created %q v%s (%d tasks)\n", b.Template.Name, b.Template.Version, len(b.Tasks))
			}
		case err != nil:
			return res, err
		default:
			have, herr := semver.NewVersion(existing.Version)
			want := semver.MustParse(b.Template.Version)
			if herr == nil && !have.LessThan(want) {
				res.Skipped++
				if verbose {
					fmt.Fprintf(out, "kept %q v%s\n", existing.Name, existing.Version)
				}
				continue
			}
			// Re-seed under the stored ID so processes keep their
			// template reference.
			b.Template.ID = existing.ID
			b.Template.UsageCount = existing.UsageCount
			for _, task := range b.Tasks {
				task.TemplateID = existing.ID
			}
			if err := processes.DeleteTemplateTasks(ctx, existing.ID); err != nil {
				return res, err
			}
			if err := saveBundle(ctx, processes, b); err != nil {
				return res, err
			}
			res.Updated++
			if verbose {
				fmt.Fprintf(out, "updated %q %s -> %s\n", existing.Name, existing.Version, b.Template.Version)
			}
		}
	}
	return res, nil
}

func saveBundle(ctx context.Context, processes *store.ProcessStore, b process.TemplateBundle) error {
	if err := processes.SaveTemplate(ctx, b.Template); err != nil {
		return fmt.Errorf("save template %q: %w", b.Template.Name, err)
	}
	for _, task := range b.Tasks {
		if err := processes.SaveTemplateTask(ctx, task); err != nil {
			return fmt.Errorf("save task %q of %q: %w", task.Title, b.Template.Name, err)
		}
	}
	return nil
}

func runSeedTemplates(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed_process_templates", flag.ContinueOnError)
	fs.SetOutput(stderr)
	clear := fs.Bool("clear", false, "delete every stored template first")
	verbose := fs.Bool("verbose", false, "print one line per template")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}
	defer a.Close()

	res, err := seedTemplates(ctx, a.processes, *clear, *verbose, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "created=%d updated=%d skipped=%d\n", res.Created, res.Updated, res.Skipped)
		fmt.Fprintln(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "created=%d updated=%d skipped=%d\n", res.Created, res.Updated, res.Skipped)
	return 0
}
