package segments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// Applier materialises a process template for a company. Implemented by
// the process materialiser.
type Applier interface {
	ApplyTemplate(ctx context.Context, templateID string, company *domain.Company, createdBy string, overrides map[string]any) (*domain.Process, error)
}

// conditionEngine compiles and caches rule condition expressions.
type conditionEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newConditionEngine() (*conditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("taxpayer", cel.DynType),
		cel.Variable("company", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition environment: %w", err)
	}
	return &conditionEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *conditionEngine) evaluate(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("build condition program: %w", err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is %T, want bool", out.Value())
	}
	return val, nil
}

// Assigner persists segment membership and applies the segment's
// auto-apply assignment rules.
type Assigner struct {
	log       *slog.Logger
	evaluator *Evaluator
	segments  *store.SegmentStore
	companies *store.CompanyStore
	applier   Applier
	cond      *conditionEngine
}

func NewAssigner(log *slog.Logger, evaluator *Evaluator, segments *store.SegmentStore,
	companies *store.CompanyStore, applier Applier) (*Assigner, error) {
	cond, err := newConditionEngine()
	if err != nil {
		return nil, err
	}
	return &Assigner{
		log:       log,
		evaluator: evaluator,
		segments:  segments,
		companies: companies,
		applier:   applier,
		cond:      cond,
	}, nil
}

// AssignSegment evaluates and persists the company's segment. A
// non-match clears any previous membership. With autoApply set, a match
// also runs the segment's assignment rules.
func (a *Assigner) AssignSegment(ctx context.Context, company *domain.Company, autoApply bool) (*domain.CompanySegment, error) {
	tp, err := a.companies.GetTaxPayer(ctx, company.ID)
	if err != nil {
		return nil, err
	}
	seg, err := a.evaluator.EvaluateSegment(ctx, tp)
	if err != nil {
		return nil, err
	}

	segmentID := ""
	if seg != nil {
		segmentID = seg.ID
	}
	if err := a.companies.SetSegment(ctx, company.ID, segmentID); err != nil {
		return nil, err
	}
	a.log.Info("segment assigned", "company", company.ID, "segment", segmentID)

	if autoApply && seg != nil {
		if _, err := a.AssignProcessesByRules(ctx, company); err != nil {
			return seg, err
		}
	}
	return seg, nil
}

// AssignProcessesByRules applies, in priority order, every active
// auto-apply rule of the company's segment whose extra conditions pass.
func (a *Assigner) AssignProcessesByRules(ctx context.Context, company *domain.Company) ([]*domain.Process, error) {
	tp, err := a.companies.GetTaxPayer(ctx, company.ID)
	if err != nil {
		return nil, err
	}
	if tp.SegmentID == "" {
		return nil, nil
	}
	rules, err := a.segments.ListAutoApplyRules(ctx, tp.SegmentID)
	if err != nil {
		return nil, err
	}

	input := conditionInput(company, tp)
	var created []*domain.Process
	for _, rule := range rules {
		if rule.Conditions != "" {
			ok, err := a.cond.evaluate(rule.Conditions, input)
			if err != nil {
				// A broken condition disables its rule, not the run.
				a.log.Warn("assignment rule condition failed", "rule", rule.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
		}
		proc, err := a.applier.ApplyTemplate(ctx, rule.TemplateID, company, "assignment_rule", nil)
		if err != nil {
			a.log.Warn("applying assignment rule template", "rule", rule.ID,
				"template", rule.TemplateID, "err", err)
			continue
		}
		if proc != nil {
			created = append(created, proc)
		}
	}
	return created, nil
}

// conditionInput is the variable binding rule conditions see.
func conditionInput(company *domain.Company, tp *domain.TaxPayer) map[string]any {
	return map[string]any{
		"taxpayer": map[string]any{
			"rut":          tp.RUTDigits,
			"dv":           tp.DV,
			"tax_id":       tp.TaxID,
			"razon_social": tp.RazonSocial,
			"is_verified":  tp.IsVerified,
			"is_active":    tp.IsActive,
			"settings": map[string]any{
				"f29_monthly":     tp.Settings.F29Monthly,
				"f22_annual":      tp.Settings.F22Annual,
				"f3323_quarterly": tp.Settings.F3323Quarterly,
				"document_sync":   tp.Settings.DocumentSync,
				"sii_integration": tp.Settings.SIIIntegration,
			},
			"raw": tp.SIIRawData,
		},
		"company": map[string]any{
			"business_name": company.BusinessName,
			"email":         company.Email,
			"is_active":     company.IsActive,
		},
	}
}
