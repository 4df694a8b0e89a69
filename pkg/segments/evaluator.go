// Package segments classifies companies into segments by evaluating
// criteria against the taxpayer profile, and applies the process
// templates a segment's assignment rules select.
package segments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// profile is the flattened view of a taxpayer the criteria run against.
type profile struct {
	employees  int
	activities []string
	revenue    float64
	regimes    map[string]bool
	f3323      bool
}

// profileOf extracts the evaluable attributes. Employee count, activity
// codes and revenue live in the raw portal payload; the tax regime is
// inferred from the process-enablement settings.
func profileOf(tp *domain.TaxPayer) profile {
	p := profile{regimes: map[string]bool{}}
	if tp.Settings.F29Monthly {
		p.regimes["f29_monthly"] = true
	}
	if tp.Settings.F3323Quarterly {
		p.regimes["f3323_quarterly"] = true
		p.f3323 = true
	}
	raw := tp.SIIRawData
	if raw == nil {
		return p
	}
	if n, ok := numberOf(raw["employees"]); ok {
		p.employees = int(n)
	}
	if n, ok := numberOf(raw["annual_revenue"]); ok {
		p.revenue = n
	}
	switch acts := raw["economic_activities"].(type) {
	case []any:
		for _, a := range acts {
			switch v := a.(type) {
			case string:
				p.activities = append(p.activities, v)
			case map[string]any:
				if code, ok := v["code"].(string); ok {
					p.activities = append(p.activities, code)
				}
			}
		}
	case []string:
		p.activities = acts
	}
	return p
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Evaluator picks the segment a taxpayer belongs to.
type Evaluator struct {
	log      *slog.Logger
	segments *store.SegmentStore
}

func NewEvaluator(log *slog.Logger, segments *store.SegmentStore) *Evaluator {
	return &Evaluator{log: log, segments: segments}
}

// EvaluateSegment walks active segments in type order and returns the
// first whose criteria all hold, or nil when none match.
func (e *Evaluator) EvaluateSegment(ctx context.Context, tp *domain.TaxPayer) (*domain.CompanySegment, error) {
	active, err := e.segments.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	prof := profileOf(tp)
	for _, seg := range active {
		if e.matches(seg, prof) {
			return seg, nil
		}
	}
	return nil, nil
}

// matches evaluates every present criterion (AND). A panic inside a
// criterion demotes the segment to non-match rather than failing the run.
func (e *Evaluator) matches(seg *domain.CompanySegment, prof profile) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("segment criteria evaluation panicked", "segment", seg.Name, "panic", r)
			matched = false
		}
	}()

	c := seg.Criteria
	if c.Size != nil {
		if prof.employees < c.Size.Min {
			return false
		}
		if c.Size.Max > 0 && prof.employees > c.Size.Max {
			return false
		}
	}
	if len(c.EconomicActivity) > 0 && !anyOverlap(c.EconomicActivity, prof.activities) {
		return false
	}
	if len(c.TaxRegime) > 0 {
		hit := false
		for _, regime := range c.TaxRegime {
			if prof.regimes[strings.ToLower(regime)] {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if c.AnnualRevenue != nil {
		if prof.revenue < c.AnnualRevenue.Min {
			return false
		}
		if c.AnnualRevenue.Max > 0 && prof.revenue > c.AnnualRevenue.Max {
			return false
		}
	}
	for _, tag := range c.CustomConditions {
		if !e.customCondition(tag, prof) {
			return false
		}
	}
	return true
}

// customCondition resolves a recognised tag; unrecognised tags never
// match.
func (e *Evaluator) customCondition(tag string, prof profile) bool {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "requires_f3323":
		return prof.f3323
	default:
		e.log.Warn("unknown segment condition tag", "tag", tag)
		return false
	}
}

func anyOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
