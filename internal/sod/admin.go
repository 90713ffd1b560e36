package sod

import (
	"context"
	"fmt"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/idgen"
)

// Administrative rule lifecycle. Rules are soft-lifecycle: toggled inactive,
// never deleted, so past violations keep a resolvable rule id.

func (d *Detector) CreateRule(ctx context.Context, r *SegregationRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = idgen.WithPrefix("sodr_")
	}
	now := d.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := d.rules.Create(ctx, r); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "segregation rule created",
		"rule_id", r.ID, "name", r.Name, "predicate", r.Predicate)
	d.emitter.Emit(events.EventRuleCreated, map[string]any{
		"ruleId":    r.ID,
		"name":      r.Name,
		"predicate": r.Predicate,
		"scope":     r.Scope,
	})
	return nil
}

func (d *Detector) GetRule(ctx context.Context, id string) (*SegregationRule, error) {
	return d.rules.Get(ctx, id)
}

func (d *Detector) UpdateRule(ctx context.Context, r *SegregationRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	r.UpdatedAt = d.now().UTC()
	return d.rules.Update(ctx, r)
}

// SetActive toggles a rule without touching its definition.
func (d *Detector) SetActive(ctx context.Context, id string, active bool) (*SegregationRule, error) {
	r, err := d.rules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Active = active
	r.UpdatedAt = d.now().UTC()
	if err := d.rules.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Detector) ListRules(ctx context.Context, f ListFilter) ([]*SegregationRule, error) {
	return d.rules.List(ctx, f)
}

func validateRule(r *SegregationRule) error {
	if r.First.Action == "" || r.Second.Action == "" {
		return fmt.Errorf("both conflicting actions are required")
	}
	switch r.Predicate {
	case PredicateSameActor, PredicateSameRole, PredicateSameSession:
	case PredicateTimeWindow:
		if r.Window <= 0 {
			return fmt.Errorf("time_window predicate requires a positive window")
		}
	default:
		return fmt.Errorf("unknown predicate %q", r.Predicate)
	}
	return nil
}
