package sod

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/idgen"
	"github.com/mwalimu/saccoguard/internal/metrics"
	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/syncutil"
	"github.com/mwalimu/saccoguard/internal/traces"
)

// lookback bounds how far into history a non-windowed predicate scans.
// Windowed rules use their own configured window when it is shorter.
const lookback = 24 * time.Hour

// Detector evaluates operations against active segregation rules and records
// them into history. Evaluate-then-append is serialized per scope so a check
// never sees the operation it is evaluating, and two concurrent checks in one
// scope cannot both miss each other.
type Detector struct {
	rules   Store
	history HistoryStore
	locks   syncutil.ShardedMutex
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func NewDetector(rules Store, history HistoryStore, emitter *events.Emitter, logger *slog.Logger) *Detector {
	return &Detector{
		rules:   rules,
		history: history,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the detector clock, for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Check evaluates the operation against every matching rule and then appends
// it to history. Violations are returned in rule order; the caller decides
// whether any of them blocks.
func (d *Detector) Check(ctx context.Context, op *OperationContext) ([]Violation, error) {
	ctx, span := traces.StartSpan(ctx, "sod.Check",
		traces.Principal(op.ActorID),
		traces.OperationAction(op.Action),
		traces.Scope(string(op.Scope)),
	)
	defer span.End()

	if op.ID == "" {
		op.ID = idgen.WithPrefix("op_")
	}
	if op.At.IsZero() {
		op.At = d.now().UTC()
	}

	key := op.scopeKey()
	unlock := d.locks.Lock(key)
	defer unlock()

	violations, err := d.evaluate(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if err := d.history.Append(ctx, op); err != nil {
		return nil, fmt.Errorf("recording operation %s: %w", op.ID, err)
	}

	for _, v := range violations {
		metrics.SoDViolationsTotal.WithLabelValues(string(v.Severity)).Inc()
		d.logger.WarnContext(ctx, "segregation of duties violation",
			"rule_id", v.RuleID,
			"rule", v.RuleName,
			"actor_id", op.ActorID,
			"action", op.Action,
			"prior_actor_id", v.Prior.ActorID,
			"prior_action", v.Prior.Action,
			"severity", v.Severity,
			"block", v.Block)
		d.emitter.Emit(events.EventSoDViolation, map[string]any{
			"ruleId":   v.RuleID,
			"ruleName": v.RuleName,
			"actorId":  op.ActorID,
			"action":   op.Action,
			"severity": v.Severity,
			"block":    v.Block,
			"channels": v.Channels,
		})
	}
	return violations, nil
}

// Record appends the operation to history without evaluating rules. Used for
// operations that bypass the check path but must still be visible to later
// conflict lookups.
func (d *Detector) Record(ctx context.Context, op *OperationContext) error {
	if op.ID == "" {
		op.ID = idgen.WithPrefix("op_")
	}
	if op.At.IsZero() {
		op.At = d.now().UTC()
	}
	unlock := d.locks.Lock(op.scopeKey())
	defer unlock()
	return d.history.Append(ctx, op)
}

func (d *Detector) evaluate(ctx context.Context, op *OperationContext, key string) ([]Violation, error) {
	rules, err := d.matchingRules(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	since := op.At.Add(-lookback)
	prior, err := d.history.Recent(ctx, key, since)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", key, err)
	}

	var violations []Violation
	for _, rule := range rules {
		for _, other := range d.counterparts(rule, op) {
			for _, p := range prior {
				if p.ID == op.ID {
					continue
				}
				if !signatureMatches(other, p) {
					continue
				}
				if !d.predicateMatches(rule, op, p) {
					continue
				}
				violations = append(violations, Violation{
					RuleID:           rule.ID,
					RuleName:         rule.Name,
					Predicate:        rule.Predicate,
					Severity:         rule.Severity(),
					Block:            rule.Enforcement.Block,
					RequiresApproval: rule.Enforcement.RequiresApproval,
					Current:          OperationRef{ActorID: op.ActorID, Action: op.Action, At: op.At},
					Prior:            OperationRef{ActorID: p.ActorID, Action: p.Action, At: p.At},
					Channels:         rule.Enforcement.Channels,
				})
			}
		}
	}
	return violations, nil
}

// matchingRules returns active rules scoped to this operation's scope or
// global whose conflicting pair references the current action.
func (d *Detector) matchingRules(ctx context.Context, op *OperationContext) ([]*SegregationRule, error) {
	all, err := d.rules.List(ctx, ListFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing segregation rules: %w", err)
	}
	var out []*SegregationRule
	for _, r := range all {
		switch r.Scope {
		case rbac.ScopeGlobal:
		case op.Scope:
			if r.OrgID != "" && r.OrgID != op.OrgID {
				continue
			}
		default:
			continue
		}
		if r.First.Action != op.Action && r.Second.Action != op.Action {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// counterparts returns the signature(s) on the other side of the pair from
// the current action. A rule pairing an action with itself yields one side.
func (d *Detector) counterparts(rule *SegregationRule, op *OperationContext) []OperationSignature {
	if rule.First.Action == rule.Second.Action {
		if rule.First.Action == op.Action {
			return []OperationSignature{rule.Second}
		}
		return nil
	}
	var out []OperationSignature
	if rule.First.Action == op.Action {
		out = append(out, rule.Second)
	}
	if rule.Second.Action == op.Action {
		out = append(out, rule.First)
	}
	return out
}

// signatureMatches reports whether a prior operation satisfies the given
// side of the pair: action name match plus, when the signature names roles,
// an overlapping role on the performer.
func signatureMatches(sig OperationSignature, op *OperationContext) bool {
	if sig.Action != op.Action {
		return false
	}
	if len(sig.Roles) > 0 && !rolesOverlap(sig.Roles, op.Roles) {
		return false
	}
	return true
}

func (d *Detector) predicateMatches(rule *SegregationRule, current, prior *OperationContext) bool {
	switch rule.Predicate {
	case PredicateSameActor:
		return current.ActorID == prior.ActorID
	case PredicateSameRole:
		return rolesOverlap(current.Roles, prior.Roles)
	case PredicateSameSession:
		return current.SessionID != "" && current.SessionID == prior.SessionID
	case PredicateTimeWindow:
		if rule.Window <= 0 {
			return false
		}
		elapsed := current.At.Sub(prior.At)
		return elapsed >= 0 && elapsed <= rule.Window
	default:
		return false
	}
}

func rolesOverlap(a, b []rbac.Role) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
