package limits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/idgen"
	"github.com/mwalimu/saccoguard/internal/metrics"
	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/traces"
)

// Service evaluates candidate operations against every applicable limit and
// owns the administrative lifecycle of limit definitions.
type Service struct {
	store    Store
	usage    UsageProvider
	resolver *rbac.Resolver
	emitter  *events.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, usage UsageProvider, resolver *rbac.Resolver, emitter *events.Emitter, logger *slog.Logger) *Service {
	if usage == nil {
		usage = ZeroUsage{}
	}
	return &Service{
		store:    store,
		usage:    usage,
		resolver: resolver,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckInput identifies the candidate operation.
type CheckInput struct {
	Principal     *rbac.Principal
	Amount        float64
	Currency      string
	OperationType string
	Scope         rbac.Scope
	OrgID         string
	GroupID       string
}

// Check gathers every limit in effect for the operation and projects current
// usage plus the candidate amount against each ceiling. CanProceed is false
// when any breached limit cannot be overridden by this principal;
// RequiresApproval is true when a breached but overridable limit's policy
// demands approval.
func (s *Service) Check(ctx context.Context, in CheckInput) (*CheckResult, error) {
	ctx, span := traces.StartSpan(ctx, "limits.Check",
		traces.Principal(in.Principal.ID),
		traces.Amount(in.Amount),
		traces.Scope(string(in.Scope)),
	)
	defer span.End()

	all, err := s.store.List(ctx, ListFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing limits: %w", err)
	}

	now := s.now()
	roles := s.resolver.RolesInScope(in.Principal, in.Scope, in.OrgID, in.GroupID)
	perms := s.resolver.Resolve(in.Principal, in.Scope, in.OrgID, in.GroupID)

	var usage Usage
	var usageLoaded bool

	result := &CheckResult{CanProceed: true}
	for _, l := range all {
		if !s.applies(l, in, roles, now) {
			continue
		}

		var vs []Violation
		vs = append(vs, checkTransactionBounds(l, in.Amount)...)

		if needsUsage(l) {
			if !usageLoaded {
				usage, err = s.usage.Usage(ctx, in.Principal.ID, in.Scope, in.OrgID, in.GroupID)
				if err != nil {
					return nil, fmt.Errorf("loading usage for %s: %w", in.Principal.ID, err)
				}
				usageLoaded = true
			}
			vs = append(vs, checkPeriodicCeilings(l, in.Amount, usage)...)
		}

		if len(vs) == 0 {
			continue
		}

		overridable := s.canOverride(l, roles, perms)
		for i := range vs {
			vs[i].Overridable = overridable
		}
		result.Violations = append(result.Violations, vs...)

		if !overridable {
			result.CanProceed = false
		} else if l.Override.RequiresApproval {
			result.RequiresApproval = true
		}
	}

	for _, v := range result.Violations {
		metrics.LimitViolationsTotal.WithLabelValues(string(v.Severity)).Inc()
	}
	if len(result.Violations) > 0 {
		s.logger.WarnContext(ctx, "transaction limit violations",
			"principal_id", in.Principal.ID,
			"amount", in.Amount,
			"currency", in.Currency,
			"operation", in.OperationType,
			"violations", len(result.Violations),
			"can_proceed", result.CanProceed)
		s.emitter.Emit(events.EventLimitViolation, map[string]any{
			"principalId":      in.Principal.ID,
			"amount":           in.Amount,
			"currency":         in.Currency,
			"operationType":    in.OperationType,
			"violations":       result.Violations,
			"canProceed":       result.CanProceed,
			"requiresApproval": result.RequiresApproval,
		})
	}
	return result, nil
}

// applies reports whether the limit constrains this particular operation:
// in effect now, currency match, scope binding match, role and operation
// applicability.
func (s *Service) applies(l *TransactionLimit, in CheckInput, roles []rbac.Role, now time.Time) bool {
	if !l.InEffect(now) {
		return false
	}
	if l.Currency != "" && !strings.EqualFold(l.Currency, in.Currency) {
		return false
	}

	switch l.Scope {
	case rbac.ScopeGlobal:
		// Applies everywhere.
	case rbac.ScopeOrganization:
		if in.OrgID == "" || l.OrgID != in.OrgID {
			return false
		}
	case rbac.ScopeGroup:
		if in.GroupID == "" || l.GroupID != in.GroupID {
			return false
		}
	case rbac.ScopePersonal:
		if l.PrincipalID != in.Principal.ID {
			return false
		}
	default:
		return false
	}

	if len(l.ApplicableOperations) > 0 && !containsString(l.ApplicableOperations, in.OperationType) {
		return false
	}
	if len(l.ApplicableRoles) > 0 && !rolesIntersect(l.ApplicableRoles, roles) {
		return false
	}
	return true
}

// canOverride requires the principal to hold both an override role and an
// override permission named by the limit's policy.
func (s *Service) canOverride(l *TransactionLimit, roles []rbac.Role, perms rbac.PermissionSet) bool {
	if !l.Override.Allowed {
		return false
	}
	if len(l.Override.Roles) > 0 && !rolesIntersect(l.Override.Roles, roles) {
		return false
	}
	return perms.HasAny(l.Override.Permissions...)
}

func checkTransactionBounds(l *TransactionLimit, amount float64) []Violation {
	var vs []Violation
	if max := l.Values.MaxPerTransaction; max > 0 && amount > max {
		vs = append(vs, violation(l, "max_per_transaction", max, amount))
	}
	if min := l.Values.MinPerTransaction; min != nil && amount < *min {
		// Below-minimum has no meaningful overage; grade it low.
		vs = append(vs, Violation{
			LimitID: l.ID, LimitName: l.Name, Rule: "min_per_transaction",
			Ceiling: *min, Attempted: amount, Severity: SeverityLow,
		})
	}
	return vs
}

func checkPeriodicCeilings(l *TransactionLimit, amount float64, u Usage) []Violation {
	var vs []Violation
	check := func(rule string, ceiling *float64, used float64) {
		if ceiling != nil && used+amount > *ceiling {
			vs = append(vs, violation(l, rule, *ceiling, used+amount))
		}
	}
	check("daily_total", l.Values.DailyTotal, u.DailyTotal)
	check("weekly_total", l.Values.WeeklyTotal, u.WeeklyTotal)
	check("monthly_total", l.Values.MonthlyTotal, u.MonthlyTotal)
	check("yearly_total", l.Values.YearlyTotal, u.YearlyTotal)
	check("lifetime_total", l.Values.LifetimeTotal, u.LifetimeTotal)
	check("max_outstanding", l.Values.MaxOutstanding, u.Outstanding)

	if c := l.Values.DailyCount; c != nil && u.DailyCount+1 > *c {
		vs = append(vs, violation(l, "daily_count", float64(*c), float64(u.DailyCount+1)))
	}
	if c := l.Values.MonthlyCount; c != nil && u.MonthlyCount+1 > *c {
		vs = append(vs, violation(l, "monthly_count", float64(*c), float64(u.MonthlyCount+1)))
	}
	return vs
}

func violation(l *TransactionLimit, rule string, ceiling, attempted float64) Violation {
	overage := 0.0
	if ceiling > 0 {
		overage = (attempted - ceiling) / ceiling * 100
	}
	return Violation{
		LimitID:    l.ID,
		LimitName:  l.Name,
		Rule:       rule,
		Ceiling:    ceiling,
		Attempted:  attempted,
		OveragePct: overage,
		Severity:   SeverityOf(overage),
	}
}

func needsUsage(l *TransactionLimit) bool {
	v := l.Values
	return v.DailyTotal != nil || v.WeeklyTotal != nil || v.MonthlyTotal != nil ||
		v.YearlyTotal != nil || v.DailyCount != nil || v.MonthlyCount != nil ||
		v.LifetimeTotal != nil || v.MaxOutstanding != nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func rolesIntersect(want []rbac.Role, have []rbac.Role) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// CreateLimit validates and persists a new limit definition.
func (s *Service) CreateLimit(ctx context.Context, l *TransactionLimit) error {
	if l.ID == "" {
		l.ID = idgen.WithPrefix("lim_")
	}
	now := s.now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ValidFrom.IsZero() {
		l.ValidFrom = now
	}
	if err := s.store.Create(ctx, l); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "transaction limit created",
		"limit_id", l.ID, "name", l.Name, "scope", l.Scope)
	s.emitter.Emit(events.EventLimitCreated, map[string]any{
		"limitId": l.ID,
		"name":    l.Name,
		"scope":   l.Scope,
	})
	return nil
}

// GetLimit fetches one limit by id.
func (s *Service) GetLimit(ctx context.Context, id string) (*TransactionLimit, error) {
	return s.store.Get(ctx, id)
}

// UpdateLimit persists changes to an existing limit.
func (s *Service) UpdateLimit(ctx context.Context, l *TransactionLimit) error {
	l.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, l)
}

// DeleteLimit removes a limit definition.
func (s *Service) DeleteLimit(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ListLimits returns limit definitions matching the filter.
func (s *Service) ListLimits(ctx context.Context, f ListFilter) ([]*TransactionLimit, error) {
	return s.store.List(ctx, f)
}
