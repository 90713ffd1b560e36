// Package limits enforces transaction ceilings: per-transaction bounds,
// periodic totals and counts, lifetime and outstanding ceilings. Limits are
// read-mostly configuration; checks project current usage plus the candidate
// amount against every applicable ceiling.
package limits

import (
	"context"
	"errors"
	"time"

	"github.com/mwalimu/saccoguard/internal/rbac"
)

var (
	ErrLimitNotFound = errors.New("transaction limit not found")
	ErrNameTaken     = errors.New("transaction limit name already in use")
	ErrLimitExceeded = errors.New("transaction limit exceeded")
)

// Values bundles the ceilings a limit enforces. Nil pointer fields are not
// enforced; MaxPerTransaction is the only mandatory ceiling.
type Values struct {
	MaxPerTransaction float64  `json:"maxPerTransaction"`
	MinPerTransaction *float64 `json:"minPerTransaction,omitempty"`
	DailyTotal        *float64 `json:"dailyTotal,omitempty"`
	WeeklyTotal       *float64 `json:"weeklyTotal,omitempty"`
	MonthlyTotal      *float64 `json:"monthlyTotal,omitempty"`
	YearlyTotal       *float64 `json:"yearlyTotal,omitempty"`
	DailyCount        *int     `json:"dailyCount,omitempty"`
	MonthlyCount      *int     `json:"monthlyCount,omitempty"`
	LifetimeTotal     *float64 `json:"lifetimeTotal,omitempty"`
	MaxOutstanding    *float64 `json:"maxOutstanding,omitempty"`
}

// OverridePolicy controls whether a breached limit can still be passed.
type OverridePolicy struct {
	Allowed          bool              `json:"allowed"`
	Roles            []rbac.Role       `json:"roles,omitempty"`
	Permissions      []rbac.Permission `json:"permissions,omitempty"`
	RequiresApproval bool              `json:"requiresApproval"`
	MaxOverridePct   *float64          `json:"maxOverridePct,omitempty"`
}

// TransactionLimit is a named, scoped ceiling. Multiple limits can apply to
// one operation; all must be satisfied.
type TransactionLimit struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Scope rbac.Scope `json:"scope"`

	// OrgID/GroupID bind organization and group scoped limits;
	// PrincipalID binds personal ones. Unused fields stay empty.
	OrgID       string `json:"orgId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`

	// Empty slices mean "applies to everything".
	ApplicableRoles      []rbac.Role `json:"applicableRoles,omitempty"`
	ApplicableOperations []string    `json:"applicableOperations,omitempty"`

	Currency string         `json:"currency"`
	Values   Values         `json:"values"`
	Override OverridePolicy `json:"override"`

	ValidFrom  time.Time  `json:"validFrom"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
	Active     bool       `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InEffect reports whether the limit is active and its validity window
// covers the given instant.
func (l *TransactionLimit) InEffect(at time.Time) bool {
	if !l.Active {
		return false
	}
	if at.Before(l.ValidFrom) {
		return false
	}
	if l.ValidUntil != nil && !at.Before(*l.ValidUntil) {
		return false
	}
	return true
}

// ListFilter narrows a limit listing. Zero values match everything.
type ListFilter struct {
	Scope      rbac.Scope
	OrgID      string
	GroupID    string
	ActiveOnly bool
}

// Store persists limit definitions.
type Store interface {
	Create(ctx context.Context, l *TransactionLimit) error
	Get(ctx context.Context, id string) (*TransactionLimit, error)
	Update(ctx context.Context, l *TransactionLimit) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ListFilter) ([]*TransactionLimit, error)
}

// Usage reports a principal's accumulated activity in the periods a limit
// may constrain, as of the query instant.
type Usage struct {
	DailyTotal    float64
	WeeklyTotal   float64
	MonthlyTotal  float64
	YearlyTotal   float64
	DailyCount    int
	MonthlyCount  int
	LifetimeTotal float64
	Outstanding   float64
}

// UsageProvider supplies periodic totals. Ledger aggregation lives outside
// this engine; a zero-usage provider is a valid (permissive) implementation.
type UsageProvider interface {
	Usage(ctx context.Context, principalID string, scope rbac.Scope, orgID, groupID string) (Usage, error)
}

// ZeroUsage is a UsageProvider that reports no prior activity.
type ZeroUsage struct{}

func (ZeroUsage) Usage(context.Context, string, rbac.Scope, string, string) (Usage, error) {
	return Usage{}, nil
}

// Severity grades how far over a ceiling the candidate lands.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf derives a severity from the overage percentage.
func SeverityOf(overagePct float64) Severity {
	switch {
	case overagePct >= 100:
		return SeverityCritical
	case overagePct >= 50:
		return SeverityHigh
	case overagePct >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Violation describes one breached ceiling.
type Violation struct {
	LimitID     string   `json:"limitId"`
	LimitName   string   `json:"limitName"`
	Rule        string   `json:"rule"` // e.g. "max_per_transaction", "daily_total"
	Ceiling     float64  `json:"ceiling"`
	Attempted   float64  `json:"attempted"`
	OveragePct  float64  `json:"overagePct"`
	Severity    Severity `json:"severity"`
	Overridable bool     `json:"overridable"`
}

// CheckResult is the enforcement verdict for one candidate operation.
type CheckResult struct {
	Violations       []Violation `json:"violations"`
	CanProceed       bool        `json:"canProceed"`
	RequiresApproval bool        `json:"requiresApproval"`
}
