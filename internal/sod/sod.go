// Package sod detects segregation-of-duties conflicts: an incoming operation
// is compared against recent operations in the same scope under
// administrator-defined rules, each pairing two conflicting operation
// signatures with a conflict predicate.
package sod

import (
	"context"
	"errors"
	"time"

	"github.com/mwalimu/saccoguard/internal/rbac"
)

var (
	ErrRuleNotFound = errors.New("segregation rule not found")
	ErrNameTaken    = errors.New("segregation rule name already in use")
)

// Predicate selects how the two sides of a conflicting pair are correlated.
type Predicate string

const (
	PredicateSameActor   Predicate = "same_actor"
	PredicateSameRole    Predicate = "same_role"
	PredicateSameSession Predicate = "same_session"
	PredicateTimeWindow  Predicate = "time_window"
)

// AlertLevel grades the rule's notification urgency.
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// OperationSignature describes one side of a conflicting pair. Empty role
// and permission lists match any performer.
type OperationSignature struct {
	Action      string            `json:"action"`
	Roles       []rbac.Role       `json:"roles,omitempty"`
	Permissions []rbac.Permission `json:"permissions,omitempty"`
}

// Enforcement controls what happens when a conflicting pair is found.
type Enforcement struct {
	Block            bool       `json:"block"`
	RequiresApproval bool       `json:"requiresApproval"`
	Alert            AlertLevel `json:"alert"`
	Channels         []string   `json:"channels,omitempty"`
}

// SegregationRule pairs two conflicting operation signatures under a
// predicate. Rules are toggled active/inactive rather than deleted.
type SegregationRule struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Scope rbac.Scope `json:"scope"`
	OrgID string     `json:"orgId,omitempty"`

	First  OperationSignature `json:"first"`
	Second OperationSignature `json:"second"`

	Predicate Predicate     `json:"predicate"`
	Window    time.Duration `json:"window,omitempty"` // time_window only

	Enforcement Enforcement `json:"enforcement"`
	Active      bool        `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Severity derives the violation severity from the rule's enforcement block.
func (r *SegregationRule) Severity() AlertLevel {
	switch {
	case r.Enforcement.Alert == AlertCritical:
		return AlertCritical
	case r.Enforcement.Block:
		return AlertHigh
	case r.Enforcement.RequiresApproval:
		return AlertMedium
	default:
		return AlertLow
	}
}

// Store persists rule definitions.
type Store interface {
	Create(ctx context.Context, r *SegregationRule) error
	Get(ctx context.Context, id string) (*SegregationRule, error)
	Update(ctx context.Context, r *SegregationRule) error
	List(ctx context.Context, f ListFilter) ([]*SegregationRule, error)
}

// ListFilter narrows a rule listing. Zero values match everything.
type ListFilter struct {
	Scope      rbac.Scope
	OrgID      string
	ActiveOnly bool
}

// OperationContext is one operation as seen by the detector.
type OperationContext struct {
	ID        string      `json:"id"`
	ActorID   string      `json:"actorId"`
	Action    string      `json:"action"`
	Roles     []rbac.Role `json:"roles,omitempty"`
	Scope     rbac.Scope  `json:"scope"`
	OrgID     string      `json:"orgId,omitempty"`
	GroupID   string      `json:"groupId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	At        time.Time   `json:"at"`
}

// scopeKey buckets history by the concrete scope an operation belongs to.
func (op *OperationContext) scopeKey() string {
	switch op.Scope {
	case rbac.ScopeOrganization:
		return "org/" + op.OrgID
	case rbac.ScopeGroup:
		return "group/" + op.GroupID
	case rbac.ScopePersonal:
		return "personal/" + op.ActorID
	default:
		return "global"
	}
}

// OperationRef is the slice of an operation a violation reports.
type OperationRef struct {
	ActorID string    `json:"actorId"`
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
}

// Violation is one detected conflict between the current operation and a
// prior one.
type Violation struct {
	RuleID           string       `json:"ruleId"`
	RuleName         string       `json:"ruleName"`
	Predicate        Predicate    `json:"predicate"`
	Severity         AlertLevel   `json:"severity"`
	Block            bool         `json:"block"`
	RequiresApproval bool         `json:"requiresApproval"`
	Current          OperationRef `json:"current"`
	Prior            OperationRef `json:"prior"`

	// Channels carries the rule's notification channel list into the
	// emitted event; it is not part of the API response.
	Channels []string `json:"-"`
}

// HistoryStore keeps recent operations per scope for conflict lookups. The
// in-memory implementation is per-instance; the postgres one is shared
// across instances.
type HistoryStore interface {
	Append(ctx context.Context, op *OperationContext) error
	Recent(ctx context.Context, scopeKey string, since time.Time) ([]*OperationContext, error)
}
