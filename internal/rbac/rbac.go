// Package rbac resolves the effective permissions a principal holds within a
// scope: system role, active group memberships, role inheritance, and
// per-membership custom grants.
package rbac

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPrincipalNotFound = errors.New("rbac: principal not found")
	ErrUnknownRole       = errors.New("rbac: unknown role")
)

// Scope is the authorization boundary an operation applies to.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization" // a SACCO
	ScopeGroup        Scope = "group"        // a chama
	ScopePersonal     Scope = "personal"
)

// GroupKind distinguishes organization-level from group-level memberships.
type GroupKind string

const (
	KindOrganization GroupKind = "organization"
	KindGroup        GroupKind = "group"
)

// Permission is a granular capability string, e.g. "finance.approve".
type Permission string

// Capabilities of the platform. Handlers and the workflow engine refer to
// these constants; free-form permission strings are allowed in custom grants.
const (
	PermFinanceDeposit  Permission = "finance.deposit"
	PermFinanceWithdraw Permission = "finance.withdraw"
	PermFinanceTransfer Permission = "finance.transfer"
	PermFinanceApprove  Permission = "finance.approve"
	PermLoansApply      Permission = "loans.apply"
	PermLoansApprove    Permission = "loans.approve"
	PermLoansDisburse   Permission = "loans.disburse"
	PermSharesIssue     Permission = "shares.issue"
	PermMembersInvite   Permission = "members.invite"
	PermMembersManage   Permission = "members.manage"
	PermRolesAssign     Permission = "members.roles.assign"
	PermConfigUpdate    Permission = "config.update"
	PermLimitsManage    Permission = "limits.manage"
	PermLimitsOverride  Permission = "limits.override"
	PermSoDManage       Permission = "sod.manage"
	PermWorkflowView    Permission = "workflow.view"
	PermWorkflowCancel  Permission = "workflow.cancel"
	PermAccountClose    Permission = "account.close"
	PermSystemMaintain  Permission = "system.maintain"
	PermAuditView       Permission = "audit.view"
	PermReportsView     Permission = "reports.view"
)

// Role is a named bundle of permissions. The same role vocabulary is used
// system-wide and inside groups (original data model: group memberships carry
// their own role).
type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RoleSaccoAdmin  Role = "sacco_admin"
	RoleChairperson Role = "chairperson"
	RoleTreasurer   Role = "treasurer"
	RoleSecretary   Role = "secretary"
	RoleAuditor     Role = "auditor"
	RoleMember      Role = "member"
)

// Membership links a principal to an organization or chama.
type Membership struct {
	GroupID      string       `json:"groupId"`
	Kind         GroupKind    `json:"kind"`
	Role         Role         `json:"role"`
	Active       bool         `json:"active"`
	CustomGrants []Permission `json:"customGrants,omitempty"`
	JoinedAt     time.Time    `json:"joinedAt"`
	LeftAt       *time.Time   `json:"leftAt,omitempty"`
}

// Principal is an authenticated actor: one system role plus group memberships.
type Principal struct {
	ID          string       `json:"id"`
	SystemRole  Role         `json:"systemRole"`
	Memberships []Membership `json:"memberships,omitempty"`
}

// Provider supplies principals on demand. Identity and membership CRUD live
// outside this engine; the resolver only reads.
type Provider interface {
	Principal(ctx context.Context, id string) (*Principal, error)
}

// PermissionSet is a set of permissions.
type PermissionSet map[Permission]struct{}

// Has reports whether the set contains p.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAll reports whether the set contains every permission in ps.
func (s PermissionSet) HasAll(ps ...Permission) bool {
	for _, p := range ps {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether the set contains at least one permission in ps.
// An empty ps is trivially satisfied.
func (s PermissionSet) HasAny(ps ...Permission) bool {
	if len(ps) == 0 {
		return true
	}
	for _, p := range ps {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// union adds every permission in other to s.
func (s PermissionSet) union(other []Permission) {
	for _, p := range other {
		s[p] = struct{}{}
	}
}
