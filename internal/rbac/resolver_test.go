package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func orgTreasurer(id, orgID string) *Principal {
	return &Principal{
		ID:         id,
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: orgID, Kind: KindOrganization, Role: RoleTreasurer, Active: true, JoinedAt: time.Now().Add(-30 * 24 * time.Hour)},
		},
	}
}

func TestResolveSystemRoleOnlyInGlobalScope(t *testing.T) {
	r := NewResolver()
	p := orgTreasurer("p_1", "org_1")

	set := r.Resolve(p, ScopeGlobal, "", "")

	assert.True(t, set.Has(PermFinanceDeposit))
	assert.False(t, set.Has(PermFinanceTransfer), "membership role must not leak into global scope")
}

func TestResolveIncludesMatchingMembership(t *testing.T) {
	r := NewResolver()
	p := orgTreasurer("p_1", "org_1")

	set := r.Resolve(p, ScopeOrganization, "org_1", "")

	// Treasurer directly.
	assert.True(t, set.Has(PermFinanceTransfer))
	assert.True(t, set.Has(PermFinanceApprove))
	// Inherited from secretary and member.
	assert.True(t, set.Has(PermMembersInvite))
	assert.True(t, set.Has(PermFinanceDeposit))
	// Not held anywhere.
	assert.False(t, set.Has(PermLimitsManage))
}

func TestResolveIgnoresOtherOrganizations(t *testing.T) {
	r := NewResolver()
	p := orgTreasurer("p_1", "org_1")

	set := r.Resolve(p, ScopeOrganization, "org_2", "")
	assert.False(t, set.Has(PermFinanceTransfer))
}

func TestResolveIgnoresInactiveMembership(t *testing.T) {
	left := time.Now().Add(-time.Hour)
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleTreasurer, Active: false, LeftAt: &left},
		},
	}

	set := NewResolver().Resolve(p, ScopeOrganization, "org_1", "")
	assert.False(t, set.Has(PermFinanceTransfer))
}

func TestResolveGroupScopeMatchesKind(t *testing.T) {
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "grp_1", Kind: KindGroup, Role: RoleChairperson, Active: true},
			{GroupID: "grp_1", Kind: KindOrganization, Role: RoleSaccoAdmin, Active: true},
		},
	}
	r := NewResolver()

	set := r.Resolve(p, ScopeGroup, "", "grp_1")
	assert.True(t, set.Has(PermLoansApprove))
	// The organization membership shares the identifier but not the kind.
	assert.False(t, set.Has(PermLimitsManage))
}

func TestResolvePersonalScopeUsesAllActiveMemberships(t *testing.T) {
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleTreasurer, Active: true},
			{GroupID: "grp_9", Kind: KindGroup, Role: RoleSecretary, Active: true},
		},
	}

	set := NewResolver().Resolve(p, ScopePersonal, "", "")
	assert.True(t, set.Has(PermFinanceTransfer))
	assert.True(t, set.Has(PermMembersInvite))
}

func TestResolveCustomGrants(t *testing.T) {
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleTreasurer, Active: true, CustomGrants: []Permission{PermLimitsOverride}},
		},
	}

	set := NewResolver().Resolve(p, ScopeOrganization, "org_1", "")
	assert.True(t, set.Has(PermLimitsOverride))
}

func TestHighestRoleInScope(t *testing.T) {
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleChairperson, Active: true},
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleTreasurer, Active: true},
		},
	}
	r := NewResolver()

	assert.Equal(t, RoleChairperson, r.HighestRoleInScope(p, ScopeOrganization, "org_1", ""))
	assert.Equal(t, RoleMember, r.HighestRoleInScope(p, ScopeGlobal, "", ""))
	assert.Equal(t, RoleMember, r.HighestRoleInScope(p, ScopeOrganization, "org_2", ""))
}

func TestRolesInScopeDistinct(t *testing.T) {
	p := &Principal{
		ID:         "p_1",
		SystemRole: RoleMember,
		Memberships: []Membership{
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleTreasurer, Active: true},
			{GroupID: "org_1", Kind: KindOrganization, Role: RoleMember, Active: true},
		},
	}

	roles := NewResolver().RolesInScope(p, ScopeOrganization, "org_1", "")
	assert.ElementsMatch(t, []Role{RoleMember, RoleTreasurer}, roles)
}

func TestHasActiveMembership(t *testing.T) {
	p := orgTreasurer("p_1", "org_1")

	assert.True(t, HasActiveMembership(p, "org_1", ""))
	assert.False(t, HasActiveMembership(p, "org_2", ""))
	assert.False(t, HasActiveMembership(p, "", "grp_1"))
}

func TestPermissionSetHelpers(t *testing.T) {
	set := PermissionSet{PermFinanceDeposit: {}, PermWorkflowView: {}}

	assert.True(t, set.HasAll(PermFinanceDeposit, PermWorkflowView))
	assert.False(t, set.HasAll(PermFinanceDeposit, PermFinanceApprove))
	assert.True(t, set.HasAny(PermFinanceApprove, PermWorkflowView))
	assert.True(t, set.HasAny(), "empty requirement is trivially satisfied")
	assert.False(t, set.HasAny(PermSystemMaintain))
}

func TestRankOfUnknownRoleIsBelowAll(t *testing.T) {
	for _, role := range AllRoles {
		assert.Less(t, RankOf(role), RankOf(Role("visitor")))
	}
}

func TestVerifyRoleTables(t *testing.T) {
	assert.NoError(t, verifyRoleTables())
}
