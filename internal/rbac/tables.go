package rbac

import "fmt"

// rolePermissions maps each role to its directly held permissions.
// Inherited permissions come from roleInherits, expanded one level.
var rolePermissions = map[Role][]Permission{
	RoleMember: {
		PermFinanceDeposit,
		PermLoansApply,
		PermWorkflowView,
	},
	RoleAuditor: {
		PermAuditView,
		PermReportsView,
	},
	RoleSecretary: {
		PermMembersInvite,
		PermReportsView,
	},
	RoleTreasurer: {
		PermFinanceWithdraw,
		PermFinanceTransfer,
		PermFinanceApprove,
		PermLoansDisburse,
	},
	RoleChairperson: {
		PermLoansApprove,
		PermMembersManage,
		PermSharesIssue,
	},
	RoleSaccoAdmin: {
		PermRolesAssign,
		PermConfigUpdate,
		PermLimitsManage,
		PermLimitsOverride,
		PermSoDManage,
		PermAuditView,
		PermAccountClose,
	},
	RoleSystemAdmin: {
		PermSystemMaintain,
		PermWorkflowCancel,
	},
}

// roleInherits lists, per role, every role whose permissions it absorbs.
// Expansion is a single table lookup (one level of indirection), so each
// entry must name the full transitive set explicitly.
var roleInherits = map[Role][]Role{
	RoleMember:      {},
	RoleAuditor:     {RoleMember},
	RoleSecretary:   {RoleMember},
	RoleTreasurer:   {RoleSecretary, RoleMember},
	RoleChairperson: {RoleTreasurer, RoleSecretary, RoleMember},
	RoleSaccoAdmin:  {RoleChairperson, RoleTreasurer, RoleSecretary, RoleMember},
	RoleSystemAdmin: {RoleSaccoAdmin, RoleChairperson, RoleTreasurer, RoleSecretary, RoleMember},
}

// roleRank orders roles for "highest role in scope"; lower rank wins.
var roleRank = map[Role]int{
	RoleSystemAdmin: 0,
	RoleSaccoAdmin:  1,
	RoleChairperson: 2,
	RoleTreasurer:   3,
	RoleSecretary:   4,
	RoleAuditor:     5,
	RoleMember:      6,
}

// AllRoles lists every known role, highest rank first.
var AllRoles = []Role{
	RoleSystemAdmin,
	RoleSaccoAdmin,
	RoleChairperson,
	RoleTreasurer,
	RoleSecretary,
	RoleAuditor,
	RoleMember,
}

func init() {
	if err := verifyRoleTables(); err != nil {
		panic(err)
	}
}

// verifyRoleTables checks at startup that the inheritance graph is acyclic
// and every referenced role is known. Call-time expansion assumes this.
func verifyRoleTables() error {
	for role, parents := range roleInherits {
		if _, ok := roleRank[role]; !ok {
			return fmt.Errorf("rbac: role %q has no rank", role)
		}
		seen := map[Role]bool{role: true}
		for _, p := range parents {
			if _, ok := roleRank[p]; !ok {
				return fmt.Errorf("rbac: role %q inherits unknown role %q", role, p)
			}
			if seen[p] {
				return fmt.Errorf("rbac: role %q inheritance contains cycle or duplicate via %q", role, p)
			}
			seen[p] = true
			// A parent that points back at role (directly or via its own list)
			// is a cycle.
			for _, pp := range roleInherits[p] {
				if pp == role {
					return fmt.Errorf("rbac: inheritance cycle between %q and %q", role, p)
				}
			}
		}
	}
	for role := range rolePermissions {
		if _, ok := roleRank[role]; !ok {
			return fmt.Errorf("rbac: permission table references unknown role %q", role)
		}
	}
	return nil
}

// RankOf returns the rank of a role, or a rank below every known role for
// unknown roles.
func RankOf(r Role) int {
	if rank, ok := roleRank[r]; ok {
		return rank
	}
	return len(roleRank) + 1
}

// IsKnownRole reports whether r is part of the role vocabulary.
func IsKnownRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// expandRole returns the permissions a role holds directly plus one level of
// inheritance through roleInherits.
func expandRole(r Role) []Permission {
	perms := make([]Permission, 0, 16)
	perms = append(perms, rolePermissions[r]...)
	for _, parent := range roleInherits[r] {
		perms = append(perms, rolePermissions[parent]...)
	}
	return perms
}
