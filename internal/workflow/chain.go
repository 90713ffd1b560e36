package workflow

import (
	"time"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
)

// chainTable keys the approval requirement by risk level. The entries are
// deterministic: same risk level, same chain, every time.
var chainTable = map[risk.Level]ChainSpec{
	risk.LevelCritical: {
		RequiredApprovals: 3,
		EligibleRoles:     []rbac.Role{rbac.RoleSystemAdmin, rbac.RoleSaccoAdmin},
		Sequential:        true,
		AllowSelfApproval: false,
		Timeout:           48 * time.Hour,
	},
	risk.LevelHigh: {
		RequiredApprovals: 2,
		EligibleRoles:     []rbac.Role{rbac.RoleSaccoAdmin, rbac.RoleChairperson, rbac.RoleTreasurer},
		Sequential:        false,
		AllowSelfApproval: false,
		Timeout:           24 * time.Hour,
	},
	risk.LevelMedium: {
		RequiredApprovals: 1,
		EligibleRoles:     []rbac.Role{rbac.RoleChairperson, rbac.RoleTreasurer, rbac.RoleSecretary},
		Sequential:        false,
		AllowSelfApproval: true,
		Timeout:           12 * time.Hour,
	},
	risk.LevelLow: {
		RequiredApprovals: 1,
		EligibleRoles:     []rbac.Role{rbac.RoleTreasurer, rbac.RoleSecretary},
		Sequential:        false,
		AllowSelfApproval: true,
		Timeout:           8 * time.Hour,
	},
}

// typePermissions adds required approver permissions on top of the risk
// tier. Financial workflow types always demand an explicit finance approval
// capability regardless of tier.
var typePermissions = map[Type][]rbac.Permission{
	TypeFinancialTransaction: {rbac.PermFinanceApprove},
	TypeLoanApproval:         {rbac.PermFinanceApprove},
	TypeMemberManagement:     {rbac.PermRolesAssign},
	TypeConfigurationChange:  {rbac.PermConfigUpdate},
	TypeSystemMaintenance:    {rbac.PermConfigUpdate},
	TypeSharesIssuance:       {rbac.PermSharesIssue},
	TypeLimitOverride:        {rbac.PermLimitsOverride},
}

// BuildChain derives the approval requirement for a workflow. The result is
// a value copy; callers may not mutate the shared table through it.
func BuildChain(t Type, level risk.Level) ChainSpec {
	spec, ok := chainTable[level]
	if !ok {
		spec = chainTable[risk.LevelLow]
	}
	if extra, ok := typePermissions[t]; ok {
		spec.RequiredPermissions = append([]rbac.Permission(nil), extra...)
	}
	spec.EligibleRoles = append([]rbac.Role(nil), spec.EligibleRoles...)
	return spec
}
