package limits

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/rbac"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func testPrincipal(role rbac.Role, orgID string) *rbac.Principal {
	return &rbac.Principal{
		ID:         "p_test",
		SystemRole: rbac.RoleMember,
		Memberships: []rbac.Membership{
			{GroupID: orgID, Kind: rbac.KindOrganization, Role: role, Active: true, JoinedAt: time.Now()},
		},
	}
}

func newTestService(t *testing.T, usage UsageProvider) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	emitter := events.NewEmitter(events.NewMemorySink(), slog.Default()).Sync()
	svc := NewService(store, usage, rbac.NewResolver(), emitter, slog.Default())
	return svc, store
}

func seedLimit(t *testing.T, svc *Service, l *TransactionLimit) *TransactionLimit {
	t.Helper()
	if l.Currency == "" {
		l.Currency = "KES"
	}
	l.Active = true
	require.NoError(t, svc.CreateLimit(context.Background(), l))
	return l
}

func TestCheckPerTransactionBoundary(t *testing.T) {
	svc, _ := newTestService(t, nil)
	seedLimit(t, svc, &TransactionLimit{
		Name:   "global withdrawal cap",
		Scope:  rbac.ScopeGlobal,
		Values: Values{MaxPerTransaction: 10_000},
	})
	p := testPrincipal(rbac.RoleTreasurer, "org_1")

	in := CheckInput{
		Principal: p, Amount: 10_000, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	}
	res, err := svc.Check(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, res.Violations, "amount equal to the ceiling passes")
	assert.True(t, res.CanProceed)

	in.Amount = 10_001
	res, err = svc.Check(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "max_per_transaction", res.Violations[0].Rule)
	assert.False(t, res.CanProceed, "no override policy means a hard block")
	assert.False(t, res.RequiresApproval)
}

func TestCheckOverridableLimitDemandsApproval(t *testing.T) {
	svc, _ := newTestService(t, nil)
	seedLimit(t, svc, &TransactionLimit{
		Name:  "overridable cap",
		Scope: rbac.ScopeGlobal,
		Values: Values{
			MaxPerTransaction: 10_000,
		},
		Override: OverridePolicy{
			Allowed:          true,
			Roles:            []rbac.Role{rbac.RoleTreasurer},
			Permissions:      []rbac.Permission{rbac.PermLimitsOverride},
			RequiresApproval: true,
		},
	})
	// Treasurer role plus an explicit limits.override custom grant.
	p := testPrincipal(rbac.RoleTreasurer, "org_1")
	p.Memberships[0].CustomGrants = []rbac.Permission{rbac.PermLimitsOverride}

	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 10_001, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.True(t, res.CanProceed, "overridable violation proceeds pending approval")
	assert.True(t, res.RequiresApproval)
	assert.True(t, res.Violations[0].Overridable)
}

func TestCheckOverrideNeedsRoleAndPermission(t *testing.T) {
	svc, _ := newTestService(t, nil)
	seedLimit(t, svc, &TransactionLimit{
		Name:   "admin override only",
		Scope:  rbac.ScopeGlobal,
		Values: Values{MaxPerTransaction: 5_000},
		Override: OverridePolicy{
			Allowed:     true,
			Roles:       []rbac.Role{rbac.RoleSaccoAdmin},
			Permissions: []rbac.Permission{rbac.PermLimitsOverride},
		},
	})

	// A secretary holds neither the override role nor the permission.
	p := testPrincipal(rbac.RoleSecretary, "org_1")
	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 6_000, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.False(t, res.CanProceed)
	assert.False(t, res.Violations[0].Overridable)
}

func TestCheckSeverityLadder(t *testing.T) {
	cases := []struct {
		overage float64
		want    Severity
	}{
		{10, SeverityLow},
		{25, SeverityMedium},
		{49.9, SeverityMedium},
		{50, SeverityHigh},
		{99.9, SeverityHigh},
		{100, SeverityCritical},
		{400, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SeverityOf(tc.overage), "overage %v%%", tc.overage)
	}
}

type fixedUsage struct{ u Usage }

func (f fixedUsage) Usage(context.Context, string, rbac.Scope, string, string) (Usage, error) {
	return f.u, nil
}

func TestCheckPeriodicProjection(t *testing.T) {
	svc, _ := newTestService(t, fixedUsage{Usage{DailyTotal: 9_500, DailyCount: 4}})
	seedLimit(t, svc, &TransactionLimit{
		Name:  "daily ceilings",
		Scope: rbac.ScopeGlobal,
		Values: Values{
			MaxPerTransaction: 100_000,
			DailyTotal:        f64(10_000),
			DailyCount:        intp(5),
		},
	})
	p := testPrincipal(rbac.RoleTreasurer, "org_1")

	// 9500 used + 400 candidate stays under both ceilings.
	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 400, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations)

	// 9500 + 600 breaches the daily total but not the count.
	res, err = svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 600, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "daily_total", res.Violations[0].Rule)
}

func TestCheckCountCeiling(t *testing.T) {
	svc, _ := newTestService(t, fixedUsage{Usage{DailyCount: 5}})
	seedLimit(t, svc, &TransactionLimit{
		Name:   "count cap",
		Scope:  rbac.ScopeGlobal,
		Values: Values{MaxPerTransaction: 100_000, DailyCount: intp(5)},
	})
	p := testPrincipal(rbac.RoleTreasurer, "org_1")

	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 100, Currency: "KES",
		OperationType: "deposit", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "daily_count", res.Violations[0].Rule)
}

func TestCheckApplicabilityFilters(t *testing.T) {
	svc, _ := newTestService(t, nil)

	seedLimit(t, svc, &TransactionLimit{
		Name:                 "withdrawals for treasurers of org_2",
		Scope:                rbac.ScopeOrganization,
		OrgID:                "org_2",
		ApplicableRoles:      []rbac.Role{rbac.RoleTreasurer},
		ApplicableOperations: []string{"withdrawal"},
		Values:               Values{MaxPerTransaction: 1_000},
	})
	seedLimit(t, svc, &TransactionLimit{
		Name:     "usd only",
		Scope:    rbac.ScopeGlobal,
		Currency: "USD",
		Values:   Values{MaxPerTransaction: 1},
	})

	p := testPrincipal(rbac.RoleTreasurer, "org_1")
	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 50_000, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations, "org_2 and USD limits do not bind org_1 KES operations")

	// Same operation inside org_2 binds.
	p2 := testPrincipal(rbac.RoleTreasurer, "org_2")
	res, err = svc.Check(context.Background(), CheckInput{
		Principal: p2, Amount: 50_000, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_2",
	})
	require.NoError(t, err)
	assert.Len(t, res.Violations, 1)

	// A deposit by the same treasurer is outside the limit's operations.
	res, err = svc.Check(context.Background(), CheckInput{
		Principal: p2, Amount: 50_000, Currency: "KES",
		OperationType: "deposit", Scope: rbac.ScopeOrganization, OrgID: "org_2",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
}

func TestCheckValidityWindow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	until := now.Add(-time.Hour)
	l := seedLimit(t, svc, &TransactionLimit{
		Name:      "expired limit",
		Scope:     rbac.ScopeGlobal,
		Values:    Values{MaxPerTransaction: 1},
		ValidFrom: now.Add(-48 * time.Hour),
	})
	l.ValidUntil = &until
	require.NoError(t, svc.UpdateLimit(context.Background(), l))

	p := testPrincipal(rbac.RoleTreasurer, "org_1")
	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 1_000_000, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopeOrganization, OrgID: "org_1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations, "limits outside their validity window never bind")
}

func TestCheckPersonalScope(t *testing.T) {
	svc, _ := newTestService(t, nil)
	seedLimit(t, svc, &TransactionLimit{
		Name:        "personal cap for p_test",
		Scope:       rbac.ScopePersonal,
		PrincipalID: "p_test",
		Values:      Values{MaxPerTransaction: 500},
	})

	p := testPrincipal(rbac.RoleMember, "org_1")
	res, err := svc.Check(context.Background(), CheckInput{
		Principal: p, Amount: 600, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopePersonal,
	})
	require.NoError(t, err)
	assert.Len(t, res.Violations, 1)

	other := &rbac.Principal{ID: "p_other", SystemRole: rbac.RoleMember}
	res, err = svc.Check(context.Background(), CheckInput{
		Principal: other, Amount: 600, Currency: "KES",
		OperationType: "withdrawal", Scope: rbac.ScopePersonal,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Violations, "personal limits bind only their principal")
}

func TestCreateLimitRejectsDuplicateName(t *testing.T) {
	svc, _ := newTestService(t, nil)
	seedLimit(t, svc, &TransactionLimit{
		Name: "cap", Scope: rbac.ScopeGlobal, Values: Values{MaxPerTransaction: 1},
	})

	dup := &TransactionLimit{
		Name: "CAP", Scope: rbac.ScopeGlobal, Currency: "KES", Active: true,
		Values: Values{MaxPerTransaction: 2},
	}
	err := svc.CreateLimit(context.Background(), dup)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l := &TransactionLimit{ID: "lim_1", Name: "a", Scope: rbac.ScopeGlobal, Active: true}
	require.NoError(t, store.Create(ctx, l))

	got, err := store.Get(ctx, "lim_1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	// Mutating the returned copy does not affect the stored record.
	got.Name = "mutated"
	again, err := store.Get(ctx, "lim_1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name)

	require.NoError(t, store.Delete(ctx, "lim_1"))
	_, err = store.Get(ctx, "lim_1")
	assert.ErrorIs(t, err, ErrLimitNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "lim_1"), ErrLimitNotFound)
}
