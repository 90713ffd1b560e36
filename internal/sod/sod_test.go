package sod

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/rbac"
)

func newTestDetector(t *testing.T) (*Detector, *events.MemorySink) {
	t.Helper()
	sink := events.NewMemorySink()
	emitter := events.NewEmitter(sink, slog.Default()).Sync()
	d := NewDetector(NewMemoryStore(), NewMemoryHistory(time.Hour, 1000), emitter, slog.Default())
	return d, sink
}

func seedRule(t *testing.T, d *Detector, r *SegregationRule) *SegregationRule {
	t.Helper()
	r.Active = true
	if r.Scope == "" {
		r.Scope = rbac.ScopeGlobal
	}
	if r.Enforcement.Alert == "" {
		r.Enforcement.Alert = AlertMedium
	}
	require.NoError(t, d.CreateRule(context.Background(), r))
	return r
}

func op(actor, action string) *OperationContext {
	return &OperationContext{
		ActorID: actor,
		Action:  action,
		Scope:   rbac.ScopeOrganization,
		OrgID:   "org_1",
		Roles:   []rbac.Role{rbac.RoleTreasurer},
	}
}

func TestSameActorConflict(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "disburse vs approve",
		First:     OperationSignature{Action: "loan.approve"},
		Second:    OperationSignature{Action: "loan.disburse"},
		Predicate: PredicateSameActor,
	})

	ctx := context.Background()
	vs, err := d.Check(ctx, op("p_alice", "loan.approve"))
	require.NoError(t, err)
	assert.Empty(t, vs, "first operation has no counterpart yet")

	vs, err = d.Check(ctx, op("p_alice", "loan.disburse"))
	require.NoError(t, err)
	require.Len(t, vs, 1, "same actor on both sides is exactly one violation")
	assert.Equal(t, "loan.approve", vs[0].Prior.Action)
	assert.Equal(t, "p_alice", vs[0].Prior.ActorID)
}

func TestDifferentActorsNoConflict(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "disburse vs approve",
		First:     OperationSignature{Action: "loan.approve"},
		Second:    OperationSignature{Action: "loan.disburse"},
		Predicate: PredicateSameActor,
	})

	ctx := context.Background()
	_, err := d.Check(ctx, op("p_alice", "loan.approve"))
	require.NoError(t, err)

	vs, err := d.Check(ctx, op("p_bob", "loan.disburse"))
	require.NoError(t, err)
	assert.Empty(t, vs, "different actors do not trip a same_actor rule")
}

func TestCheckExcludesCurrentOperation(t *testing.T) {
	// A rule pairing an action with itself must not flag the operation
	// against its own history entry.
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "repeat withdrawal",
		First:     OperationSignature{Action: "withdrawal"},
		Second:    OperationSignature{Action: "withdrawal"},
		Predicate: PredicateSameActor,
	})

	ctx := context.Background()
	vs, err := d.Check(ctx, op("p_alice", "withdrawal"))
	require.NoError(t, err)
	assert.Empty(t, vs)

	vs, err = d.Check(ctx, op("p_alice", "withdrawal"))
	require.NoError(t, err)
	assert.Len(t, vs, 1, "second withdrawal conflicts with the first only")
}

func TestSameRolePredicate(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "role overlap",
		First:     OperationSignature{Action: "config.change"},
		Second:    OperationSignature{Action: "config.apply"},
		Predicate: PredicateSameRole,
	})

	ctx := context.Background()
	first := op("p_alice", "config.change")
	first.Roles = []rbac.Role{rbac.RoleSaccoAdmin}
	_, err := d.Check(ctx, first)
	require.NoError(t, err)

	second := op("p_bob", "config.apply")
	second.Roles = []rbac.Role{rbac.RoleSaccoAdmin, rbac.RoleMember}
	vs, err := d.Check(ctx, second)
	require.NoError(t, err)
	assert.Len(t, vs, 1, "overlapping role counts even across actors")

	third := op("p_carol", "config.apply")
	third.Roles = []rbac.Role{rbac.RoleAuditor}
	vs, err = d.Check(ctx, third)
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestSameSessionPredicate(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "session pairing",
		First:     OperationSignature{Action: "transfer.initiate"},
		Second:    OperationSignature{Action: "transfer.confirm"},
		Predicate: PredicateSameSession,
	})

	ctx := context.Background()
	first := op("p_alice", "transfer.initiate")
	first.SessionID = "sess_1"
	_, err := d.Check(ctx, first)
	require.NoError(t, err)

	second := op("p_bob", "transfer.confirm")
	second.SessionID = "sess_1"
	vs, err := d.Check(ctx, second)
	require.NoError(t, err)
	assert.Len(t, vs, 1)

	// Missing session ids never match.
	third := op("p_carol", "transfer.confirm")
	vs, err = d.Check(ctx, third)
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestTimeWindowPredicate(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "rapid pair",
		First:     OperationSignature{Action: "limit.raise"},
		Second:    OperationSignature{Action: "withdrawal"},
		Predicate: PredicateTimeWindow,
		Window:    10 * time.Minute,
	})

	ctx := context.Background()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	first := op("p_alice", "limit.raise")
	first.At = base
	_, err := d.Check(ctx, first)
	require.NoError(t, err)

	inside := op("p_bob", "withdrawal")
	inside.At = base.Add(5 * time.Minute)
	vs, err := d.Check(ctx, inside)
	require.NoError(t, err)
	assert.Len(t, vs, 1, "within the window trips the rule")

	outside := op("p_carol", "withdrawal")
	outside.At = base.Add(11 * time.Minute)
	vs, err = d.Check(ctx, outside)
	require.NoError(t, err)
	assert.Empty(t, vs, "outside the window passes")
}

func TestSeverityDerivation(t *testing.T) {
	cases := []struct {
		enf  Enforcement
		want AlertLevel
	}{
		{Enforcement{Alert: AlertCritical}, AlertCritical},
		{Enforcement{Alert: AlertHigh, Block: true}, AlertHigh},
		{Enforcement{Alert: AlertLow, Block: true}, AlertHigh},
		{Enforcement{Alert: AlertLow, RequiresApproval: true}, AlertMedium},
		{Enforcement{Alert: AlertLow}, AlertLow},
	}
	for i, tc := range cases {
		r := &SegregationRule{Enforcement: tc.enf}
		assert.Equal(t, tc.want, r.Severity(), "case %d", i)
	}
}

func TestScopeMatching(t *testing.T) {
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "org_2 only",
		Scope:     rbac.ScopeOrganization,
		OrgID:     "org_2",
		First:     OperationSignature{Action: "a"},
		Second:    OperationSignature{Action: "b"},
		Predicate: PredicateSameActor,
	})

	ctx := context.Background()
	_, err := d.Check(ctx, op("p_alice", "a"))
	require.NoError(t, err)
	vs, err := d.Check(ctx, op("p_alice", "b"))
	require.NoError(t, err)
	assert.Empty(t, vs, "rule bound to org_2 ignores org_1 operations")
}

func TestInactiveRuleIgnored(t *testing.T) {
	d, _ := newTestDetector(t)
	r := seedRule(t, d, &SegregationRule{
		Name:      "toggled off",
		First:     OperationSignature{Action: "a"},
		Second:    OperationSignature{Action: "b"},
		Predicate: PredicateSameActor,
	})

	ctx := context.Background()
	_, err := d.SetActive(ctx, r.ID, false)
	require.NoError(t, err)

	_, err = d.Check(ctx, op("p_alice", "a"))
	require.NoError(t, err)
	vs, err := d.Check(ctx, op("p_alice", "b"))
	require.NoError(t, err)
	assert.Empty(t, vs)

	// Toggling back on makes the already-recorded history visible again.
	_, err = d.SetActive(ctx, r.ID, true)
	require.NoError(t, err)
	vs, err = d.Check(ctx, op("p_alice", "b"))
	require.NoError(t, err)
	assert.NotEmpty(t, vs)
}

func TestViolationEmitsEvent(t *testing.T) {
	d, sink := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:        "emits",
		First:       OperationSignature{Action: "a"},
		Second:      OperationSignature{Action: "b"},
		Predicate:   PredicateSameActor,
		Enforcement: Enforcement{Block: true, Alert: AlertHigh, Channels: []string{"sms"}},
	})

	ctx := context.Background()
	_, err := d.Check(ctx, op("p_alice", "a"))
	require.NoError(t, err)
	_, err = d.Check(ctx, op("p_alice", "b"))
	require.NoError(t, err)

	evts := sink.ByType(events.EventSoDViolation)
	require.Len(t, evts, 1)
	assert.Equal(t, "p_alice", evts[0].Data["actorId"])
	assert.Equal(t, []string{"sms"}, evts[0].Data["channels"])
}

func TestCreateRuleValidation(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()

	err := d.CreateRule(ctx, &SegregationRule{
		Name:      "missing side",
		First:     OperationSignature{Action: "a"},
		Predicate: PredicateSameActor,
	})
	assert.Error(t, err)

	err = d.CreateRule(ctx, &SegregationRule{
		Name:      "windowless",
		First:     OperationSignature{Action: "a"},
		Second:    OperationSignature{Action: "b"},
		Predicate: PredicateTimeWindow,
	})
	assert.Error(t, err, "time_window without a window is rejected")

	seedRule(t, d, &SegregationRule{
		Name:      "taken",
		First:     OperationSignature{Action: "a"},
		Second:    OperationSignature{Action: "b"},
		Predicate: PredicateSameActor,
	})
	err = d.CreateRule(ctx, &SegregationRule{
		Name:      "Taken",
		First:     OperationSignature{Action: "a"},
		Second:    OperationSignature{Action: "b"},
		Predicate: PredicateSameActor,
	})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestMemoryHistoryPruning(t *testing.T) {
	h := NewMemoryHistory(time.Hour, 3)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := context.Background()

	stale := op("p_old", "a")
	stale.At = now.Add(-2 * time.Hour)
	require.NoError(t, h.Append(ctx, stale))

	for i := 0; i < 4; i++ {
		fresh := op(fmt.Sprintf("p_%d", i), "a")
		fresh.At = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, h.Append(ctx, fresh))
	}

	got, err := h.Recent(ctx, "org/org_1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3, "size cap keeps the newest entries")
	assert.Equal(t, "p_1", got[0].ActorID, "stale and overflowed entries dropped")
}

func TestConcurrentChecksSameScope(t *testing.T) {
	// Two concurrent identical operations must not both slip past the
	// evaluate-then-append section: at least one sees the other.
	d, _ := newTestDetector(t)
	seedRule(t, d, &SegregationRule{
		Name:      "repeat",
		First:     OperationSignature{Action: "withdrawal"},
		Second:    OperationSignature{Action: "withdrawal"},
		Predicate: PredicateSameActor,
	})

	const n = 8
	var wg sync.WaitGroup
	violations := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vs, err := d.Check(context.Background(), op("p_alice", "withdrawal"))
			assert.NoError(t, err)
			violations[i] = len(vs)
		}(i)
	}
	wg.Wait()

	total := 0
	zero := 0
	for _, v := range violations {
		total += v
		if v == 0 {
			zero++
		}
	}
	assert.Equal(t, 1, zero, "exactly one check ran first and saw no conflict")
	assert.Equal(t, (n-1)*n/2, total, "each later check conflicts with every earlier one")
}
