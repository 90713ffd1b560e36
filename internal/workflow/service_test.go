package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/limits"
	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
	"github.com/mwalimu/saccoguard/internal/sod"
)

// memProvider is an in-memory principal directory.
type memProvider struct {
	mu         sync.RWMutex
	principals map[string]*rbac.Principal
}

func newMemProvider() *memProvider {
	return &memProvider{principals: make(map[string]*rbac.Principal)}
}

func (m *memProvider) add(p *rbac.Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[p.ID] = p
}

func (m *memProvider) Principal(_ context.Context, id string) (*rbac.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, rbac.ErrPrincipalNotFound
	}
	return p, nil
}

// countingExecutor records hand-offs and optionally fails.
type countingExecutor struct {
	calls atomic.Int32
	fail  bool
}

func (e *countingExecutor) Execute(_ context.Context, w *ApprovalWorkflow) (string, error) {
	e.calls.Add(1)
	if e.fail {
		return "", errors.New("downstream ledger unavailable")
	}
	return "tx_" + w.ID, nil
}

type harness struct {
	service   *Service
	store     *MemoryStore
	provider  *memProvider
	detector  *sod.Detector
	limiter   *limits.Service
	scorer    *risk.Scorer
	executor  *countingExecutor
	sink      *events.MemorySink
	nowMu     sync.Mutex
	currentAt time.Time
}

func (h *harness) now() time.Time {
	h.nowMu.Lock()
	defer h.nowMu.Unlock()
	return h.currentAt
}

func (h *harness) advance(d time.Duration) {
	h.nowMu.Lock()
	defer h.nowMu.Unlock()
	h.currentAt = h.currentAt.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	sink := events.NewMemorySink()
	emitter := events.NewEmitter(sink, logger).Sync()
	resolver := rbac.NewResolver()
	provider := newMemProvider()

	h := &harness{
		store:    NewMemoryStore(),
		provider: provider,
		sink:     sink,
		executor: &countingExecutor{},
		// Tuesday noon UTC: unremarkable time pattern.
		currentAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}

	h.detector = sod.NewDetector(sod.NewMemoryStore(), sod.NewMemoryHistory(48*time.Hour, 1000), emitter, logger).
		WithClock(h.now)
	h.limiter = limits.NewService(limits.NewMemoryStore(), nil, resolver, emitter, logger).
		WithClock(h.now)
	h.scorer = risk.NewScorer(emitter, logger).WithClock(h.now)

	h.service = NewService(h.store, provider, resolver, h.detector, h.limiter, h.scorer, emitter, logger).
		WithExecutor(h.executor).
		WithClock(h.now)
	return h
}

func principal(id string, system rbac.Role, orgRole rbac.Role, orgID string) *rbac.Principal {
	p := &rbac.Principal{ID: id, SystemRole: system}
	if orgRole != "" {
		p.Memberships = []rbac.Membership{{
			GroupID:  orgID,
			Kind:     rbac.KindOrganization,
			Role:     orgRole,
			Active:   true,
			JoinedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}}
	}
	return p
}

func amountPtr(v float64) *float64 { return &v }

// lowRiskRequest produces a LOW-risk financial workflow: amount 150000 scores
// 80, frequency and profile score 10, time pattern 20, total 30.
func lowRiskRequest(initiatorID string) InitiateRequest {
	return InitiateRequest{
		InitiatorID: initiatorID,
		Type:        TypeFinancialTransaction,
		Scope:       rbac.ScopeOrganization,
		OrgID:       "org_1",
		Payload: OperationPayload{
			Action:      "withdrawal",
			Amount:      amountPtr(150_000),
			Currency:    "KES",
			Description: "branch float replenishment",
		},
	}
}

// highRiskRequest pushes the weighted score into the HIGH band.
func highRiskRequest(initiatorID string) InitiateRequest {
	req := lowRiskRequest(initiatorID)
	req.Payload.Amount = amountPtr(1_000_000)
	req.Profile = risk.ProfileCritical
	req.Geography = risk.GeoHighRisk
	return req
}

func TestInitiateLowRisk(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, risk.LevelLow, w.RiskLevel)
	assert.InDelta(t, 30.0, w.RiskScore, 1e-9)
	assert.Equal(t, 1, w.Chain.RequiredApprovals)
	assert.True(t, w.Chain.AllowSelfApproval)
	assert.Equal(t, h.now().UTC().Add(8*time.Hour), w.ExpiresAt)

	evts := h.sink.ByType(events.EventWorkflowInitiated)
	require.Len(t, evts, 1)
	assert.Equal(t, w.ID, evts[0].Data["workflowId"])
}

func TestInitiateHighRiskChain(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), highRiskRequest("p_maker"))
	require.NoError(t, err)

	assert.Equal(t, risk.LevelHigh, w.RiskLevel)
	assert.Equal(t, 2, w.Chain.RequiredApprovals)
	assert.False(t, w.Chain.AllowSelfApproval)
	assert.Equal(t, h.now().UTC().Add(24*time.Hour), w.ExpiresAt)
}

func TestInitiatePermissionDenied(t *testing.T) {
	h := newHarness(t)
	// A plain member cannot initiate financial transfers.
	h.provider.add(principal("p_nobody", rbac.RoleMember, rbac.RoleMember, "org_1"))

	_, err := h.service.Initiate(context.Background(), lowRiskRequest("p_nobody"))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	all, err := h.store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no partial workflow on failed initiation")
}

func TestInitiateSoDBlocked(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	require.NoError(t, h.detector.CreateRule(context.Background(), &sod.SegregationRule{
		Name:        "raise then withdraw",
		Scope:       rbac.ScopeGlobal,
		First:       sod.OperationSignature{Action: "limit.raise"},
		Second:      sod.OperationSignature{Action: "withdrawal"},
		Predicate:   sod.PredicateSameActor,
		Enforcement: sod.Enforcement{Block: true, Alert: sod.AlertHigh},
		Active:      true,
	}))

	require.NoError(t, h.detector.Record(context.Background(), &sod.OperationContext{
		ActorID: "p_maker",
		Action:  "limit.raise",
		Scope:   rbac.ScopeOrganization,
		OrgID:   "org_1",
		At:      h.now(),
	}))

	_, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	assert.ErrorIs(t, err, ErrSoDBlocked)

	all, _ := h.store.List(context.Background(), ListFilter{})
	assert.Empty(t, all)
}

func TestInitiateLimitBlocked(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	require.NoError(t, h.limiter.CreateLimit(context.Background(), &limits.TransactionLimit{
		Name:     "hard cap",
		Scope:    rbac.ScopeGlobal,
		Currency: "KES",
		Values:   limits.Values{MaxPerTransaction: 100_000},
		Active:   true,
	}))

	_, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	all, _ := h.store.List(context.Background(), ListFilter{})
	assert.Empty(t, all)
}

func TestApproveToCompletion(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_checker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	w, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_checker",
		Decision:   DecisionApproved,
		Comment:    "verified against the float register",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, w.Status)
	require.Len(t, w.Approvals, 1)
	assert.Equal(t, rbac.RoleTreasurer, w.Approvals[0].ApproverRole)
	assert.Equal(t, int32(1), h.executor.calls.Load())

	stored, err := h.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Execution)
	assert.True(t, stored.Execution.Success)
	assert.Equal(t, "tx_"+w.ID, stored.Execution.TransactionID)
}

func TestRejectionTerminates(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_a", rbac.RoleMember, rbac.RoleSaccoAdmin, "org_1"))
	h.provider.add(principal("p_b", rbac.RoleMember, rbac.RoleChairperson, "org_1"))

	w, err := h.service.Initiate(context.Background(), highRiskRequest("p_maker"))
	require.NoError(t, err)

	w, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_a",
		Decision:   DecisionRejected,
		Comment:    "counterparty unverified",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, w.Status)
	assert.Zero(t, h.executor.calls.Load())

	// No further decisions are accepted.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_b",
		Decision:   DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDuplicateApprovalRejected(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_a", rbac.RoleMember, rbac.RoleSaccoAdmin, "org_1"))

	w, err := h.service.Initiate(context.Background(), highRiskRequest("p_maker"))
	require.NoError(t, err)

	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_a", Decision: DecisionApproved,
	})
	require.NoError(t, err)

	// A second decision from the same approver is rejected regardless of
	// its value.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_a", Decision: DecisionRejected,
	})
	assert.ErrorIs(t, err, ErrDuplicateApproval)
}

func TestSelfApprovalByChainPolicy(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	// LOW tier allows self-approval; the treasurer both makes and checks.
	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)
	w, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_maker", Decision: DecisionApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, w.Status)

	// HIGH tier forbids it.
	w2, err := h.service.Initiate(context.Background(), highRiskRequest("p_maker"))
	require.NoError(t, err)
	_, err = h.service.SubmitApproval(context.Background(), w2.ID, ApprovalRequest{
		ApproverID: "p_maker", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrSelfApproval)
}

func TestApproverEligibility(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_auditor", rbac.RoleMember, rbac.RoleAuditor, "org_1"))
	h.provider.add(principal("p_other_org", rbac.RoleMember, rbac.RoleTreasurer, "org_2"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	// Auditors are not in the LOW tier's eligible roles.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_auditor", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// A treasurer of a different organization holds no role in this scope.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_other_org", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestExpiryDetectedOnApproval(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_checker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	h.advance(9 * time.Hour) // past the LOW tier's 8h timeout

	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_checker", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrWorkflowExpired)

	stored, err := h.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status, "expiry transition happens as a side effect of the check")

	// And nothing can be appended afterwards.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_checker", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestExpiryDetectedOnRead(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	h.advance(9 * time.Hour)

	got, err := h.service.Get(context.Background(), w.ID, "p_maker")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestExpirySweep(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	h.advance(9 * time.Hour)

	timer := NewTimer(h.service, h.store, time.Minute, slog.Default())
	timer.sweep(context.Background())

	stored, err := h.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Len(t, h.sink.ByType(events.EventWorkflowExpired), 1)
}

func TestCancelRules(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_checker", rbac.RoleMember, rbac.RoleSecretary, "org_1"))
	h.provider.add(principal("p_root", rbac.RoleSystemAdmin, "", ""))

	// A bystander cannot cancel.
	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)
	_, err = h.service.Cancel(context.Background(), w.ID, "p_checker", "nope")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The initiator can.
	cancelled, err := h.service.Cancel(context.Background(), w.ID, "p_maker", "fat-fingered the amount")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "fat-fingered the amount", cancelled.CancelReason)

	// Cancelling a non-PENDING workflow is a state error.
	_, err = h.service.Cancel(context.Background(), w.ID, "p_maker", "again")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// A system administrator can cancel someone else's workflow.
	w2, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)
	_, err = h.service.Cancel(context.Background(), w2.ID, "p_root", "policy hold")
	require.NoError(t, err)
}

func TestGetAccessControl(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_member", rbac.RoleMember, rbac.RoleMember, "org_1"))
	h.provider.add(principal("p_stranger", rbac.RoleMember, rbac.RoleMember, "org_2"))
	h.provider.add(principal("p_root", rbac.RoleSystemAdmin, "", ""))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	for _, id := range []string{"p_maker", "p_member", "p_root"} {
		_, err := h.service.Get(context.Background(), w.ID, id)
		assert.NoError(t, err, "requester %s", id)
	}

	_, err = h.service.Get(context.Background(), w.ID, "p_stranger")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSequentialOrdering(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_root", rbac.RoleSystemAdmin, "", ""))
	h.provider.add(principal("p_admin1", rbac.RoleMember, rbac.RoleSaccoAdmin, "org_1"))
	h.provider.add(principal("p_admin2", rbac.RoleMember, rbac.RoleSaccoAdmin, "org_1"))

	// Push the weighted score past the CRITICAL threshold: amount 100,
	// profile 95, geography 95, counterparty 90, holiday time pattern 50,
	// and a 5-operation trailing day for the frequency factor.
	for i := 0; i < 5; i++ {
		h.scorer.RecordOperation("p_maker")
	}
	req := highRiskRequest("p_maker")
	req.Counterparty = risk.CounterpartyFlagged
	req.Holiday = true
	w, err := h.service.Initiate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, risk.LevelCritical, w.RiskLevel)
	require.True(t, w.Chain.Sequential)
	require.Equal(t, 3, w.Chain.RequiredApprovals)

	// Admin before the system administrator breaks seniority ordering.
	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_admin1", Decision: DecisionApproved,
	})
	require.NoError(t, err, "first slot accepts any eligible role")

	_, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_root", Decision: DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrApprovalOutOfOrder, "a more senior role cannot follow a junior one")

	w, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_admin2", Decision: DecisionApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status, "two of three approvals collected")
}

func TestConcurrentApprovalsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	const approvers = 6
	ids := make([]string, approvers)
	for i := range ids {
		ids[i] = fmt.Sprintf("p_approver_%d", i)
		h.provider.add(principal(ids[i], rbac.RoleMember, rbac.RoleSaccoAdmin, "org_1"))
	}

	w, err := h.service.Initiate(context.Background(), highRiskRequest("p_maker"))
	require.NoError(t, err)
	require.Equal(t, 2, w.Chain.RequiredApprovals)

	var wg sync.WaitGroup
	var approvedSeen atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
				ApproverID: id, Decision: DecisionApproved,
			})
			if err == nil && res.Status == StatusApproved {
				approvedSeen.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), approvedSeen.Load(), "exactly one submission completes the workflow")
	assert.Equal(t, int32(1), h.executor.calls.Load(), "execution hand-off happens exactly once")

	stored, err := h.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Len(t, stored.Approvals, 2, "decisions stop accumulating at the terminal transition")
}

func TestExecutionFailureRecordedNotReverted(t *testing.T) {
	h := newHarness(t)
	h.executor.fail = true
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_checker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))

	w, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	w, err = h.service.SubmitApproval(context.Background(), w.ID, ApprovalRequest{
		ApproverID: "p_checker", Decision: DecisionApproved,
	})
	require.NoError(t, err, "the approval call itself succeeds")
	assert.Equal(t, StatusApproved, w.Status, "APPROVED is not reverted on execution failure")

	stored, err := h.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Execution)
	assert.False(t, stored.Execution.Success)
	assert.Contains(t, stored.Execution.Error, "ledger unavailable")
	assert.Len(t, h.sink.ByType(events.EventExecutionFailed), 1)
}

func TestListPendingFor(t *testing.T) {
	h := newHarness(t)
	h.provider.add(principal("p_maker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_checker", rbac.RoleMember, rbac.RoleTreasurer, "org_1"))
	h.provider.add(principal("p_stranger", rbac.RoleMember, rbac.RoleMember, "org_1"))

	w1, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)
	w2, err := h.service.Initiate(context.Background(), lowRiskRequest("p_maker"))
	require.NoError(t, err)

	pending, err := h.service.ListPendingFor(context.Background(), "p_checker", 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Deciding one removes it from the checker's queue.
	_, err = h.service.SubmitApproval(context.Background(), w1.ID, ApprovalRequest{
		ApproverID: "p_checker", Decision: DecisionApproved,
	})
	require.NoError(t, err)
	pending, err = h.service.ListPendingFor(context.Background(), "p_checker", 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, w2.ID, pending[0].ID)

	// An ineligible member sees nothing.
	pending, err = h.service.ListPendingFor(context.Background(), "p_stranger", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Pagination.
	page, err := h.service.ListPendingFor(context.Background(), "p_maker", 1, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestConditionalUpdateLosesRace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w := &ApprovalWorkflow{ID: "wf_1", Status: StatusPending}
	require.NoError(t, store.Create(ctx, w))

	first := *w
	first.Status = StatusApproved
	require.NoError(t, store.Update(ctx, &first, StatusPending))

	second := *w
	second.Status = StatusCancelled
	err := store.Update(ctx, &second, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidStatus, "the losing transition is refused")

	err = store.Update(ctx, &ApprovalWorkflow{ID: "wf_missing"}, StatusPending)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}
