package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/idgen"
	"github.com/mwalimu/saccoguard/internal/limits"
	"github.com/mwalimu/saccoguard/internal/metrics"
	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
	"github.com/mwalimu/saccoguard/internal/sod"
	"github.com/mwalimu/saccoguard/internal/traces"
)

// initiatePermissions maps each workflow type to the permission the
// initiator must hold in the workflow's scope.
var initiatePermissions = map[Type]rbac.Permission{
	TypeFinancialTransaction: rbac.PermFinanceTransfer,
	TypeLoanApproval:         rbac.PermLoansApply,
	TypeMemberManagement:     rbac.PermMembersManage,
	TypeConfigurationChange:  rbac.PermConfigUpdate,
	TypeSharesIssuance:       rbac.PermSharesIssue,
	TypeOnboarding:           rbac.PermMembersInvite,
	TypeAccountClosure:       rbac.PermAccountClose,
	TypeLimitOverride:        rbac.PermLimitsOverride,
	TypeSystemMaintenance:    rbac.PermSystemMaintain,
}

// Service is the workflow state machine. All status transitions run under a
// per-workflow mutex plus a conditional store update, so a workflow reaches
// a terminal state at most once and execution is handed off at most once.
type Service struct {
	store      Store
	principals rbac.Provider
	resolver   *rbac.Resolver
	detector   *sod.Detector
	limiter    *limits.Service
	scorer     *risk.Scorer
	executor   Executor
	emitter    *events.Emitter
	logger     *slog.Logger
	locks      sync.Map // per-workflow ID locks
	now        func() time.Time
}

func NewService(
	store Store,
	principals rbac.Provider,
	resolver *rbac.Resolver,
	detector *sod.Detector,
	limiter *limits.Service,
	scorer *risk.Scorer,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:      store,
		principals: principals,
		resolver:   resolver,
		detector:   detector,
		limiter:    limiter,
		scorer:     scorer,
		executor:   NoopExecutor{},
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithExecutor replaces the operation executor.
func (s *Service) WithExecutor(e Executor) *Service {
	s.executor = e
	return s
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// workflowLock returns the mutex for the given workflow ID.
func (s *Service) workflowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InitiateRequest carries everything needed to open a workflow.
type InitiateRequest struct {
	InitiatorID string
	Type        Type
	Scope       rbac.Scope
	OrgID       string
	GroupID     string
	SessionID   string
	Payload     OperationPayload

	// Optional risk signals the caller may supply.
	Profile      risk.Profile
	Geography    risk.Geography
	Counterparty risk.Counterparty
	Holiday      bool
}

// Initiate runs the full control sequence: permission check, segregation
// check, limit check, risk scoring, chain build. Any failure aborts before a
// workflow record exists; on success a PENDING workflow is persisted with
// its expiry set from the chain timeout.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*ApprovalWorkflow, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.Initiate",
		traces.Principal(req.InitiatorID),
		traces.WorkflowType(string(req.Type)),
		traces.Scope(string(req.Scope)),
	)
	defer span.End()

	if !IsKnownType(req.Type) {
		return nil, fmt.Errorf("unknown workflow type %q", req.Type)
	}

	initiator, err := s.principals.Principal(ctx, req.InitiatorID)
	if err != nil {
		return nil, fmt.Errorf("loading initiator %s: %w", req.InitiatorID, err)
	}

	perms := s.resolver.Resolve(initiator, req.Scope, req.OrgID, req.GroupID)
	if need := initiatePermissions[req.Type]; !perms.Has(need) {
		return nil, fmt.Errorf("initiator lacks %s: %w", need, ErrPermissionDenied)
	}

	roles := s.resolver.RolesInScope(initiator, req.Scope, req.OrgID, req.GroupID)
	violations, err := s.detector.Check(ctx, &sod.OperationContext{
		ActorID:   initiator.ID,
		Action:    req.Payload.Action,
		Roles:     roles,
		Scope:     req.Scope,
		OrgID:     req.OrgID,
		GroupID:   req.GroupID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("segregation check: %w", err)
	}
	for _, v := range violations {
		if v.Block {
			return nil, fmt.Errorf("rule %s: %w", v.RuleName, ErrSoDBlocked)
		}
	}

	if req.Payload.Amount != nil {
		check, err := s.limiter.Check(ctx, limits.CheckInput{
			Principal:     initiator,
			Amount:        *req.Payload.Amount,
			Currency:      req.Payload.Currency,
			OperationType: req.Payload.Action,
			Scope:         req.Scope,
			OrgID:         req.OrgID,
			GroupID:       req.GroupID,
		})
		if err != nil {
			return nil, fmt.Errorf("limit check: %w", err)
		}
		if !check.CanProceed {
			return nil, fmt.Errorf("%d violation(s): %w", len(check.Violations), ErrLimitExceeded)
		}
	}

	factors := risk.Factors{
		PrincipalID:  initiator.ID,
		Profile:      s.profileOrDefault(req.Profile),
		At:           s.now(),
		Holiday:      req.Holiday,
		Geography:    req.Geography,
		Counterparty: req.Counterparty,
	}
	if req.Payload.Amount != nil {
		factors.Amount = *req.Payload.Amount
		factors.Currency = req.Payload.Currency
	}
	assessment := s.scorer.Assess(ctx, factors)
	s.scorer.RecordOperation(initiator.ID)

	chain := BuildChain(req.Type, assessment.Level)
	now := s.now().UTC()
	w := &ApprovalWorkflow{
		ID:          idgen.WithPrefix("wf_"),
		Type:        req.Type,
		InitiatorID: initiator.ID,
		Scope:       req.Scope,
		OrgID:       req.OrgID,
		GroupID:     req.GroupID,
		RiskLevel:   assessment.Level,
		RiskScore:   assessment.Score,
		Status:      StatusPending,
		Payload:     req.Payload,
		Chain:       chain,
		ExpiresAt:   now.Add(chain.Timeout),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("creating workflow: %w", err)
	}

	span.SetAttributes(traces.WorkflowID(w.ID), traces.RiskLevel(string(w.RiskLevel)))
	metrics.WorkflowsInitiatedTotal.WithLabelValues(string(w.Type), string(w.RiskLevel)).Inc()
	metrics.PendingWorkflows.Inc()

	s.logger.InfoContext(ctx, "workflow initiated",
		"workflow_id", w.ID,
		"type", w.Type,
		"initiator_id", w.InitiatorID,
		"risk_level", w.RiskLevel,
		"required_approvals", chain.RequiredApprovals,
		"expires_at", w.ExpiresAt)
	s.emitter.Emit(events.EventWorkflowInitiated, map[string]any{
		"workflowId":        w.ID,
		"type":              w.Type,
		"initiatorId":       w.InitiatorID,
		"riskLevel":         w.RiskLevel,
		"requiredApprovals": chain.RequiredApprovals,
	})
	return w, nil
}

func (s *Service) profileOrDefault(p risk.Profile) risk.Profile {
	if p == "" {
		return risk.ProfileLow
	}
	return p
}

// ApprovalRequest is one approver's submission.
type ApprovalRequest struct {
	ApproverID string
	Decision   Decision
	Comment    string
	Metadata   map[string]string
}

// SubmitApproval appends a decision and evaluates completion. Any rejection
// terminates the workflow REJECTED; once approvals reach the required count
// the workflow is APPROVED and handed to the executor exactly once.
// Execution failure is recorded on the workflow, not reverted.
func (s *Service) SubmitApproval(ctx context.Context, workflowID string, req ApprovalRequest) (*ApprovalWorkflow, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.SubmitApproval",
		traces.WorkflowID(workflowID),
		traces.Principal(req.ApproverID),
	)
	defer span.End()

	if req.Decision != DecisionApproved && req.Decision != DecisionRejected {
		return nil, fmt.Errorf("unknown decision %q", req.Decision)
	}

	lock := s.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, fmt.Errorf("workflow is %s: %w", w.Status, ErrInvalidStatus)
	}

	now := s.now().UTC()
	if w.ExpiredAt(now) {
		if err := s.expireLocked(ctx, w); err != nil {
			return nil, err
		}
		return nil, ErrWorkflowExpired
	}

	approver, err := s.principals.Principal(ctx, req.ApproverID)
	if err != nil {
		return nil, fmt.Errorf("loading approver %s: %w", req.ApproverID, err)
	}
	role, err := s.eligibleRole(approver, w)
	if err != nil {
		return nil, err
	}
	if approver.ID == w.InitiatorID && !w.Chain.AllowSelfApproval {
		return nil, ErrSelfApproval
	}
	if w.HasDecisionFrom(approver.ID) {
		return nil, ErrDuplicateApproval
	}
	if w.Chain.Sequential && len(w.Approvals) > 0 {
		last := w.Approvals[len(w.Approvals)-1]
		if rbac.RankOf(role) < rbac.RankOf(last.ApproverRole) {
			return nil, fmt.Errorf("senior approvals must precede junior ones: %w", ErrApprovalOutOfOrder)
		}
	}

	w.Approvals = append(w.Approvals, ApprovalDecision{
		ApproverID:   approver.ID,
		ApproverRole: role,
		Decision:     req.Decision,
		Comment:      req.Comment,
		Metadata:     req.Metadata,
		DecidedAt:    now,
	})
	w.UpdatedAt = now
	metrics.ApprovalsTotal.WithLabelValues(string(req.Decision)).Inc()

	switch {
	case req.Decision == DecisionRejected:
		w.Status = StatusRejected
	case w.ApprovedCount() >= w.Chain.RequiredApprovals:
		w.Status = StatusApproved
	}

	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return nil, fmt.Errorf("updating workflow %s: %w", w.ID, err)
	}

	s.logger.InfoContext(ctx, "approval submitted",
		"workflow_id", w.ID,
		"approver_id", approver.ID,
		"approver_role", role,
		"decision", req.Decision,
		"approvals", w.ApprovedCount(),
		"required", w.Chain.RequiredApprovals,
		"status", w.Status)
	s.emitter.Emit(events.EventApprovalSubmitted, map[string]any{
		"workflowId": w.ID,
		"approverId": approver.ID,
		"decision":   req.Decision,
	})

	switch w.Status {
	case StatusRejected:
		s.recordTerminal(w)
		s.emitter.Emit(events.EventWorkflowRejected, map[string]any{
			"workflowId": w.ID,
			"rejectedBy": approver.ID,
		})
	case StatusApproved:
		s.recordTerminal(w)
		s.emitter.Emit(events.EventWorkflowApproved, map[string]any{
			"workflowId": w.ID,
			"approvals":  len(w.Approvals),
		})
		s.execute(ctx, w)
	}
	return w, nil
}

// eligibleRole returns the approver's highest role in the workflow's scope,
// validated against the chain's eligible roles and required permissions.
func (s *Service) eligibleRole(approver *rbac.Principal, w *ApprovalWorkflow) (rbac.Role, error) {
	roles := s.resolver.RolesInScope(approver, w.Scope, w.OrgID, w.GroupID)
	var matched rbac.Role
	found := false
	for _, eligible := range w.Chain.EligibleRoles {
		for _, held := range roles {
			if held != eligible {
				continue
			}
			if !found || rbac.RankOf(held) < rbac.RankOf(matched) {
				matched = held
				found = true
			}
		}
	}
	if !found {
		return "", fmt.Errorf("approver holds no eligible role: %w", ErrPermissionDenied)
	}
	perms := s.resolver.Resolve(approver, w.Scope, w.OrgID, w.GroupID)
	if !perms.HasAll(w.Chain.RequiredPermissions...) {
		return "", fmt.Errorf("approver lacks required permissions: %w", ErrPermissionDenied)
	}
	return matched, nil
}

// execute hands the approved workflow to the executor and attaches the
// outcome. Runs under the workflow lock; the conditional update above has
// already guaranteed only one caller reaches this point.
func (s *Service) execute(ctx context.Context, w *ApprovalWorkflow) {
	txID, err := s.executor.Execute(ctx, w)
	result := &ExecutionResult{
		Success:       err == nil,
		TransactionID: txID,
		ExecutedAt:    s.now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	w.Execution = result
	w.UpdatedAt = result.ExecutedAt

	if err := s.store.Update(ctx, w, StatusApproved); err != nil {
		s.logger.ErrorContext(ctx, "failed to record execution result",
			"workflow_id", w.ID, "error", err)
	}

	if result.Success {
		metrics.WorkflowExecutionsTotal.WithLabelValues("success").Inc()
		s.logger.InfoContext(ctx, "workflow executed",
			"workflow_id", w.ID, "transaction_id", txID)
		s.emitter.Emit(events.EventWorkflowExecuted, map[string]any{
			"workflowId":    w.ID,
			"transactionId": txID,
		})
		return
	}
	metrics.WorkflowExecutionsTotal.WithLabelValues("failure").Inc()
	s.logger.ErrorContext(ctx, "workflow execution failed",
		"workflow_id", w.ID, "error", result.Error)
	s.emitter.Emit(events.EventExecutionFailed, map[string]any{
		"workflowId": w.ID,
		"error":      result.Error,
	})
}

// Cancel transitions a PENDING workflow to CANCELLED. Only the initiator or
// a system administrator may cancel.
func (s *Service) Cancel(ctx context.Context, workflowID, principalID, reason string) (*ApprovalWorkflow, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.Cancel",
		traces.WorkflowID(workflowID),
		traces.Principal(principalID),
	)
	defer span.End()

	lock := s.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, fmt.Errorf("workflow is %s: %w", w.Status, ErrInvalidStatus)
	}

	if principalID != w.InitiatorID {
		p, err := s.principals.Principal(ctx, principalID)
		if err != nil {
			return nil, fmt.Errorf("loading principal %s: %w", principalID, err)
		}
		if p.SystemRole != rbac.RoleSystemAdmin {
			return nil, fmt.Errorf("only the initiator or a system administrator may cancel: %w", ErrPermissionDenied)
		}
	}

	w.Status = StatusCancelled
	w.CancelReason = reason
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return nil, fmt.Errorf("updating workflow %s: %w", w.ID, err)
	}

	s.recordTerminal(w)
	s.logger.InfoContext(ctx, "workflow cancelled",
		"workflow_id", w.ID, "cancelled_by", principalID, "reason", reason)
	s.emitter.Emit(events.EventWorkflowCancelled, map[string]any{
		"workflowId":  w.ID,
		"cancelledBy": principalID,
		"reason":      reason,
	})
	return w, nil
}

// Get returns a workflow after the access check: system administrators see
// all, initiators see their own, anyone else needs an active membership in
// the workflow's organization or group. Expiry is detected lazily here.
func (s *Service) Get(ctx context.Context, workflowID, requesterID string) (*ApprovalWorkflow, error) {
	requester, err := s.principals.Principal(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("loading requester %s: %w", requesterID, err)
	}

	w, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if requester.SystemRole != rbac.RoleSystemAdmin && requester.ID != w.InitiatorID {
		if !rbac.HasActiveMembership(requester, w.OrgID, w.GroupID) {
			return nil, ErrPermissionDenied
		}
	}

	if w.Status == StatusPending && w.ExpiredAt(s.now().UTC()) {
		lock := s.workflowLock(workflowID)
		lock.Lock()
		defer lock.Unlock()
		w, err = s.store.Get(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if w.Status == StatusPending {
			if err := s.expireLocked(ctx, w); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

// ListPendingFor returns PENDING workflows the principal is eligible to
// decide: an eligible role, the required permissions, no decision submitted
// yet, and not their own unless the chain allows self-approval. Workflows
// already past expiry are skipped.
func (s *Service) ListPendingFor(ctx context.Context, principalID string, limit, offset int) ([]*ApprovalWorkflow, error) {
	p, err := s.principals.Principal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("loading principal %s: %w", principalID, err)
	}

	all, err := s.store.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		return nil, fmt.Errorf("listing pending workflows: %w", err)
	}

	now := s.now().UTC()
	var eligible []*ApprovalWorkflow
	for _, w := range all {
		if w.ExpiredAt(now) {
			continue
		}
		if w.HasDecisionFrom(p.ID) {
			continue
		}
		if w.InitiatorID == p.ID && !w.Chain.AllowSelfApproval {
			continue
		}
		if _, err := s.eligibleRole(p, w); err != nil {
			continue
		}
		eligible = append(eligible, w)
	}

	if offset >= len(eligible) {
		return nil, nil
	}
	eligible = eligible[offset:]
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// Expire transitions a PENDING workflow past its deadline to EXPIRED. Used
// by the periodic sweep; a workflow already transitioned by a concurrent
// caller is left alone.
func (s *Service) Expire(ctx context.Context, workflowID string) error {
	lock := s.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != StatusPending {
		return nil
	}
	if !w.ExpiredAt(s.now().UTC()) {
		return nil
	}
	return s.expireLocked(ctx, w)
}

// expireLocked transitions a PENDING workflow to EXPIRED. Caller holds the
// workflow lock.
func (s *Service) expireLocked(ctx context.Context, w *ApprovalWorkflow) error {
	w.Status = StatusExpired
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return fmt.Errorf("expiring workflow %s: %w", w.ID, err)
	}
	s.recordTerminal(w)
	s.logger.InfoContext(ctx, "workflow expired", "workflow_id", w.ID)
	s.emitter.Emit(events.EventWorkflowExpired, map[string]any{
		"workflowId": w.ID,
	})
	return nil
}

// recordTerminal updates gauges and counters for a terminal transition.
func (s *Service) recordTerminal(w *ApprovalWorkflow) {
	metrics.WorkflowsTotal.WithLabelValues(string(w.Status)).Inc()
	metrics.PendingWorkflows.Dec()
	metrics.WorkflowCompletionDuration.Observe(w.UpdatedAt.Sub(w.CreatedAt).Seconds())
}
