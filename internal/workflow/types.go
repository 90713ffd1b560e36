// Package workflow implements the maker-checker state machine: an operation
// initiated by one principal waits in a PENDING workflow until enough
// eligible approvers decide, then execution is handed off exactly once.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
)

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowExpired    = errors.New("workflow expired")
	ErrInvalidStatus      = errors.New("workflow is not in a valid status for this operation")
	ErrDuplicateApproval  = errors.New("approver already submitted a decision")
	ErrSelfApproval       = errors.New("self-approval is not permitted for this workflow")
	ErrApprovalOutOfOrder = errors.New("approval submitted out of chain order")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSoDBlocked         = errors.New("operation blocked by segregation of duties rule")
	ErrLimitExceeded      = errors.New("transaction limit exceeded")
)

// Type enumerates the kinds of operations routed through dual control.
type Type string

const (
	TypeFinancialTransaction Type = "financial_transaction"
	TypeLoanApproval         Type = "loan_approval"
	TypeMemberManagement     Type = "member_management"
	TypeConfigurationChange  Type = "configuration_change"
	TypeSharesIssuance       Type = "shares_issuance"
	TypeOnboarding           Type = "onboarding"
	TypeAccountClosure       Type = "account_closure"
	TypeLimitOverride        Type = "limit_override"
	TypeSystemMaintenance    Type = "system_maintenance"
)

// AllTypes lists every workflow type.
var AllTypes = []Type{
	TypeFinancialTransaction,
	TypeLoanApproval,
	TypeMemberManagement,
	TypeConfigurationChange,
	TypeSharesIssuance,
	TypeOnboarding,
	TypeAccountClosure,
	TypeLimitOverride,
	TypeSystemMaintenance,
}

// IsKnownType reports whether t is a recognized workflow type.
func IsKnownType(t Type) bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Status is the workflow lifecycle state. PENDING is the only non-terminal
// state; a workflow leaving PENDING never changes status again, except for
// execution-result attachment on APPROVED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// OperationPayload describes the real-world effect the workflow guards.
type OperationPayload struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Description  string         `json:"description,omitempty"`
}

// ChainSpec is the approval requirement derived at initiation time and
// frozen onto the workflow.
type ChainSpec struct {
	RequiredApprovals   int               `json:"requiredApprovals"`
	EligibleRoles       []rbac.Role       `json:"eligibleRoles"`
	RequiredPermissions []rbac.Permission `json:"requiredPermissions,omitempty"`
	Sequential          bool              `json:"sequential"`
	AllowSelfApproval   bool              `json:"allowSelfApproval"`
	Timeout             time.Duration     `json:"timeout"`
}

// ApprovalDecision is one submitted decision.
type ApprovalDecision struct {
	ApproverID   string            `json:"approverId"`
	ApproverRole rbac.Role         `json:"approverRole"`
	Decision     Decision          `json:"decision"`
	Comment      string            `json:"comment,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DecidedAt    time.Time         `json:"decidedAt"`
}

// ExecutionResult captures the executor's outcome on an APPROVED workflow.
type ExecutionResult struct {
	Success       bool      `json:"success"`
	TransactionID string    `json:"transactionId,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExecutedAt    time.Time `json:"executedAt"`
}

// ApprovalWorkflow is the unit of dual control.
type ApprovalWorkflow struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	InitiatorID string     `json:"initiatorId"`
	Scope       rbac.Scope `json:"scope"`
	OrgID       string     `json:"orgId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`

	RiskLevel risk.Level `json:"riskLevel"`
	RiskScore float64    `json:"riskScore"`

	Status       Status             `json:"status"`
	Payload      OperationPayload   `json:"payload"`
	Chain        ChainSpec          `json:"chain"`
	Approvals    []ApprovalDecision `json:"approvals"`
	CancelReason string             `json:"cancelReason,omitempty"`

	ExpiresAt time.Time        `json:"expiresAt"`
	Execution *ExecutionResult `json:"execution,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ApprovedCount returns how many approving decisions have been submitted.
func (w *ApprovalWorkflow) ApprovedCount() int {
	n := 0
	for _, a := range w.Approvals {
		if a.Decision == DecisionApproved {
			n++
		}
	}
	return n
}

// HasDecisionFrom reports whether the approver already decided.
func (w *ApprovalWorkflow) HasDecisionFrom(approverID string) bool {
	for _, a := range w.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the workflow's deadline has passed at t.
func (w *ApprovalWorkflow) ExpiredAt(t time.Time) bool {
	return t.After(w.ExpiresAt)
}

// ListFilter narrows workflow listings. Zero values match everything.
type ListFilter struct {
	Status      Status
	Scope       rbac.Scope
	OrgID       string
	GroupID     string
	InitiatorID string
	Limit       int
	Offset      int
}

// Store persists workflows. Update is conditional on the expected current
// status so concurrent transitions cannot both land.
type Store interface {
	Create(ctx context.Context, w *ApprovalWorkflow) error
	Get(ctx context.Context, id string) (*ApprovalWorkflow, error)
	Update(ctx context.Context, w *ApprovalWorkflow, expect Status) error
	List(ctx context.Context, f ListFilter) ([]*ApprovalWorkflow, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalWorkflow, error)
}

// Executor performs the real-world effect of an APPROVED workflow. It is
// invoked exactly once per workflow that reaches APPROVED; failures are
// recorded on the workflow, never retried automatically.
type Executor interface {
	Execute(ctx context.Context, w *ApprovalWorkflow) (transactionID string, err error)
}

// NoopExecutor acknowledges execution without side effects. Used when the
// real executor lives in another deployment.
type NoopExecutor struct{}

func (NoopExecutor) Execute(_ context.Context, w *ApprovalWorkflow) (string, error) {
	return "noop-" + w.ID, nil
}
