// Package events delivers engine lifecycle events to downstream notification
// and audit collaborators. Delivery is fire-and-forget: the engine never
// blocks or fails because a sink is slow or down.
package events

import (
	"context"
	"time"
)

// Type identifies an engine event.
type Type string

const (
	EventWorkflowInitiated   Type = "workflow.initiated"
	EventApprovalSubmitted   Type = "workflow.approval_submitted"
	EventWorkflowApproved    Type = "workflow.approved"
	EventWorkflowRejected    Type = "workflow.rejected"
	EventWorkflowCancelled   Type = "workflow.cancelled"
	EventWorkflowExpired     Type = "workflow.expired"
	EventWorkflowExecuted    Type = "workflow.executed"
	EventExecutionFailed     Type = "workflow.execution_failed"
	EventSoDViolation        Type = "sod.violation"
	EventRiskAssessed        Type = "risk.assessed"
	EventLimitViolation      Type = "limit.violation"
	EventRuleCreated         Type = "sod.rule_created"
	EventLimitCreated        Type = "limit.created"
)

// Event is a single engine occurrence for downstream consumers.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// should return quickly; the emitter enforces a delivery timeout.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
}
