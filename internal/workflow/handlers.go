package workflow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
	"github.com/mwalimu/saccoguard/internal/validation"
)

// Handlers exposes the workflow state machine over HTTP.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/workflows", h.initiate)
	rg.GET("/workflows/:id", validation.IDParamMiddleware(), h.get)
	rg.POST("/workflows/:id/approvals", validation.IDParamMiddleware(), h.submitApproval)
	rg.POST("/workflows/:id/cancel", validation.IDParamMiddleware(), h.cancel)
	rg.GET("/workflows/pending", h.listPending)
}

type initiateRequest struct {
	InitiatorID  string           `json:"initiatorId"`
	Type         string           `json:"type"`
	Scope        string           `json:"scope"`
	OrgID        string           `json:"orgId"`
	GroupID      string           `json:"groupId"`
	SessionID    string           `json:"sessionId"`
	Payload      OperationPayload `json:"payload"`
	Profile      string           `json:"profile"`
	Geography    string           `json:"geography"`
	Counterparty string           `json:"counterparty"`
	Holiday      bool             `json:"holiday"`
}

func (h *Handlers) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	validators := []func() *validation.ValidationError{
		validation.Required("initiatorId", req.InitiatorID),
		validation.Required("type", req.Type),
		validation.OneOf("scope", req.Scope, "global", "organization", "group", "personal"),
		validation.Required("payload.action", req.Payload.Action),
		validation.MaxLength("payload.description", req.Payload.Description, 1000),
	}
	if req.Payload.Amount != nil {
		validators = append(validators,
			validation.PositiveAmount("payload.amount", *req.Payload.Amount),
			validation.ValidCurrency("payload.currency", req.Payload.Currency),
		)
	}
	if errs := validation.Validate(validators...); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}
	if !IsKnownType(Type(req.Type)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workflow type: " + req.Type})
		return
	}

	w, err := h.service.Initiate(c.Request.Context(), InitiateRequest{
		InitiatorID:  req.InitiatorID,
		Type:         Type(req.Type),
		Scope:        rbac.Scope(req.Scope),
		OrgID:        req.OrgID,
		GroupID:      req.GroupID,
		SessionID:    req.SessionID,
		Payload:      req.Payload,
		Profile:      risk.Profile(req.Profile),
		Geography:    risk.Geography(req.Geography),
		Counterparty: risk.Counterparty(req.Counterparty),
		Holiday:      req.Holiday,
	})
	if err != nil {
		status, msg := initiateErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func initiateErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, rbac.ErrPrincipalNotFound):
		return http.StatusNotFound, "principal not found"
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrSoDBlocked):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "failed to initiate workflow"
	}
}

type approvalRequest struct {
	ApproverID string            `json:"approverId"`
	Decision   string            `json:"decision"`
	Comment    string            `json:"comment"`
	Metadata   map[string]string `json:"metadata"`
}

func (h *Handlers) submitApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("approverId", req.ApproverID),
		validation.OneOf("decision", req.Decision, "approved", "rejected"),
		validation.MaxLength("comment", req.Comment, 1000),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	w, err := h.service.SubmitApproval(c.Request.Context(), c.Param("id"), ApprovalRequest{
		ApproverID: req.ApproverID,
		Decision:   Decision(req.Decision),
		Comment:    validation.SanitizeString(req.Comment, 1000),
		Metadata:   req.Metadata,
	})
	if err != nil {
		status, msg := approvalErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, w)
}

func approvalErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		return http.StatusNotFound, "workflow not found"
	case errors.Is(err, rbac.ErrPrincipalNotFound):
		return http.StatusNotFound, "principal not found"
	case errors.Is(err, ErrWorkflowExpired):
		return http.StatusGone, "workflow expired"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrDuplicateApproval):
		return http.StatusConflict, "approver already submitted a decision"
	case errors.Is(err, ErrSelfApproval):
		return http.StatusForbidden, "self-approval is not permitted for this workflow"
	case errors.Is(err, ErrApprovalOutOfOrder):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, err.Error()
	default:
		return http.StatusInternalServerError, "failed to submit approval"
	}
}

type cancelRequest struct {
	PrincipalID string `json:"principalId"`
	Reason      string `json:"reason"`
}

func (h *Handlers) cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("principalId", req.PrincipalID),
		validation.MaxLength("reason", req.Reason, 500),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	w, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.PrincipalID,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		switch {
		case errors.Is(err, ErrWorkflowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		case errors.Is(err, rbac.ErrPrincipalNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel workflow"})
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) get(c *gin.Context) {
	requesterID := c.Query("principalId")
	if requesterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principalId query parameter is required"})
		return
	}

	w, err := h.service.Get(c.Request.Context(), c.Param("id"), requesterID)
	if err != nil {
		switch {
		case errors.Is(err, ErrWorkflowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		case errors.Is(err, rbac.ErrPrincipalNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
		case errors.Is(err, ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow"})
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) listPending(c *gin.Context) {
	principalID := c.Query("principalId")
	if principalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principalId query parameter is required"})
		return
	}
	limit := validation.ParseLimit(c.Query("limit"), 20, 100)
	offset := validation.ParseLimit(c.Query("offset"), 0, 10000)

	out, err := h.service.ListPendingFor(c.Request.Context(), principalID, limit, offset)
	if err != nil {
		if errors.Is(err, rbac.ErrPrincipalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending workflows"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out, "count": len(out)})
}
