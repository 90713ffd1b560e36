package sod

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/validation"
)

// Handlers exposes conflict checks and rule administration over HTTP.
type Handlers struct {
	detector   *Detector
	principals rbac.Provider
	resolver   *rbac.Resolver
}

func NewHandlers(detector *Detector, principals rbac.Provider, resolver *rbac.Resolver) *Handlers {
	return &Handlers{detector: detector, principals: principals, resolver: resolver}
}

func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sod/check", h.check)
	rg.GET("/sod/rules", h.listRules)
	rg.GET("/sod/rules/:id", validation.IDParamMiddleware(), h.getRule)
}

// RegisterAdminRoutes mounts the rule management endpoints. The caller is
// expected to gate the group with admin middleware.
func (h *Handlers) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/sod/rules", h.createRule)
	rg.PATCH("/sod/rules/:id", validation.IDParamMiddleware(), h.updateRule)
}

type checkRequest struct {
	PrincipalID string `json:"principalId"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	OrgID       string `json:"orgId"`
	GroupID     string `json:"groupId"`
	SessionID   string `json:"sessionId"`
}

func (h *Handlers) check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("principalId", req.PrincipalID),
		validation.Required("action", req.Action),
		validation.OneOf("scope", req.Scope, "global", "organization", "group", "personal"),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	principal, err := h.principals.Principal(c.Request.Context(), req.PrincipalID)
	if err != nil {
		if errors.Is(err, rbac.ErrPrincipalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load principal"})
		return
	}

	scope := rbac.Scope(req.Scope)
	op := &OperationContext{
		ActorID:   principal.ID,
		Action:    req.Action,
		Roles:     h.resolver.RolesInScope(principal, scope, req.OrgID, req.GroupID),
		Scope:     scope,
		OrgID:     req.OrgID,
		GroupID:   req.GroupID,
		SessionID: req.SessionID,
	}
	violations, err := h.detector.Check(c.Request.Context(), op)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "segregation check failed"})
		return
	}
	blocked := false
	for _, v := range violations {
		if v.Block {
			blocked = true
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"violations": violations,
		"blocked":    blocked,
	})
}

type ruleRequest struct {
	Name        string             `json:"name"`
	Scope       string             `json:"scope"`
	OrgID       string             `json:"orgId"`
	First       OperationSignature `json:"first"`
	Second      OperationSignature `json:"second"`
	Predicate   string             `json:"predicate"`
	WindowSecs  int64              `json:"windowSeconds"`
	Enforcement Enforcement        `json:"enforcement"`
	Active      *bool              `json:"active"`
}

func (h *Handlers) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 120),
		validation.OneOf("scope", req.Scope, "global", "organization", "group"),
		validation.OneOf("predicate", req.Predicate, "same_actor", "same_role", "same_session", "time_window"),
		validation.OneOf("enforcement.alert", string(req.Enforcement.Alert), "", "low", "medium", "high", "critical"),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	r := &SegregationRule{
		Name:        validation.SanitizeString(req.Name, 120),
		Scope:       rbac.Scope(req.Scope),
		OrgID:       req.OrgID,
		First:       req.First,
		Second:      req.Second,
		Predicate:   Predicate(req.Predicate),
		Window:      time.Duration(req.WindowSecs) * time.Second,
		Enforcement: req.Enforcement,
		Active:      true,
	}
	if r.Enforcement.Alert == "" {
		r.Enforcement.Alert = AlertMedium
	}
	if req.Active != nil {
		r.Active = *req.Active
	}

	if err := h.detector.CreateRule(c.Request.Context(), r); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "rule name already in use"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handlers) getRule(c *gin.Context) {
	r, err := h.detector.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rule"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handlers) listRules(c *gin.Context) {
	f := ListFilter{
		Scope:      rbac.Scope(c.Query("scope")),
		OrgID:      c.Query("orgId"),
		ActiveOnly: c.Query("active") == "true",
	}
	out, err := h.detector.ListRules(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": out, "count": len(out)})
}

type rulePatch struct {
	Enforcement *Enforcement `json:"enforcement"`
	WindowSecs  *int64       `json:"windowSeconds"`
	Active      *bool        `json:"active"`
}

func (h *Handlers) updateRule(c *gin.Context) {
	var patch rulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	r, err := h.detector.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rule"})
		return
	}

	if patch.Enforcement != nil {
		r.Enforcement = *patch.Enforcement
	}
	if patch.WindowSecs != nil {
		r.Window = time.Duration(*patch.WindowSecs) * time.Second
	}
	if patch.Active != nil {
		r.Active = *patch.Active
	}

	if err := h.detector.UpdateRule(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}
