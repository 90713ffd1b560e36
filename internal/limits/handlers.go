package limits

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/validation"
)

// Handlers exposes limit checks and administrative CRUD over HTTP.
type Handlers struct {
	service    *Service
	principals rbac.Provider
}

func NewHandlers(service *Service, principals rbac.Provider) *Handlers {
	return &Handlers{service: service, principals: principals}
}

func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/limits/check", h.check)
	rg.GET("/limits", h.list)
	rg.GET("/limits/:id", validation.IDParamMiddleware(), h.get)
}

// RegisterAdminRoutes mounts the limit management endpoints. The caller is
// expected to gate the group with admin middleware.
func (h *Handlers) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/limits", h.create)
	rg.PATCH("/limits/:id", validation.IDParamMiddleware(), h.update)
	rg.DELETE("/limits/:id", validation.IDParamMiddleware(), h.remove)
}

type checkRequest struct {
	PrincipalID   string  `json:"principalId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	OperationType string  `json:"operationType"`
	Scope         string  `json:"scope"`
	OrgID         string  `json:"orgId"`
	GroupID       string  `json:"groupId"`
}

func (h *Handlers) check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("principalId", req.PrincipalID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.Required("operationType", req.OperationType),
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

	result, err := h.service.Check(c.Request.Context(), CheckInput{
		Principal:     principal,
		Amount:        req.Amount,
		Currency:      req.Currency,
		OperationType: req.OperationType,
		Scope:         rbac.Scope(req.Scope),
		OrgID:         req.OrgID,
		GroupID:       req.GroupID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "limit check failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type limitRequest struct {
	Name                 string         `json:"name"`
	Scope                string         `json:"scope"`
	OrgID                string         `json:"orgId"`
	GroupID              string         `json:"groupId"`
	PrincipalID          string         `json:"principalId"`
	ApplicableRoles      []string       `json:"applicableRoles"`
	ApplicableOperations []string       `json:"applicableOperations"`
	Currency             string         `json:"currency"`
	Values               Values         `json:"values"`
	Override             OverridePolicy `json:"override"`
	ValidFrom            string         `json:"validFrom"`
	ValidUntil           string         `json:"validUntil"`
	Active               *bool          `json:"active"`
}

func (h *Handlers) create(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 120),
		validation.OneOf("scope", req.Scope, "global", "organization", "group", "personal"),
		validation.ValidCurrency("currency", req.Currency),
		validation.PositiveAmount("values.maxPerTransaction", req.Values.MaxPerTransaction),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	l := &TransactionLimit{
		Name:                 validation.SanitizeString(req.Name, 120),
		Scope:                rbac.Scope(req.Scope),
		OrgID:                req.OrgID,
		GroupID:              req.GroupID,
		PrincipalID:          req.PrincipalID,
		ApplicableOperations: req.ApplicableOperations,
		Currency:             req.Currency,
		Values:               req.Values,
		Override:             req.Override,
		Active:               true,
	}
	for _, r := range req.ApplicableRoles {
		if !rbac.IsKnownRole(rbac.Role(r)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role: " + r})
			return
		}
		l.ApplicableRoles = append(l.ApplicableRoles, rbac.Role(r))
	}
	if req.Active != nil {
		l.Active = *req.Active
	}
	if req.ValidFrom != "" {
		t, err := time.Parse(time.RFC3339, req.ValidFrom)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid validFrom, want RFC 3339"})
			return
		}
		l.ValidFrom = t
	}
	if req.ValidUntil != "" {
		t, err := time.Parse(time.RFC3339, req.ValidUntil)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid validUntil, want RFC 3339"})
			return
		}
		l.ValidUntil = &t
	}

	if err := h.service.CreateLimit(c.Request.Context(), l); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "limit name already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create limit"})
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *Handlers) get(c *gin.Context) {
	l, err := h.service.GetLimit(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrLimitNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "limit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load limit"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) list(c *gin.Context) {
	f := ListFilter{
		Scope:      rbac.Scope(c.Query("scope")),
		OrgID:      c.Query("orgId"),
		GroupID:    c.Query("groupId"),
		ActiveOnly: c.Query("active") == "true",
	}
	out, err := h.service.ListLimits(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list limits"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": out, "count": len(out)})
}

type limitPatch struct {
	Values     *Values         `json:"values"`
	Override   *OverridePolicy `json:"override"`
	ValidUntil *string         `json:"validUntil"`
	Active     *bool           `json:"active"`
}

func (h *Handlers) update(c *gin.Context) {
	var patch limitPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	l, err := h.service.GetLimit(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrLimitNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "limit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load limit"})
		return
	}

	if patch.Values != nil {
		l.Values = *patch.Values
	}
	if patch.Override != nil {
		l.Override = *patch.Override
	}
	if patch.Active != nil {
		l.Active = *patch.Active
	}
	if patch.ValidUntil != nil {
		if *patch.ValidUntil == "" {
			l.ValidUntil = nil
		} else {
			t, err := time.Parse(time.RFC3339, *patch.ValidUntil)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid validUntil, want RFC 3339"})
				return
			}
			l.ValidUntil = &t
		}
	}

	if err := h.service.UpdateLimit(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update limit"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) remove(c *gin.Context) {
	if err := h.service.DeleteLimit(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrLimitNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "limit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete limit"})
		return
	}
	c.Status(http.StatusNoContent)
}
