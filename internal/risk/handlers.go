package risk

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwalimu/saccoguard/internal/validation"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Handlers exposes the scorer over HTTP.
type Handlers struct {
	scorer *Scorer
}

func NewHandlers(scorer *Scorer) *Handlers {
	return &Handlers{scorer: scorer}
}

// RegisterRoutes mounts the risk endpoints on the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/risk/assess", h.assess)
}

type assessRequest struct {
	PrincipalID  string  `json:"principalId"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	OpsLast24h   int     `json:"opsLast24h"`
	Profile      string  `json:"profile"`
	At           string  `json:"at"`
	Holiday      bool    `json:"holiday"`
	Geography    string  `json:"geography"`
	Counterparty string  `json:"counterparty"`
}

func (h *Handlers) assess(c *gin.Context) {
	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.Required("principalId", req.PrincipalID),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("profile", req.Profile, "", "low", "medium", "high", "critical"),
		validation.OneOf("geography", req.Geography, "", "domestic", "regional", "international", "high_risk"),
		validation.OneOf("counterparty", req.Counterparty, "", "known", "new", "flagged"),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	f := Factors{
		PrincipalID:  req.PrincipalID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		OpsLast24h:   req.OpsLast24h,
		Profile:      Profile(req.Profile),
		Holiday:      req.Holiday,
		Geography:    Geography(req.Geography),
		Counterparty: Counterparty(req.Counterparty),
	}
	if req.At != "" {
		at, err := parseTime(req.At)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid at timestamp, want RFC 3339"})
			return
		}
		f.At = at
	}

	c.JSON(http.StatusOK, h.scorer.Assess(c.Request.Context(), f))
}
