// Package risk scores candidate operations on a 0-100 scale from weighted
// factors and buckets them into coarse levels that size the approval
// requirement downstream.
//
// Factors are amount, frequency, principal risk profile, time-of-day pattern,
// geography, and counterparty. Geography and counterparty are optional; when
// absent they contribute nothing and the remaining weights are NOT
// renormalized, so an assessment without those signals reads lower than one
// with neutral values supplied. That behavior is deliberate and documented:
// unknown is treated as zero additional risk.
package risk

import (
	"time"
)

// Level is a coarse risk bucket.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Level thresholds on the 0-100 score.
const (
	thresholdCritical = 80.0
	thresholdHigh     = 60.0
	thresholdMedium   = 40.0
)

// Factor weights. Geography and counterparty weights apply only when the
// factor is supplied.
const (
	weightAmount       = 0.30
	weightFrequency    = 0.20
	weightProfile      = 0.20
	weightTimePattern  = 0.10
	weightGeography    = 0.10
	weightCounterparty = 0.10
)

// Profile classifies a principal's standing risk.
type Profile string

const (
	ProfileLow      Profile = "low"
	ProfileMedium   Profile = "medium"
	ProfileHigh     Profile = "high"
	ProfileCritical Profile = "critical"
)

// Geography classifies where the operation originates relative to the
// organization's home market.
type Geography string

const (
	GeoDomestic      Geography = "domestic"
	GeoRegional      Geography = "regional"
	GeoInternational Geography = "international"
	GeoHighRisk      Geography = "high_risk"
)

// Counterparty classifies the other side of the operation.
type Counterparty string

const (
	CounterpartyKnown   Counterparty = "known"
	CounterpartyNew     Counterparty = "new"
	CounterpartyFlagged Counterparty = "flagged"
)

// Factors carries the raw inputs for one assessment. Zero values mean
// "not supplied" for the optional Geography and Counterparty fields.
type Factors struct {
	PrincipalID string  `json:"principalId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`

	// OpsLast24h is the number of comparable operations the principal
	// performed in the trailing 24 hours, excluding this one.
	OpsLast24h int `json:"opsLast24h"`

	Profile Profile `json:"profile,omitempty"`

	// At is when the operation happens. Zero means "now is unremarkable":
	// the time-pattern factor scores its base value.
	At      time.Time `json:"at,omitempty"`
	Holiday bool      `json:"holiday,omitempty"`

	Geography    Geography    `json:"geography,omitempty"`
	Counterparty Counterparty `json:"counterparty,omitempty"`
}

// FactorScore explains one factor's contribution.
type FactorScore struct {
	Name     string  `json:"name"`
	SubScore float64 `json:"subScore"` // 0-100 before weighting
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Assessment is the scoring outcome.
type Assessment struct {
	ID               string        `json:"id"`
	PrincipalID      string        `json:"principalId"`
	Score            float64       `json:"score"` // 0-100, clamped
	Level            Level         `json:"level"`
	Contributing     []FactorScore `json:"contributing"`
	Mitigations      []string      `json:"mitigations,omitempty"`
	AutoActions      []string      `json:"autoActions,omitempty"`
	RequiresApproval bool          `json:"requiresApproval"`
	RequiresReview   bool          `json:"requiresReview"`
	AssessedAt       time.Time     `json:"assessedAt"`
}

// LevelOf maps a 0-100 score to its level bucket.
func LevelOf(score float64) Level {
	switch {
	case score >= thresholdCritical:
		return LevelCritical
	case score >= thresholdHigh:
		return LevelHigh
	case score >= thresholdMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Sub-score tables. Each raw factor maps to 0-100 independently.

func amountSubScore(amount float64) float64 {
	switch {
	case amount >= 1_000_000:
		return 100
	case amount >= 500_000:
		return 90
	case amount >= 100_000:
		return 80
	case amount >= 50_000:
		return 60
	case amount >= 10_000:
		return 40
	case amount >= 1_000:
		return 20
	default:
		return 10
	}
}

func frequencySubScore(opsLast24h int) float64 {
	switch {
	case opsLast24h >= 20:
		return 90
	case opsLast24h >= 10:
		return 70
	case opsLast24h >= 5:
		return 50
	case opsLast24h >= 3:
		return 30
	default:
		return 10
	}
}

func profileSubScore(p Profile) float64 {
	switch p {
	case ProfileCritical:
		return 95
	case ProfileHigh:
		return 70
	case ProfileMedium:
		return 40
	default:
		return 10
	}
}

// timePatternSubScore starts from a base of 20 and adds for off-hours,
// weekend and holiday activity, capped at 100.
func timePatternSubScore(at time.Time, holiday bool) float64 {
	score := 20.0
	if !at.IsZero() {
		hour := at.Hour()
		if hour >= 22 || hour < 6 {
			score += 30
		}
		switch at.Weekday() {
		case time.Saturday, time.Sunday:
			score += 20
		}
	}
	if holiday {
		score += 30
	}
	if score > 100 {
		score = 100
	}
	return score
}

func geographySubScore(g Geography) float64 {
	switch g {
	case GeoHighRisk:
		return 95
	case GeoInternational:
		return 70
	case GeoRegional:
		return 40
	default:
		return 10
	}
}

func counterpartySubScore(c Counterparty) float64 {
	switch c {
	case CounterpartyFlagged:
		return 90
	case CounterpartyNew:
		return 50
	default:
		return 10
	}
}
