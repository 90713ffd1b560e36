package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/idgen"
	"github.com/mwalimu/saccoguard/internal/metrics"
	"github.com/mwalimu/saccoguard/internal/traces"
)

const frequencyWindow = 24 * time.Hour

// Scorer computes assessments and keeps a sliding per-principal window of
// recent operation timestamps so callers that do not track frequency
// themselves can rely on RecordOperation + OpsLast24h.
type Scorer struct {
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	recents map[string][]time.Time // principalID -> timestamps within window
}

// NewScorer builds a Scorer. The emitter may be nil-sinked; assessment
// events are fire-and-forget either way.
func NewScorer(emitter *events.Emitter, logger *slog.Logger) *Scorer {
	return &Scorer{
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
		recents: make(map[string][]time.Time),
	}
}

// WithClock overrides the scorer's clock, for tests.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// RecordOperation notes that the principal performed an operation now,
// feeding the frequency window for later assessments.
func (s *Scorer) RecordOperation(principalID string) {
	ts := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recents[principalID] = append(s.prune(principalID, ts), ts)
}

// OpsLast24h returns how many operations the principal performed within the
// trailing window, excluding any not yet recorded.
func (s *Scorer) OpsLast24h(principalID string) int {
	ts := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.prune(principalID, ts)
	s.recents[principalID] = kept
	return len(kept)
}

// prune drops timestamps older than the window. Caller holds mu.
func (s *Scorer) prune(principalID string, now time.Time) []time.Time {
	cutoff := now.Add(-frequencyWindow)
	all := s.recents[principalID]
	kept := all[:0]
	for _, t := range all {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Assess scores the supplied factors and emits a risk.assessed event. When
// Factors.OpsLast24h is zero the scorer substitutes its own window count for
// the principal.
func (s *Scorer) Assess(ctx context.Context, f Factors) Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.Assess",
		traces.Principal(f.PrincipalID), traces.Amount(f.Amount))
	defer span.End()

	if f.OpsLast24h == 0 && f.PrincipalID != "" {
		f.OpsLast24h = s.OpsLast24h(f.PrincipalID)
	}

	contributing := []FactorScore{
		weighted("amount", amountSubScore(f.Amount), weightAmount),
		weighted("frequency", frequencySubScore(f.OpsLast24h), weightFrequency),
		weighted("profile", profileSubScore(f.Profile), weightProfile),
		weighted("time_pattern", timePatternSubScore(f.At, f.Holiday), weightTimePattern),
	}
	if f.Geography != "" {
		contributing = append(contributing, weighted("geography", geographySubScore(f.Geography), weightGeography))
	}
	if f.Counterparty != "" {
		contributing = append(contributing, weighted("counterparty", counterpartySubScore(f.Counterparty), weightCounterparty))
	}

	var score float64
	for _, c := range contributing {
		score += c.Weighted
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	level := LevelOf(score)
	a := Assessment{
		ID:           idgen.WithPrefix("ra_"),
		PrincipalID:  f.PrincipalID,
		Score:        score,
		Level:        level,
		Contributing: contributing,
		Mitigations:  mitigationsFor(contributing, level),
		AutoActions:  autoActionsFor(level),
		RequiresApproval: level == LevelHigh || level == LevelCritical ||
			(level == LevelMedium && score > 55),
		RequiresReview: level == LevelHigh || level == LevelCritical || score > 70,
		AssessedAt:     s.now().UTC(),
	}

	span.SetAttributes(traces.RiskLevel(string(level)))
	metrics.RiskAssessmentsTotal.WithLabelValues(string(level)).Inc()

	s.logger.InfoContext(ctx, "risk assessed",
		"assessment_id", a.ID,
		"principal_id", f.PrincipalID,
		"score", score,
		"level", level,
		"requires_approval", a.RequiresApproval)

	s.emitter.Emit(events.EventRiskAssessed, map[string]any{
		"assessmentId": a.ID,
		"principalId":  f.PrincipalID,
		"score":        score,
		"level":        level,
	})

	return a
}

func weighted(name string, sub, weight float64) FactorScore {
	return FactorScore{Name: name, SubScore: sub, Weight: weight, Weighted: sub * weight}
}

// mitigationsFor suggests concrete actions for the dominant factors. Only
// factors whose sub-score is elevated produce a suggestion.
func mitigationsFor(contributing []FactorScore, level Level) []string {
	if level == LevelLow {
		return nil
	}
	var out []string
	for _, c := range contributing {
		if c.SubScore < 60 {
			continue
		}
		switch c.Name {
		case "amount":
			out = append(out, "split the operation into smaller tranches or obtain pre-authorization")
		case "frequency":
			out = append(out, "pause further operations until the trailing 24h volume subsides")
		case "profile":
			out = append(out, "refresh the principal's KYC review before proceeding")
		case "time_pattern":
			out = append(out, "defer execution to business hours")
		case "geography":
			out = append(out, "verify the originating location through a second channel")
		case "counterparty":
			out = append(out, "confirm counterparty details with the treasurer before release")
		}
	}
	return out
}

func autoActionsFor(level Level) []string {
	switch level {
	case LevelCritical:
		return []string{"hold_operation", "notify_compliance"}
	case LevelHigh:
		return []string{"require_dual_approval"}
	case LevelMedium:
		return []string{"flag_for_review"}
	default:
		return nil
	}
}
