package stage

import (
	"context"
	"strings"
	"time"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// Factor weights and tier cut-offs for priority scoring.
const (
	urgencyCriticalWeight = 1.0
	urgencyHighWeight     = 0.7
	urgencyMediumWeight   = 0.3

	vulnerableWeight  = 0.8
	baseVulnerability = 0.2

	scarcityAtThreshold   = 0.3
	scarcityNearThreshold = 0.1

	agePerHour = 0.05
	ageCap     = 0.3

	tierCritical = 0.8
	tierHigh     = 0.6
	tierMedium   = 0.3
)

var vulnerableKeywords = []string{
	"child", "children", "baby", "infant", "elderly", "pregnant",
	"disabled", "wheelchair", "diabetic", "alone",
}

// Prioritize folds urgency, vulnerability, resource scarcity and
// request age into a priority score and tier. The interpreter's
// urgency can raise the factor-derived tier but never lower it: when
// the two disagree, the stricter reading wins.
type Prioritize struct {
	pool *resourcepool.Pool
	now  func() time.Time
}

// NewPrioritize builds the prioritization stage.
func NewPrioritize(pool *resourcepool.Pool) *Prioritize {
	return &Prioritize{pool: pool, now: time.Now}
}

func (s *Prioritize) Completes() domain.Stage { return domain.StagePrioritized }

func (s *Prioritize) Execute(_ context.Context, req *domain.Request) domain.StageResult {
	interp := req.Payload.Interpretation
	if interp == nil {
		return domain.Fatal("prioritize: request has no interpretation")
	}

	availability, err := s.pool.Availability()
	if err != nil {
		return domain.Retryable("reading availability: %v", err)
	}

	factors := map[string]float64{
		"urgency":       urgencyFactor(interp.Urgency),
		"vulnerability": vulnerabilityFactor(req.Text),
		"scarcity":      scarcityFactor(interp.Needs, availability),
		"age":           ageFactor(s.now().Sub(req.CreatedAt)),
	}

	score := 0.0
	for _, f := range factors {
		score += f
	}
	score /= float64(len(factors))

	tier := scoreTier(score)
	// Life-safety bias: the stricter of the computed tier and the
	// interpreter's reading.
	tier = domain.Stricter(tier, interp.Urgency)

	return domain.Success(domain.PayloadDelta{Prioritization: &domain.Prioritization{
		Tier:    tier,
		Score:   score,
		Factors: factors,
	}})
}

func urgencyFactor(u domain.Urgency) float64 {
	switch u {
	case domain.UrgencyCritical:
		return urgencyCriticalWeight
	case domain.UrgencyHigh:
		return urgencyHighWeight
	case domain.UrgencyMedium:
		return urgencyMediumWeight
	}
	return 0
}

func vulnerabilityFactor(text string) float64 {
	lower := strings.ToLower(text)
	for _, kw := range vulnerableKeywords {
		if strings.Contains(lower, kw) {
			return vulnerableWeight
		}
	}
	return baseVulnerability
}

// scarcityFactor sums a bonus per needed type whose pool-wide
// availability sits at or near its alert threshold, capped at 1.0.
func scarcityFactor(needs []string, availability map[string]resourcepool.TypeAvailability) float64 {
	score := 0.0
	for _, need := range needs {
		a, ok := availability[need]
		if !ok {
			continue
		}
		switch {
		case a.Available <= a.Threshold:
			score += scarcityAtThreshold
		case a.Available < 2*a.Threshold:
			score += scarcityNearThreshold
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func ageFactor(age time.Duration) float64 {
	f := age.Hours() * agePerHour
	if f > ageCap {
		return ageCap
	}
	if f < 0 {
		return 0
	}
	return f
}

func scoreTier(score float64) domain.Urgency {
	switch {
	case score >= tierCritical:
		return domain.UrgencyCritical
	case score >= tierHigh:
		return domain.UrgencyHigh
	case score >= tierMedium:
		return domain.UrgencyMedium
	}
	return domain.UrgencyLow
}
