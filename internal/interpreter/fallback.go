package interpreter

import (
	"context"
	"regexp"
	"strings"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

// Keyword tables for the deterministic classifier. Matching is
// case-insensitive substring search over the request text.
var needKeywords = map[string][]string{
	domain.NeedMedical:   {"injured", "injury", "medicine", "medical", "doctor", "hospital", "bleeding", "unconscious", "wound", "sick"},
	domain.NeedRescue:    {"trapped", "collapsed", "stuck", "buried", "rescue", "drowning"},
	domain.NeedWater:     {"water", "thirsty", "dehydrated", "drinking"},
	domain.NeedFood:      {"food", "hungry", "starving", "meals", "supplies"},
	domain.NeedShelter:   {"shelter", "homeless", "roof", "tent", "housing", "displaced"},
	domain.NeedTransport: {"evacuate", "evacuation", "transport", "stranded", "vehicle"},
}

// needPrecedence orders need types for the request_type field, most
// life-critical first.
var needPrecedence = []string{
	domain.NeedMedical,
	domain.NeedRescue,
	domain.NeedFood,
	domain.NeedWater,
	domain.NeedShelter,
	domain.NeedTransport,
}

var urgencyKeywords = map[domain.Urgency][]string{
	domain.UrgencyCritical: {"dying", "critical", "life-threatening", "emergency", "immediately", "urgent"},
	domain.UrgencyHigh:     {"severe", "serious", "asap", "quickly", "fast"},
	domain.UrgencyMedium:   {"soon", "needed", "running low"},
}

var locationPattern = regexp.MustCompile(`(?i)\b(?:in|at|near)\s+([a-z][a-z0-9-]*(?:\s+(?:district|sector|zone|camp|village|street|area))?)`)

// Fallback is the deterministic keyword classifier. It never fails:
// text it cannot classify yields the unclassified sentinel at low
// confidence rather than an error.
type Fallback struct{}

// NewFallback creates the keyword classifier.
func NewFallback() *Fallback {
	return &Fallback{}
}

// Interpret classifies the text by keyword lookup.
func (f *Fallback) Interpret(_ context.Context, text string) (*domain.Interpretation, error) {
	lower := strings.ToLower(text)

	var needs []string
	for _, need := range needPrecedence {
		for _, kw := range needKeywords[need] {
			if strings.Contains(lower, kw) {
				needs = append(needs, need)
				break
			}
		}
	}

	urgency := domain.UrgencyLow
	urgencyMatched := false
	for _, level := range []domain.Urgency{domain.UrgencyCritical, domain.UrgencyHigh, domain.UrgencyMedium} {
		for _, kw := range urgencyKeywords[level] {
			if strings.Contains(lower, kw) {
				urgency = level
				urgencyMatched = true
				break
			}
		}
		if urgencyMatched {
			break
		}
	}

	requestType := "other"
	if len(needs) > 0 {
		requestType = needs[0]
	}

	// Medical and rescue requests are never treated below high urgency.
	if requestType == domain.NeedMedical || requestType == domain.NeedRescue {
		urgency = domain.Stricter(urgency, domain.UrgencyHigh)
	}

	location := ""
	if m := locationPattern.FindStringSubmatch(text); m != nil {
		location = strings.TrimSpace(m[1])
	}

	confidence := 0.2
	switch {
	case len(needs) > 0 && urgencyMatched:
		confidence = 0.9
	case len(needs) > 0:
		confidence = 0.5
	}
	if len(needs) == 0 {
		needs = []string{domain.NeedUnclassified}
	}

	return &domain.Interpretation{
		Needs:       needs,
		Urgency:     urgency,
		RequestType: requestType,
		Location:    location,
		Confidence:  confidence,
	}, nil
}
