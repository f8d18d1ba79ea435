package reasoning

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

// RuleBackend reports the best sequence match per seller without calling
// any external service.
type RuleBackend struct {
	Catalog  *pattern.Catalog
	MinScore float64 // default 0.5
	MinSteps int     // default 2
}

// NewRuleBackend creates a RuleBackend with defaults applied.
func NewRuleBackend(cat *pattern.Catalog, minScore float64, minSteps int) *RuleBackend {
	if minScore <= 0 {
		minScore = 0.5
	}
	if minSteps <= 0 {
		minSteps = 2
	}
	return &RuleBackend{Catalog: cat, MinScore: minScore, MinSteps: minSteps}
}

func (b *RuleBackend) Reason(_ context.Context, in *ScanInput, _ *tools.Registry) (detection.RawResult, error) {
	lib := b.Catalog.Library()
	var found []any
	for _, s := range in.Sellers {
		matches := s.Matches
		if matches == nil {
			matches = pattern.Rank(pattern.MatchAll(s.NewEvents, lib), b.MinSteps)
		}
		for _, m := range matches {
			if m.StepsCompleted < b.MinSteps || m.MatchScore < b.MinScore {
				continue
			}
			p, ok := lib.Get(m.PatternID)
			if !ok {
				continue
			}
			next := pattern.PredictNext(p, m)
			desc := fmt.Sprintf("%s: %d of %d steps observed", p.Name, m.StepsCompleted, m.TotalSteps)
			if !m.Complete() {
				desc += fmt.Sprintf("; next likely %s (%.0f%%)", next.Domain, next.Confidence*100)
			}
			found = append(found, map[string]any{
				"sellerId":       s.SellerID,
				"type":           "sequence_match",
				"severity":       string(severityFor(p, m)),
				"matchScore":     m.MatchScore,
				"patternId":      m.PatternID,
				"stepsCompleted": float64(m.StepsCompleted),
				"totalSteps":     float64(m.TotalSteps),
				"description":    desc,
			})
			// Matches are ranked; one detection per seller.
			break
		}
	}
	return detection.RawResult{"detections": found}, nil
}

// severityFor uses the pattern's severity for a full match and scales it
// down by progress otherwise.
func severityFor(p *pattern.SequencePattern, m pattern.TimelineMatch) detection.Severity {
	if m.Complete() {
		return detection.ParseSeverity(p.Severity)
	}
	progress := float64(m.StepsCompleted) / float64(m.TotalSteps)
	switch {
	case progress >= 0.75:
		return detection.SeverityHigh
	case progress >= 0.5:
		return detection.SeverityMedium
	}
	return detection.SeverityLow
}
