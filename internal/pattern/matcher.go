package pattern

import (
	"fmt"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
)

// TimelineMatch is the progress of one seller timeline through one pattern.
type TimelineMatch struct {
	PatternID      string        `json:"pattern_id"`
	PatternName    string        `json:"pattern_name"`
	MatchScore     float64       `json:"match_score"`
	StepsCompleted int           `json:"steps_completed"`
	StepsRemaining int           `json:"steps_remaining"`
	TotalSteps     int           `json:"total_steps"`
	MatchedEvents  []event.Event `json:"matched_events"`
}

// Complete reports whether every step was satisfied.
func (m TimelineMatch) Complete() bool { return m.StepsCompleted == m.TotalSteps }

// SortTimeline returns a copy of events ordered by OccurredAt.
// Equal timestamps keep their input (ingestion) order.
func SortTimeline(events []event.Event) []event.Event {
	out := make([]event.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

// GroupBySeller splits events by seller, preserving input order per seller.
func GroupBySeller(events []event.Event) map[string][]event.Event {
	out := make(map[string][]event.Event)
	for _, ev := range events {
		out[ev.SellerID] = append(out[ev.SellerID], ev)
	}
	return out
}

// Match walks one pattern over a timeline that is already sorted.
//
// Steps are satisfied greedily by the leftmost qualifying event; each event
// satisfies at most one step and the cursor never moves backwards. With a
// max span, every step-0 event is tried as an anchor and the walk with the
// most steps wins, the earliest anchor on ties.
func Match(sorted []event.Event, p *SequencePattern) TimelineMatch {
	total := p.TotalSteps()
	m := TimelineMatch{
		PatternID:   p.ID,
		PatternName: p.Name,
		TotalSteps:  total,
	}
	var span time.Duration
	if p.MaxSpanMs > 0 {
		span = time.Duration(p.MaxSpanMs) * time.Millisecond
	}

	var best []event.Event
	for a, ev := range sorted {
		if total == 0 || !p.Steps[0].Accepts(ev.Domain, ev.EventType) {
			continue
		}
		matched := walk(sorted[a:], p, span)
		if len(matched) > len(best) {
			best = matched
		}
		if span == 0 || len(best) == total {
			break
		}
	}

	m.MatchedEvents = best
	m.StepsCompleted = len(best)
	m.StepsRemaining = total - len(best)
	m.MatchScore = score(best, len(best), total)
	return m
}

// walk matches greedily from an anchor that satisfies step 0.
func walk(from []event.Event, p *SequencePattern, span time.Duration) []event.Event {
	anchor := from[0].OccurredAt
	matched := []event.Event{from[0]}
	for _, ev := range from[1:] {
		if len(matched) == len(p.Steps) {
			break
		}
		if span > 0 && ev.OccurredAt.Sub(anchor) > span {
			break
		}
		if p.Steps[len(matched)].Accepts(ev.Domain, ev.EventType) {
			matched = append(matched, ev)
		}
	}
	return matched
}

// score is stepsCompleted/total plus a density bonus for partial matches.
// The bonus stays below 1/total, so one more completed step always outranks
// any bonus earned with fewer steps.
func score(matched []event.Event, completed, total int) float64 {
	if total == 0 || completed == 0 {
		return 0
	}
	if completed == total {
		return 1
	}
	base := float64(completed) / float64(total)
	if completed < 2 {
		return base
	}
	spanHours := matched[len(matched)-1].OccurredAt.Sub(matched[0].OccurredAt).Hours()
	if spanHours < 0 {
		spanHours = 0
	}
	density := 1 / (1 + spanHours/24)
	return base + (0.5/float64(total))*density
}

// MatchAll matches the timeline against every pattern in the library.
// The timeline is sorted internally; results follow library order.
func MatchAll(timeline []event.Event, lib *Library) []TimelineMatch {
	sorted := SortTimeline(timeline)
	out := make([]TimelineMatch, 0, lib.Len())
	for _, p := range lib.Patterns() {
		out = append(out, Match(sorted, p))
	}
	return out
}

// MatchPattern matches the timeline against a single named pattern.
func MatchPattern(timeline []event.Event, lib *Library, patternID string) (TimelineMatch, error) {
	p, ok := lib.Get(patternID)
	if !ok {
		return TimelineMatch{}, fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
	}
	return Match(SortTimeline(timeline), p), nil
}

// Rank keeps matches with at least minSteps completed steps and orders them
// by score, then steps completed, then pattern id.
func Rank(matches []TimelineMatch, minSteps int) []TimelineMatch {
	out := make([]TimelineMatch, 0, len(matches))
	for _, m := range matches {
		if m.StepsCompleted >= minSteps {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MatchScore != b.MatchScore {
			return a.MatchScore > b.MatchScore
		}
		if a.StepsCompleted != b.StepsCompleted {
			return a.StepsCompleted > b.StepsCompleted
		}
		return a.PatternID < b.PatternID
	})
	return out
}
