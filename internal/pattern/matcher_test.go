package pattern_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id, domain, typ string, offset time.Duration) event.Event {
	return event.Event{
		ID:         id,
		Domain:     domain,
		EventType:  typ,
		SellerID:   "seller_1",
		OccurredAt: t0.Add(offset),
	}
}

func fourStepLibrary(t *testing.T) *pattern.Library {
	t.Helper()
	lib, err := pattern.NewLibrary([]pattern.SequencePattern{
		{
			ID: "p_bust",
			Steps: []pattern.Step{
				{Domain: "onboarding", EventTypes: []string{"account_created"}},
				{Domain: "listing", EventTypes: []string{"listing_created"}},
				{Domain: "payout", EventTypes: []string{"payout_requested"}},
				{Domain: "ato", EventTypes: []string{"new_device_login"}},
			},
		},
		{
			ID: "p_takeover",
			Steps: []pattern.Step{
				{Domain: "ato", EventTypes: []string{"new_device_login"}},
				{Domain: "payout", EventTypes: []string{"payout_requested"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewLibrary error: %v", err)
	}
	return lib
}

func TestMatch_PartialProgressAndPrediction(t *testing.T) {
	lib := fourStepLibrary(t)
	timeline := []event.Event{
		ev("e1", "onboarding", "account_created", 0),
		ev("e2", "listing", "listing_created", time.Hour),
	}

	m, err := pattern.MatchPattern(timeline, lib, "p_bust")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.StepsCompleted != 2 || m.StepsRemaining != 2 || m.TotalSteps != 4 {
		t.Errorf("expected 2/2/4, got %d/%d/%d", m.StepsCompleted, m.StepsRemaining, m.TotalSteps)
	}
	if m.MatchScore < 0.5 || m.MatchScore >= 0.75 {
		t.Errorf("expected score in [0.5, 0.75), got %v", m.MatchScore)
	}

	p, _ := lib.Get("p_bust")
	pred := pattern.PredictNext(p, m)
	if pred.Domain != "payout" {
		t.Errorf("expected predicted domain payout, got %s", pred.Domain)
	}
	if pred.StepIndex != 2 {
		t.Errorf("expected step index 2, got %d", pred.StepIndex)
	}
	if want := 0.75; math.Abs(pred.Confidence-want) > 1e-9 {
		t.Errorf("expected confidence %v, got %v", want, pred.Confidence)
	}
}

func TestMatch_EmptyTimeline(t *testing.T) {
	lib := fourStepLibrary(t)
	for _, m := range pattern.MatchAll(nil, lib) {
		if m.StepsCompleted != 0 || m.MatchScore != 0 {
			t.Errorf("%s: expected zero progress, got steps=%d score=%v", m.PatternID, m.StepsCompleted, m.MatchScore)
		}
		if m.StepsRemaining != m.TotalSteps {
			t.Errorf("%s: expected all steps remaining", m.PatternID)
		}
	}
}

func TestMatch_SortsInputChronologically(t *testing.T) {
	lib := fourStepLibrary(t)
	// Listing arrives first but happened after onboarding.
	timeline := []event.Event{
		ev("e2", "listing", "listing_created", time.Hour),
		ev("e1", "onboarding", "account_created", 0),
	}
	m, _ := pattern.MatchPattern(timeline, lib, "p_bust")
	if m.StepsCompleted != 2 {
		t.Fatalf("expected 2 steps after sorting, got %d", m.StepsCompleted)
	}
	if m.MatchedEvents[0].ID != "e1" || m.MatchedEvents[1].ID != "e2" {
		t.Errorf("unexpected matched order: %s, %s", m.MatchedEvents[0].ID, m.MatchedEvents[1].ID)
	}
}

func TestMatch_NoRetroactiveSteps(t *testing.T) {
	lib := fourStepLibrary(t)
	// Listing happens before onboarding, so it cannot satisfy step 2.
	timeline := []event.Event{
		ev("e1", "listing", "listing_created", 0),
		ev("e2", "onboarding", "account_created", time.Hour),
	}
	m, _ := pattern.MatchPattern(timeline, lib, "p_bust")
	if m.StepsCompleted != 1 {
		t.Errorf("expected 1 step, got %d", m.StepsCompleted)
	}
}

func TestMatch_LeftmostQualifyingEvent(t *testing.T) {
	lib := fourStepLibrary(t)
	timeline := []event.Event{
		ev("a", "onboarding", "account_created", 0),
		ev("b", "onboarding", "account_created", time.Minute),
		ev("c", "listing", "listing_created", 2*time.Minute),
	}
	m, _ := pattern.MatchPattern(timeline, lib, "p_bust")
	if m.MatchedEvents[0].ID != "a" {
		t.Errorf("expected earliest event a, got %s", m.MatchedEvents[0].ID)
	}
	if m.StepsCompleted != 2 {
		t.Errorf("expected 2 steps, got %d", m.StepsCompleted)
	}
}

func TestMatch_EventSatisfiesOneStepOnly(t *testing.T) {
	lib, err := pattern.NewLibrary([]pattern.SequencePattern{{
		ID: "double_return",
		Steps: []pattern.Step{
			{Domain: "returns", EventTypes: []string{"return_requested"}},
			{Domain: "returns", EventTypes: []string{"return_requested"}},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	one := []event.Event{ev("r1", "returns", "return_requested", 0)}
	m, _ := pattern.MatchPattern(one, lib, "double_return")
	if m.StepsCompleted != 1 {
		t.Errorf("expected 1 step from a single event, got %d", m.StepsCompleted)
	}
	two := append(one, ev("r2", "returns", "return_requested", time.Minute))
	m, _ = pattern.MatchPattern(two, lib, "double_return")
	if !m.Complete() || m.MatchScore != 1 {
		t.Errorf("expected full match with score 1, got steps=%d score=%v", m.StepsCompleted, m.MatchScore)
	}
}

func TestMatch_CaseInsensitiveEligibility(t *testing.T) {
	lib := fourStepLibrary(t)
	m, _ := pattern.MatchPattern([]event.Event{ev("e1", "Onboarding", "ACCOUNT_CREATED", 0)}, lib, "p_bust")
	if m.StepsCompleted != 1 {
		t.Errorf("expected case-insensitive match, got %d steps", m.StepsCompleted)
	}
}

func TestMatch_MaxSpanStopsProgress(t *testing.T) {
	lib, err := pattern.NewLibrary([]pattern.SequencePattern{{
		ID:        "fast",
		MaxSpanMs: int64(time.Hour / time.Millisecond),
		Steps: []pattern.Step{
			{Domain: "ato", EventTypes: []string{"new_device_login"}},
			{Domain: "payout", EventTypes: []string{"payout_requested"}},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	timeline := []event.Event{
		ev("e1", "ato", "new_device_login", 0),
		ev("e2", "payout", "payout_requested", 3*time.Hour),
	}
	m, _ := pattern.MatchPattern(timeline, lib, "fast")
	if m.StepsCompleted != 1 {
		t.Errorf("expected span to stop at 1 step, got %d", m.StepsCompleted)
	}
}

func TestMatch_StaleAnchorDoesNotHideCampaign(t *testing.T) {
	lib := pattern.Builtin()
	day := 24 * time.Hour
	campaign := []event.Event{
		ev("reset", "ato", "password_reset", 20*day),
		ev("bank", "profile", "bank_account_changed", 20*day+time.Hour),
		ev("payout", "payout", "instant_payout", 20*day+2*time.Hour),
	}
	withStale := append([]event.Event{ev("login", "ato", "new_device_login", 0)}, campaign...)

	tests := []struct {
		name     string
		timeline []event.Event
	}{
		{"campaign only", campaign},
		{"old login before campaign", withStale},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := pattern.MatchPattern(tc.timeline, lib, "ato_payout_redirect")
			if err != nil {
				t.Fatal(err)
			}
			if m.StepsCompleted != 3 || m.MatchScore != 1 {
				t.Fatalf("expected full match, got steps=%d score=%v", m.StepsCompleted, m.MatchScore)
			}
			if m.MatchedEvents[0].ID != "reset" {
				t.Errorf("expected match anchored at reset, got %s", m.MatchedEvents[0].ID)
			}
		})
	}
}

func TestMatch_EqualProgressKeepsEarliestAnchor(t *testing.T) {
	lib, err := pattern.NewLibrary([]pattern.SequencePattern{{
		ID:        "fast",
		MaxSpanMs: int64(time.Hour / time.Millisecond),
		Steps: []pattern.Step{
			{Domain: "ato", EventTypes: []string{"new_device_login"}},
			{Domain: "payout", EventTypes: []string{"payout_requested"}},
			{Domain: "profile", EventTypes: []string{"email_changed"}},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	timeline := []event.Event{
		ev("a1", "ato", "new_device_login", 0),
		ev("p1", "payout", "payout_requested", 30*time.Minute),
		ev("a2", "ato", "new_device_login", 5*time.Hour),
		ev("p2", "payout", "payout_requested", 5*time.Hour+30*time.Minute),
	}
	m, _ := pattern.MatchPattern(timeline, lib, "fast")
	if m.StepsCompleted != 2 || m.MatchedEvents[0].ID != "a1" {
		t.Errorf("expected 2 steps from a1, got %d from %v", m.StepsCompleted, m.MatchedEvents)
	}
}

func TestMatch_UnknownPattern(t *testing.T) {
	lib := fourStepLibrary(t)
	_, err := pattern.MatchPattern(nil, lib, "nope")
	if !errors.Is(err, pattern.ErrPatternNotFound) {
		t.Errorf("expected ErrPatternNotFound, got %v", err)
	}
}

func TestMatch_Bounds(t *testing.T) {
	lib := pattern.Builtin()
	timeline := []event.Event{
		ev("1", "onboarding", "account_created", 0),
		ev("2", "ato", "new_device_login", time.Hour),
		ev("3", "profile", "bank_account_changed", 2*time.Hour),
		ev("4", "listing", "listing_created", 3*time.Hour),
		ev("5", "payout", "payout_requested", 4*time.Hour),
		ev("6", "ato", "password_reset", 5*time.Hour),
		ev("7", "transaction", "order_placed", 6*time.Hour),
		ev("8", "returns", "return_requested", 7*time.Hour),
	}
	for _, m := range pattern.MatchAll(timeline, lib) {
		p, _ := lib.Get(m.PatternID)
		if m.TotalSteps != len(p.Steps) {
			t.Errorf("%s: total %d != %d steps", m.PatternID, m.TotalSteps, len(p.Steps))
		}
		if m.StepsCompleted < 0 || m.StepsCompleted > m.TotalSteps {
			t.Errorf("%s: steps completed %d out of range", m.PatternID, m.StepsCompleted)
		}
		if m.MatchScore < 0 || m.MatchScore > 1 {
			t.Errorf("%s: score %v out of range", m.PatternID, m.MatchScore)
		}
		if len(m.MatchedEvents) != m.StepsCompleted {
			t.Errorf("%s: %d matched events for %d steps", m.PatternID, len(m.MatchedEvents), m.StepsCompleted)
		}
	}
}

func TestMatch_MonotonicWhenAppendingNextStep(t *testing.T) {
	lib := fourStepLibrary(t)
	p, _ := lib.Get("p_bust")
	var timeline []event.Event
	prev := -1.0
	for i, step := range p.Steps {
		// Spread events widely so the density bonus shrinks as the span grows.
		timeline = append(timeline, ev(step.Domain, step.Domain, step.EventTypes[0], time.Duration(i*i)*24*time.Hour))
		m, _ := pattern.MatchPattern(timeline, lib, "p_bust")
		if m.MatchScore < prev {
			t.Fatalf("score decreased at step %d: %v < %v", i, m.MatchScore, prev)
		}
		if m.StepsCompleted != i+1 {
			t.Fatalf("expected %d steps, got %d", i+1, m.StepsCompleted)
		}
		prev = m.MatchScore
	}
}

func TestMatch_DensityBonusFavoursTightCampaigns(t *testing.T) {
	lib := fourStepLibrary(t)
	tight := []event.Event{
		ev("1", "onboarding", "account_created", 0),
		ev("2", "listing", "listing_created", time.Hour),
	}
	loose := []event.Event{
		ev("1", "onboarding", "account_created", 0),
		ev("2", "listing", "listing_created", 30*24*time.Hour),
	}
	a, _ := pattern.MatchPattern(tight, lib, "p_bust")
	b, _ := pattern.MatchPattern(loose, lib, "p_bust")
	if a.MatchScore <= b.MatchScore {
		t.Errorf("expected tight campaign to score higher: %v <= %v", a.MatchScore, b.MatchScore)
	}
}

func TestMatchAll_Deterministic(t *testing.T) {
	lib := pattern.Builtin()
	timeline := []event.Event{
		ev("1", "ato", "new_device_login", 0),
		ev("2", "profile", "bank_account_changed", time.Hour),
		ev("3", "onboarding", "account_created", time.Hour),
		ev("4", "payout", "instant_payout", 2*time.Hour),
	}
	first := pattern.Rank(pattern.MatchAll(timeline, lib), 1)
	second := pattern.Rank(pattern.MatchAll(timeline, lib), 1)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results across runs")
	}
}

func TestRank_OrderAndFilter(t *testing.T) {
	matches := []pattern.TimelineMatch{
		{PatternID: "b", MatchScore: 0.5, StepsCompleted: 2},
		{PatternID: "a", MatchScore: 0.5, StepsCompleted: 2},
		{PatternID: "c", MatchScore: 0.5, StepsCompleted: 1},
		{PatternID: "d", MatchScore: 0.9, StepsCompleted: 3},
		{PatternID: "e", MatchScore: 0, StepsCompleted: 0},
	}
	got := pattern.Rank(matches, 1)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.PatternID)
	}
	want := []string{"d", "a", "b", "c"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestPredictNext_CompleteClampsToLastStep(t *testing.T) {
	lib := fourStepLibrary(t)
	p, _ := lib.Get("p_takeover")
	m := pattern.TimelineMatch{PatternID: p.ID, StepsCompleted: 2, TotalSteps: 2}
	pred := pattern.PredictNext(p, m)
	if pred.StepIndex != 1 || pred.Domain != "payout" {
		t.Errorf("expected last step payout, got %d %s", pred.StepIndex, pred.Domain)
	}
	if math.Abs(pred.Confidence-0.9) > 1e-9 {
		t.Errorf("expected 0.9, got %v", pred.Confidence)
	}
}

type fakeRefiner struct {
	conf float64
	err  error
}

func (f fakeRefiner) RefinePrediction(context.Context, pattern.TimelineMatch, pattern.Prediction) (float64, error) {
	return f.conf, f.err
}

func TestPredictor_Fallbacks(t *testing.T) {
	lib := fourStepLibrary(t)
	p, _ := lib.Get("p_bust")
	m := pattern.TimelineMatch{PatternID: p.ID, StepsCompleted: 1, TotalSteps: 4}
	rule := pattern.PredictNext(p, m).Confidence

	cases := []struct {
		name       string
		refiner    pattern.Refiner
		wantConf   float64
		wantSource string
	}{
		{"no refiner", nil, rule, pattern.SourceRule},
		{"refined", fakeRefiner{conf: 0.42}, 0.42, pattern.SourceBackend},
		{"error", fakeRefiner{err: errors.New("down")}, rule, pattern.SourceRule},
		{"out of range", fakeRefiner{conf: 7}, rule, pattern.SourceRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred := pattern.NewPredictor(tc.refiner, nil).Predict(context.Background(), p, m)
			if pred.Confidence != tc.wantConf || pred.Source != tc.wantSource {
				t.Errorf("expected %v/%s, got %v/%s", tc.wantConf, tc.wantSource, pred.Confidence, pred.Source)
			}
		})
	}
}

// stuckRefiner ignores its context and answers late.
type stuckRefiner struct{ delay time.Duration }

func (s stuckRefiner) RefinePrediction(context.Context, pattern.TimelineMatch, pattern.Prediction) (float64, error) {
	time.Sleep(s.delay)
	return 0.99, nil
}

func TestPredictor_DeadlineFallsBackToRule(t *testing.T) {
	lib := fourStepLibrary(t)
	p, _ := lib.Get("p_bust")
	m := pattern.TimelineMatch{PatternID: p.ID, StepsCompleted: 1, TotalSteps: 4}
	pr := pattern.NewPredictor(stuckRefiner{delay: 2 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	pred := pr.Predict(ctx, p, m)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("predict waited %v for a stuck refiner", elapsed)
	}
	if pred.Source != pattern.SourceRule {
		t.Errorf("expected rule fallback after deadline, got %s", pred.Source)
	}

	// An expired context skips the refiner entirely.
	start = time.Now()
	if pred = pr.Predict(ctx, p, m); pred.Source != pattern.SourceRule || time.Since(start) > 100*time.Millisecond {
		t.Errorf("expected immediate rule prediction on expired context")
	}
}
