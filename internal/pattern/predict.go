package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// Prediction sources.
const (
	SourceRule    = "rule"
	SourceBackend = "backend"
)

// Prediction describes the step a campaign is expected to take next.
type Prediction struct {
	PatternID  string   `json:"pattern_id"`
	StepIndex  int      `json:"step_index"`
	Domain     string   `json:"predicted_domain"`
	EventTypes []string `json:"predicted_event_types"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
}

// PredictNext returns the deterministic next-step prediction for m.
// A complete match predicts its last step again.
func PredictNext(p *SequencePattern, m TimelineMatch) Prediction {
	idx := m.StepsCompleted
	if idx >= len(p.Steps) {
		idx = len(p.Steps) - 1
	}
	step := p.Steps[idx]
	progress := 0.0
	if m.TotalSteps > 0 {
		progress = float64(m.StepsCompleted) / float64(m.TotalSteps)
	}
	return Prediction{
		PatternID:  p.ID,
		StepIndex:  idx,
		Domain:     step.Domain,
		EventTypes: append([]string(nil), step.EventTypes...),
		Confidence: 0.6 + 0.3*progress,
		Source:     SourceRule,
	}
}

// Refiner adjusts a rule-based prediction confidence, typically by asking
// the reasoning backend.
type Refiner interface {
	RefinePrediction(ctx context.Context, m TimelineMatch, p Prediction) (float64, error)
}

// Predictor produces predictions, optionally refined. A nil refiner means
// predictions are always rule-based.
type Predictor struct {
	refiner Refiner
	logger  *slog.Logger
}

// NewPredictor creates a Predictor. refiner may be nil.
func NewPredictor(refiner Refiner, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{refiner: refiner, logger: logger}
}

// Predict returns the refined prediction, or the rule value when the refiner
// is absent, fails, returns a confidence outside [0,1], or is still running
// when ctx is done.
func (pr *Predictor) Predict(ctx context.Context, p *SequencePattern, m TimelineMatch) Prediction {
	pred := PredictNext(p, m)
	if pr == nil || pr.refiner == nil || ctx.Err() != nil {
		return pred
	}
	conf, err := pr.refine(ctx, m, pred)
	if err != nil {
		pr.logger.Debug("prediction refinement failed, using rule value", "pattern", p.ID, "err", err)
		return pred
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		pr.logger.Debug("prediction refinement out of range, using rule value", "pattern", p.ID, "confidence", conf)
		return pred
	}
	pred.Confidence = conf
	pred.Source = SourceBackend
	return pred
}

// refine stops waiting when ctx is done, even if the refiner ignores it.
func (pr *Predictor) refine(ctx context.Context, m TimelineMatch, pred Prediction) (float64, error) {
	type result struct {
		conf float64
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if v := recover(); v != nil {
				r.err = fmt.Errorf("refiner panicked: %v", v)
			}
			ch <- r
		}()
		r.conf, r.err = pr.refiner.RefinePrediction(ctx, m, pred)
	}()
	select {
	case r := <-ch:
		return r.conf, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
