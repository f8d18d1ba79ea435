package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
)

// Sink names used in outcomes and metrics.
const (
	SinkEventBus  = "event_bus"
	SinkMessenger = "messenger"
	SinkKnowledge = "knowledge"
	// SinkCalibrator reports a calibrator failure. The detection is kept
	// but not broadcast.
	SinkCalibrator = "calibrator"
)

// DefaultBroadcastThreshold applies when PipelineConfig leaves the threshold
// unset.
const DefaultBroadcastThreshold = 0.6

// EventBus publishes domain events. Delivery is fire-and-forget.
type EventBus interface {
	Emit(ctx context.Context, topic string, payload any) error
}

// Message is an inter-monitor broadcast.
type Message struct {
	From        string   `json:"from"`
	Content     string   `json:"content"`
	Priority    Priority `json:"priority"`
	SellerID    string   `json:"seller_id"`
	DetectionID string   `json:"detection_id"`
}

// Messenger broadcasts messages to other monitors.
type Messenger interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Capabilities are the optional collaborators of a pipeline. A nil field
// means the collaborator is absent; this is decided once at construction.
type Capabilities struct {
	Bus        EventBus
	Messenger  Messenger
	Knowledge  knowledge.Base
	Calibrator Calibrator
}

// PipelineConfig tunes a pipeline.
type PipelineConfig struct {
	MonitorID           string
	Topic               string        // event-bus topic for detections
	KnowledgeCollection string        // knowledge-base collection for summaries
	BroadcastThreshold  *float64      // calibrated confidence must exceed this; nil means the default
	RingSize            int           // detections retained
	SinkTimeout         time.Duration // per side-effect call
}

// SinkOutcome is the result of one side-effect call. A nil Err means Ok.
type SinkOutcome struct {
	Sink string
	Err  error
}

// Ok reports whether the call succeeded.
func (o SinkOutcome) Ok() bool { return o.Err == nil }

// Report describes what happened to one detection.
type Report struct {
	Detection Detection
	Outcomes  []SinkOutcome
	Broadcast bool
}

// Failed returns the outcomes that did not succeed.
func (r Report) Failed() []SinkOutcome {
	var out []SinkOutcome
	for _, o := range r.Outcomes {
		if !o.Ok() {
			out = append(out, o)
		}
	}
	return out
}

// Pipeline processes reasoning output for one monitor.
type Pipeline struct {
	conf   PipelineConfig
	caps   Capabilities
	ring   *Ring
	logger *slog.Logger
	now    func() time.Time
}

// NewPipeline creates a Pipeline. A nil calibrator is replaced by Identity.
func NewPipeline(conf PipelineConfig, caps Capabilities, logger *slog.Logger) *Pipeline {
	if conf.Topic == "" {
		conf.Topic = "fraud.detections"
	}
	if conf.KnowledgeCollection == "" {
		conf.KnowledgeCollection = "detections"
	}
	if conf.BroadcastThreshold == nil {
		t := DefaultBroadcastThreshold
		conf.BroadcastThreshold = &t
	}
	if conf.SinkTimeout == 0 {
		conf.SinkTimeout = 5 * time.Second
	}
	if caps.Calibrator == nil {
		caps.Calibrator = Identity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		conf:   conf,
		caps:   caps,
		ring:   NewRing(conf.RingSize),
		logger: logger.With("monitor", conf.MonitorID),
		now:    time.Now,
	}
}

// Ring returns the detection ring.
func (p *Pipeline) Ring() *Ring { return p.ring }

// Process normalizes raw and runs every detection through the sinks.
// matches, keyed by seller, completes pattern progress the backend omitted;
// it may be nil.
func (p *Pipeline) Process(ctx context.Context, raw RawResult, matches map[string][]pattern.TimelineMatch) []Report {
	dets := Normalize(raw)
	reports := make([]Report, 0, len(dets))
	for _, d := range dets {
		reports = append(reports, p.handle(ctx, d, matches))
	}
	return reports
}

func (p *Pipeline) handle(ctx context.Context, d Detection, matches map[string][]pattern.TimelineMatch) Report {
	d.ID = uuid.New().String()
	d.MonitorID = p.conf.MonitorID
	d.DetectedAt = p.now()
	enrich(&d, matches[d.SellerID])

	var calErr error
	if score, ok := d.Score(); ok {
		c, err := p.calibrate(score)
		if err != nil {
			calErr = err
			p.logger.Warn("calibration failed", "seller", d.SellerID, "err", err)
			metrics.SinkOutcomes.WithLabelValues(SinkCalibrator, "failed").Inc()
		} else {
			d.CalibratedConfidence = &c
		}
	}

	p.ring.Push(d)
	metrics.DetectionsEmitted.WithLabelValues(p.conf.MonitorID, string(d.Severity)).Inc()

	rep := Report{Detection: d}
	if calErr != nil {
		rep.Outcomes = append(rep.Outcomes, SinkOutcome{Sink: SinkCalibrator, Err: calErr})
	}
	if p.caps.Bus != nil {
		rep.Outcomes = append(rep.Outcomes, p.attempt(ctx, SinkEventBus, func(ctx context.Context) error {
			return p.caps.Bus.Emit(ctx, p.conf.Topic, d)
		}))
	}
	if p.caps.Messenger != nil && calErr == nil && p.shouldBroadcast(d) {
		rep.Broadcast = true
		msg := Message{
			From:        p.conf.MonitorID,
			Content:     d.Summary(),
			Priority:    PriorityFor(d.Severity),
			SellerID:    d.SellerID,
			DetectionID: d.ID,
		}
		rep.Outcomes = append(rep.Outcomes, p.attempt(ctx, SinkMessenger, func(ctx context.Context) error {
			return p.caps.Messenger.Broadcast(ctx, msg)
		}))
	}
	if p.caps.Knowledge != nil {
		risk, _ := d.Score()
		entry := knowledge.Entry{
			Text:      d.Summary(),
			Category:  d.Type,
			SellerID:  d.SellerID,
			RiskScore: risk,
			Source:    p.conf.MonitorID,
			CreatedAt: d.DetectedAt,
		}
		rep.Outcomes = append(rep.Outcomes, p.attempt(ctx, SinkKnowledge, func(ctx context.Context) error {
			return p.caps.Knowledge.AddKnowledge(ctx, p.conf.KnowledgeCollection, []knowledge.Entry{entry})
		}))
	}
	return rep
}

// shouldBroadcast gates on calibrated confidence when the detection carries
// a score, and on severity otherwise.
func (p *Pipeline) shouldBroadcast(d Detection) bool {
	if d.CalibratedConfidence != nil {
		return *d.CalibratedConfidence > *p.conf.BroadcastThreshold
	}
	return d.Severity == SeverityHigh || d.Severity == SeverityCritical
}

// calibrate guards the calibrator collaborator. A panic becomes an error.
func (p *Pipeline) calibrate(score float64) (c float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calibrator panicked: %v", r)
		}
	}()
	return p.caps.Calibrator.CalibratedConfidence(score), nil
}

// attempt runs one sink call in isolation. Errors and panics become a
// failed outcome.
func (p *Pipeline) attempt(ctx context.Context, sink string, fn func(context.Context) error) (out SinkOutcome) {
	out.Sink = sink
	ctx, cancel := context.WithTimeout(ctx, p.conf.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("%s panicked: %v", sink, r)
		}
		status := "ok"
		if out.Err != nil {
			status = "failed"
			p.logger.Warn("detection sink failed", "sink", sink, "err", out.Err)
		}
		metrics.SinkOutcomes.WithLabelValues(sink, status).Inc()
	}()
	out.Err = fn(ctx)
	return out
}

// enrich fills pattern progress from the matcher when the backend named a
// pattern but left the step counts out.
func enrich(d *Detection, matches []pattern.TimelineMatch) {
	if d.PatternID == "" {
		return
	}
	for _, m := range matches {
		if m.PatternID != d.PatternID {
			continue
		}
		if d.TotalSteps == 0 {
			d.TotalSteps = m.TotalSteps
			d.StepsCompleted = m.StepsCompleted
		}
		if d.MatchScore == nil {
			s := m.MatchScore
			d.MatchScore = &s
		}
		return
	}
}
