// Package monitor runs scan cycles over buffered seller events. Each Monitor
// owns its buffer, detection ring and cycle history; a Runtime routes
// ingested events to the monitors subscribed to their topic.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/reasoning"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

var (
	// ErrScanInProgress is returned when a cycle is requested while another
	// one is running. The request is dropped, not queued.
	ErrScanInProgress = errors.New("monitor: scan already in progress")
	ErrAlreadyStarted = errors.New("monitor: already started")
)

// Kind selects how a monitor builds its scan input.
type Kind string

const (
	// KindGeneric groups the new events by seller.
	KindGeneric Kind = "generic"
	// KindCorrelation also keeps a per-seller timeline across scans and
	// attaches ranked sequence matches and next-step predictions.
	KindCorrelation Kind = "correlation"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerTimer        Trigger = "timer"
	TriggerAcceleration Trigger = "acceleration"
	TriggerManual       Trigger = "manual"
)

// CycleStatus is the outcome of a cycle.
type CycleStatus string

const (
	CycleOK     CycleStatus = "OK"
	CycleFailed CycleStatus = "FAILED"
)

// Config is the immutable configuration of one monitor.
type Config struct {
	ID                    string
	Name                  string
	Role                  string
	Kind                  Kind
	Capabilities          []string // tool allow-list; empty means every tool
	ScanInterval          time.Duration
	AccelerationThreshold int // 0 disables burst-triggered scans
	Topics                []string
	ReasoningTimeout      time.Duration
	RefineTimeout         time.Duration // correlation only, all predictions of one cycle
	HistorySize           int
	TimelineWindow        time.Duration // correlation only
	MaxTimelineEvents     int           // correlation only, per seller
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Kind == "" {
		c.Kind = KindGeneric
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.ReasoningTimeout <= 0 {
		c.ReasoningTimeout = time.Minute
	}
	if c.RefineTimeout <= 0 {
		c.RefineTimeout = 10 * time.Second
	}
	if c.RefineTimeout > c.ReasoningTimeout {
		c.RefineTimeout = c.ReasoningTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.TimelineWindow <= 0 {
		c.TimelineWindow = 30 * 24 * time.Hour
	}
	if c.MaxTimelineEvents <= 0 {
		c.MaxTimelineEvents = 500
	}
}

// CycleRecord describes one finished scan cycle.
type CycleRecord struct {
	CycleID           string      `json:"cycle_id"`
	Trigger           Trigger     `json:"trigger"`
	StartedAt         time.Time   `json:"started_at"`
	CompletedAt       time.Time   `json:"completed_at"`
	EventCount        int         `json:"event_count"`
	DetectionsEmitted int         `json:"detections_emitted"`
	Status            CycleStatus `json:"status"`
	Error             string      `json:"error,omitempty"`
}

// Deps are the collaborators of a monitor.
type Deps struct {
	Backend   reasoning.Backend
	Tools     *tools.Registry
	Catalog   *pattern.Catalog
	Predictor *pattern.Predictor // correlation only; nil uses rule predictions
	Sinks     detection.Capabilities
	Pipeline  detection.PipelineConfig // MonitorID is filled in by New
}

// Monitor is one autonomous scanner.
type Monitor struct {
	conf     Config
	deps     Deps
	pipeline *detection.Pipeline
	logger   *slog.Logger
	now      func() time.Time

	buf      Buffer
	scanning atomic.Bool
	trigger  chan struct{}

	// timelines is only touched by the cycle holding scanning.
	timelines map[string][]event.Event

	mu      sync.Mutex
	history []CycleRecord
	cycles  int
	started bool
	stopC   chan struct{}
	done    chan struct{}
}

// New creates a Monitor. It does not start the timer.
func New(conf Config, deps Deps, logger *slog.Logger) (*Monitor, error) {
	if conf.ID == "" {
		return nil, errors.New("monitor: id is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("monitor %s: reasoning backend is required", conf.ID)
	}
	if conf.Kind == KindCorrelation && deps.Catalog == nil {
		return nil, fmt.Errorf("monitor %s: correlation monitors need a pattern catalog", conf.ID)
	}
	conf.applyDefaults()
	if conf.Kind != KindGeneric && conf.Kind != KindCorrelation {
		return nil, fmt.Errorf("monitor %s: unknown kind %q", conf.ID, conf.Kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	deps.Pipeline.MonitorID = conf.ID
	return &Monitor{
		conf:      conf,
		deps:      deps,
		pipeline:  detection.NewPipeline(deps.Pipeline, deps.Sinks, logger),
		logger:    logger.With("monitor", conf.ID),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		timelines: make(map[string][]event.Event),
		stopC:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the monitor id.
func (m *Monitor) ID() string { return m.conf.ID }

// Config returns the monitor configuration.
func (m *Monitor) Config() Config { return m.conf }

// Ingest buffers ev for the next scan. It never blocks on a running scan.
// When the number of waiting events reaches the acceleration threshold a
// scan is requested ahead of the timer.
func (m *Monitor) Ingest(ev event.Event) {
	n := m.buf.Append(ev)
	metrics.EventsIngested.WithLabelValues(m.conf.ID).Inc()
	metrics.BufferDepth.WithLabelValues(m.conf.ID).Set(float64(n))
	if m.conf.AccelerationThreshold > 0 && n >= m.conf.AccelerationThreshold {
		m.requestScan()
	}
}

func (m *Monitor) requestScan() {
	if m.scanning.Load() {
		return
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Start launches the scheduling goroutine. Stop or cancelling ctx ends it.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	go m.loop(ctx)
	m.logger.Info("monitor started", "kind", m.conf.Kind, "interval", m.conf.ScanInterval, "topics", m.conf.Topics)
	return nil
}

// Stop ends the scheduling goroutine and waits for a running cycle to
// finish. It is safe to call more than once, and on a monitor that was
// never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	select {
	case <-m.stopC:
	default:
		close(m.stopC)
	}
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.conf.ScanInterval)
	defer timer.Stop()

	for {
		var trig Trigger
		select {
		case <-ctx.Done():
			return
		case <-m.stopC:
			return
		case <-timer.C:
			trig = TriggerTimer
		case <-m.trigger:
			trig = TriggerAcceleration
		}

		_, err := m.runCycle(ctx, trig)
		if err != nil && !errors.Is(err, ErrScanInProgress) {
			m.logger.Warn("scan cycle error", "err", err)
		}

		// The interval counts from the end of the last cycle.
		timer.Stop()
		timer.Reset(m.conf.ScanInterval)

		// A request raised just before the cycle started is stale; a burst
		// that built up during the cycle asks again.
		select {
		case <-m.trigger:
		default:
		}
		if m.conf.AccelerationThreshold > 0 && m.buf.Len() >= m.conf.AccelerationThreshold {
			m.requestScan()
		}
	}
}

// RunOneCycle runs a scan immediately. It returns ErrScanInProgress without
// waiting when a cycle is already running.
func (m *Monitor) RunOneCycle(ctx context.Context) (CycleRecord, error) {
	return m.runCycle(ctx, TriggerManual)
}

func (m *Monitor) runCycle(ctx context.Context, trig Trigger) (CycleRecord, error) {
	if !m.scanning.CompareAndSwap(false, true) {
		metrics.ScansSkipped.WithLabelValues(m.conf.ID, string(trig)).Inc()
		m.logger.Warn("scan trigger skipped, cycle in progress", "trigger", trig)
		return CycleRecord{}, ErrScanInProgress
	}
	defer m.scanning.Store(false)

	rec := CycleRecord{
		CycleID:   uuid.New().String(),
		Trigger:   trig,
		StartedAt: m.now(),
		Status:    CycleOK,
	}
	snapshot := m.buf.Swap()
	metrics.BufferDepth.WithLabelValues(m.conf.ID).Set(float64(m.buf.Len()))
	rec.EventCount = len(snapshot)

	if len(snapshot) > 0 {
		in := m.buildInput(ctx, rec.CycleID, snapshot)
		raw, err := m.reason(ctx, in)
		if err != nil {
			rec.Status = CycleFailed
			rec.Error = err.Error()
			m.logger.Warn("reasoning failed", "cycle", rec.CycleID, "err", err)
		} else {
			reports := m.pipeline.Process(ctx, raw, in.Matches())
			rec.DetectionsEmitted = len(reports)
			if err := calibrationError(reports); err != nil {
				rec.Status = CycleFailed
				rec.Error = err.Error()
			}
		}
	}

	rec.CompletedAt = m.now()
	m.record(rec)
	metrics.ScansTotal.WithLabelValues(m.conf.ID, string(trig), string(rec.Status)).Inc()
	metrics.ScanDuration.WithLabelValues(m.conf.ID).Observe(float64(rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()))
	m.logger.Debug("scan cycle completed",
		"cycle", rec.CycleID, "trigger", trig, "events", rec.EventCount,
		"detections", rec.DetectionsEmitted, "status", rec.Status)
	return rec, nil
}

// calibrationError returns the first calibrator failure in reports. Sink
// failures do not fail a cycle; a broken calibrator does.
func calibrationError(reports []detection.Report) error {
	for _, r := range reports {
		for _, o := range r.Failed() {
			if o.Sink == detection.SinkCalibrator {
				return fmt.Errorf("calibration: %w", o.Err)
			}
		}
	}
	return nil
}

// reason calls the backend under the reasoning timeout. A backend that
// ignores its context is abandoned when the timeout expires.
func (m *Monitor) reason(ctx context.Context, in *reasoning.ScanInput) (detection.RawResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.conf.ReasoningTimeout)
	defer cancel()

	type answer struct {
		raw detection.RawResult
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		var a answer
		defer func() {
			if r := recover(); r != nil {
				a.err = fmt.Errorf("reasoning backend panicked: %v", r)
			}
			ch <- a
		}()
		a.raw, a.err = m.deps.Backend.Reason(ctx, in, m.deps.Tools)
	}()

	select {
	case a := <-ch:
		return a.raw, a.err
	case <-ctx.Done():
		return nil, fmt.Errorf("reasoning timed out after %v: %w", m.conf.ReasoningTimeout, ctx.Err())
	}
}

func (m *Monitor) record(rec CycleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	m.history = append(m.history, rec)
	if over := len(m.history) - m.conf.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

// History returns the retained cycle records, oldest first.
func (m *Monitor) History() []CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CycleRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Detections returns the retained detections, oldest first.
func (m *Monitor) Detections() []detection.Detection {
	return m.pipeline.Ring().Snapshot()
}

// Status is a point-in-time view of a monitor.
type Status struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Role           string                `json:"role"`
	Kind           Kind                  `json:"kind"`
	Topics         []string              `json:"topics"`
	ScanIntervalMs int64                 `json:"scan_interval_ms"`
	Running        bool                  `json:"running"`
	Scanning       bool                  `json:"scanning"`
	Buffered       int                   `json:"buffered"`
	Cycles         int                   `json:"cycles"`
	LastCycle      *CycleRecord          `json:"last_cycle,omitempty"`
	Detections     detection.RingMetrics `json:"detections"`
}

// Status reports the current state of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	// Running means the scheduling goroutine is alive; it exits on Stop or
	// when its context is cancelled.
	running := m.started
	select {
	case <-m.stopC:
		running = false
	case <-m.done:
		running = false
	default:
	}
	st := Status{
		ID:             m.conf.ID,
		Name:           m.conf.Name,
		Role:           m.conf.Role,
		Kind:           m.conf.Kind,
		Topics:         m.conf.Topics,
		ScanIntervalMs: m.conf.ScanInterval.Milliseconds(),
		Running:        running,
		Cycles:         m.cycles,
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		st.LastCycle = &last
	}
	m.mu.Unlock()

	st.Scanning = m.scanning.Load()
	st.Buffered = m.buf.Len()
	st.Detections = m.pipeline.Ring().Metrics()
	return st
}

// buildInput turns a snapshot into the scan input for this monitor's kind.
func (m *Monitor) buildInput(ctx context.Context, cycleID string, snapshot []event.Event) *reasoning.ScanInput {
	in := &reasoning.ScanInput{
		MonitorID:    m.conf.ID,
		Name:         m.conf.Name,
		Role:         m.conf.Role,
		Capabilities: m.conf.Capabilities,
		CycleID:      cycleID,
		EventCount:   len(snapshot),
	}

	// Grouping keeps ingestion order within each seller.
	bySeller := make(map[string][]event.Event)
	for _, ev := range snapshot {
		bySeller[ev.SellerID] = append(bySeller[ev.SellerID], ev)
	}
	ids := make([]string, 0, len(bySeller))
	for id := range bySeller {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Refinement shares one budget per cycle; once it runs out the
	// remaining predictions stay rule-based.
	if m.conf.Kind == KindCorrelation {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.conf.RefineTimeout)
		defer cancel()
	}
	for _, id := range ids {
		sc := reasoning.SellerContext{SellerID: id, NewEvents: bySeller[id]}
		if m.conf.Kind == KindCorrelation {
			m.correlate(ctx, &sc)
		}
		in.Sellers = append(in.Sellers, sc)
	}
	if m.conf.Kind == KindCorrelation {
		m.pruneTimelines()
	}
	return in
}

// correlate extends the seller's timeline with the new events and attaches
// ranked matches plus a prediction for every unfinished one.
func (m *Monitor) correlate(ctx context.Context, sc *reasoning.SellerContext) {
	tl := append(m.timelines[sc.SellerID], sc.NewEvents...)
	tl = pattern.SortTimeline(tl)
	tl = m.window(tl)
	m.timelines[sc.SellerID] = tl

	lib := m.deps.Catalog.Library()
	sc.Matches = pattern.Rank(pattern.MatchAll(tl, lib), 1)
	for _, match := range sc.Matches {
		if match.Complete() {
			continue
		}
		p, ok := lib.Get(match.PatternID)
		if !ok {
			continue
		}
		var pred pattern.Prediction
		if m.deps.Predictor != nil {
			pred = m.deps.Predictor.Predict(ctx, p, match)
		} else {
			pred = pattern.PredictNext(p, match)
		}
		sc.Predictions = append(sc.Predictions, pred)
	}
}

// window drops events older than the timeline window and keeps at most the
// newest MaxTimelineEvents. tl must be sorted.
func (m *Monitor) window(tl []event.Event) []event.Event {
	cutoff := m.now().Add(-m.conf.TimelineWindow)
	start := sort.Search(len(tl), func(i int) bool { return !tl[i].OccurredAt.Before(cutoff) })
	if over := len(tl) - start - m.conf.MaxTimelineEvents; over > 0 {
		start += over
	}
	return append([]event.Event(nil), tl[start:]...)
}

func (m *Monitor) pruneTimelines() {
	for id, tl := range m.timelines {
		if tl = m.window(tl); len(tl) == 0 {
			delete(m.timelines, id)
		} else {
			m.timelines[id] = tl
		}
	}
}
