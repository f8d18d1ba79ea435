package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
)

// AllTopics subscribes a monitor to every topic.
const AllTopics = "*"

// Runtime owns a fixed set of monitors and routes events to them by topic.
type Runtime struct {
	monitors []*Monitor // sorted by id
	byID     map[string]*Monitor
	byTopic  map[string][]*Monitor
	topics   map[string]bool // every named topic, for transport subscriptions
	logger   *slog.Logger
}

// NewRuntime creates a Runtime. Monitor ids must be unique. A monitor is
// registered once per distinct topic, and only under the wildcard when it
// subscribes to it, so no event reaches a monitor twice.
func NewRuntime(logger *slog.Logger, monitors ...*Monitor) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		byID:    make(map[string]*Monitor, len(monitors)),
		byTopic: make(map[string][]*Monitor),
		topics:  make(map[string]bool),
		logger:  logger,
	}
	for _, m := range monitors {
		if _, dup := r.byID[m.ID()]; dup {
			return nil, fmt.Errorf("duplicate monitor id %q", m.ID())
		}
		r.byID[m.ID()] = m
		r.monitors = append(r.monitors, m)
		for _, t := range routeTopics(m.conf.Topics) {
			r.byTopic[t] = append(r.byTopic[t], m)
		}
		for _, t := range m.conf.Topics {
			if t != AllTopics {
				r.topics[t] = true
			}
		}
	}
	sort.Slice(r.monitors, func(i, j int) bool { return r.monitors[i].ID() < r.monitors[j].ID() })
	return r, nil
}

// routeTopics deduplicates topics and collapses them to the wildcard when
// it is present.
func routeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == AllTopics {
			return []string{AllTopics}
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Route hands ev to every monitor subscribed to its topic and returns how
// many received it.
func (r *Runtime) Route(ev event.Event) int {
	n := 0
	for _, m := range r.byTopic[ev.Topic] {
		m.Ingest(ev)
		n++
	}
	if ev.Topic != AllTopics {
		for _, m := range r.byTopic[AllTopics] {
			m.Ingest(ev)
			n++
		}
	}
	if n == 0 {
		metrics.EventsUnrouted.Inc()
		r.logger.Debug("event not routed", "topic", ev.Topic, "event_id", ev.ID)
	}
	return n
}

// Topics returns every subscribed topic, sorted, excluding the wildcard.
func (r *Runtime) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Monitor returns the monitor with the given id.
func (r *Runtime) Monitor(id string) (*Monitor, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Monitors returns all monitors ordered by id.
func (r *Runtime) Monitors() []*Monitor {
	return r.monitors
}

// Start starts every monitor.
func (r *Runtime) Start(ctx context.Context) error {
	for _, m := range r.monitors {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start monitor %s: %w", m.ID(), err)
		}
	}
	return nil
}

// Stop stops every monitor and waits for running cycles to finish.
func (r *Runtime) Stop() {
	for _, m := range r.monitors {
		m.Stop()
	}
}
