package config

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the config for:
//   - Duplicate or missing monitor ids
//   - Unknown monitor kinds and reasoning backends
//   - Monitors that subscribe to nothing, or to a topic twice
//   - Calibration knots that are not monotone
//
// Every problem is reported, not only the first.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if len(cfg.Monitors) == 0 {
		errs = append(errs, "at least one monitor is required")
	}
	ids := make(map[string]int)
	for i, m := range cfg.Monitors {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("monitors[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[m.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate monitor id %q (monitors[%d] and monitors[%d])", m.ID, prev, i))
		} else {
			ids[m.ID] = i
		}
		if m.Kind != "generic" && m.Kind != "correlation" {
			errs = append(errs, fmt.Sprintf("monitor %s: kind must be generic or correlation, got %q", m.ID, m.Kind))
		}
		if len(m.SubscribedTopics) == 0 {
			errs = append(errs, fmt.Sprintf("monitor %s: subscribed_topics must not be empty", m.ID))
		}
		seen := make(map[string]bool, len(m.SubscribedTopics))
		for _, topic := range m.SubscribedTopics {
			if seen[topic] {
				errs = append(errs, fmt.Sprintf("monitor %s: topic %q is listed more than once", m.ID, topic))
			}
			seen[topic] = true
		}
		if seen["*"] && len(seen) > 1 {
			errs = append(errs, fmt.Sprintf("monitor %s: \"*\" already covers every topic; list no others", m.ID))
		}
		if m.ScanIntervalMs < 0 || m.ReasoningTimeoutMs < 0 || m.RefineTimeoutMs < 0 || m.HistorySize < 0 {
			errs = append(errs, fmt.Sprintf("monitor %s: intervals and sizes must not be negative", m.ID))
		}
		if m.EventAccelerationThreshold < 0 {
			errs = append(errs, fmt.Sprintf("monitor %s: event_acceleration_threshold must not be negative", m.ID))
		}
	}

	switch cfg.Reasoning.Backend {
	case "rules":
	case "chat":
		if cfg.Reasoning.URL == "" {
			errs = append(errs, "reasoning: url is required for the chat backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("reasoning: backend must be rules or chat, got %q", cfg.Reasoning.Backend))
	}

	if t := cfg.Pipeline.BroadcastThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Sprintf("pipeline: broadcast_threshold must be within [0,1], got %v", *t))
	}
	errs = append(errs, validateCalibration(cfg.Calibration.Points)...)

	if cfg.Kafka.Consume && len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka: consume requires brokers")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateCalibration(points []PointConf) []string {
	if len(points) == 0 {
		return nil
	}
	if len(points) == 1 {
		return []string{"calibration: at least 2 points are required"}
	}
	var errs []string
	ps := append([]PointConf(nil), points...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Raw < ps[j].Raw })
	for i, p := range ps {
		if p.Calibrated < 0 || p.Calibrated > 1 {
			errs = append(errs, fmt.Sprintf("calibration: calibrated value %v outside [0,1]", p.Calibrated))
		}
		if i == 0 {
			continue
		}
		if p.Raw == ps[i-1].Raw {
			errs = append(errs, fmt.Sprintf("calibration: duplicate raw value %v", p.Raw))
		}
		if p.Calibrated < ps[i-1].Calibrated {
			errs = append(errs, fmt.Sprintf("calibration: calibrated values must not decrease (at raw %v)", p.Raw))
		}
	}
	return errs
}
