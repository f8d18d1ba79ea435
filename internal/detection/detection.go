// Package detection turns reasoning output into stored detections and fans
// them out to the event bus, the monitor messenger and the knowledge base.
package detection

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a detection.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity upper-cases s and falls back to MEDIUM for unknown values.
func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev
	}
	return SeverityMedium
}

// Priority of an inter-monitor broadcast.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
)

// PriorityFor maps CRITICAL to urgent and everything else to normal.
func PriorityFor(s Severity) Priority {
	if s == SeverityCritical {
		return PriorityUrgent
	}
	return PriorityNormal
}

// Detection is a finding produced by a scan cycle.
type Detection struct {
	ID                   string    `json:"id"`
	MonitorID            string    `json:"monitor_id"`
	SellerID             string    `json:"seller_id"`
	Type                 string    `json:"type"`
	Severity             Severity  `json:"severity"`
	MatchScore           *float64  `json:"match_score,omitempty"`
	RiskScore            *float64  `json:"risk_score,omitempty"`
	CalibratedConfidence *float64  `json:"calibrated_confidence,omitempty"`
	PatternID            string    `json:"pattern_id,omitempty"`
	StepsCompleted       int       `json:"steps_completed,omitempty"`
	TotalSteps           int       `json:"total_steps,omitempty"`
	Description          string    `json:"description,omitempty"`
	DetectedAt           time.Time `json:"detected_at"`
}

// Score returns the match score, else the risk score.
func (d *Detection) Score() (float64, bool) {
	if d.MatchScore != nil {
		return *d.MatchScore, true
	}
	if d.RiskScore != nil {
		return *d.RiskScore, true
	}
	return 0, false
}

// Summary is the short text written to the knowledge base and broadcast.
func (d *Detection) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s on seller %s", d.Severity, d.Type, d.SellerID)
	if d.PatternID != "" {
		fmt.Fprintf(&b, ": pattern %s", d.PatternID)
		if d.TotalSteps > 0 {
			fmt.Fprintf(&b, " (%d/%d steps)", d.StepsCompleted, d.TotalSteps)
		}
	}
	if s, ok := d.Score(); ok {
		fmt.Fprintf(&b, ", score %.2f", s)
	}
	if d.Description != "" {
		b.WriteString(" - ")
		b.WriteString(d.Description)
	}
	return b.String()
}
