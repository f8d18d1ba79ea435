package detection

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawResult is the decoded reasoning-backend output. A nil RawResult means
// the backend produced nothing.
type RawResult map[string]any

// ResultKeys lists the accepted finding containers in priority order.
var ResultKeys = []string{"detections", "findings", "actions", "alerts"}

// Findings is the normalized view of a RawResult: the container that was
// used and the raw items it held.
type Findings struct {
	Key   string
	Items []map[string]any
}

// Extract picks the first key in ResultKeys holding an array. Missing or
// non-array values yield an empty Findings.
func Extract(raw RawResult) Findings {
	for _, key := range ResultKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		f := Findings{Key: key}
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				f.Items = append(f.Items, m)
			}
		}
		return f
	}
	return Findings{}
}

// Normalize converts a RawResult into detections. Items without a seller id
// are dropped. DetectedAt, ID and MonitorID are stamped by the pipeline.
func Normalize(raw RawResult) []Detection {
	f := Extract(raw)
	out := make([]Detection, 0, len(f.Items))
	for _, item := range f.Items {
		d, ok := fromItem(item, f.Key)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func fromItem(item map[string]any, key string) (Detection, bool) {
	d := Detection{
		SellerID:    str(item, "sellerId", "seller_id"),
		Type:        str(item, "type", "detectionType", "detection_type", "category"),
		Severity:    ParseSeverity(str(item, "severity", "level")),
		PatternID:   str(item, "patternId", "pattern_id"),
		Description: str(item, "description", "summary", "reason", "evidence"),
	}
	if d.SellerID == "" {
		return Detection{}, false
	}
	if d.Type == "" {
		d.Type = strings.TrimSuffix(key, "s")
	}
	if v, ok := num(item, "matchScore", "match_score", "confidence"); ok {
		d.MatchScore = &v
	}
	if v, ok := num(item, "riskScore", "risk_score"); ok {
		d.RiskScore = &v
	}
	if v, ok := num(item, "stepsCompleted", "steps_completed"); ok {
		d.StepsCompleted = int(v)
	}
	if v, ok := num(item, "totalSteps", "total_steps"); ok {
		d.TotalSteps = int(v)
	}
	if d.TotalSteps > 0 && d.StepsCompleted > d.TotalSteps {
		d.StepsCompleted = d.TotalSteps
	}
	return d, true
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
