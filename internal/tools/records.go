package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/store"
)

// Field names accepted on stored records; stores written by different
// services use either casing.
var (
	sellerKeys = []string{"seller_id", "sellerId"}
	timeKeys   = []string{"occurred_at", "occurredAt", "created_at", "createdAt", "timestamp"}
	amountKeys = []string{"amount", "value"}
)

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

func numberParam(params map[string]any, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func recordString(r store.Record, keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

func recordTime(r store.Record) (time.Time, bool) {
	for _, k := range timeKeys {
		switch v := r[k].(type) {
		case time.Time:
			return v, true
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, true
			}
		case float64:
			return time.UnixMilli(int64(v)), true
		case int64:
			return time.UnixMilli(v), true
		}
	}
	return time.Time{}, false
}

func recordAmount(r store.Record) float64 {
	for _, k := range amountKeys {
		switch v := r[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func forSeller(records []store.Record, sellerID string) []store.Record {
	var out []store.Record
	for _, r := range records {
		if recordString(r, sellerKeys...) == sellerID {
			out = append(out, r)
		}
	}
	return out
}

// since keeps records at or after cutoff. Records without a timestamp are
// dropped.
func since(records []store.Record, cutoff time.Time) []store.Record {
	var out []store.Record
	for _, r := range records {
		if t, ok := recordTime(r); ok && !t.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// toEvent converts a seller_events record into an Event.
func toEvent(r store.Record) (event.Event, bool) {
	ev := event.Event{
		ID:        recordString(r, "id", "event_id"),
		Topic:     recordString(r, "topic"),
		Domain:    recordString(r, "domain"),
		EventType: recordString(r, "event_type", "eventType", "type"),
		SellerID:  recordString(r, sellerKeys...),
	}
	if p, ok := r["payload"].(map[string]any); ok {
		ev.Payload = p
	}
	t, ok := recordTime(r)
	if !ok || ev.Domain == "" || ev.EventType == "" {
		return event.Event{}, false
	}
	ev.OccurredAt = t
	return ev, true
}
