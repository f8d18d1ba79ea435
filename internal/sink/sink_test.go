package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaBus_Emit(t *testing.T) {
	w := &fakeWriter{}
	bus := newKafkaBus(w, nil)
	d := detection.Detection{ID: "d1", MonitorID: "corr", SellerID: "s9", Severity: detection.SeverityCritical}
	if err := bus.Emit(context.Background(), "fraud.detections", d); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "fraud.detections" || string(m.Key) != "s9" {
		t.Errorf("unexpected topic/key %s/%s", m.Topic, m.Key)
	}
	if header(m, "severity") != "CRITICAL" || header(m, "monitor") != "corr" {
		t.Errorf("unexpected headers %+v", m.Headers)
	}
	var back detection.Detection
	if err := json.Unmarshal(m.Value, &back); err != nil || back.ID != "d1" {
		t.Errorf("value does not decode to the detection: %v", err)
	}
}

func TestKafkaBus_WriteError(t *testing.T) {
	bus := newKafkaBus(&fakeWriter{err: errors.New("leader not available")}, nil)
	if err := bus.Emit(context.Background(), "t", map[string]any{"x": 1}); err == nil {
		t.Errorf("expected write error")
	}
}

func TestEncodeMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		payload any
		wantKey string
		wantTyp string
		wantErr bool
	}{
		{"event keyed by seller", event.Event{SellerID: "s1"}, "s1", "event", false},
		{"arbitrary payload unkeyed", map[string]any{"a": 1}, "", "", false},
		{"unencodable", func() {}, "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := encodeMessage("topic", tc.payload, now)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(m.Key) != tc.wantKey || header(m, "type") != tc.wantTyp || !m.Time.Equal(now) {
				t.Errorf("unexpected message %+v", m)
			}
		})
	}
}

func TestRedisKnowledge_KeyAndCodec(t *testing.T) {
	k := NewRedisKnowledge(nil, "", 0)
	if got := k.key("detections"); got != "campaignwatch:kb:detections" {
		t.Errorf("unexpected key %s", got)
	}
	if k.maxEntries != 10000 {
		t.Errorf("unexpected default cap %d", k.maxEntries)
	}

	values, err := encodeEntries([]knowledge.Entry{{Text: "bust_out s1", SellerID: "s1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := []string{string(values[0].([]byte)), "not json"}
	entries := decodeEntries(raw)
	if len(entries) != 1 || entries[0].SellerID != "s1" {
		t.Errorf("expected one decoded entry, got %+v", entries)
	}
}

func TestLocalMessenger(t *testing.T) {
	m := NewLocalMessenger(2)
	var got []string
	m.Subscribe(func(msg detection.Message) { got = append(got, msg.DetectionID) })
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Broadcast(context.Background(), detection.Message{DetectionID: id}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	if len(got) != 3 {
		t.Errorf("expected 3 deliveries, got %d", len(got))
	}
	if r := m.Recent(); len(r) != 2 || r[0].DetectionID != "b" {
		t.Errorf("expected last 2 retained, got %+v", r)
	}
}
