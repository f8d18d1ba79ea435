package reasoning_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/reasoning"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/store"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

func reply(w http.ResponseWriter, msg map[string]any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{map[string]any{"message": msg}}})
}

func TestChatBackend_ToolLoop(t *testing.T) {
	var calls atomic.Int32
	var sawToolResult atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Tools []any `json:"tools"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) == 1 {
			if len(req.Tools) == 0 {
				t.Errorf("expected tool definitions in first request")
			}
			reply(w, map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id": "c1", "type": "function",
					"function": map[string]any{"name": "return_ratio", "arguments": `{}`},
				}},
			})
			return
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" && strings.Contains(last.Content, "sellerId is required") {
			sawToolResult.Store(true)
		}
		reply(w, map[string]any{
			"role":    "assistant",
			"content": "```json\n{\"findings\":[{\"sellerId\":\"s1\",\"severity\":\"HIGH\",\"riskScore\":0.8}]}\n```",
		})
	}))
	defer srv.Close()

	reg := tools.NewRegistryFor(tools.Deps{Store: store.NewMemory(), Catalog: pattern.NewCatalog(pattern.Builtin())}, nil)
	b := reasoning.NewChatBackend(reasoning.ChatConfig{URL: srv.URL, APIKey: "k", Model: "m"}, nil)

	raw, err := b.Reason(context.Background(), &reasoning.ScanInput{MonitorID: "m1", Role: "returns"}, reg)
	if err != nil {
		t.Fatalf("Reason error: %v", err)
	}
	if !sawToolResult.Load() {
		t.Errorf("expected failed tool result to be sent back to the model")
	}
	dets := detection.Normalize(raw)
	if len(dets) != 1 || dets[0].SellerID != "s1" {
		t.Errorf("expected one detection for s1, got %+v", dets)
	}
}

func TestChatBackend_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusBadGateway) },
		},
		{
			name: "prose answer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				reply(w, map[string]any{"role": "assistant", "content": "Seller s1 looks fine."})
			},
			wantErr: reasoning.ErrUnparsable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			b := reasoning.NewChatBackend(reasoning.ChatConfig{URL: srv.URL}, nil)
			_, err := b.Reason(context.Background(), &reasoning.ScanInput{}, nil)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestChatBackend_NullAnswerIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"role": "assistant", "content": "null"})
	}))
	defer srv.Close()
	raw, err := reasoning.NewChatBackend(reasoning.ChatConfig{URL: srv.URL}, nil).Reason(context.Background(), &reasoning.ScanInput{}, nil)
	if err != nil || raw != nil {
		t.Errorf("expected nil result without error, got %v, %v", raw, err)
	}
}

func TestChatBackend_RefinePrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"role": "assistant", "content": `{"confidence": 0.82}`})
	}))
	defer srv.Close()

	b := reasoning.NewChatBackend(reasoning.ChatConfig{URL: srv.URL}, nil)
	lib := pattern.Builtin()
	p, _ := lib.Get("bust_out")
	m := pattern.TimelineMatch{PatternID: p.ID, StepsCompleted: 2, TotalSteps: 4}
	pred := pattern.NewPredictor(b, nil).Predict(context.Background(), p, m)
	if pred.Confidence != 0.82 || pred.Source != pattern.SourceBackend {
		t.Errorf("expected refined 0.82, got %v (%s)", pred.Confidence, pred.Source)
	}
}

func TestRuleBackend(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(domain, typ string, h int) event.Event {
		return event.Event{SellerID: "s1", Domain: domain, EventType: typ, OccurredAt: t0.Add(time.Duration(h) * time.Hour)}
	}
	in := &reasoning.ScanInput{Sellers: []reasoning.SellerContext{
		{SellerID: "s1", NewEvents: []event.Event{
			mk("ato", "new_device_login", 0),
			mk("profile", "bank_account_changed", 1),
			mk("payout", "instant_payout", 2),
		}},
		{SellerID: "s2", NewEvents: []event.Event{mk("listing", "listing_created", 0)}},
	}}
	b := reasoning.NewRuleBackend(pattern.NewCatalog(pattern.Builtin()), 0, 0)
	raw, err := b.Reason(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dets := detection.Normalize(raw)
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	d := dets[0]
	if d.PatternID != "ato_payout_redirect" || d.Severity != detection.SeverityCritical {
		t.Errorf("expected critical ato_payout_redirect, got %s %s", d.PatternID, d.Severity)
	}
	if d.StepsCompleted != 3 || d.TotalSteps != 3 {
		t.Errorf("expected 3/3 steps, got %d/%d", d.StepsCompleted, d.TotalSteps)
	}
}
