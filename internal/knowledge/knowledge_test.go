package knowledge_test

import (
	"context"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func entries() []knowledge.Entry {
	return []knowledge.Entry{
		{Text: "payout redirect after ATO", Category: "fraud", SellerID: "s1", CreatedAt: base},
		{Text: "returns ring: empty_box returns", Category: "abuse", SellerID: "s2", CreatedAt: base.Add(time.Hour)},
		{Text: "instant payout burst", Category: "fraud", SellerID: "s2", CreatedAt: base.Add(2 * time.Hour)},
	}
}

func TestSimilarity(t *testing.T) {
	q := knowledge.Tokenize("Payout ATO")
	if got := knowledge.Similarity(q, "payout redirect after ato"); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := knowledge.Similarity(q, "nothing shared"); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
	if got := knowledge.Similarity(nil, "payout"); got != 0 {
		t.Errorf("empty query should score 0, got %v", got)
	}
}

func TestRank(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		filters knowledge.Filters
		topK    int
		want    []string
	}{
		{"best overlap first", "payout ato", knowledge.Filters{}, 0, []string{"s1", "s2"}},
		{"seller filter", "payout", knowledge.Filters{SellerID: "s2"}, 0, []string{"s2"}},
		{"category filter is case-insensitive", "returns", knowledge.Filters{Category: "ABUSE"}, 0, []string{"s2"}},
		{"no overlap drops entries", "chargeback", knowledge.Filters{}, 0, nil},
		{"empty query returns newest", "", knowledge.Filters{}, 2, []string{"s2", "s2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hits := knowledge.Rank(entries(), tc.query, tc.filters, tc.topK)
			if len(hits) != len(tc.want) {
				t.Fatalf("expected %d hits, got %d: %+v", len(tc.want), len(hits), hits)
			}
			for i, h := range hits {
				if h.SellerID != tc.want[i] {
					t.Errorf("hit %d: expected seller %s, got %s", i, tc.want[i], h.SellerID)
				}
			}
		})
	}
}

func TestMemory_CapsPerCollection(t *testing.T) {
	ctx := context.Background()
	kb := knowledge.NewMemory(2)
	if err := kb.AddKnowledge(ctx, "detections", entries()); err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}
	if err := kb.AddKnowledge(ctx, "other", entries()[:1]); err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}

	hits, err := kb.SearchKnowledge(ctx, "detections", "", knowledge.Filters{}, 0)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(hits))
	}
	for _, h := range hits {
		if h.SellerID == "s1" {
			t.Errorf("oldest entry should have been evicted")
		}
	}

	hits, _ = kb.SearchKnowledge(ctx, "other", "ato", knowledge.Filters{}, 5)
	if len(hits) != 1 || hits[0].SellerID != "s1" {
		t.Errorf("collections should be independent, got %+v", hits)
	}
}
