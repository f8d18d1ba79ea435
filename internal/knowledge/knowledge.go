// Package knowledge defines the knowledge-base contract used for detection
// write-back and similarity search, plus an in-memory implementation.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Entry is one stored knowledge record.
type Entry struct {
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	SellerID  string    `json:"seller_id"`
	RiskScore float64   `json:"risk_score"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is a search result with its similarity.
type Hit struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// Filters narrows a search. Empty fields match everything.
type Filters struct {
	SellerID string `json:"seller_id,omitempty"`
	Category string `json:"category,omitempty"`
}

func (f Filters) match(e Entry) bool {
	if f.SellerID != "" && e.SellerID != f.SellerID {
		return false
	}
	if f.Category != "" && !strings.EqualFold(e.Category, f.Category) {
		return false
	}
	return true
}

// Base is the knowledge-base collaborator.
type Base interface {
	AddKnowledge(ctx context.Context, collection string, entries []Entry) error
	SearchKnowledge(ctx context.Context, collection, query string, filters Filters, topK int) ([]Hit, error)
}

// Tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard overlap between the query tokens and text.
func Similarity(query map[string]struct{}, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	doc := Tokenize(text)
	inter := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			inter++
		}
	}
	union := len(query) + len(doc) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Rank filters entries, scores them against query and returns the best topK.
// Entries with zero similarity are dropped unless query is empty, in which
// case the newest entries are returned.
func Rank(entries []Entry, query string, filters Filters, topK int) []Hit {
	q := Tokenize(query)
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		if !filters.match(e) {
			continue
		}
		sim := Similarity(q, e.Text)
		if len(q) > 0 && sim == 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e, Similarity: sim})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Memory is an in-process Base, bounded per collection.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Entry
	maxEntries  int
}

// NewMemory creates a Memory keeping at most maxEntries per collection
// (0 = 10000).
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{collections: make(map[string][]Entry), maxEntries: maxEntries}
}

func (m *Memory) AddKnowledge(_ context.Context, collection string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c := m.collections[collection]
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		c = append(c, e)
	}
	if over := len(c) - m.maxEntries; over > 0 {
		c = append([]Entry(nil), c[over:]...)
	}
	m.collections[collection] = c
	return nil
}

func (m *Memory) SearchKnowledge(_ context.Context, collection, query string, filters Filters, topK int) ([]Hit, error) {
	m.mu.RLock()
	entries := append([]Entry(nil), m.collections[collection]...)
	m.mu.RUnlock()
	return Rank(entries, query, filters, topK), nil
}
