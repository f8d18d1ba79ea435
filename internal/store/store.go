// Package store provides read-only paged access to domain records
// (transactions, payouts, returns, profile changes, seller events).
package store

import (
	"context"
	"fmt"
	"sync"
)

// Collections known to the builtin tools.
const (
	CollectionSellerEvents   = "seller_events"
	CollectionTransactions   = "transactions"
	CollectionPayouts        = "payouts"
	CollectionReturns        = "returns"
	CollectionProfileChanges = "profile_changes"
	CollectionListings       = "listings"
)

// Record is one domain record as a loosely typed document.
type Record map[string]any

// Reader is the record-store collaborator. Implementations never write.
// Pages are ordered newest first, so a capped read keeps the recent window.
type Reader interface {
	GetAll(ctx context.Context, collection string, limit, offset int) ([]Record, error)
}

// ReadAll pages through a collection, newest first, until it is exhausted or
// max records have been read (max <= 0 means no cap).
func ReadAll(ctx context.Context, r Reader, collection string, pageSize, max int) ([]Record, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var out []Record
	for offset := 0; ; offset += pageSize {
		page, err := r.GetAll(ctx, collection, pageSize, offset)
		if err != nil {
			return out, fmt.Errorf("read %s at offset %d: %w", collection, offset, err)
		}
		out = append(out, page...)
		if max > 0 && len(out) >= max {
			return out[:max], nil
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// Memory is an in-process Reader, used in tests and single-node setups.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Record
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]Record)}
}

// Append adds records to a collection in the order they were created. It is
// the seeding path for the in-memory store; the Reader contract itself stays
// read-only.
func (m *Memory) Append(collection string, records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], records...)
}

func (m *Memory) GetAll(_ context.Context, collection string, limit, offset int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.collections[collection]
	if offset >= len(recs) {
		return nil, nil
	}
	n := len(recs) - offset
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	for i := range out {
		out[i] = recs[len(recs)-1-offset-i]
	}
	return out, nil
}
