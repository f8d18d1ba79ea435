package monitor

import (
	"sync"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
)

// Buffer holds events between scans. Append never blocks on a scan and
// never drops; Swap hands the accumulated events to the scan and starts a
// fresh buffer.
type Buffer struct {
	mu     sync.Mutex
	events []event.Event
}

// Append adds ev and returns the number of events waiting since the last
// swap.
func (b *Buffer) Append(ev event.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return len(b.events)
}

// Swap returns the buffered events in ingestion order and clears the buffer.
func (b *Buffer) Swap() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Len returns the number of events waiting for the next scan.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
