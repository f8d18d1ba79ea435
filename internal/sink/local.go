package sink

import (
	"context"
	"sync"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
)

// LocalMessenger fans broadcasts out to in-process subscribers. It keeps the
// most recent messages so they can be inspected.
type LocalMessenger struct {
	mu     sync.RWMutex
	subs   []func(detection.Message)
	recent []detection.Message
	keep   int
}

// NewLocalMessenger creates a LocalMessenger retaining keep messages
// (default 100).
func NewLocalMessenger(keep int) *LocalMessenger {
	if keep <= 0 {
		keep = 100
	}
	return &LocalMessenger{keep: keep}
}

// Subscribe registers fn for every later broadcast.
func (m *LocalMessenger) Subscribe(fn func(detection.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *LocalMessenger) Broadcast(_ context.Context, msg detection.Message) error {
	m.mu.Lock()
	m.recent = append(m.recent, msg)
	if over := len(m.recent) - m.keep; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}
	subs := m.subs
	m.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

// Recent returns the retained broadcasts, oldest first.
func (m *LocalMessenger) Recent() []detection.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]detection.Message(nil), m.recent...)
}
