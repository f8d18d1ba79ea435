package detection

import (
	"sync"
	"sync/atomic"
)

// DefaultRingSize is the number of detections a monitor keeps.
const DefaultRingSize = 200

// Ring is a fixed-capacity FIFO of detections. Pushing into a full ring
// evicts the oldest entry.
type Ring struct {
	mu    sync.Mutex
	buf   []Detection
	size  int
	head  int // index of the oldest entry
	count int

	totalPushed  atomic.Uint64
	totalEvicted atomic.Uint64
}

// NewRing creates a Ring; size <= 0 uses DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Detection, size), size: size}
}

// Push appends d, evicting the oldest entry when full.
func (r *Ring) Push(d Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % r.size
	r.buf[tail] = d
	if r.count == r.size {
		r.head = (r.head + 1) % r.size
		r.totalEvicted.Add(1)
	} else {
		r.count++
	}
	r.totalPushed.Add(1)
}

// Snapshot returns the stored detections oldest-first.
func (r *Ring) Snapshot() []Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Detection, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%r.size]
	}
	return out
}

// Len returns the number of stored detections.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return r.size }

// RingMetrics holds ring counters.
type RingMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Metrics returns ring statistics.
func (r *Ring) Metrics() RingMetrics {
	return RingMetrics{
		Pushed:   r.totalPushed.Load(),
		Evicted:  r.totalEvicted.Load(),
		Depth:    r.Len(),
		Capacity: r.size,
	}
}
