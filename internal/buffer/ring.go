// Package buffer provides the bounded per-(symbol,exchange) event buffers
// used by the collector. Buffers are append-only and drop the oldest entry
// at capacity, so insertion order always equals append order.
package buffer

import (
	"sync"

	"liqflow/internal/models"
)

// Ring is a fixed-capacity ring buffer of liquidation events.
type Ring struct {
	mu    sync.RWMutex
	data  []models.LiquidationEvent
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring buffer with the given capacity. Capacities below 1
// are raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{data: make([]models.LiquidationEvent, capacity)}
}

// Append adds an event, evicting the oldest entry when full.
func (r *Ring) Append(e models.LiquidationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % len(r.data)
	r.data[tail] = e
	if r.count < len(r.data) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.data)
	}
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int { return len(r.data) }

// Snapshot returns a copy of the buffered events in insertion order
// (oldest first). Callers never see the live backing array.
func (r *Ring) Snapshot() []models.LiquidationEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.LiquidationEvent, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}
