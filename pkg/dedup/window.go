// Package dedup tracks recently seen transaction identifiers in a fixed-capacity window.
//
// The window is a ring buffer paired with an index of ring slots. Adding an identifier when the
// window is full evicts the oldest one in O(1). Remove releases a claim early, leaving an empty
// slot that is reused when the ring wraps. An identifier that has been evicted can be dispatched again if
// the ledger transport redelivers it after the window has wrapped; the capacity should be sized
// against expected throughput and the observed redelivery latency.
package dedup

import (
	"errors"
	"sync"
)

// DefaultCapacity is the number of identifiers remembered when no capacity is configured.
const DefaultCapacity = 10000

// Window is a bounded, concurrency safe set of recently seen identifiers.
type Window struct {
	mu    sync.Mutex
	ring  []string
	next  int
	size  int
	index map[string]int
}

// NewWindow returns an empty window that remembers at most capacity identifiers.
func NewWindow(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, errors.New("invalid capacity: must be greater than 0")
	}
	return &Window{
		ring:  make([]string, capacity),
		index: make(map[string]int, capacity),
	}, nil
}

// Contains reports whether id is currently in the window.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.index[id]
	return ok
}

// Add inserts id and returns false if it was already present.
func (w *Window) Add(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index[id]; ok {
		return false
	}
	if w.size == len(w.ring) {
		if old := w.ring[w.next]; old != "" && w.index[old] == w.next {
			delete(w.index, old)
		}
	} else {
		w.size++
	}
	w.ring[w.next] = id
	w.index[id] = w.next
	w.next = (w.next + 1) % len(w.ring)
	return true
}

// Remove drops id so a later Add succeeds again. It reports whether id was present.
func (w *Window) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.index[id]
	if !ok {
		return false
	}
	delete(w.index, id)
	w.ring[slot] = ""
	return true
}

// Len returns the number of identifiers currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Capacity returns the maximum number of identifiers held.
func (w *Window) Capacity() int {
	return len(w.ring)
}
