// Package guard implements the idempotency guard: a bounded,
// thread-safe set of recently accepted task ids, backed by an LRU cache so
// eviction is by insertion/access order once capacity is reached.
package guard

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// ProcessedSet is the bounded ordered set of task ids an agent has accepted
// into step 4 of the pipeline. contains+insert is linearizable: callers
// serialize through the embedded mutex, since this is a shared mutable
// resource read and written from every in-flight task's goroutine.
type ProcessedSet struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewProcessedSet creates a set with the given capacity (default 10000).
func NewProcessedSet(capacity int) (*ProcessedSet, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &ProcessedSet{cache: cache}, nil
}

// Contains reports whether taskID has already been accepted.
func (p *ProcessedSet) Contains(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Contains(taskID)
}

// Insert records taskID as accepted, evicting the least-recently-used entry
// if the set is at capacity.
func (p *ProcessedSet) Insert(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(taskID, struct{}{})
}

// Len reports the number of tracked task ids (for tests/telemetry).
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}
