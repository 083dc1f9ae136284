// Package dedup remembers inbound alert ids so each id is processed at most
// once. Sets are bounded by size and by a time window instead of growing for
// the life of the process.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Set records alert ids. Add reports true the first time an id is seen
// within the window.
type Set interface {
	Add(ctx context.Context, id string) (bool, error)
}

// Memory is an in-process Set that evicts the least recently seen id when
// full and forgets ids after the window.
type Memory struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// NewMemory returns a Memory holding at most size ids for window each.
func NewMemory(size int, window time.Duration) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{lru: expirable.NewLRU[string, struct{}](size, nil, window)}
}

// Add implements Set.
func (m *Memory) Add(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lru.Get(id); ok {
		return false, nil
	}
	m.lru.Add(id, struct{}{})
	return true, nil
}

// Len returns the number of remembered ids.
func (m *Memory) Len() int {
	return m.lru.Len()
}
