// Package ledger keeps recent settlement failures for operators.
package ledger

import (
	"context"
	"sync"

	x402 "github.com/becomeliminal/x402-router"
)

// DefaultCapacity bounds how many failures a store keeps.
const DefaultCapacity = 1000

// Store keeps the most recent settlement failures, newest first.
type Store interface {
	Append(ctx context.Context, failure x402.SettlementFailure) error
	Recent(ctx context.Context, limit int) ([]x402.SettlementFailure, error)
}

// MemoryStore is a bounded in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	items    []x402.SettlementFailure
	next     int
	full     bool
	capacity int
}

// NewMemoryStore creates a store holding at most capacity failures.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		items:    make([]x402.SettlementFailure, capacity),
		capacity: capacity,
	}
}

// Append implements Store. The oldest failure is evicted once full.
func (s *MemoryStore) Append(ctx context.Context, failure x402.SettlementFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[s.next] = failure
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Recent implements Store. limit <= 0 returns everything kept.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]x402.SettlementFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = s.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]x402.SettlementFailure, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, s.items[(s.next-i+s.capacity)%s.capacity])
	}
	return out, nil
}
