package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	x402 "github.com/becomeliminal/x402-router"
)

func failure(id int) x402.SettlementFailure {
	return x402.SettlementFailure{ID: fmt.Sprintf("f-%d", id), Route: "GET /api/weather", Amount: "100000"}
}

func ids(failures []x402.SettlementFailure) []string {
	out := make([]string, len(failures))
	for i, f := range failures {
		out[i] = f.ID
	}
	return out
}

func TestMemoryStoreRecent(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		appended int
		limit    int
		want     []string
	}{
		{"empty", 3, 0, 0, []string{}},
		{"newest first", 3, 2, 0, []string{"f-1", "f-0"}},
		{"limit", 3, 3, 2, []string{"f-2", "f-1"}},
		{"evicts oldest", 3, 5, 0, []string{"f-4", "f-3", "f-2"}},
		{"limit above size", 3, 1, 10, []string{"f-0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(tt.capacity)
			for i := 0; i < tt.appended; i++ {
				if err := store.Append(context.Background(), failure(i)); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			got, err := store.Recent(context.Background(), tt.limit)
			if err != nil {
				t.Fatalf("Recent failed: %v", err)
			}
			if fmt.Sprint(ids(got)) != fmt.Sprint(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids(got))
			}
		})
	}
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	store := NewMemoryStore(50)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Append(context.Background(), failure(i))
		}(i)
	}
	wg.Wait()

	got, _ := store.Recent(context.Background(), 0)
	if len(got) != 50 {
		t.Errorf("expected 50 kept failures, got %d", len(got))
	}
}

func TestNewMemoryStoreDefaultCapacity(t *testing.T) {
	if store := NewMemoryStore(0); store.capacity != DefaultCapacity {
		t.Errorf("expected default capacity, got %d", store.capacity)
	}
}
