package exec

import (
	"context"
	"errors"
	"sync"
	"testing"

	"spread-grid-bot/internal/exchange"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockGateway struct {
	mu          sync.Mutex
	submits     int
	cancels     int
	venueID     string
	failSubmits int
}

func (m *mockGateway) Submit(ctx context.Context, order exchange.Order) (string, error) {
	_ = ctx
	_ = order
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.failSubmits > 0 {
		m.failSubmits--
		return "", errors.New("venue unavailable")
	}
	return m.venueID, nil
}

func (m *mockGateway) Cancel(ctx context.Context, instrument, clientRef string) error {
	_ = ctx
	_ = instrument
	_ = clientRef
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return nil
}

func TestSubmitIdempotent(t *testing.T) {
	store := newMemoryStore()
	gateway := &mockGateway{venueID: "v-1"}
	executor := New(gateway, store, zap.NewNop())

	ctx := context.Background()
	order := exchange.Order{Instrument: "PAXGUSDT", Side: exchange.SideBuy, Quantity: 1, ClientRef: "ref-1"}

	id1, err := executor.Submit(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.Submit(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same venue id, got %s and %s", id1, id2)
	}
	if gateway.submits != 1 {
		t.Fatalf("expected 1 gateway submit, got %d", gateway.submits)
	}

	// New executor over the same store simulates a restart.
	gateway2 := &mockGateway{venueID: "v-2"}
	executor2 := New(gateway2, store, zap.NewNop())
	id3, err := executor2.Submit(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected stored venue id %s, got %s", id1, id3)
	}
	if gateway2.submits != 0 {
		t.Fatalf("expected no submits after restart, got %d", gateway2.submits)
	}
}

func TestSubmitRetriesTransientFailure(t *testing.T) {
	gateway := &mockGateway{venueID: "v-1", failSubmits: 2}
	executor := New(gateway, nil, zap.NewNop())

	id, err := executor.Submit(context.Background(), exchange.Order{ClientRef: "ref-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "v-1" {
		t.Fatalf("venue id = %s, want v-1", id)
	}
	if gateway.submits != 3 {
		t.Fatalf("expected 3 submits, got %d", gateway.submits)
	}
}
