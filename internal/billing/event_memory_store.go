package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEventNotFound is returned for unknown event ids.
var ErrEventNotFound = errors.New("webhook event not found")

// MemoryEventStore is an in-memory event store for demo/development mode.
type MemoryEventStore struct {
	events map[string]*EventRecord
	mu     sync.Mutex
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*EventRecord)}
}

func (m *MemoryEventStore) BeginProcessing(_ context.Context, id, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		m.events[id] = &EventRecord{
			ID:        id,
			Type:      eventType,
			CreatedAt: time.Now(),
		}
		return true, nil
	}
	if rec.Processed {
		return false, nil
	}
	rec.RetryCount++
	return true, nil
}

func (m *MemoryEventStore) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now()
	rec.Processed = true
	rec.Error = ""
	rec.ProcessedAt = &now
	return nil
}

func (m *MemoryEventStore) MarkFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	rec.Error = errMsg
	return nil
}

func (m *MemoryEventStore) Get(_ context.Context, id string) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryEventStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, rec := range m.events {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			purged++
		}
	}
	return purged, nil
}

var _ EventStore = (*MemoryEventStore)(nil)
