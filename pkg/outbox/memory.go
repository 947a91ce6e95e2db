package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process outbox used by the memory repository and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[int64]*Event), now: time.Now}
}

func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Append stores a copy of event and assigns its id.
func (m *MemoryStore) Append(event Event) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := m.now()
	event.ID = m.nextID
	if event.Status == "" {
		event.Status = StatusPending
	}
	event.CreatedAt = now
	event.UpdatedAt = now
	m.events[event.ID] = &event
	return event.ID
}

// Events returns copies of all events in insertion order.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) filter(limit int, keep func(*Event) bool) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	now := m.now()
	return m.filter(limit, func(e *Event) bool {
		return e.Status == StatusPending && (e.NextRetryAt == nil || !e.NextRetryAt.After(now))
	}), nil
}

func (m *MemoryStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	return m.filter(limit, func(e *Event) bool { return e.Status == StatusFailed }), nil
}

func (m *MemoryStore) GetEventByID(_ context.Context, eventID int64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	c := *e
	return &c, nil
}

func (m *MemoryStore) MarkAsSent(_ context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	e.Status = StatusSent
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkAsFailed(_ context.Context, eventID int64, maxRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	e.RetryCount++
	now := m.now()
	e.UpdatedAt = now
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
		e.NextRetryAt = nil
		return nil
	}
	next := now.Add(retryDelay(e.RetryCount))
	e.NextRetryAt = &next
	return nil
}

func (m *MemoryStore) ReplayEvent(_ context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.UpdatedAt = m.now()
	return nil
}
