package security

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu     sync.Mutex
	events []Event
	nextID int64
}

func (m *memoryRepo) Insert(ctx context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.events = append(m.events, e)
	return e, nil
}

func (m *memoryRepo) CountByIP(ctx context.Context, eventType EventType, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType && e.IPAddress == ip && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return Event{}, ErrNotFound
}

func (m *memoryRepo) List(ctx context.Context, f ListFilters, limit, offset int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Status != "" && e.Status() != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) Since(ctx context.Context, since time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) Update(ctx context.Context, id int64, fn func(*Event) error) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID != id {
			continue
		}
		e := m.events[i]
		if err := fn(&e); err != nil {
			return Event{}, err
		}
		m.events[i] = e
		return e, nil
	}
	return Event{}, ErrNotFound
}

func (m *memoryRepo) ofType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
