package audit

import (
	"context"
	"sort"
	"sync"
)

// InMemory is an append-only Store for tests and single-process deployments.
type InMemory struct {
	mu     sync.RWMutex
	events []Event
	byKey  map[string]int
}

func NewInMemory() *InMemory {
	return &InMemory{byKey: make(map[string]int)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Append(ctx context.Context, e Event) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IdempotencyKey != "" {
		if idx, ok := s.byKey[e.TenantID+"|"+e.IdempotencyKey]; ok {
			return s.events[idx], false, nil
		}
		s.byKey[e.TenantID+"|"+e.IdempotencyKey] = len(s.events)
	}
	e.Metadata = cloneMetadata(e.Metadata)
	s.events = append(s.events, e)
	return e, true, nil
}

func (s *InMemory) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if f.After != "" && e.ID <= f.After {
			continue
		}
		if f.Matches(e) {
			e.Metadata = cloneMetadata(e.Metadata)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
