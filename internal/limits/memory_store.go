package limits

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory limit store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	limits map[string]*TransactionLimit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limits: make(map[string]*TransactionLimit)}
}

func (m *MemoryStore) Create(_ context.Context, l *TransactionLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.limits {
		if strings.EqualFold(existing.Name, l.Name) {
			return ErrNameTaken
		}
	}
	cp := *l
	m.limits[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*TransactionLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[id]
	if !ok {
		return nil, ErrLimitNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, l *TransactionLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limits[l.ID]; !ok {
		return ErrLimitNotFound
	}
	cp := *l
	m.limits[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limits[id]; !ok {
		return ErrLimitNotFound
	}
	delete(m.limits, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*TransactionLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TransactionLimit
	for _, l := range m.limits {
		if f.ActiveOnly && !l.Active {
			continue
		}
		if f.Scope != "" && l.Scope != f.Scope {
			continue
		}
		if f.OrgID != "" && l.OrgID != f.OrgID {
			continue
		}
		if f.GroupID != "" && l.GroupID != f.GroupID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
