package sod

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory rule store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*SegregationRule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*SegregationRule)}
}

func (m *MemoryStore) Create(_ context.Context, r *SegregationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if strings.EqualFold(existing.Name, r.Name) {
			return ErrNameTaken
		}
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SegregationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *SegregationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*SegregationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SegregationRule
	for _, r := range m.rules {
		if f.ActiveOnly && !r.Active {
			continue
		}
		if f.Scope != "" && r.Scope != f.Scope {
			continue
		}
		if f.OrgID != "" && r.OrgID != f.OrgID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
