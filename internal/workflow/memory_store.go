package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory workflow store for development and tests.
// Records are deep-copied on the way in and out so callers cannot mutate
// stored state outside Update.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*ApprovalWorkflow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*ApprovalWorkflow)}
}

func cloneWorkflow(w *ApprovalWorkflow) *ApprovalWorkflow {
	cp := *w
	cp.Approvals = append([]ApprovalDecision(nil), w.Approvals...)
	if w.Execution != nil {
		e := *w.Execution
		cp.Execution = &e
	}
	if w.Payload.Parameters != nil {
		raw, _ := json.Marshal(w.Payload.Parameters)
		params := make(map[string]any, len(w.Payload.Parameters))
		_ = json.Unmarshal(raw, &params)
		cp.Payload.Parameters = params
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, w *ApprovalWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ApprovalWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(w), nil
}

func (m *MemoryStore) Update(_ context.Context, w *ApprovalWorkflow, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workflows[w.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	if current.Status != expect {
		return ErrInvalidStatus
	}
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*ApprovalWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ApprovalWorkflow
	for _, w := range m.workflows {
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Scope != "" && w.Scope != f.Scope {
			continue
		}
		if f.OrgID != "" && w.OrgID != f.OrgID {
			continue
		}
		if f.GroupID != "" && w.GroupID != f.GroupID {
			continue
		}
		if f.InitiatorID != "" && w.InitiatorID != f.InitiatorID {
			continue
		}
		out = append(out, cloneWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*ApprovalWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ApprovalWorkflow
	for _, w := range m.workflows {
		if w.Status != StatusPending || !now.After(w.ExpiresAt) {
			continue
		}
		out = append(out, cloneWorkflow(w))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
