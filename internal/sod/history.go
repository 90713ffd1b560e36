package sod

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mwalimu/saccoguard/internal/rbac"
)

// MemoryHistory keeps a scope-keyed window of recent operations in process
// memory, pruned by age and by per-scope length. It does not survive restarts
// and is not shared across instances; deployments running more than one
// engine instance should use PostgresHistory instead.
type MemoryHistory struct {
	maxAge time.Duration
	maxLen int
	now    func() time.Time

	mu      sync.RWMutex
	byScope map[string][]*OperationContext
}

func NewMemoryHistory(maxAge time.Duration, maxLen int) *MemoryHistory {
	return &MemoryHistory{
		maxAge:  maxAge,
		maxLen:  maxLen,
		now:     time.Now,
		byScope: make(map[string][]*OperationContext),
	}
}

func (h *MemoryHistory) Append(_ context.Context, op *OperationContext) error {
	key := op.scopeKey()
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.pruneLocked(key), op)
	if len(entries) > h.maxLen {
		entries = entries[len(entries)-h.maxLen:]
	}
	h.byScope[key] = entries
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, scopeKey string, since time.Time) ([]*OperationContext, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*OperationContext
	for _, op := range h.byScope[scopeKey] {
		if op.At.After(since) || op.At.Equal(since) {
			out = append(out, op)
		}
	}
	return out, nil
}

// pruneLocked drops entries older than maxAge. Caller holds mu.
func (h *MemoryHistory) pruneLocked(key string) []*OperationContext {
	cutoff := h.now().Add(-h.maxAge)
	all := h.byScope[key]
	kept := all[:0]
	for _, op := range all {
		if op.At.After(cutoff) {
			kept = append(kept, op)
		}
	}
	return kept
}

// PostgresHistory externalizes operation history so conflict lookups see
// operations recorded by every running instance.
type PostgresHistory struct {
	db *sql.DB
}

func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (p *PostgresHistory) Append(ctx context.Context, op *OperationContext) error {
	roles := make([]string, len(op.Roles))
	for i, r := range op.Roles {
		roles[i] = string(r)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO operation_history (
			id, actor_id, action, roles, scope, scope_key,
			org_id, group_id, session_id, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		op.ID, op.ActorID, op.Action, pq.Array(roles),
		string(op.Scope), op.scopeKey(),
		nullString(op.OrgID), nullString(op.GroupID), nullString(op.SessionID),
		op.At,
	)
	return err
}

func (p *PostgresHistory) Recent(ctx context.Context, scopeKey string, since time.Time) ([]*OperationContext, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor_id, action, roles, scope, org_id, group_id, session_id, occurred_at
		FROM operation_history
		WHERE scope_key = $1 AND occurred_at >= $2
		ORDER BY occurred_at`,
		scopeKey, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OperationContext
	for rows.Next() {
		var op OperationContext
		var roles pq.StringArray
		var scope string
		var orgID, groupID, sessionID sql.NullString
		if err := rows.Scan(
			&op.ID, &op.ActorID, &op.Action, &roles, &scope,
			&orgID, &groupID, &sessionID, &op.At,
		); err != nil {
			return nil, err
		}
		op.Scope = rbac.Scope(scope)
		op.OrgID = orgID.String
		op.GroupID = groupID.String
		op.SessionID = sessionID.String
		for _, r := range roles {
			op.Roles = append(op.Roles, rbac.Role(r))
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
