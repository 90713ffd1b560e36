package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Directory is a Provider that also accepts principal upserts. The engine
// treats identity as externally owned; the directory is the read model it
// keeps in sync.
type Directory interface {
	Provider
	Upsert(ctx context.Context, p *Principal) error
}

// MemoryDirectory holds principals in memory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	principals map[string]*Principal
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{principals: make(map[string]*Principal)}
}

func (d *MemoryDirectory) Upsert(_ context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("rbac: principal id is required")
	}
	if !IsKnownRole(p.SystemRole) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, p.SystemRole)
	}
	for i := range p.Memberships {
		if !IsKnownRole(p.Memberships[i].Role) {
			return fmt.Errorf("%w: %s", ErrUnknownRole, p.Memberships[i].Role)
		}
	}
	d.mu.Lock()
	d.principals[p.ID] = clonePrincipal(p)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Principal(_ context.Context, id string) (*Principal, error) {
	d.mu.RLock()
	p, ok := d.principals[id]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return clonePrincipal(p), nil
}

func clonePrincipal(p *Principal) *Principal {
	c := *p
	c.Memberships = make([]Membership, len(p.Memberships))
	copy(c.Memberships, p.Memberships)
	for i := range c.Memberships {
		if g := p.Memberships[i].CustomGrants; g != nil {
			c.Memberships[i].CustomGrants = append([]Permission(nil), g...)
		}
		if l := p.Memberships[i].LeftAt; l != nil {
			t := *l
			c.Memberships[i].LeftAt = &t
		}
	}
	return &c
}

// PostgresDirectory reads principals from the principals table. Memberships
// are stored as a JSONB document; the identity service owns the writes in
// production, Upsert exists for bootstrap and tests.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Upsert(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("rbac: principal id is required")
	}
	if !IsKnownRole(p.SystemRole) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, p.SystemRole)
	}
	memberships, err := json.Marshal(p.Memberships)
	if err != nil {
		return fmt.Errorf("marshal memberships: %w", err)
	}
	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO principals (id, system_role, memberships, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			system_role = EXCLUDED.system_role,
			memberships = EXCLUDED.memberships,
			updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.SystemRole), memberships, now,
	)
	return err
}

func (d *PostgresDirectory) Principal(ctx context.Context, id string) (*Principal, error) {
	var p Principal
	var role string
	var memberships []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT id, system_role, memberships FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &role, &memberships)
	if err == sql.ErrNoRows {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SystemRole = Role(role)
	if len(memberships) > 0 {
		if err := json.Unmarshal(memberships, &p.Memberships); err != nil {
			return nil, fmt.Errorf("unmarshal memberships: %w", err)
		}
	}
	return &p, nil
}
