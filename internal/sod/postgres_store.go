package sod

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/mwalimu/saccoguard/internal/rbac"
)

// PostgresStore persists rule definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *SegregationRule) error {
	firstJSON, err := json.Marshal(r.First)
	if err != nil {
		return err
	}
	secondJSON, err := json.Marshal(r.Second)
	if err != nil {
		return err
	}
	enforcementJSON, err := json.Marshal(r.Enforcement)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO segregation_rules (
			id, name, scope, org_id,
			first_signature, second_signature,
			predicate, window_seconds, enforcement,
			active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9,
			$10, $11, $12
		)`,
		r.ID, r.Name, string(r.Scope), nullString(r.OrgID),
		firstJSON, secondJSON,
		string(r.Predicate), int64(r.Window/time.Second), enforcementJSON,
		r.Active, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

const ruleColumns = `id, name, scope, org_id,
		     first_signature, second_signature,
		     predicate, window_seconds, enforcement,
		     active, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*SegregationRule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM segregation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *SegregationRule) error {
	firstJSON, err := json.Marshal(r.First)
	if err != nil {
		return err
	}
	secondJSON, err := json.Marshal(r.Second)
	if err != nil {
		return err
	}
	enforcementJSON, err := json.Marshal(r.Enforcement)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE segregation_rules SET
			name = $1, scope = $2, org_id = $3,
			first_signature = $4, second_signature = $5,
			predicate = $6, window_seconds = $7, enforcement = $8,
			active = $9, updated_at = $10
		WHERE id = $11`,
		r.Name, string(r.Scope), nullString(r.OrgID),
		firstJSON, secondJSON,
		string(r.Predicate), int64(r.Window/time.Second), enforcementJSON,
		r.Active, r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*SegregationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM segregation_rules WHERE 1=1`
	var args []any
	idx := 1
	add := func(clause string, v any) {
		query += ` AND ` + clause + `$` + strconv.Itoa(idx)
		args = append(args, v)
		idx++
	}
	if f.ActiveOnly {
		query += ` AND active = TRUE`
	}
	if f.Scope != "" {
		add(`scope = `, string(f.Scope))
	}
	if f.OrgID != "" {
		add(`org_id = `, f.OrgID)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SegregationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*SegregationRule, error) {
	var r SegregationRule
	var scope, predicate string
	var orgID sql.NullString
	var windowSeconds int64
	var firstJSON, secondJSON, enforcementJSON []byte

	err := row.Scan(
		&r.ID, &r.Name, &scope, &orgID,
		&firstJSON, &secondJSON,
		&predicate, &windowSeconds, &enforcementJSON,
		&r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Scope = rbac.Scope(scope)
	r.OrgID = orgID.String
	r.Predicate = Predicate(predicate)
	r.Window = time.Duration(windowSeconds) * time.Second
	if err := json.Unmarshal(firstJSON, &r.First); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(secondJSON, &r.Second); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(enforcementJSON, &r.Enforcement); err != nil {
		return nil, err
	}
	return &r, nil
}
