package limits

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/mwalimu/saccoguard/internal/rbac"
)

// PostgresStore persists limit definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *TransactionLimit) error {
	valuesJSON, err := json.Marshal(l.Values)
	if err != nil {
		return err
	}
	overrideJSON, err := json.Marshal(l.Override)
	if err != nil {
		return err
	}
	roles := make([]string, len(l.ApplicableRoles))
	for i, r := range l.ApplicableRoles {
		roles[i] = string(r)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transaction_limits (
			id, name, scope, org_id, group_id, principal_id,
			applicable_roles, applicable_operations, currency,
			limit_values, override_policy,
			valid_from, valid_until, active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14, $15, $16
		)`,
		l.ID, l.Name, string(l.Scope),
		nullString(l.OrgID), nullString(l.GroupID), nullString(l.PrincipalID),
		pq.Array(roles), pq.Array(l.ApplicableOperations), l.Currency,
		valuesJSON, overrideJSON,
		l.ValidFrom, nullTime(l.ValidUntil), l.Active, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

const limitColumns = `id, name, scope, org_id, group_id, principal_id,
		      applicable_roles, applicable_operations, currency,
		      limit_values, override_policy,
		      valid_from, valid_until, active, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*TransactionLimit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+limitColumns+` FROM transaction_limits WHERE id = $1`, id)
	l, err := scanLimit(row)
	if err == sql.ErrNoRows {
		return nil, ErrLimitNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *TransactionLimit) error {
	valuesJSON, err := json.Marshal(l.Values)
	if err != nil {
		return err
	}
	overrideJSON, err := json.Marshal(l.Override)
	if err != nil {
		return err
	}
	roles := make([]string, len(l.ApplicableRoles))
	for i, r := range l.ApplicableRoles {
		roles[i] = string(r)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transaction_limits SET
			name = $1, scope = $2, org_id = $3, group_id = $4, principal_id = $5,
			applicable_roles = $6, applicable_operations = $7, currency = $8,
			limit_values = $9, override_policy = $10,
			valid_from = $11, valid_until = $12, active = $13, updated_at = $14
		WHERE id = $15`,
		l.Name, string(l.Scope),
		nullString(l.OrgID), nullString(l.GroupID), nullString(l.PrincipalID),
		pq.Array(roles), pq.Array(l.ApplicableOperations), l.Currency,
		valuesJSON, overrideJSON,
		l.ValidFrom, nullTime(l.ValidUntil), l.Active, l.UpdatedAt,
		l.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLimitNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM transaction_limits WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLimitNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*TransactionLimit, error) {
	query := `SELECT ` + limitColumns + ` FROM transaction_limits WHERE 1=1`
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
	if f.GroupID != "" {
		add(`group_id = `, f.GroupID)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransactionLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLimit(row scanner) (*TransactionLimit, error) {
	var l TransactionLimit
	var orgID, groupID, principalID sql.NullString
	var validUntil sql.NullTime
	var roles, ops pq.StringArray
	var valuesJSON, overrideJSON []byte
	var scope string

	err := row.Scan(
		&l.ID, &l.Name, &scope, &orgID, &groupID, &principalID,
		&roles, &ops, &l.Currency,
		&valuesJSON, &overrideJSON,
		&l.ValidFrom, &validUntil, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Scope = rbac.Scope(scope)
	l.OrgID = orgID.String
	l.GroupID = groupID.String
	l.PrincipalID = principalID.String
	if validUntil.Valid {
		t := validUntil.Time
		l.ValidUntil = &t
	}
	for _, r := range roles {
		l.ApplicableRoles = append(l.ApplicableRoles, rbac.Role(r))
	}
	l.ApplicableOperations = []string(ops)
	if err := json.Unmarshal(valuesJSON, &l.Values); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(overrideJSON, &l.Override); err != nil {
		return nil, err
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
