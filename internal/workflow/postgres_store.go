package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
)

// PostgresStore persists workflows in PostgreSQL. Update is conditional on
// the expected status so concurrent terminal transitions cannot both land.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *ApprovalWorkflow) error {
	payloadJSON, err := json.Marshal(w.Payload)
	if err != nil {
		return err
	}
	chainJSON, err := json.Marshal(w.Chain)
	if err != nil {
		return err
	}
	approvalsJSON, err := marshalApprovals(w.Approvals)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (
			id, workflow_type, initiator_id, scope, org_id, group_id,
			risk_level, risk_score, status,
			payload, chain, approvals, cancel_reason,
			expires_at, execution, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		w.ID, string(w.Type), w.InitiatorID, string(w.Scope),
		nullString(w.OrgID), nullString(w.GroupID),
		string(w.RiskLevel), w.RiskScore, string(w.Status),
		payloadJSON, chainJSON, approvalsJSON, nullString(w.CancelReason),
		w.ExpiresAt, executionJSON(w.Execution), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

const workflowColumns = `id, workflow_type, initiator_id, scope, org_id, group_id,
			 risk_level, risk_score, status,
			 payload, chain, approvals, cancel_reason,
			 expires_at, execution, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	return w, err
}

// Update writes the workflow only while its stored status equals expect.
// Zero rows affected means a concurrent transition won.
func (p *PostgresStore) Update(ctx context.Context, w *ApprovalWorkflow, expect Status) error {
	approvalsJSON, err := marshalApprovals(w.Approvals)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE workflows SET
			status = $1, approvals = $2, cancel_reason = $3,
			execution = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(w.Status), approvalsJSON, nullString(w.CancelReason),
		executionJSON(w.Execution), w.UpdatedAt,
		w.ID, string(expect),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost status race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, w.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrWorkflowNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	idx := 1
	add := func(clause string, v any) {
		query += ` AND ` + clause + `$` + strconv.Itoa(idx)
		args = append(args, v)
		idx++
	}
	if f.Status != "" {
		add(`status = `, string(f.Status))
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
	if f.InitiatorID != "" {
		add(`initiator_id = `, f.InitiatorID)
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(f.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalWorkflow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		string(StatusPending), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func scanWorkflows(rows *sql.Rows) ([]*ApprovalWorkflow, error) {
	var out []*ApprovalWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*ApprovalWorkflow, error) {
	var w ApprovalWorkflow
	var workflowType, scope, riskLevel, status string
	var orgID, groupID, cancelReason sql.NullString
	var payloadJSON, chainJSON, approvalsJSON []byte
	var execJSON []byte

	err := row.Scan(
		&w.ID, &workflowType, &w.InitiatorID, &scope, &orgID, &groupID,
		&riskLevel, &w.RiskScore, &status,
		&payloadJSON, &chainJSON, &approvalsJSON, &cancelReason,
		&w.ExpiresAt, &execJSON, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Type = Type(workflowType)
	w.Scope = rbac.Scope(scope)
	w.OrgID = orgID.String
	w.GroupID = groupID.String
	w.RiskLevel = risk.Level(riskLevel)
	w.Status = Status(status)
	w.CancelReason = cancelReason.String
	if err := json.Unmarshal(payloadJSON, &w.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chainJSON, &w.Chain); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(approvalsJSON, &w.Approvals); err != nil {
		return nil, err
	}
	if len(execJSON) > 0 {
		var e ExecutionResult
		if err := json.Unmarshal(execJSON, &e); err != nil {
			return nil, err
		}
		w.Execution = &e
	}
	return &w, nil
}

func marshalApprovals(approvals []ApprovalDecision) ([]byte, error) {
	if approvals == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(approvals)
}

func executionJSON(e *ExecutionResult) any {
	if e == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return raw
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
