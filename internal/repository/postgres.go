package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"successhub/engine/pkg/models"
)

// Schema creates the engine's tables. Applied by tests and by operators
// running migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id 					UUID PRIMARY KEY,
	definition_id		TEXT NOT NULL,
	subject_ref			TEXT NOT NULL,
	owner				TEXT NOT NULL,
	status				TEXT NOT NULL,
	current_step_index	INT NOT NULL DEFAULT 0,
	completed_steps		JSONB NOT NULL DEFAULT '[]',
	priority_score		DOUBLE PRECISION NOT NULL DEFAULT 0,
	arr					DOUBLE PRECISION NOT NULL DEFAULT 0,
	plan				TEXT NOT NULL DEFAULT '',
	urgency				TEXT NOT NULL DEFAULT '',
	snooze_until		TIMESTAMPTZ,
	escalation_target	TEXT,
	escalated_from		TEXT,
	variables			JSONB NOT NULL DEFAULT '{}',
	created_at			TIMESTAMPTZ NOT NULL,
	started_at			TIMESTAMPTZ,
	last_activity_at	TIMESTAMPTZ NOT NULL,
	completed_at		TIMESTAMPTZ,
	snoozed_at			TIMESTAMPTZ,
	skipped_at			TIMESTAMPTZ,
	rejected_at			TIMESTAMPTZ,
	lost_at				TIMESTAMPTZ,
	escalated_at		TIMESTAMPTZ,
	abandoned_at		TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_owner_status ON workflow_executions (owner, status);

CREATE TABLE IF NOT EXISTS workflow_actions (
	id				UUID PRIMARY KEY,
	execution_id	UUID NOT NULL REFERENCES workflow_executions (id),
	actor_id		TEXT NOT NULL,
	action			TEXT NOT NULL,
	previous_status	TEXT NOT NULL,
	new_status		TEXT NOT NULL,
	payload			JSONB,
	note			TEXT NOT NULL DEFAULT '',
	created_at		TIMESTAMPTZ NOT NULL,
	seq				BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_actions_execution ON workflow_actions (execution_id, seq);

CREATE TABLE IF NOT EXISTS automation_rules (
	id				TEXT PRIMARY KEY,
	definition_id	TEXT NOT NULL,
	name			TEXT NOT NULL,
	conditions		JSONB NOT NULL DEFAULT '[]',
	logic			TEXT NOT NULL DEFAULT 'and',
	assign_to_user	TEXT,
	active			BOOLEAN NOT NULL DEFAULT TRUE,
	created_at		TIMESTAMPTZ NOT NULL,
	updated_at		TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_dedupe (
	key			TEXT PRIMARY KEY,
	claimed_at	TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notification_intents (
	id				UUID PRIMARY KEY,
	execution_id	UUID NOT NULL,
	kind			TEXT NOT NULL,
	recipient		TEXT NOT NULL,
	message			TEXT NOT NULL,
	created_at		TIMESTAMPTZ NOT NULL
);
`

const executionColumns = `id, definition_id, subject_ref, owner, status, current_step_index,
	completed_steps, priority_score, arr, plan, urgency, snooze_until, escalation_target,
	escalated_from, variables, created_at, started_at, last_activity_at, completed_at,
	snoozed_at, skipped_at, rejected_at, lost_at, escalated_at, abandoned_at`

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution, action *models.WorkflowAction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := insertExecution(ctx, tx, exec); err != nil {
		return err
	}
	if err := insertAction(ctx, tx, action); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, &StorageError{Op: "get execution", Err: err}
	}
	return exec, nil
}

func (s *PostgresStore) UpdateExecutionWithAudit(ctx context.Context, exec *models.Execution, expected models.Status, action *models.WorkflowAction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	steps, err := json.Marshal(stepsOrEmpty(exec.CompletedSteps))
	if err != nil {
		return &StorageError{Op: "encode completed_steps", Err: err}
	}
	vars, err := json.Marshal(varsOrEmpty(exec.Variables))
	if err != nil {
		return &StorageError{Op: "encode variables", Err: err}
	}

	// The expected prior status is part of the update predicate: if another
	// transition won the race the update touches zero rows and nothing is
	// written.
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_executions SET
			owner = $1, status = $2, current_step_index = $3, completed_steps = $4,
			priority_score = $5, arr = $6, plan = $7, urgency = $8, snooze_until = $9,
			escalation_target = $10, escalated_from = $11, variables = $12,
			started_at = $13, last_activity_at = $14, completed_at = $15,
			snoozed_at = $16, skipped_at = $17, rejected_at = $18, lost_at = $19,
			escalated_at = $20, abandoned_at = $21
		WHERE id = $22 AND status = $23`,
		exec.Owner, exec.Status, exec.CurrentStepIndex, steps,
		exec.PriorityScore, exec.ARR, exec.Plan, exec.Urgency, exec.SnoozeUntil,
		exec.EscalationTarget, exec.EscalatedFrom, vars,
		exec.StartedAt, exec.LastActivityAt, exec.CompletedAt,
		exec.SnoozedAt, exec.SkippedAt, exec.RejectedAt, exec.LostAt,
		exec.EscalatedAt, exec.AbandonedAt,
		exec.ID, expected,
	)
	if err != nil {
		return &StorageError{Op: "update execution", Err: err}
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`, exec.ID).Scan(&exists); err != nil {
			return &StorageError{Op: "conflict check", Err: err}
		}
		if !exists {
			return &NotFoundError{Entity: "execution", ID: exec.ID}
		}
		return &ConflictError{ExecutionID: exec.ID, Expected: string(expected)}
	}
	if err := insertAction(ctx, tx, action); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f Filter) ([]*models.Execution, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where + orderClause(f.Order)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list executions", Err: err}
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan execution", Err: err}
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list executions", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) CountExecutions(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM workflow_executions`+where, args...).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count executions", Err: err}
	}
	return n, nil
}

func (s *PostgresStore) ListActions(ctx context.Context, executionID string) ([]*models.WorkflowAction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, actor_id, action, previous_status, new_status, payload, note, created_at
		FROM workflow_actions WHERE execution_id = $1 ORDER BY seq`, executionID)
	if err != nil {
		return nil, &StorageError{Op: "list actions", Err: err}
	}
	defer rows.Close()

	var out []*models.WorkflowAction
	for rows.Next() {
		var a models.WorkflowAction
		var payload []byte
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.ActorID, &a.Action, &a.PreviousStatus,
			&a.NewStatus, &payload, &a.Note, &a.CreatedAt); err != nil {
			return nil, &StorageError{Op: "scan action", Err: err}
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &a.Payload); err != nil {
				return nil, &StorageError{Op: "decode payload", Err: err}
			}
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list actions", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return &StorageError{Op: "encode conditions", Err: err}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO automation_rules (id, definition_id, name, conditions, logic, assign_to_user, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.DefinitionID, rule.Name, conditions, rule.Logic, rule.AssignToUser,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return &StorageError{Op: "create rule", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, definition_id, name, conditions, logic, assign_to_user, active, created_at, updated_at
		FROM automation_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "rule", ID: id}
	}
	if err != nil {
		return nil, &StorageError{Op: "get rule", Err: err}
	}
	return rule, nil
}

func (s *PostgresStore) ListActiveRules(ctx context.Context) ([]*models.AutomationRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, definition_id, name, conditions, logic, assign_to_user, active, created_at, updated_at
		FROM automation_rules WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, &StorageError{Op: "list rules", Err: err}
	}
	defer rows.Close()

	var out []*models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan rule", Err: err}
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list rules", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) ClaimDedupeKey(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO automation_dedupe (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, &StorageError{Op: "claim dedupe key", Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseDedupeKey(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM automation_dedupe WHERE key = $1`, key); err != nil {
		return &StorageError{Op: "release dedupe key", Err: err}
	}
	return nil
}

func (s *PostgresStore) AppendNotificationIntent(ctx context.Context, intent *models.NotificationIntent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_intents (id, execution_id, kind, recipient, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		intent.ID, intent.ExecutionID, intent.Kind, intent.Recipient, intent.Message, intent.CreatedAt)
	if err != nil {
		return &StorageError{Op: "append intent", Err: err}
	}
	return nil
}

func (s *PostgresStore) ListNotificationIntents(ctx context.Context, executionID string) ([]*models.NotificationIntent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, kind, recipient, message, created_at
		FROM notification_intents WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, &StorageError{Op: "list intents", Err: err}
	}
	defer rows.Close()

	var out []*models.NotificationIntent
	for rows.Next() {
		var i models.NotificationIntent
		if err := rows.Scan(&i.ID, &i.ExecutionID, &i.Kind, &i.Recipient, &i.Message, &i.CreatedAt); err != nil {
			return nil, &StorageError{Op: "scan intent", Err: err}
		}
		out = append(out, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list intents", Err: err}
	}
	return out, nil
}

func insertExecution(ctx context.Context, tx pgx.Tx, exec *models.Execution) error {
	steps, err := json.Marshal(stepsOrEmpty(exec.CompletedSteps))
	if err != nil {
		return &StorageError{Op: "encode completed_steps", Err: err}
	}
	vars, err := json.Marshal(varsOrEmpty(exec.Variables))
	if err != nil {
		return &StorageError{Op: "encode variables", Err: err}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		exec.ID, exec.DefinitionID, exec.SubjectRef, exec.Owner, exec.Status, exec.CurrentStepIndex,
		steps, exec.PriorityScore, exec.ARR, exec.Plan, exec.Urgency, exec.SnoozeUntil,
		exec.EscalationTarget, exec.EscalatedFrom, vars, exec.CreatedAt, exec.StartedAt,
		exec.LastActivityAt, exec.CompletedAt, exec.SnoozedAt, exec.SkippedAt, exec.RejectedAt,
		exec.LostAt, exec.EscalatedAt, exec.AbandonedAt)
	if err != nil {
		return &StorageError{Op: "insert execution", Err: err}
	}
	return nil
}

func insertAction(ctx context.Context, tx pgx.Tx, action *models.WorkflowAction) error {
	var payload []byte
	if action.Payload != nil {
		var err error
		payload, err = json.Marshal(action.Payload)
		if err != nil {
			return &StorageError{Op: "encode payload", Err: err}
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_actions (id, execution_id, actor_id, action, previous_status, new_status, payload, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		action.ID, action.ExecutionID, action.ActorID, action.Action, action.PreviousStatus,
		action.NewStatus, payload, action.Note, action.CreatedAt)
	if err != nil {
		return &StorageError{Op: "insert action", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var e models.Execution
	var steps, vars []byte
	err := row.Scan(&e.ID, &e.DefinitionID, &e.SubjectRef, &e.Owner, &e.Status, &e.CurrentStepIndex,
		&steps, &e.PriorityScore, &e.ARR, &e.Plan, &e.Urgency, &e.SnoozeUntil,
		&e.EscalationTarget, &e.EscalatedFrom, &vars, &e.CreatedAt, &e.StartedAt,
		&e.LastActivityAt, &e.CompletedAt, &e.SnoozedAt, &e.SkippedAt, &e.RejectedAt,
		&e.LostAt, &e.EscalatedAt, &e.AbandonedAt)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &e.CompletedSteps); err != nil {
			return nil, err
		}
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &e.Variables); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func scanRule(row rowScanner) (*models.AutomationRule, error) {
	var r models.AutomationRule
	var conditions []byte
	err := row.Scan(&r.ID, &r.DefinitionID, &r.Name, &conditions, &r.Logic, &r.AssignToUser,
		&r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner = "+arg(f.Owner))
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = arg(string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.EscalationTarget != "" {
		clauses = append(clauses, "escalation_target = "+arg(f.EscalationTarget))
	}
	if f.EscalatedFrom != "" {
		clauses = append(clauses, "escalated_from = "+arg(f.EscalatedFrom))
	}
	if f.SnoozeDueBefore != nil {
		clauses = append(clauses, "snooze_until <= "+arg(*f.SnoozeDueBefore))
	}
	if f.InactiveSince != nil {
		clauses = append(clauses, "last_activity_at <= "+arg(*f.InactiveSince))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func stepsOrEmpty(steps []int) []int {
	if steps == nil {
		return []int{}
	}
	return steps
}

func varsOrEmpty(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	return vars
}

func orderClause(o OrderBy) string {
	switch o {
	case OrderPriorityDesc:
		return " ORDER BY priority_score DESC, created_at ASC"
	case OrderSnoozeUntilAsc:
		return " ORDER BY snooze_until ASC"
	case OrderCompletedAtDesc:
		return " ORDER BY completed_at DESC"
	case OrderSkippedAtDesc:
		return " ORDER BY skipped_at DESC"
	case OrderCreatedAtAsc:
		return " ORDER BY created_at ASC"
	default:
		return " ORDER BY created_at ASC"
	}
}
