// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides the multi-worker production store backend
// on top of pgx. Unlike sqlite, claims use genuine row-level locking
// (SELECT ... FOR UPDATE SKIP LOCKED) so many worker processes can
// claim concurrently without blocking each other.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/vm"
)

var _ store.Store = (*Backend)(nil)

// Backend is a PostgreSQL store backend backed by a pgx connection pool.
type Backend struct {
	pool *pgxpool.Pool
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	// DSN is a libpq-style connection string or URL.
	DSN string
	// MaxConns caps the pool size. Default: 10.
	MaxConns int32
}

// New connects to Postgres and runs migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target_name TEXT NOT NULL,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs JSONB,
			output JSONB,
			parent_workflow_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_claim ON executions(queue, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_recovery ON executions(status, claimed_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version_hash TEXT NOT NULL,
			source TEXT NOT NULL,
			parsed_ast JSONB NOT NULL,
			input_schema TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(name, version_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_context (
			execution_id TEXT PRIMARY KEY REFERENCES executions(id) ON DELETE CASCADE,
			definition_id TEXT NOT NULL,
			vm_snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS timer_tasks (
			id TEXT PRIMARY KEY,
			fire_at TIMESTAMPTZ NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timer_tasks_fire_at ON timer_tasks(fire_at)`,
		`CREATE TABLE IF NOT EXISTS signal_waits (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			signal_name TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_waits_target ON signal_waits(workflow_id, signal_name)`,
		`CREATE TABLE IF NOT EXISTS signal_deliveries (
			workflow_id TEXT NOT NULL,
			signal_name TEXT NOT NULL,
			payload JSONB,
			delivered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workflow_id, signal_name)
		)`,
	}
	for _, m := range migrations {
		if _, err := b.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func marshalValue(v vm.Value) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalValue(raw []byte) (vm.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v vm.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

const executionColumns = `id, kind, target_name, queue, status, inputs, output, parent_workflow_id,
	attempt, max_attempts, claimed_by, claimed_at, created_at, completed_at`

func scanExecution(row pgx.Row) (*store.Execution, error) {
	var e store.Execution
	var inputsJSON, outputJSON []byte
	var parentWorkflowID *string
	var claimedBy *string
	var claimedAt, completedAt *time.Time

	err := row.Scan(
		&e.ID, &e.Kind, &e.TargetName, &e.Queue, &e.Status,
		&inputsJSON, &outputJSON, &parentWorkflowID,
		&e.Attempt, &e.MaxAttempts, &claimedBy, &claimedAt,
		&e.CreatedAt, &completedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if parentWorkflowID != nil {
		e.ParentWorkflowID = *parentWorkflowID
	}
	if claimedBy != nil {
		e.ClaimedBy = *claimedBy
	}
	e.ClaimedAt = claimedAt
	e.CompletedAt = completedAt

	if e.Inputs, err = unmarshalValue(inputsJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if e.Output, err = unmarshalValue(outputJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return &e, nil
}

// CreateExecution inserts a new pending row, honoring IdempotencyKey
// as a lookup against an already-active execution carrying the same ID.
func (b *Backend) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	if params.IdempotencyKey != "" {
		existing, err := b.GetExecution(ctx, params.IdempotencyKey)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if err == nil && existing.Status != store.StatusCompleted &&
			existing.Status != store.StatusFailed && existing.Status != store.StatusCancelled {
			return existing, nil
		}
	}

	inputsJSON, err := marshalValue(params.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id, attempt, max_attempts)
		VALUES ($1, $2, $3, $4, 'pending', $5, NULLIF($6, ''), 0, $7)
		ON CONFLICT (id) DO NOTHING
	`, params.ID, params.Kind, params.TargetName, params.Queue, inputsJSON, params.ParentWorkflowID, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	return b.GetExecution(ctx, params.ID)
}

// GetExecution retrieves an execution by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

// ListExecutions lists executions with optional filtering.
func (b *Backend) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	argn := 0
	next := func() int { argn++; return argn }

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", next())
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", next())
		args = append(args, filter.Kind)
	}
	if filter.TargetName != "" {
		query += fmt.Sprintf(" AND target_name = $%d", next())
		args = append(args, filter.TargetName)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next())
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", next())
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CancelExecution sets status=cancelled if the row is still cancellable.
func (b *Backend) CancelExecution(ctx context.Context, id string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE executions SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'suspended', 'running')
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimExecution atomically claims the oldest pending row on one of
// queues using FOR UPDATE SKIP LOCKED, so concurrent workers never
// block each other waiting on the same candidate set.
func (b *Backend) ClaimExecution(ctx context.Context, workerID string, queues []string, now time.Time) (*store.Execution, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM executions
		WHERE status = 'pending' AND queue = ANY($1)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, queues).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable execution: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE executions SET status = 'running', claimed_by = $1, claimed_at = $2
		WHERE id = $3
		RETURNING `+executionColumns, workerID, now, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return exec, nil
}

// CompleteExecution marks id completed and enqueues a parent resume if needed.
func (b *Backend) CompleteExecution(ctx context.Context, id string, output vm.Value) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	outputJSON, err := marshalValue(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	var parentWorkflowID *string
	if err := tx.QueryRow(ctx, `SELECT parent_workflow_id FROM executions WHERE id = $1`, id).
		Scan(&parentWorkflowID); err != nil {
		if err == pgx.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'completed', output = $1, completed_at = now(), claimed_by = NULL
		WHERE id = $2
	`, outputJSON, id); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}

	if parentWorkflowID != nil && *parentWorkflowID != "" {
		if err := enqueueResume(ctx, tx, *parentWorkflowID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FailExecution marks id failed, or requeues it if retryable and
// under its attempt budget.
func (b *Backend) FailExecution(ctx context.Context, id string, taskErr vm.Value, retryable bool) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempt, maxAttempts int
	var parentWorkflowID *string
	if err := tx.QueryRow(ctx, `
		SELECT attempt, max_attempts, parent_workflow_id FROM executions WHERE id = $1
	`, id).Scan(&attempt, &maxAttempts, &parentWorkflowID); err != nil {
		if err == pgx.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	errJSON, err := marshalValue(taskErr)
	if err != nil {
		return fmt.Errorf("failed to marshal task error: %w", err)
	}

	if retryable && attempt+1 < maxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE executions SET status = 'pending', attempt = attempt + 1,
				claimed_by = NULL, claimed_at = NULL, output = $1
			WHERE id = $2
		`, errJSON, id); err != nil {
			return fmt.Errorf("failed to requeue execution: %w", err)
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'failed', output = $1, completed_at = now(), claimed_by = NULL
		WHERE id = $2
	`, errJSON, id); err != nil {
		return fmt.Errorf("failed to fail execution: %w", err)
	}

	if parentWorkflowID != nil && *parentWorkflowID != "" {
		if err := enqueueResume(ctx, tx, *parentWorkflowID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// RecoverStale returns claimed rows whose claim predates olderThan to pending.
func (b *Backend) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE executions SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'running' AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// enqueueResume inserts a builtin.resume_workflow execution for
// workflowID if one is not already pending.
func enqueueResume(ctx context.Context, tx pgx.Tx, workflowID string) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM executions
			WHERE kind = 'builtin.resume_workflow' AND target_name = $1 AND status = 'pending'
		)
	`, workflowID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check pending resume: %w", err)
	}
	if exists {
		return nil
	}

	inputsJSON, _ := json.Marshal(map[string]vm.Value{"workflow_id": workflowID})
	id := fmt.Sprintf("resume-%s-%d", workflowID, time.Now().UnixNano())
	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, kind, target_name, queue, status, inputs, attempt, max_attempts)
		VALUES ($1, 'builtin.resume_workflow', $2, 'system', 'pending', $3, 0, 1)
	`, id, workflowID, inputsJSON)
	if err != nil {
		return fmt.Errorf("failed to enqueue resume: %w", err)
	}
	return nil
}

// SuspendWorkflow stores the snapshot and materializes every leaf row
// in one transaction.
func (b *Backend) SuspendWorkflow(ctx context.Context, executionID, definitionID string, snap vm.Snapshot, leaves []store.NewLeaf) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'suspended', claimed_by = NULL WHERE id = $1
	`, executionID); err != nil {
		return fmt.Errorf("failed to mark execution suspended: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_execution_context (execution_id, definition_id, vm_snapshot, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (execution_id) DO UPDATE SET definition_id = excluded.definition_id,
			vm_snapshot = excluded.vm_snapshot, updated_at = excluded.updated_at
	`, executionID, definitionID, snapJSON); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	for _, leaf := range leaves {
		if err := materializeLeaf(ctx, tx, executionID, leaf); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func materializeLeaf(ctx context.Context, tx pgx.Tx, executionID string, leaf store.NewLeaf) error {
	switch leaf.Kind {
	case vm.LeafRun:
		inputsJSON, err := marshalValue(leaf.Inputs)
		if err != nil {
			return err
		}
		queue := leaf.Queue
		if queue == "" {
			queue = "default"
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id, attempt, max_attempts)
			VALUES ($1, 'task', $2, $3, 'pending', $4, $5, 0, 1)
			ON CONFLICT (id) DO NOTHING
		`, leaf.ID, leaf.Task, queue, inputsJSON, executionID)
		return err

	case vm.LeafSubWorkflow:
		inputsJSON, err := marshalValue(leaf.Inputs)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id, attempt, max_attempts)
			VALUES ($1, 'workflow', $2, 'default', 'pending', $3, $4, 0, 1)
			ON CONFLICT (id) DO NOTHING
		`, leaf.ID, leaf.Task, inputsJSON, executionID)
		return err

	case vm.LeafDelay:
		fireAt := time.Now().UTC().Add(time.Duration(leaf.DelayMS) * time.Millisecond)
		_, err := tx.Exec(ctx, `
			INSERT INTO timer_tasks (id, fire_at, workflow_id, metadata)
			VALUES ($1, $2, $3, '{}')
			ON CONFLICT (id) DO NOTHING
		`, leaf.ID, fireAt, executionID)
		return err

	case vm.LeafSignal:
		_, err := tx.Exec(ctx, `
			INSERT INTO signal_waits (id, workflow_id, signal_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, leaf.ID, executionID, leaf.Signal)
		return err
	}
	return fmt.Errorf("unknown leaf kind: %s", leaf.Kind)
}

// LoadContext returns the current VM snapshot for executionID.
func (b *Backend) LoadContext(ctx context.Context, executionID string) (*store.WorkflowExecutionContext, error) {
	var definitionID string
	var snapJSON []byte
	var updatedAt time.Time
	err := b.pool.QueryRow(ctx, `
		SELECT definition_id, vm_snapshot, updated_at FROM workflow_execution_context WHERE execution_id = $1
	`, executionID).Scan(&definitionID, &snapJSON, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	var snap vm.Snapshot
	if err := json.Unmarshal(snapJSON, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &store.WorkflowExecutionContext{
		ExecutionID:  executionID,
		DefinitionID: definitionID,
		Snapshot:     snap,
		UpdatedAt:    updatedAt,
	}, nil
}

// PutDefinition inserts a (name, version_hash) row, or returns the
// existing one if already persisted.
func (b *Backend) PutDefinition(ctx context.Context, def *store.WorkflowDefinition) (*store.WorkflowDefinition, error) {
	existing, err := b.GetDefinition(ctx, def.Name, def.VersionHash)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, name, version_hash, source, parsed_ast, input_schema)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, def.ID, def.Name, def.VersionHash, def.Source, def.ParsedAST, def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to insert definition: %w", err)
	}
	return b.GetDefinition(ctx, def.Name, def.VersionHash)
}

func (b *Backend) GetDefinition(ctx context.Context, name, versionHash string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE name = $1 AND version_hash = $2
	`, name, versionHash)
}

func (b *Backend) GetDefinitionByID(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE id = $1
	`, id)
}

func (b *Backend) GetLatestDefinitionByName(ctx context.Context, name string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE name = $1 ORDER BY created_at DESC LIMIT 1
	`, name)
}

func (b *Backend) scanDefinition(ctx context.Context, query string, args ...any) (*store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	err := b.pool.QueryRow(ctx, query, args...).Scan(
		&def.ID, &def.Name, &def.VersionHash, &def.Source, &def.ParsedAST, &def.InputSchema, &def.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return &def, nil
}

// ProcessTimers fires every timer with fire_at <= now.
func (b *Backend) ProcessTimers(ctx context.Context, now time.Time) (int, error) {
	rows, err := b.pool.Query(ctx, `SELECT id, workflow_id FROM timer_tasks WHERE fire_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired timers: %w", err)
	}
	type firedTimer struct{ id, workflowID string }
	var expired []firedTimer
	for rows.Next() {
		var f firedTimer
		if err := rows.Scan(&f.id, &f.workflowID); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, f := range expired {
		if err := b.fireTimer(ctx, f.id, f.workflowID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// GetTimer returns the still-pending row for id, or ErrNotFound once it
// has fired and been deleted by fireTimer.
func (b *Backend) GetTimer(ctx context.Context, id string) (*store.TimerTask, error) {
	var t store.TimerTask
	var metaRaw []byte
	err := b.pool.QueryRow(ctx, `
		SELECT id, fire_at, workflow_id, metadata FROM timer_tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.FireAt, &t.WorkflowID, &metaRaw)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	t.Metadata, _ = unmarshalValue(metaRaw)
	return &t, nil
}

func (b *Backend) fireTimer(ctx context.Context, timerID, workflowID string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM timer_tasks WHERE id = $1`, timerID)
	if err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if err := enqueueResume(ctx, tx, workflowID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeliverSignal records a signal delivery and, if a workflow is
// waiting on it, enqueues its resume.
func (b *Backend) DeliverSignal(ctx context.Context, workflowID, name string, payload vm.Value) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	payloadJSON, err := marshalValue(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO signal_deliveries (workflow_id, signal_name, payload, delivered_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workflow_id, signal_name) DO UPDATE SET payload = excluded.payload,
			delivered_at = excluded.delivered_at
	`, workflowID, name, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to record signal delivery: %w", err)
	}

	var waiting bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM signal_waits WHERE workflow_id = $1 AND signal_name = $2)
	`, workflowID, name).Scan(&waiting)
	if err != nil {
		return fmt.Errorf("failed to check signal wait: %w", err)
	}
	if waiting {
		if err := enqueueResume(ctx, tx, workflowID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// PollSignal reports whether a delivery is present.
func (b *Backend) PollSignal(ctx context.Context, workflowID, name string) (vm.Value, bool, error) {
	var payloadJSON []byte
	err := b.pool.QueryRow(ctx, `
		SELECT payload FROM signal_deliveries WHERE workflow_id = $1 AND signal_name = $2
	`, workflowID, name).Scan(&payloadJSON)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to poll signal: %w", err)
	}
	payload, err := unmarshalValue(payloadJSON)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
