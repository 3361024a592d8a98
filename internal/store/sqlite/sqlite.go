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

// Package sqlite provides a single-node SQLite store backend, suitable
// for development and single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/vm"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Backend)(nil)

// Backend is a SQLite store backend. SQLite has no SKIP LOCKED, so
// ClaimExecution relies on the pool holding a single connection
// (db.SetMaxOpenConns(1)), which runs one transaction at a time, to get
// the same at-most-once claim guarantee without row-level locks.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string
	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) a SQLite store and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes regardless; pin to one connection so Go's
	// pool never interleaves two writers and trips "database is locked".
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target_name TEXT NOT NULL,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT,
			output TEXT,
			parent_workflow_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			claimed_by TEXT,
			claimed_at TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_claim ON executions(queue, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_recovery ON executions(status, claimed_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version_hash TEXT NOT NULL,
			source TEXT NOT NULL,
			parsed_ast TEXT NOT NULL,
			input_schema TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(name, version_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_context (
			execution_id TEXT PRIMARY KEY REFERENCES executions(id) ON DELETE CASCADE,
			definition_id TEXT NOT NULL,
			vm_snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS timer_tasks (
			id TEXT PRIMARY KEY,
			fire_at TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			metadata TEXT
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
			payload TEXT,
			delivered_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, signal_name)
		)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func marshalValue(v vm.Value) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalValue(s sql.NullString) (vm.Value, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v vm.Value
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func scanExecution(row interface {
	Scan(dest ...any) error
}) (*store.Execution, error) {
	var e store.Execution
	var inputsJSON, outputJSON sql.NullString
	var parentWorkflowID, claimedBy sql.NullString
	var claimedAt, completedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&e.ID, &e.Kind, &e.TargetName, &e.Queue, &e.Status,
		&inputsJSON, &outputJSON, &parentWorkflowID,
		&e.Attempt, &e.MaxAttempts, &claimedBy, &claimedAt,
		&createdAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.ParentWorkflowID = parentWorkflowID.String
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = parseNullTime(claimedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if e.Inputs, err = unmarshalValue(inputsJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if e.Output, err = unmarshalValue(outputJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return &e, nil
}

const executionColumns = `id, kind, target_name, queue, status, inputs, output, parent_workflow_id,
	attempt, max_attempts, claimed_by, claimed_at, created_at, completed_at`

// CreateExecution inserts a new pending row. If IdempotencyKey is set
// and an active (non-terminal) execution already carries it, that
// execution is returned unchanged instead.
func (b *Backend) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	if params.IdempotencyKey != "" {
		existing, err := b.findByIdempotencyKey(ctx, params.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
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
	now := time.Now().UTC()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id,
			attempt, max_attempts, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, params.ID, params.Kind, params.TargetName, params.Queue, nullString(inputsJSON),
		nullString(params.ParentWorkflowID), maxAttempts, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	return b.GetExecution(ctx, params.ID)
}

// findByIdempotencyKey is a best-effort lookup: idempotency keys are
// not a first-class column, so we piggyback on the caller always
// minting execution IDs deterministically from the key when one is
// supplied.
func (b *Backend) findByIdempotencyKey(ctx context.Context, key string) (*store.Execution, error) {
	exec, err := b.GetExecution(ctx, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exec.Status == store.StatusCompleted || exec.Status == store.StatusFailed || exec.Status == store.StatusCancelled {
		return nil, nil
	}
	return exec, nil
}

// GetExecution retrieves an execution by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions lists executions with optional filtering.
func (b *Backend) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.TargetName != "" {
		query += " AND target_name = ?"
		args = append(args, filter.TargetName)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
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

// CancelExecution sets status=cancelled if the row is pending,
// suspended, or running.
func (b *Backend) CancelExecution(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE executions SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'suspended', 'running')
	`, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimExecution atomically claims the oldest pending row on one of
// queues. The pool's single connection serializes claim transactions,
// so a second concurrent claimer waits for the first to commit and then
// finds the row already running rather than racing past the read.
func (b *Backend) ClaimExecution(ctx context.Context, workerID string, queues []string, now time.Time) (*store.Execution, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]any, len(queues))
	qMarks := ""
	for i, q := range queues {
		placeholders[i] = q
		if i > 0 {
			qMarks += ","
		}
		qMarks += "?"
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM executions
		WHERE status = 'pending' AND queue IN (%s)
		ORDER BY created_at ASC
		LIMIT 1
	`, qMarks), placeholders...)

	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to select claimable execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET status = 'running', claimed_by = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	execRow := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(execRow)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return exec, nil
}

// CompleteExecution marks id completed and, if it has a parent
// workflow, enqueues a resume for that parent.
func (b *Backend) CompleteExecution(ctx context.Context, id string, output vm.Value) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	outputJSON, err := marshalValue(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	now := time.Now().UTC()

	var parentWorkflowID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_workflow_id FROM executions WHERE id = ?`, id).
		Scan(&parentWorkflowID); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'completed', output = ?, completed_at = ?, claimed_by = NULL
		WHERE id = ?
	`, nullString(outputJSON), now.Format(time.RFC3339Nano), id); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}

	if parentWorkflowID.Valid && parentWorkflowID.String != "" {
		if err := enqueueResume(ctx, tx, parentWorkflowID.String, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FailExecution marks id failed, or requeues it as pending if
// retryable and under its attempt budget.
func (b *Backend) FailExecution(ctx context.Context, id string, taskErr vm.Value, retryable bool) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempt, maxAttempts int
	var parentWorkflowID sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT attempt, max_attempts, parent_workflow_id FROM executions WHERE id = ?
	`, id).Scan(&attempt, &maxAttempts, &parentWorkflowID); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	errJSON, err := marshalValue(taskErr)
	if err != nil {
		return fmt.Errorf("failed to marshal task error: %w", err)
	}
	now := time.Now().UTC()

	if retryable && attempt+1 < maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET status = 'pending', attempt = attempt + 1,
				claimed_by = NULL, claimed_at = NULL, output = ?
			WHERE id = ?
		`, nullString(errJSON), id)
		if err != nil {
			return fmt.Errorf("failed to requeue execution: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'failed', output = ?, completed_at = ?, claimed_by = NULL
		WHERE id = ?
	`, nullString(errJSON), now.Format(time.RFC3339Nano), id); err != nil {
		return fmt.Errorf("failed to fail execution: %w", err)
	}

	if parentWorkflowID.Valid && parentWorkflowID.String != "" {
		if err := enqueueResume(ctx, tx, parentWorkflowID.String, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecoverStale returns claimed rows whose claim is older than
// olderThan back to pending.
func (b *Backend) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE executions SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'running' AND claimed_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// enqueueResume inserts a builtin.resume_workflow execution targeting
// workflowID on the system queue, idempotently: if one is already
// pending for that workflow it is left alone rather than duplicated.
func enqueueResume(ctx context.Context, tx *sql.Tx, workflowID string, now time.Time) error {
	var exists int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM executions
		WHERE kind = 'builtin.resume_workflow' AND target_name = ? AND status = 'pending'
	`, workflowID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check pending resume: %w", err)
	}
	if exists > 0 {
		return nil
	}

	inputsJSON, _ := marshalValue(map[string]vm.Value{"workflow_id": workflowID})
	id := fmt.Sprintf("resume-%s-%d", workflowID, now.UnixNano())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, kind, target_name, queue, status, inputs, attempt, max_attempts, created_at)
		VALUES (?, 'builtin.resume_workflow', ?, 'system', 'pending', ?, 0, 1, ?)
	`, id, workflowID, nullString(inputsJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue resume: %w", err)
	}
	return nil
}

// SuspendWorkflow stores the snapshot and materializes every leaf row
// in one transaction.
func (b *Backend) SuspendWorkflow(ctx context.Context, executionID, definitionID string, snap vm.Snapshot, leaves []store.NewLeaf) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'suspended', claimed_by = NULL WHERE id = ?
	`, executionID); err != nil {
		return fmt.Errorf("failed to mark execution suspended: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_execution_context (execution_id, definition_id, vm_snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET definition_id = excluded.definition_id,
			vm_snapshot = excluded.vm_snapshot, updated_at = excluded.updated_at
	`, executionID, definitionID, string(snapJSON), now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	for _, leaf := range leaves {
		if err := materializeLeaf(ctx, tx, executionID, leaf, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func materializeLeaf(ctx context.Context, tx *sql.Tx, executionID string, leaf store.NewLeaf, now time.Time) error {
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id,
				attempt, max_attempts, created_at)
			VALUES (?, 'task', ?, ?, 'pending', ?, ?, 0, 1, ?)
			ON CONFLICT(id) DO NOTHING
		`, leaf.ID, leaf.Task, queue, nullString(inputsJSON), executionID, now.Format(time.RFC3339Nano))
		return err

	case vm.LeafSubWorkflow:
		inputsJSON, err := marshalValue(leaf.Inputs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, kind, target_name, queue, status, inputs, parent_workflow_id,
				attempt, max_attempts, created_at)
			VALUES (?, 'workflow', ?, 'default', 'pending', ?, ?, 0, 1, ?)
			ON CONFLICT(id) DO NOTHING
		`, leaf.ID, leaf.Task, nullString(inputsJSON), executionID, now.Format(time.RFC3339Nano))
		return err

	case vm.LeafDelay:
		fireAt := now.Add(time.Duration(leaf.DelayMS) * time.Millisecond)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO timer_tasks (id, fire_at, workflow_id, metadata)
			VALUES (?, ?, ?, '{}')
			ON CONFLICT(id) DO NOTHING
		`, leaf.ID, fireAt.Format(time.RFC3339Nano), executionID)
		return err

	case vm.LeafSignal:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signal_waits (id, workflow_id, signal_name)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, leaf.ID, executionID, leaf.Signal)
		return err
	}
	return fmt.Errorf("unknown leaf kind: %s", leaf.Kind)
}

// LoadContext returns the current VM snapshot for executionID.
func (b *Backend) LoadContext(ctx context.Context, executionID string) (*store.WorkflowExecutionContext, error) {
	var definitionID, snapJSON, updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT definition_id, vm_snapshot, updated_at FROM workflow_execution_context WHERE execution_id = ?
	`, executionID).Scan(&definitionID, &snapJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	var snap vm.Snapshot
	if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	wc := &store.WorkflowExecutionContext{
		ExecutionID:  executionID,
		DefinitionID: definitionID,
		Snapshot:     snap,
	}
	wc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return wc, nil
}

// PutDefinition inserts a (name, version_hash) row, or returns the
// existing one if content-identical to a prior definition.
func (b *Backend) PutDefinition(ctx context.Context, def *store.WorkflowDefinition) (*store.WorkflowDefinition, error) {
	existing, err := b.GetDefinition(ctx, def.Name, def.VersionHash)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version_hash, source, parsed_ast, input_schema, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, def.ID, def.Name, def.VersionHash, def.Source, def.ParsedAST, def.InputSchema, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert definition: %w", err)
	}
	def.CreatedAt = now
	return def, nil
}

func (b *Backend) GetDefinition(ctx context.Context, name, versionHash string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE name = ? AND version_hash = ?
	`, name, versionHash)
}

func (b *Backend) GetDefinitionByID(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE id = ?
	`, id)
}

func (b *Backend) GetLatestDefinitionByName(ctx context.Context, name string) (*store.WorkflowDefinition, error) {
	return b.scanDefinition(ctx, `
		SELECT id, name, version_hash, source, parsed_ast, input_schema, created_at
		FROM workflow_definitions WHERE name = ? ORDER BY created_at DESC LIMIT 1
	`, name)
}

func (b *Backend) scanDefinition(ctx context.Context, query string, args ...any) (*store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	var createdAt string
	err := b.db.QueryRowContext(ctx, query, args...).Scan(
		&def.ID, &def.Name, &def.VersionHash, &def.Source, &def.ParsedAST, &def.InputSchema, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &def, nil
}

// ProcessTimers fires every timer with fire_at <= now.
func (b *Backend) ProcessTimers(ctx context.Context, now time.Time) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_id FROM timer_tasks WHERE fire_at <= ?
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to query expired timers: %w", err)
	}
	type fired struct{ id, workflowID string }
	var expired []fired
	for rows.Next() {
		var f fired
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
		if err := b.fireTimer(ctx, f.id, f.workflowID, now); err != nil {
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
	var fireAt, metaJSON string
	err := b.db.QueryRowContext(ctx, `
		SELECT id, fire_at, workflow_id, metadata FROM timer_tasks WHERE id = ?
	`, id).Scan(&t.ID, &fireAt, &t.WorkflowID, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	t.FireAt, _ = time.Parse(time.RFC3339Nano, fireAt)
	t.Metadata, _ = unmarshalValue(sql.NullString{String: metaJSON, Valid: metaJSON != ""})
	return &t, nil
}

func (b *Backend) fireTimer(ctx context.Context, timerID, workflowID string, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM timer_tasks WHERE id = ?`, timerID)
	if err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already fired by a racing sweep; nothing to do.
		return tx.Commit()
	}

	if err := enqueueResume(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// DeliverSignal records a signal delivery and, if a workflow is
// waiting on it, enqueues its resume.
func (b *Backend) DeliverSignal(ctx context.Context, workflowID, name string, payload vm.Value) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payloadJSON, err := marshalValue(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signal_deliveries (workflow_id, signal_name, payload, delivered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, signal_name) DO UPDATE SET payload = excluded.payload,
			delivered_at = excluded.delivered_at
	`, workflowID, name, nullString(payloadJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record signal delivery: %w", err)
	}

	var waiting int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM signal_waits WHERE workflow_id = ? AND signal_name = ?
	`, workflowID, name).Scan(&waiting)
	if err != nil {
		return fmt.Errorf("failed to check signal wait: %w", err)
	}
	if waiting > 0 {
		if err := enqueueResume(ctx, tx, workflowID, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PollSignal reports whether a delivery is present.
func (b *Backend) PollSignal(ctx context.Context, workflowID, name string) (vm.Value, bool, error) {
	var payloadJSON sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT payload FROM signal_deliveries WHERE workflow_id = ? AND signal_name = ?
	`, workflowID, name).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
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
