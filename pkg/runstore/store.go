// Package runstore persists runs, step results, evidence references, policy
// decisions, deviations, approvals, checkpoints, and audit rows in SQLite.
// Writes are atomic per row and serialized per run; a step's terminal status
// is written only after its evidence references are persisted.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the run store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// Shared cache keeps the schema visible across pooled connections.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_id TEXT NOT NULL UNIQUE,
		plan_ref TEXT NOT NULL,
		variables JSON,
		manifest JSON,
		state TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT 'default',
		priority INTEGER NOT NULL DEFAULT 5,
		trigger TEXT NOT NULL DEFAULT 'manual',
		error JSON,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS steps (
		run_id INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		output JSON,
		recovery JSON,
		error JSON,
		PRIMARY KEY (run_id, step_index)
	);
	CREATE TABLE IF NOT EXISTS evidence (
		run_id INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		digest TEXT,
		path TEXT,
		PRIMARY KEY (run_id, step_index, kind)
	);
	CREATE TABLE IF NOT EXISTS policy_decisions (
		run_id INTEGER PRIMARY KEY,
		allowed INTEGER NOT NULL,
		autopilot INTEGER NOT NULL,
		checks JSON NOT NULL,
		evaluated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS deviations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		score INTEGER NOT NULL,
		reason TEXT,
		detected_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		run_id INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		message TEXT,
		required_role TEXT,
		risk_level TEXT,
		auto_action TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		decided_at DATETIME,
		decision TEXT,
		decided_by TEXT
	);
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id INTEGER PRIMARY KEY,
		next_step_index INTEGER NOT NULL,
		variables JSON,
		step_outputs JSON,
		engine_contexts JSON,
		written_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		type TEXT NOT NULL,
		action TEXT NOT NULL,
		metadata JSON,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_deviations_run ON deviations(run_id);
	`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("runstore: migrate: %w", err)
	}
	return nil
}

// CreateRun inserts a QUEUED run and assigns run_id and public_id.
func (s *Store) CreateRun(ctx context.Context, run *contracts.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.PublicID == "" {
		run.PublicID = uuid.New().String()
	}
	if run.State == "" {
		run.State = contracts.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Queue == "" {
		run.Queue = "default"
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (public_id, plan_ref, variables, manifest, state, queue, priority, trigger, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.PublicID, run.PlanRef, marshal(run.VariablesResolved), marshal(run.Manifest),
		string(run.State), run.Queue, run.Priority, run.Trigger, ts(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("runstore: create run: %w", err)
	}
	run.RunID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("runstore: run id: %w", err)
	}
	return nil
}

// UpdateState transitions a run's state; terminal states set finished_at.
func (s *Store) UpdateState(ctx context.Context, runID int64, state contracts.RunState, runErr *contracts.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var query string
	var args []any
	switch {
	case state == contracts.RunRunning:
		query = `UPDATE runs SET state=?, started_at=COALESCE(started_at, ?) WHERE run_id=?`
		args = []any{string(state), ts(now), runID}
	case state.Terminal():
		query = `UPDATE runs SET state=?, error=?, finished_at=? WHERE run_id=?`
		args = []any{string(state), marshal(runErr), ts(now), runID}
	default:
		query = `UPDATE runs SET state=? WHERE run_id=?`
		args = []any{string(state), runID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("runstore: update state: %w", err)
	}
	return nil
}

// SaveStepResult upserts a step row. Callers persist evidence refs first;
// this write is the step's terminal commit.
func (s *Store) SaveStepResult(ctx context.Context, runID int64, r *contracts.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, step_index, action, status, started_at, duration_ms, attempts, output, recovery, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_index) DO UPDATE SET
			status=excluded.status, started_at=excluded.started_at,
			duration_ms=excluded.duration_ms, attempts=excluded.attempts,
			output=excluded.output, recovery=excluded.recovery, error=excluded.error`,
		runID, r.StepIndex, r.Action, string(r.Status), ts(r.StartedAt), r.DurationMS,
		r.Attempts, marshal(r.Output), marshal(r.RecoveryActions), marshal(r.Error))
	if err != nil {
		return fmt.Errorf("runstore: save step %d: %w", r.StepIndex, err)
	}
	return nil
}

// SaveEvidence records an evidence reference for a step.
func (s *Store) SaveEvidence(ctx context.Context, runID int64, stepIndex int, ref contracts.EvidenceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO evidence (run_id, step_index, kind, key, digest, path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, stepIndex, ref.Kind, ref.Key, ref.Digest, ref.Path)
	if err != nil {
		return fmt.Errorf("runstore: save evidence: %w", err)
	}
	return nil
}

// SavePolicyDecision records the gate outcome for a run.
func (s *Store) SavePolicyDecision(ctx context.Context, runID int64, d *contracts.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO policy_decisions (run_id, allowed, autopilot, checks, evaluated_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, boolInt(d.Allowed), boolInt(d.AutopilotEnabled), marshal(d.Checks), ts(d.EvaluatedAt))
	if err != nil {
		return fmt.Errorf("runstore: save policy decision: %w", err)
	}
	return nil
}

// PolicyDecision loads the gate outcome for a run.
func (s *Store) PolicyDecision(ctx context.Context, runID int64) (*contracts.PolicyDecision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT allowed, autopilot, checks, evaluated_at FROM policy_decisions WHERE run_id=?`, runID)
	var allowed, autopilot int
	var checksJSON string
	var evaluated string
	if err := row.Scan(&allowed, &autopilot, &checksJSON, &evaluated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("runstore: policy decision: %w", err)
	}
	d := &contracts.PolicyDecision{Allowed: allowed == 1, AutopilotEnabled: autopilot == 1}
	_ = json.Unmarshal([]byte(checksJSON), &d.Checks)
	d.EvaluatedAt = parseTS(evaluated)
	return d, nil
}

// SaveDeviation appends a deviation row.
func (s *Store) SaveDeviation(ctx context.Context, d *contracts.Deviation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deviations (run_id, step_index, kind, severity, score, reason, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.StepIndex, string(d.Kind), string(d.Severity), d.Score, d.Reason, ts(d.DetectedAt))
	if err != nil {
		return fmt.Errorf("runstore: save deviation: %w", err)
	}
	return nil
}

// Deviations lists a run's deviations in detection order.
func (s *Store) Deviations(ctx context.Context, runID int64) ([]*contracts.Deviation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_index, kind, severity, score, reason, detected_at
		FROM deviations WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: deviations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Deviation
	for rows.Next() {
		d := &contracts.Deviation{}
		var kind, severity, detected string
		if err := rows.Scan(&d.RunID, &d.StepIndex, &kind, &severity, &d.Score, &d.Reason, &detected); err != nil {
			return nil, err
		}
		d.Kind = contracts.DeviationKind(kind)
		d.Severity = contracts.Severity(severity)
		d.DetectedAt = parseTS(detected)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveApproval records a pending HITL approval.
func (s *Store) SaveApproval(ctx context.Context, a *contracts.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO approvals
		(approval_id, run_id, step_index, message, required_role, risk_level, auto_action, created_at, expires_at, decided_at, decision, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.RunID, a.StepIndex, a.Message, a.RequiredRole, a.RiskLevel,
		a.AutoAction, ts(a.CreatedAt), ts(a.ExpiresAt), tsPtr(a.DecidedAt), a.Decision, a.DecidedBy)
	if err != nil {
		return fmt.Errorf("runstore: save approval: %w", err)
	}
	return nil
}

// PendingApproval returns the undecided approval for a run, if any.
func (s *Store) PendingApproval(ctx context.Context, runID int64) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, step_index, message, required_role, risk_level, auto_action, created_at, expires_at
		FROM approvals WHERE run_id=? AND (decision IS NULL OR decision='')
		ORDER BY created_at DESC LIMIT 1`, runID)
	a := &contracts.Approval{}
	var created, expires string
	err := row.Scan(&a.ApprovalID, &a.RunID, &a.StepIndex, &a.Message, &a.RequiredRole,
		&a.RiskLevel, &a.AutoAction, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: pending approval: %w", err)
	}
	a.CreatedAt = parseTS(created)
	a.ExpiresAt = parseTS(expires)
	return a, nil
}

// SaveCheckpoint atomically replaces a run's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *contracts.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (run_id, next_step_index, variables, step_outputs, engine_contexts, written_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.NextStepIndex, marshal(cp.Variables), marshal(cp.StepOutputs),
		marshal(cp.EngineContexts), ts(cp.WrittenAt))
	if err != nil {
		return fmt.Errorf("runstore: save checkpoint: %w", err)
	}
	return nil
}

// Checkpoint loads a run's checkpoint, nil if none.
func (s *Store) Checkpoint(ctx context.Context, runID int64) (*contracts.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, next_step_index, variables, step_outputs, engine_contexts, written_at
		FROM checkpoints WHERE run_id=?`, runID)
	cp := &contracts.Checkpoint{}
	var vars, outputs, engines, written string
	err := row.Scan(&cp.RunID, &cp.NextStepIndex, &vars, &outputs, &engines, &written)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: checkpoint: %w", err)
	}
	_ = json.Unmarshal([]byte(vars), &cp.Variables)
	_ = json.Unmarshal([]byte(outputs), &cp.StepOutputs)
	_ = json.Unmarshal([]byte(engines), &cp.EngineContexts)
	cp.WrittenAt = parseTS(written)
	return cp, nil
}

// ClearCheckpoint invalidates a checkpoint after successful completion.
func (s *Store) ClearCheckpoint(ctx context.Context, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id=?`, runID)
	return err
}

// AppendAudit writes an audit row tied to a run (0 for system events).
func (s *Store) AppendAudit(ctx context.Context, runID int64, eventType, action string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (run_id, type, action, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, action, marshal(metadata), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("runstore: append audit: %w", err)
	}
	return nil
}

func marshal(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
