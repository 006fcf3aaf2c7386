package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// GetRun loads a run with its step results.
func (s *Store) GetRun(ctx context.Context, runID int64) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, public_id, plan_ref, variables, manifest, state, queue, priority, trigger, error, created_at, started_at, finished_at
		FROM runs WHERE run_id=?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	run.StepResults, err = s.stepResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunByPublicID loads the read-only public view of a run. Resolved
// variables are withheld; step outputs are already masked at write time.
func (s *Store) GetRunByPublicID(ctx context.Context, publicID string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, public_id, plan_ref, variables, manifest, state, queue, priority, trigger, error, created_at, started_at, finished_at
		FROM runs WHERE public_id=?`, publicID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	run.VariablesResolved = nil
	run.StepResults, err = s.stepResults(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*contracts.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, public_id, plan_ref, variables, manifest, state, queue, priority, trigger, error, created_at, started_at, finished_at
		FROM runs ORDER BY run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunsSince returns runs created at or after the cutoff, for metrics windows.
func (s *Store) RunsSince(ctx context.Context, cutoff time.Time) ([]*contracts.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, public_id, plan_ref, variables, manifest, state, queue, priority, trigger, error, created_at, started_at, finished_at
		FROM runs WHERE created_at >= ? ORDER BY run_id`, ts(cutoff))
	if err != nil {
		return nil, fmt.Errorf("runstore: runs since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// StepResultsSince returns step rows for metrics aggregation.
func (s *Store) StepResultsSince(ctx context.Context, cutoff time.Time) ([]*contracts.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.step_index, s.action, s.status, s.started_at, s.duration_ms, s.attempts, s.output, s.recovery, s.error
		FROM steps s JOIN runs r ON r.run_id = s.run_id
		WHERE r.created_at >= ?`, ts(cutoff))
	if err != nil {
		return nil, fmt.Errorf("runstore: steps since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.StepResult
	for rows.Next() {
		r, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeviationsSince counts deviation rows for metrics aggregation.
func (s *Store) DeviationsSince(ctx context.Context, cutoff time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deviations WHERE detected_at >= ?`, ts(cutoff))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AuditCountSince counts audit rows matching an action since the cutoff.
func (s *Store) AuditCountSince(ctx context.Context, action string, cutoff time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit WHERE action=? AND recorded_at >= ?`, action, ts(cutoff))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ApprovalStatsSince returns (required, granted) approval counts.
func (s *Store) ApprovalStatsSince(ctx context.Context, cutoff time.Time) (required, granted int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN decision='approve' THEN 1 ELSE 0 END), 0)
		FROM approvals WHERE created_at >= ?`, ts(cutoff))
	err = row.Scan(&required, &granted)
	return required, granted, err
}

// Evidence lists evidence references for a step.
func (s *Store) Evidence(ctx context.Context, runID int64, stepIndex int) ([]contracts.EvidenceRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, digest, path FROM evidence WHERE run_id=? AND step_index=?`, runID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("runstore: evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.EvidenceRef
	for rows.Next() {
		var ref contracts.EvidenceRef
		if err := rows.Scan(&ref.Kind, &ref.Key, &ref.Digest, &ref.Path); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (*contracts.Run, error) {
	run := &contracts.Run{}
	var state, created string
	var vars, mani, errJSON, started, finished sql.NullString
	err := row.Scan(&run.RunID, &run.PublicID, &run.PlanRef, &vars, &mani, &state,
		&run.Queue, &run.Priority, &run.Trigger, &errJSON, &created, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("runstore: run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: scan run: %w", err)
	}
	run.State = contracts.RunState(state)
	run.CreatedAt = parseTS(created)
	if vars.Valid {
		_ = json.Unmarshal([]byte(vars.String), &run.VariablesResolved)
	}
	if mani.Valid {
		_ = json.Unmarshal([]byte(mani.String), &run.Manifest)
	}
	if errJSON.Valid && errJSON.String != "" && errJSON.String != "null" {
		_ = json.Unmarshal([]byte(errJSON.String), &run.Error)
	}
	if started.Valid {
		t := parseTS(started.String)
		run.StartedAt = &t
	}
	if finished.Valid {
		t := parseTS(finished.String)
		run.FinishedAt = &t
	}
	return run, nil
}

func (s *Store) stepResults(ctx context.Context, runID int64) ([]*contracts.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, action, status, started_at, duration_ms, attempts, output, recovery, error
		FROM steps WHERE run_id=? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: step results: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.StepResult
	for rows.Next() {
		r, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The pool holds a single connection: release the step cursor before
	// the evidence queries need it.
	_ = rows.Close()
	for _, r := range out {
		refs, err := s.Evidence(ctx, runID, r.StepIndex)
		if err != nil {
			return nil, err
		}
		r.Evidence = refs
	}
	return out, nil
}

func scanStep(row rowScanner) (*contracts.StepResult, error) {
	r := &contracts.StepResult{}
	var status, started string
	var output, recovery, errJSON sql.NullString
	if err := row.Scan(&r.StepIndex, &r.Action, &status, &started, &r.DurationMS,
		&r.Attempts, &output, &recovery, &errJSON); err != nil {
		return nil, fmt.Errorf("runstore: scan step: %w", err)
	}
	r.Status = contracts.StepStatus(status)
	r.StartedAt = parseTS(started)
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &r.Output)
	}
	if recovery.Valid {
		_ = json.Unmarshal([]byte(recovery.String), &r.RecoveryActions)
	}
	if errJSON.Valid && errJSON.String != "" && errJSON.String != "null" {
		_ = json.Unmarshal([]byte(errJSON.String), &r.Error)
	}
	return r, nil
}
