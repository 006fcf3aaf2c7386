package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateRunAssignsIDs(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	a := &contracts.Run{PlanRef: "weekly.yaml", Priority: 5}
	b := &contracts.Run{PlanRef: "other.yaml", Priority: 5}
	if err := s.CreateRun(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, b); err != nil {
		t.Fatal(err)
	}
	if a.RunID <= 0 || b.RunID <= a.RunID {
		t.Fatalf("run ids must be monotonic: %d %d", a.RunID, b.RunID)
	}
	if a.PublicID == "" || a.PublicID == b.PublicID {
		t.Fatal("public ids must be unique and opaque")
	}
	if a.State != contracts.RunQueued {
		t.Fatalf("new run state: %s", a.State)
	}
}

func TestStateTransitionsAndTimestamps(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{PlanRef: "p.yaml"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateState(ctx, run.RunID, contracts.RunRunning, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateState(ctx, run.RunID, contracts.RunFailed,
		contracts.NewError(contracts.ErrPolicyBlocked, "blocked")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != contracts.RunFailed {
		t.Fatalf("state: %s", got.State)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("timestamps missing")
	}
	if got.Error == nil || got.Error.Code != contracts.ErrPolicyBlocked {
		t.Fatalf("error: %+v", got.Error)
	}
}

func TestStepResultRoundTrip(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{PlanRef: "p.yaml"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveEvidence(ctx, run.RunID, 0, contracts.EvidenceRef{
		Kind: "screenshot", Key: "1_step_0", Digest: "sha256:abc",
	}); err != nil {
		t.Fatal(err)
	}
	r := &contracts.StepResult{
		StepIndex: 0, Action: "find_files", Status: contracts.StepPass,
		StartedAt: time.Now().UTC(), DurationMS: 42, Attempts: 1,
		Output:          map[string]any{"found": float64(3)},
		RecoveryActions: []string{"widened search to parent directory"},
	}
	if err := s.SaveStepResult(ctx, run.RunID, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.StepResults) != 1 {
		t.Fatalf("steps: %d", len(got.StepResults))
	}
	sr := got.StepResults[0]
	if sr.Status != contracts.StepPass || sr.Output["found"] != float64(3) {
		t.Fatalf("step: %+v", sr)
	}
	if len(sr.Evidence) != 1 || sr.Evidence[0].Kind != "screenshot" {
		t.Fatalf("evidence: %+v", sr.Evidence)
	}
	if len(sr.RecoveryActions) != 1 {
		t.Fatalf("recovery: %+v", sr.RecoveryActions)
	}
}

func TestPublicViewMasksVariables(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{
		PlanRef:           "p.yaml",
		VariablesResolved: map[string]any{"token": "raw-would-be-masked"},
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	public, err := s.GetRunByPublicID(ctx, run.PublicID)
	if err != nil {
		t.Fatal(err)
	}
	if public.VariablesResolved != nil {
		t.Fatal("public view must withhold resolved variables")
	}
	if public.RunID != run.RunID {
		t.Fatal("public view must resolve to the same run")
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{PlanRef: "p.yaml"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	cp := &contracts.Checkpoint{
		RunID:         run.RunID,
		NextStepIndex: 3,
		Variables:     map[string]any{"x": "1"},
		StepOutputs: []map[string]any{
			{"found": float64(2)}, {"path": "./m.pdf"}, nil,
		},
		WrittenAt: time.Now().UTC(),
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}

	got, err := s.Checkpoint(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.NextStepIndex != 3 || len(got.StepOutputs) != 3 {
		t.Fatalf("checkpoint: %+v", got)
	}

	if err := s.ClearCheckpoint(ctx, run.RunID); err != nil {
		t.Fatal(err)
	}
	got, err = s.Checkpoint(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("checkpoint must be invalidated after completion")
	}
}

func TestDeviationsAndApprovals(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{PlanRef: "p.yaml"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveDeviation(ctx, &contracts.Deviation{
		RunID: run.RunID, StepIndex: 2, Kind: contracts.DevUnexpectedElement,
		Severity: contracts.SeverityMedium, Score: 2, Reason: "unexpected dialog",
		DetectedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	devs, err := s.Deviations(ctx, run.RunID)
	if err != nil || len(devs) != 1 {
		t.Fatalf("deviations: %v %v", devs, err)
	}

	a := &contracts.Approval{
		ApprovalID: "ap-1", RunID: run.RunID, StepIndex: 1, Message: "Deploy?",
		AutoAction: "deny", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Minute).UTC(),
	}
	if err := s.SaveApproval(ctx, a); err != nil {
		t.Fatal(err)
	}
	pending, err := s.PendingApproval(ctx, run.RunID)
	if err != nil || pending == nil || pending.ApprovalID != "ap-1" {
		t.Fatalf("pending: %+v %v", pending, err)
	}

	now := time.Now().UTC()
	a.Decision = "approve"
	a.DecidedBy = "alice"
	a.DecidedAt = &now
	if err := s.SaveApproval(ctx, a); err != nil {
		t.Fatal(err)
	}
	pending, err = s.PendingApproval(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Fatal("decided approval must not be pending")
	}

	required, granted, err := s.ApprovalStatsSince(ctx, now.Add(-time.Hour))
	if err != nil || required != 1 || granted != 1 {
		t.Fatalf("approval stats: %d %d %v", required, granted, err)
	}
}

func TestMetricsWindows(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	run := &contracts.Run{PlanRef: "p.yaml"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateState(ctx, run.RunID, contracts.RunCompleted, nil); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RunsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs since: %v %v", runs, err)
	}
	runs, err = s.RunsSince(ctx, time.Now().Add(time.Hour))
	if err != nil || len(runs) != 0 {
		t.Fatalf("future cutoff must return nothing: %v %v", runs, err)
	}
}
