package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/executor"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/runstore"
)

func newServer(t *testing.T) (*Server, *contracts.Run) {
	t.Helper()
	store, err := runstore.Open(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	collector, err := metrics.NewCollector()
	if err != nil {
		t.Fatal(err)
	}

	run := &contracts.Run{
		PlanRef:           "weekly.yaml",
		VariablesResolved: map[string]any{"token": "secret"},
	}
	ctx := context.Background()
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePolicyDecision(ctx, run.RunID, &contracts.PolicyDecision{
		Allowed: false,
		Checks: []contracts.PolicyCheck{
			{Name: "domain", Allowed: false, Reason: "blocked"},
			{Name: "time_window", Allowed: true},
		},
		EvaluatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveDeviation(ctx, &contracts.Deviation{
		RunID: run.RunID, StepIndex: 1, Kind: contracts.DevTiming,
		Severity: contracts.SeverityLow, Score: 1, DetectedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	return &Server{Store: store, Collector: collector, Approvals: executor.NewApprovalHub()}, run
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.Routes(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetRunByPublicIDMasksVariables(t *testing.T) {
	s, run := newServer(t)
	rec := do(t, s, http.MethodGet, "/runs/"+run.PublicID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("public view must not expose resolved variables")
	}
}

func TestGetPolicyChecks(t *testing.T) {
	s, run := newServer(t)
	rec := do(t, s, http.MethodGet, "/runs/1/policy-checks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var decision contracts.PolicyDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Allowed {
		t.Fatal("decision must be blocked")
	}
	foundDomain := false
	for _, c := range decision.Checks {
		if c.Name == "domain" && !c.Allowed {
			foundDomain = true
		}
	}
	if !foundDomain {
		t.Fatalf("checks: %+v", decision.Checks)
	}
	_ = run
}

func TestGetDeviations(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodGet, "/runs/1/deviations", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var devs []*contracts.Deviation
	if err := json.Unmarshal(rec.Body.Bytes(), &devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Kind != contracts.DevTiming {
		t.Fatalf("deviations: %+v", devs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Window24h.TotalRuns != 1 {
		t.Fatalf("snapshot: %+v", snap.Window24h)
	}
}

func TestHITLDecisionDelivery(t *testing.T) {
	s, _ := newServer(t)

	// No waiter yet: 404.
	rec := do(t, s, http.MethodPost, "/hitl/1", `{"decision":"approve"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}

	// Register a waiter, then deliver.
	hubCh := s.Approvals.Register(1)
	rec = do(t, s, http.MethodPost, "/hitl/1", `{"decision":"approve"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	select {
	case d := <-hubCh:
		if !d.Approve || d.By != "anonymous" {
			t.Fatalf("decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("decision not delivered")
	}
}

func TestHITLRejectsBadToken(t *testing.T) {
	s, _ := newServer(t)
	s.JWTSecret = []byte("hub-secret")
	s.Approvals.Register(1)

	rec := do(t, s, http.MethodPost, "/hitl/1", `{"decision":"approve"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "role": "Editor",
	})
	signed, err := token.SignedString([]byte("hub-secret"))
	if err != nil {
		t.Fatal(err)
	}
	rec = do(t, s, http.MethodPost, "/hitl/1", `{"decision":"approve"}`,
		map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token must pass: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHITLRejectsBadDecision(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodPost, "/hitl/1", `{"decision":"maybe"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}
