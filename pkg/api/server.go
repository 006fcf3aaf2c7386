// Package api is the thin read-only HTTP surface over the run store and
// metrics, plus the HITL decision endpoint. Approver identity and role for
// HITL come from a signed JWT; everything else is unauthenticated local
// read-only data with PII masked.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/executor"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/runstore"
)

// Server wires the HTTP facade.
type Server struct {
	Store     *runstore.Store
	Collector *metrics.Collector
	Approvals *executor.ApprovalHub

	// JWTSecret verifies HITL decision tokens (HS256). Empty disables
	// token checks; the decision then carries no role.
	JWTSecret []byte
}

// Routes registers the facade on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/runs/", s.handleRuns)
	mux.HandleFunc("/hitl/", s.handleHITL)
}

// handleMetrics serves the rolling KPI snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	snap, err := metrics.Compute(ctx, s.Store, s.Collector)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRuns serves:
//
//	GET /runs/{public_id}                   masked run view
//	GET /runs/{run_id}/policy-checks        gate decision
//	GET /runs/{run_id}/deviations           L4 deviation list
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.serveRun(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "policy-checks":
		s.servePolicyChecks(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "deviations":
		s.serveDeviations(w, r, parts[0])
	default:
		WriteNotFound(w)
	}
}

func (s *Server) serveRun(w http.ResponseWriter, r *http.Request, publicID string) {
	run, err := s.Store.GetRunByPublicID(r.Context(), publicID)
	if err != nil {
		WriteNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) servePolicyChecks(w http.ResponseWriter, r *http.Request, id string) {
	runID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		WriteBadRequest(w, "run id must be numeric")
		return
	}
	decision, err := s.Store.PolicyDecision(r.Context(), runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if decision == nil {
		WriteNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) serveDeviations(w http.ResponseWriter, r *http.Request, id string) {
	runID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		WriteBadRequest(w, "run id must be numeric")
		return
	}
	devs, err := s.Store.Deviations(r.Context(), runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if devs == nil {
		devs = []*contracts.Deviation{}
	}
	writeJSON(w, http.StatusOK, devs)
}

type hitlRequest struct {
	Decision string `json:"decision"` // approve | deny
}

type approverClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// handleHITL delivers a human decision to a waiting run:
// POST /hitl/{run_id} {"decision": "approve"|"deny"}.
func (s *Server) handleHITL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hitl/"), "/")
	runID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		WriteBadRequest(w, "run id must be numeric")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req hitlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		WriteBadRequest(w, "decision must be approve or deny")
		return
	}

	role, subject, authErr := s.approver(r)
	if authErr != nil {
		WriteUnauthorized(w, authErr.Error())
		return
	}

	delivered := s.Approvals.Decide(runID, executor.Decision{
		Approve: req.Decision == "approve",
		Role:    role,
		By:      subject,
	})
	if !delivered {
		WriteNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "decision": req.Decision})
}

// approver extracts role and subject from the bearer token.
func (s *Server) approver(r *http.Request) (role, subject string, err error) {
	if len(s.JWTSecret) == 0 {
		return "", "anonymous", nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "", errMissingToken
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	claims := &approverClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadSigningMethod
		}
		return s.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return "", "", errInvalidToken
	}
	return claims.Role, claims.Subject, nil
}

var (
	errMissingToken     = jwt.ErrTokenMalformed
	errBadSigningMethod = jwt.ErrTokenSignatureInvalid
	errInvalidToken     = jwt.ErrTokenSignatureInvalid
)
