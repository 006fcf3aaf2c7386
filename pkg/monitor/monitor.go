// Package monitor implements the L4 autopilot supervisor: it scores
// observed deviations against configured penalty weights and decides when a
// run must safe-fail into a human handoff. The monitor never mutates step
// outputs; it only observes and triggers state transitions through its
// caller.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/policy"
)

// Handoff is the HITL record created when the monitor stops a run.
type Handoff struct {
	RunID     int64     `json:"run_id"`
	StepIndex int       `json:"step_index"`
	Score     int       `json:"score"`
	Threshold int       `json:"threshold"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier receives handoff events. Delivery (Slack, email, webhook) lives
// outside the core.
type Notifier interface {
	NotifyHandoff(h *Handoff)
}

// NopNotifier drops events.
type NopNotifier struct{}

func (NopNotifier) NotifyHandoff(*Handoff) {}

// Monitor tracks one run's rolling deviation list.
type Monitor struct {
	mu         sync.Mutex
	runID      int64
	active     bool
	threshold  int
	penalties  policy.Penalties
	deviations []*contracts.Deviation
	score      int
	tripped    bool
}

// New builds a monitor for a run. Active only when policy.autopilot is on
// AND the gate passed; an inactive monitor still records deviations but
// never stops the run.
func New(runID int64, cfg *policy.Config, autopilotActive bool) *Monitor {
	threshold := cfg.DeviationThreshold
	if threshold <= 0 {
		threshold = 3
	}
	p := cfg.Penalties
	if p.Unexpected <= 0 {
		p.Unexpected = 2
	}
	if p.VerifierFail <= 0 {
		p.VerifierFail = 1
	}
	if p.Timing <= 0 {
		p.Timing = 1
	}
	if p.RetryCap <= 0 {
		p.RetryCap = 1
	}
	return &Monitor{runID: runID, active: autopilotActive, threshold: threshold, penalties: p}
}

// Active reports whether the monitor may stop the run.
func (m *Monitor) Active() bool { return m.active }

// Score returns the accumulated deviation score.
func (m *Monitor) Score() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// Deviations returns the rolling deviation list.
func (m *Monitor) Deviations() []*contracts.Deviation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*contracts.Deviation(nil), m.deviations...)
}

// weightOf maps a deviation kind to its penalty and severity.
func (m *Monitor) weightOf(kind contracts.DeviationKind) (int, contracts.Severity) {
	switch kind {
	case contracts.DevUnexpectedElement:
		return m.penalties.Unexpected, contracts.SeverityMedium
	case contracts.DevVerifierFail:
		return m.penalties.VerifierFail, contracts.SeverityMedium
	case contracts.DevTiming:
		return m.penalties.Timing, contracts.SeverityLow
	case contracts.DevRetryCap:
		return m.penalties.RetryCap, contracts.SeverityLow
	case contracts.DevDomainDrift, contracts.DevDownloadFail:
		// High-severity deviations trip the monitor on their own.
		return m.threshold, contracts.SeverityHigh
	default:
		return 1, contracts.SeverityLow
	}
}

// Observe records a deviation and returns a handoff when the safe-fail
// threshold is reached. At most one handoff is produced per run.
func (m *Monitor) Observe(kind contracts.DeviationKind, stepIndex int, reason string) (*contracts.Deviation, *Handoff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	weight, severity := m.weightOf(kind)
	dev := &contracts.Deviation{
		RunID:      m.runID,
		StepIndex:  stepIndex,
		Kind:       kind,
		Severity:   severity,
		Score:      weight,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
	m.deviations = append(m.deviations, dev)
	m.score += weight

	if !m.active || m.tripped {
		return dev, nil
	}
	if m.score >= m.threshold || severity == contracts.SeverityHigh {
		m.tripped = true
		return dev, &Handoff{
			RunID:     m.runID,
			StepIndex: stepIndex,
			Score:     m.score,
			Threshold: m.threshold,
			Reason:    fmt.Sprintf("deviation score %d reached threshold %d: %s", m.score, m.threshold, reason),
			CreatedAt: time.Now().UTC(),
		}
	}
	return dev, nil
}

// CheckDomainDrift compares the page's current host against the manifest's
// declared domains.
func (m *Monitor) CheckDomainDrift(stepIndex int, currentHost string, declared []string) (*contracts.Deviation, *Handoff) {
	if currentHost == "" || len(declared) == 0 {
		return nil, nil
	}
	for _, d := range declared {
		if currentHost == d {
			return nil, nil
		}
	}
	return m.Observe(contracts.DevDomainDrift, stepIndex,
		fmt.Sprintf("page drifted to undeclared host %q", currentHost))
}

// AlignSequences compares the expected step action sequence against the
// observed one with insertion-aware alignment: an inserted action reports a
// single UNEXPECTED_ELEMENT without cascading mismatches for the shifted
// tail.
func AlignSequences(expected, actual []string) []int {
	var insertions []int
	e, a := 0, 0
	for a < len(actual) && e < len(expected) {
		if actual[a] == expected[e] {
			a++
			e++
			continue
		}
		if !containsStr(expected, actual[a]) {
			insertions = append(insertions, a)
			a++
			continue
		}
		// Reordering: consume both and keep aligning.
		a++
		e++
	}
	for ; a < len(actual); a++ {
		if !containsStr(expected, actual[a]) {
			insertions = append(insertions, a)
		}
	}
	return insertions
}

func containsStr(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
