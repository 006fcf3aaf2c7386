// Package metrics aggregates rolling 24h/7d KPIs from the run store and
// exports live counters through OpenTelemetry. Snapshots are read-only;
// counter writes happen only as side effects of executor, verifier, and
// monitor transitions.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// Audit actions counted by snapshots. Emitters write these rows; the
// aggregator only reads them.
const (
	ActionPolicyBlock    = "policy_block"
	ActionDeviationStop  = "deviation_stop"
	ActionPatchProposed  = "patch_proposed"
	ActionPatchAdopted   = "patch_auto_adopted"
	ActionL4Autorun      = "l4_autorun"
	ActionSchemaCapture  = "schema_capture"
	ActionCapabilityMiss = "os_capability_miss"
)

// Collector owns the OTel instruments and process-local gauges.
type Collector struct {
	mu             sync.Mutex
	queueDepthPeak int

	runsTotal      metric.Int64Counter
	policyBlocks   metric.Int64Counter
	deviationStops metric.Int64Counter
	patches        metric.Int64Counter
	stepDuration   metric.Float64Histogram
}

// NewCollector registers instruments on the global meter provider.
func NewCollector() (*Collector, error) {
	meter := otel.Meter("deskflow/core")
	c := &Collector{}
	var err error
	if c.runsTotal, err = meter.Int64Counter("deskflow.runs.total"); err != nil {
		return nil, fmt.Errorf("metrics: runs counter: %w", err)
	}
	if c.policyBlocks, err = meter.Int64Counter("deskflow.policy.blocks"); err != nil {
		return nil, fmt.Errorf("metrics: policy counter: %w", err)
	}
	if c.deviationStops, err = meter.Int64Counter("deskflow.l4.deviation_stops"); err != nil {
		return nil, fmt.Errorf("metrics: deviation counter: %w", err)
	}
	if c.patches, err = meter.Int64Counter("deskflow.planner.patches"); err != nil {
		return nil, fmt.Errorf("metrics: patch counter: %w", err)
	}
	if c.stepDuration, err = meter.Float64Histogram("deskflow.step.duration_ms"); err != nil {
		return nil, fmt.Errorf("metrics: duration histogram: %w", err)
	}
	return c, nil
}

// RunFinished counts a terminal run state.
func (c *Collector) RunFinished(ctx context.Context, state contracts.RunState) {
	if c == nil || c.runsTotal == nil {
		return
	}
	c.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

// PolicyBlocked counts a gate block.
func (c *Collector) PolicyBlocked(ctx context.Context) {
	if c == nil || c.policyBlocks == nil {
		return
	}
	c.policyBlocks.Add(ctx, 1)
}

// DeviationStop counts an L4 safe-fail.
func (c *Collector) DeviationStop(ctx context.Context) {
	if c == nil || c.deviationStops == nil {
		return
	}
	c.deviationStops.Add(ctx, 1)
}

// Patch counts a planner proposal or adoption.
func (c *Collector) Patch(ctx context.Context, adopted bool) {
	if c == nil || c.patches == nil {
		return
	}
	c.patches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("adopted", adopted)))
}

// StepDuration records one step's wall time.
func (c *Collector) StepDuration(ctx context.Context, action string, durationMS float64) {
	if c == nil || c.stepDuration == nil {
		return
	}
	c.stepDuration.Record(ctx, durationMS, metric.WithAttributes(attribute.String("action", action)))
}

// ObserveQueueDepth tracks the peak backlog seen this process.
func (c *Collector) ObserveQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth > c.queueDepthPeak {
		c.queueDepthPeak = depth
	}
}

// QueueDepthPeak returns the process-local peak backlog.
func (c *Collector) QueueDepthPeak() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueDepthPeak
}

// FailureCluster is one top-K failure group keyed by error code and action.
type FailureCluster struct {
	Code   contracts.ErrorCode `json:"code"`
	Action string              `json:"action"`
	Count  int                 `json:"count"`
}

// WindowStats holds the KPI set for one rolling window.
type WindowStats struct {
	TotalRuns         int     `json:"total_runs"`
	SuccessRate       float64 `json:"success_rate"`
	MedianDurationMS  float64 `json:"median_duration_ms"`
	P95DurationMS     float64 `json:"p95_duration_ms"`
	ApprovalsRequired int     `json:"approvals_required"`
	ApprovalsGranted  int     `json:"approvals_granted"`
	VerifierPassRate  float64 `json:"verifier_pass_rate"`
	SchemaCaptures    int     `json:"schema_captures"`
	UploadSuccesses   int     `json:"web_upload_successes"`
	CapabilityMisses  int     `json:"os_capability_misses"`
	L4Autoruns        int     `json:"l4_autoruns"`
	PolicyBlocks      int     `json:"policy_blocks"`
	DeviationStops    int     `json:"deviation_stops"`
	PatchesProposed   int     `json:"patches_proposed"`
	PatchesAdopted    int     `json:"patches_auto_adopted"`
	RetryRate         float64 `json:"retry_rate"`
	Deviations        int     `json:"deviations"`
}

// Snapshot is the full read-only metrics view.
type Snapshot struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Window24h       WindowStats      `json:"window_24h"`
	Window7d        WindowStats      `json:"window_7d"`
	QueueDepthPeak  int              `json:"queue_depth_peak"`
	FailureClusters []FailureCluster `json:"failure_clusters"`
}

// RunSource is the slice of the run store the aggregator reads.
type RunSource interface {
	RunsSince(ctx context.Context, cutoff time.Time) ([]*contracts.Run, error)
	StepResultsSince(ctx context.Context, cutoff time.Time) ([]*contracts.StepResult, error)
	DeviationsSince(ctx context.Context, cutoff time.Time) (int, error)
	AuditCountSince(ctx context.Context, action string, cutoff time.Time) (int, error)
	ApprovalStatsSince(ctx context.Context, cutoff time.Time) (required, granted int, err error)
}

// TopK bounds the failure cluster list.
const TopK = 5

// Compute builds a snapshot over the 24h and 7d windows.
func Compute(ctx context.Context, src RunSource, collector *Collector) (*Snapshot, error) {
	now := time.Now().UTC()
	day, err := computeWindow(ctx, src, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	week, err := computeWindow(ctx, src, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	clusters, err := failureClusters(ctx, src, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		GeneratedAt:     now,
		Window24h:       *day,
		Window7d:        *week,
		QueueDepthPeak:  collector.QueueDepthPeak(),
		FailureClusters: clusters,
	}, nil
}

func computeWindow(ctx context.Context, src RunSource, cutoff time.Time) (*WindowStats, error) {
	runs, err := src.RunsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	steps, err := src.StepResultsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	w := &WindowStats{TotalRuns: len(runs)}

	succeeded := 0
	var durations []float64
	for _, r := range runs {
		if r.State == contracts.RunCompleted {
			succeeded++
		}
		if r.StartedAt != nil && r.FinishedAt != nil {
			durations = append(durations, float64(r.FinishedAt.Sub(*r.StartedAt).Milliseconds()))
		}
	}
	if len(runs) > 0 {
		w.SuccessRate = float64(succeeded) / float64(len(runs))
	}
	w.MedianDurationMS = percentile(durations, 0.5)
	w.P95DurationMS = percentile(durations, 0.95)

	verifierTotal, verifierPassed, retried := 0, 0, 0
	for _, s := range steps {
		if s.Attempts > 1 {
			retried++
		}
		switch s.Action {
		case "wait_for_element", "assert_element", "assert_text", "assert_file_exists", "assert_pdf_pages":
			verifierTotal++
			// RETRY counts as pass.
			if s.Status == contracts.StepPass || s.Status == contracts.StepRetry {
				verifierPassed++
			}
		case "upload_file":
			if s.Status == contracts.StepPass {
				w.UploadSuccesses++
			}
		}
	}
	if verifierTotal > 0 {
		w.VerifierPassRate = float64(verifierPassed) / float64(verifierTotal)
	}
	if len(steps) > 0 {
		w.RetryRate = float64(retried) / float64(len(steps))
	}

	if w.ApprovalsRequired, w.ApprovalsGranted, err = src.ApprovalStatsSince(ctx, cutoff); err != nil {
		return nil, err
	}
	if w.Deviations, err = src.DeviationsSince(ctx, cutoff); err != nil {
		return nil, err
	}
	for action, dest := range map[string]*int{
		ActionPolicyBlock:    &w.PolicyBlocks,
		ActionDeviationStop:  &w.DeviationStops,
		ActionPatchProposed:  &w.PatchesProposed,
		ActionPatchAdopted:   &w.PatchesAdopted,
		ActionL4Autorun:      &w.L4Autoruns,
		ActionSchemaCapture:  &w.SchemaCaptures,
		ActionCapabilityMiss: &w.CapabilityMisses,
	} {
		n, err := src.AuditCountSince(ctx, action, cutoff)
		if err != nil {
			return nil, err
		}
		*dest = n
	}
	return w, nil
}

func failureClusters(ctx context.Context, src RunSource, cutoff time.Time) ([]FailureCluster, error) {
	steps, err := src.StepResultsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	counts := map[string]*FailureCluster{}
	for _, s := range steps {
		if s.Error == nil {
			continue
		}
		key := string(s.Error.Code) + "|" + s.Action
		if c, ok := counts[key]; ok {
			c.Count++
		} else {
			counts[key] = &FailureCluster{Code: s.Error.Code, Action: s.Action, Count: 1}
		}
	}
	out := make([]FailureCluster, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > TopK {
		out = out[:TopK]
	}
	return out, nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
