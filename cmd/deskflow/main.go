// deskflow is the desktop automation agent CLI: validate, sign, and run
// declarative plans under policy, inspect recorded runs, and serve the
// read-only HTTP facade.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskflow-io/deskflow/pkg/adapters"
	apiserver "github.com/deskflow-io/deskflow/pkg/api"
	"github.com/deskflow-io/deskflow/pkg/audit"
	"github.com/deskflow-io/deskflow/pkg/config"
	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/dsl"
	"github.com/deskflow-io/deskflow/pkg/evidence"
	"github.com/deskflow-io/deskflow/pkg/executor"
	"github.com/deskflow-io/deskflow/pkg/manifest"
	"github.com/deskflow-io/deskflow/pkg/metrics"
	"github.com/deskflow-io/deskflow/pkg/policy"
	"github.com/deskflow-io/deskflow/pkg/runstore"
	"github.com/deskflow-io/deskflow/pkg/scheduler"
	"github.com/deskflow-io/deskflow/pkg/secrets"
	"github.com/deskflow-io/deskflow/pkg/signing"
)

// Exit codes per the CLI contract.
const (
	exitOK               = 0
	exitValidationFailed = 2
	exitPolicyBlocked    = 3
	exitApproval         = 4
	exitExecutionFailed  = 5
	exitIOError          = 6
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitValidationFailed
	}
	switch args[1] {
	case "templates":
		return runTemplates(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "run":
		return runRun(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "show":
		return runShow(args[2:], stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "policy":
		if len(args) >= 3 && args[2] == "test" {
			return runPolicyTest(args[3:], stdout, stderr)
		}
		_, _ = fmt.Fprintln(stderr, "usage: deskflow policy test <file>")
		return exitValidationFailed
	case "serve":
		return runServe(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return exitValidationFailed
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `usage: deskflow <command>

  templates                    list template files
  validate <file>              static-check a plan
  run <file> [flags]           execute a plan
      --auto-approve           skip the upfront risk approval
      --dry-run                render without side effects
      --var k=v                set a variable (repeatable)
  list                         recent runs
  show <run_id>                one run with steps
  sign <file> --key-id k       sign a template
  keygen --key-id k            generate a signing key
  policy test <file>           evaluate policy without running
  serve                        triggers + HTTP facade`)
}

// services builds the shared dependency set the way the server process
// does: config, store, evidence, adapters, secrets, policy.
type services struct {
	cfg      *config.Config
	store    *runstore.Store
	evidence evidence.Store
	policy   *policy.Engine
	trust    *signing.TrustStore
	exec     *executor.Executor
	metrics  *metrics.Collector
}

func buildServices(stderr io.Writer) (*services, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, err
	}
	store, err := runstore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	ev, err := evidence.NewStoreFromEnv(context.Background())
	if err != nil {
		return nil, err
	}
	pe, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return nil, err
	}

	trust := signing.NewTrustStore()
	if loaded, err := signing.LoadTrustStore(cfg.TrustStorePath); err == nil {
		trust = loaded
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AuditLogPath), 0755); err != nil {
		return nil, err
	}
	auditLog, err := audit.NewFileLogger(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}

	sec := secrets.NewResolver(secrets.EnvBackend{})

	osAdapter := adapters.OSAdapter(adapters.NewLocalAdapter())
	var web adapters.WebEngine
	if cfg.WebEngine.BridgeURL != "" {
		web, err = adapters.DialWSEngine(context.Background(), adapters.WSEngineConfig{
			URL:          cfg.WebEngine.BridgeURL,
			AllowDomains: cfg.Policy.AllowDomains,
			Timeout:      time.Duration(cfg.WebEngine.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "warning: web engine bridge unavailable: %v\n", err)
			web = nil
		}
	}

	exec := executor.New(store, ev, osAdapter, web, sec, pe, auditLog)
	exec.Metrics = collector
	exec.Trust = trust

	return &services{
		cfg: cfg, store: store, evidence: ev, policy: pe,
		trust: trust, exec: exec, metrics: collector,
	}, nil
}

func runTemplates(args []string, stdout, stderr io.Writer) int {
	dir := "templates"
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read %s: %v\n", dir, err)
		return exitIOError
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintln(stdout, n)
	}
	return exitOK
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow validate <file>")
		return exitValidationFailed
	}
	plan, err := dsl.LoadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitValidationFailed
	}
	if issues := dsl.Check(plan); len(issues) > 0 {
		for _, is := range issues {
			_, _ = fmt.Fprintf(stderr, "%s\n", is)
		}
		return exitValidationFailed
	}
	_, _ = fmt.Fprintf(stdout, "%s: valid (%d steps)\n", args[0], len(plan.Steps))
	return exitOK
}

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	autoApprove := fs.Bool("auto-approve", false, "skip the upfront risk approval")
	dryRun := fs.Bool("dry-run", false, "render without side effects")
	var vars varFlags
	fs.Var(&vars, "var", "k=v variable (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitValidationFailed
	}
	if fs.NArg() < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow run <file> [flags]")
		return exitValidationFailed
	}
	planPath := fs.Arg(0)
	// Flags may also follow the plan file.
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return exitValidationFailed
	}

	svc, err := buildServices(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	defer func() { _ = svc.store.Close() }()

	plan, err := dsl.LoadFile(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitValidationFailed
	}

	svc.exec.DryRun = *dryRun
	run, gate, err := svc.exec.Launch(context.Background(), plan, planPath, "manual", "", 0, vars.values)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	if gate.Err != nil {
		printErrorCard(stderr, gate.Err, run)
		switch gate.Err.Code {
		case contracts.ErrPolicyBlocked:
			return exitPolicyBlocked
		case contracts.ErrValidationFailed:
			return exitValidationFailed
		default:
			return exitExecutionFailed
		}
	}

	// Risky plans need an explicit go-ahead unless pre-approved.
	if len(gate.Manifest.RiskFlags) > 0 && !*autoApprove && !gate.Decision.AutopilotEnabled {
		_, _ = fmt.Fprintf(stderr, "approval required: plan raises %v (re-run with --auto-approve)\n",
			gate.Manifest.RiskFlags)
		_ = svc.store.UpdateState(context.Background(), run.RunID, contracts.RunCancelled,
			contracts.NewError(contracts.ErrApprovalDenied, "upfront approval not granted"))
		return exitApproval
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if _, err := svc.exec.ExecuteRun(ctx, run, plan); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitExecutionFailed
	}

	switch run.State {
	case contracts.RunCompleted:
		_, _ = fmt.Fprintf(stdout, "run %d completed (%s)\n", run.RunID, run.PublicID)
		return exitOK
	case contracts.RunPaused:
		_, _ = fmt.Fprintf(stdout, "run %d paused; resume with: deskflow run %s\n", run.RunID, planPath)
		return exitOK
	default:
		printErrorCard(stderr, run.Error, run)
		if run.Error != nil &&
			(run.Error.Code == contracts.ErrApprovalDenied || run.Error.Code == contracts.ErrApprovalTimeout) {
			return exitApproval
		}
		return exitExecutionFailed
	}
}

// printErrorCard renders the first-error card: cause, hints, run link.
func printErrorCard(w io.Writer, err *contracts.Error, run *contracts.Run) {
	if err == nil {
		_, _ = fmt.Fprintln(w, "run failed")
		return
	}
	_, _ = fmt.Fprintf(w, "error: %s\n", err.Error())
	for _, hint := range err.Hints {
		_, _ = fmt.Fprintf(w, "  hint: %s\n", hint)
	}
	if run != nil {
		_, _ = fmt.Fprintf(w, "  run: %d (%s)\n", run.RunID, run.PublicID)
	}
}

func runList(args []string, stdout, stderr io.Writer) int {
	svc, err := buildServices(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	defer func() { _ = svc.store.Close() }()

	runs, err := svc.store.ListRuns(context.Background(), 20)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	for _, r := range runs {
		_, _ = fmt.Fprintf(stdout, "%6d  %-17s %-9s %-8s %s\n",
			r.RunID, r.State, r.Queue, r.Trigger, r.PlanRef)
	}
	return exitOK
}

func runShow(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow show <run_id>")
		return exitValidationFailed
	}
	svc, err := buildServices(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	defer func() { _ = svc.store.Close() }()

	var runID int64
	if _, err := fmt.Sscanf(args[0], "%d", &runID); err != nil {
		_, _ = fmt.Fprintln(stderr, "run id must be numeric")
		return exitValidationFailed
	}
	run, err := svc.store.GetRun(context.Background(), runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	out, _ := json.MarshalIndent(run, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return exitOK
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("key-id", "", "key identifier")
	out := fs.String("out", "", "seed file (default <key-id>.key)")
	if err := fs.Parse(args); err != nil || *keyID == "" {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow keygen --key-id k [--out file]")
		return exitValidationFailed
	}
	signer, err := signing.NewSigner(*keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	path := *out
	if path == "" {
		path = *keyID + ".key"
	}
	if err := os.WriteFile(path, []byte(signer.SeedHex()+"\n"), 0600); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	_, _ = fmt.Fprintf(stdout, "key_id: %s\npublic_key: %s\nseed: %s\n", *keyID, signer.PublicKeyHex(), path)
	return exitOK
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("key-id", "", "key identifier")
	keyFile := fs.String("key-file", "", "seed file (default <key-id>.key)")
	perr := fs.Parse(args)
	planPath := ""
	if perr == nil && fs.NArg() >= 1 {
		planPath = fs.Arg(0)
		// Flags may also follow the plan file.
		perr = fs.Parse(fs.Args()[1:])
	}
	if perr != nil || planPath == "" || *keyID == "" {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow sign <file> --key-id k [--key-file f]")
		return exitValidationFailed
	}

	seedPath := *keyFile
	if seedPath == "" {
		seedPath = *keyID + ".key"
	}
	seed, err := os.ReadFile(seedPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read key: %v\n", err)
		return exitIOError
	}
	signer, err := signing.NewSignerFromSeedHex(strings.TrimSpace(string(seed)), *keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}

	plan, err := dsl.LoadFile(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitValidationFailed
	}
	sig, err := signer.SignPlanBody(plan.Body())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}

	// Append the signature block to the template file.
	block, err := yaml.Marshal(map[string]any{"signature": map[string]any{
		"algo":       sig.Algo,
		"key_id":     sig.KeyID,
		"created_at": sig.CreatedAt.Format(time.RFC3339),
		"sha256":     sig.SHA256,
		"sig":        sig.Sig,
	}})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	f, err := os.OpenFile(planPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(block); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	_, _ = fmt.Fprintf(stdout, "signed %s with %s (sha256 %s)\n", planPath, *keyID, sig.SHA256[:12])
	return exitOK
}

func runPolicyTest(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: deskflow policy test <file>")
		return exitValidationFailed
	}
	cfg, err := config.Load("")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	pe, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	plan, err := dsl.LoadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitValidationFailed
	}
	m := manifest.Derive(plan)
	decision := pe.Evaluate(m, nil, time.Now())
	out, _ := json.MarshalIndent(decision, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if !decision.Allowed {
		return exitPolicyBlocked
	}
	return exitOK
}

func runServe(args []string, stdout, stderr io.Writer) int {
	svc, err := buildServices(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	defer func() { _ = svc.store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Queue workers execute templates end to end.
	orch := scheduler.NewOrchestrator(svc.cfg.Orchestrator.Queues, func(ctx context.Context, job scheduler.Job) {
		plan, err := dsl.LoadFile(job.Template)
		if err != nil {
			slog.Error("template load failed", "template", job.Template, "err", err)
			return
		}
		run, gate, err := svc.exec.Launch(ctx, plan, job.Template, job.Trigger, job.Queue, job.Priority, job.Variables)
		if err != nil || gate.Err != nil {
			return
		}
		if _, err := svc.exec.ExecuteRun(ctx, run, plan); err != nil {
			slog.Error("run failed", "run_id", run.RunID, "err", err)
		}
	}, svc.metrics)
	orch.Start(ctx)

	// Cron trigger.
	cron, err := scheduler.NewCronRunner(orch, svc.cfg.Schedules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitValidationFailed
	}
	go cron.Run()
	defer cron.Stop()

	// Folder watchers.
	for _, wc := range svc.cfg.Watches {
		w, err := scheduler.NewWatcher(wc, orch)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "watcher %s: %v\n", wc.ID, err)
			continue
		}
		go w.Run()
		defer func() { _ = w.Close() }()
	}

	// HTTP facade + webhook triggers.
	mux := http.NewServeMux()
	srv := &apiserver.Server{
		Store:     svc.store,
		Collector: svc.metrics,
		Approvals: svc.exec.Approvals,
		JWTSecret: []byte(os.Getenv("DESKFLOW_HITL_SECRET")),
	}
	srv.Routes(mux)
	for _, wh := range svc.cfg.Webhooks {
		mux.Handle("/webhooks/"+wh.ID, scheduler.NewWebhookHandler(wh, orch))
	}

	httpServer := &http.Server{Addr: svc.cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	_, _ = fmt.Fprintf(stdout, "deskflow listening on %s\n", svc.cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitIOError
	}
	orch.Wait()
	return exitOK
}

// varFlags collects repeated --var k=v flags.
type varFlags struct {
	values map[string]any
}

func (v *varFlags) String() string { return "" }

func (v *varFlags) Set(s string) error {
	if v.values == nil {
		v.values = map[string]any{}
	}
	i := strings.Index(s, "=")
	if i < 0 {
		return fmt.Errorf("expected k=v, got %q", s)
	}
	v.values[s[:i]] = s[i+1:]
	return nil
}
