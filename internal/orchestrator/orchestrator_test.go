package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/governance"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/store"
)

type testEnv struct {
	store    *store.SQLiteStore
	registry *connector.Registry
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mission.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := connector.NewRegistry()
	o := New(st, reg, cfg)
	o.Logger = observability.NewLoggerTo(io.Discard, "")
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &testEnv{store: st, registry: reg, orch: o}
}

func (e *testEnv) savePlan(t *testing.T, specs ...plan.StepSpec) *plan.Plan {
	t.Helper()
	p := plan.New("test goal", specs, time.Now())
	if err := e.store.SavePlan(context.Background(), p); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}
	return p
}

func (e *testEnv) load(t *testing.T, id string) *plan.Plan {
	t.Helper()
	p, err := e.store.GetPlan(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	return p
}

func (e *testEnv) logTypes(t *testing.T, id string) []plan.LogType {
	t.Helper()
	logs, err := e.store.GetLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	var types []plan.LogType
	for _, l := range logs {
		types = append(types, l.Type)
	}
	return types
}

// counter is a connector that records its calls and answers from fn.
type counter struct {
	mu    sync.Mutex
	calls []string
	fn    func(n int, action string) (connector.Result, error)
}

func (c *counter) Execute(ctx context.Context, action string, params map[string]any) (connector.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, action)
	n := len(c.calls)
	c.mu.Unlock()
	if c.fn == nil {
		return connector.Result{"ok": true}, nil
	}
	return c.fn(n, action)
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func stepOf(conn, action string) plan.StepSpec {
	return plan.StepSpec{Connector: conn, Action: action, Params: map[string]any{}}
}

func TestAuditAccountCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	crm := &counter{}
	env.registry.Register("crm", crm)
	p := env.savePlan(t, stepOf("crm", "audit_account"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	got := env.load(t, p.ID)
	if got.Status != plan.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	s := got.Steps[0]
	if s.Status != plan.StatusCompleted || s.Attempts != 1 || s.Output["ok"] != true {
		t.Errorf("unexpected step: %+v", s)
	}
	want := []plan.LogType{plan.LogPlanStarted, plan.LogStepStarted, plan.LogStepCompleted, plan.LogPlanCompleted}
	if types := env.logTypes(t, p.ID); !equalTypes(types, want) {
		t.Errorf("expected logs %v, got %v", want, types)
	}
}

func TestSecondStepExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 3})
	ok := &counter{}
	broken := &counter{fn: func(int, string) (connector.Result, error) {
		return nil, errors.New("upstream unavailable")
	}}
	env.registry.Register("crm", ok)
	env.registry.Register("calls", broken)
	p := env.savePlan(t, stepOf("crm", "audit_account"), stepOf("calls", "schedule_call"))

	err := env.orch.ExecutePlan(context.Background(), p.ID)
	var execErr *ConnectorExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ConnectorExecutionError, got %v", err)
	}
	if execErr.Attempt != 3 || !execErr.Retryable {
		t.Errorf("unexpected error details: %+v", execErr)
	}

	got := env.load(t, p.ID)
	if got.Status != plan.StatusFailed {
		t.Fatalf("expected FAILED plan, got %s", got.Status)
	}
	if got.Steps[0].Status != plan.StatusCompleted || got.Steps[0].Attempts != 1 {
		t.Errorf("step 1: %+v", got.Steps[0])
	}
	if got.Steps[1].Status != plan.StatusFailed || got.Steps[1].Attempts != 3 {
		t.Errorf("step 2: %+v", got.Steps[1])
	}
	if broken.count() != 3 {
		t.Errorf("expected 3 calls, got %d", broken.count())
	}
	if !strings.Contains(got.Error, "upstream unavailable") {
		t.Errorf("plan error not recorded: %q", got.Error)
	}
	retries := 0
	for _, typ := range env.logTypes(t, p.ID) {
		if typ == plan.LogStepRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("expected 2 retry logs, got %d", retries)
	}
}

func TestUnknownConnectorFailsOnFirstAttempt(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.savePlan(t, stepOf("Nonexistent", "anything"))

	err := env.orch.ExecutePlan(context.Background(), p.ID)
	if !connector.IsResolutionError(err) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	got := env.load(t, p.ID)
	if got.Status != plan.StatusFailed || got.Steps[0].Status != plan.StatusFailed || got.Steps[0].Attempts != 1 {
		t.Fatalf("unexpected plan: %s %+v", got.Status, got.Steps[0])
	}
}

func TestCompletedPlanIsNotReExecuted(t *testing.T) {
	env := newTestEnv(t, Config{})
	crm := &counter{}
	env.registry.Register("crm", crm)
	p := env.savePlan(t, stepOf("crm", "audit_account"), stepOf("crm", "log_activity"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	before := env.load(t, p.ID)
	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	after := env.load(t, p.ID)
	if crm.count() != 2 {
		t.Errorf("expected 2 connector calls in total, got %d", crm.count())
	}
	if after.Version != before.Version {
		t.Errorf("terminal plan was rewritten: %d -> %d", before.Version, after.Version)
	}
}

func TestStepsRunInOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := &counter{}
	env.registry.Register("rec", rec)
	p := env.savePlan(t, stepOf("rec", "first"), stepOf("rec", "second"), stepOf("rec", "third"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if strings.Join(rec.calls, ",") != "first,second,third" {
		t.Fatalf("unexpected order: %v", rec.calls)
	}
}

func TestPermanentFailureHaltsPlan(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 5})
	bad := &counter{fn: func(int, string) (connector.Result, error) {
		return nil, connector.Permanentf("bad params")
	}}
	next := &counter{}
	env.registry.Register("bad", bad)
	env.registry.Register("next", next)
	p := env.savePlan(t, stepOf("bad", "x"), stepOf("next", "y"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err == nil {
		t.Fatal("expected failure")
	}
	got := env.load(t, p.ID)
	if got.Steps[0].Attempts != 1 || got.Steps[0].Status != plan.StatusFailed {
		t.Errorf("permanent error must not be retried: %+v", got.Steps[0])
	}
	if got.Steps[1].Status != plan.StatusPending || got.Steps[1].Attempts != 0 || next.count() != 0 {
		t.Errorf("later steps must stay untouched: %+v", got.Steps[1])
	}
}

func TestRetryThenSucceed(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 3})
	flaky := &counter{fn: func(n int, _ string) (connector.Result, error) {
		if n < 3 {
			return nil, errors.New("flaky")
		}
		return connector.Result{"n": n}, nil
	}}
	env.registry.Register("flaky", flaky)
	p := env.savePlan(t, stepOf("flaky", "go"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	got := env.load(t, p.ID)
	if got.Status != plan.StatusCompleted || got.Steps[0].Attempts != 3 || got.Steps[0].LastError != "" {
		t.Fatalf("unexpected result: %s %+v", got.Status, got.Steps[0])
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	env := newTestEnv(t, Config{})
	var planID string
	first := &counter{fn: func(int, string) (connector.Result, error) {
		if err := env.store.RequestCancel(context.Background(), planID); err != nil {
			t.Errorf("RequestCancel failed: %v", err)
		}
		return connector.Result{}, nil
	}}
	second := &counter{}
	env.registry.Register("first", first)
	env.registry.Register("second", second)
	p := env.savePlan(t, stepOf("first", "a"), stepOf("second", "b"))
	planID = p.ID

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("cancelled run should not error: %v", err)
	}
	got := env.load(t, p.ID)
	if got.Status != plan.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.Steps[0].Status != plan.StatusCompleted || got.Steps[1].Status != plan.StatusPending || second.count() != 0 {
		t.Errorf("unexpected steps: %+v", got.Steps)
	}
	types := env.logTypes(t, p.ID)
	if types[len(types)-1] != plan.LogPlanCancelled {
		t.Errorf("expected final cancel log, got %v", types)
	}
}

func TestCancelBetweenRetries(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 5})
	var planID string
	flaky := &counter{fn: func(int, string) (connector.Result, error) {
		_ = env.store.RequestCancel(context.Background(), planID)
		return nil, errors.New("flaky")
	}}
	env.registry.Register("flaky", flaky)
	p := env.savePlan(t, stepOf("flaky", "go"))
	planID = p.ID

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatalf("cancelled run should not error: %v", err)
	}
	got := env.load(t, p.ID)
	if got.Status != plan.StatusCancelled || flaky.count() != 1 {
		t.Fatalf("expected cancel after first attempt, got %s with %d calls", got.Status, flaky.count())
	}
	if got.Steps[0].Status != plan.StatusPending || got.Steps[0].Attempts != 1 {
		t.Errorf("unexpected step: %+v", got.Steps[0])
	}
}

func TestBusyPlanIsLeftAlone(t *testing.T) {
	env := newTestEnv(t, Config{})
	crm := &counter{}
	env.registry.Register("crm", crm)
	p := env.savePlan(t, stepOf("crm", "audit_account"))
	if err := env.store.AcquireLease(context.Background(), p.ID, "someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	err := env.orch.ExecutePlan(context.Background(), p.ID)
	if !errors.Is(err, ErrPlanBusy) {
		t.Fatalf("expected ErrPlanBusy, got %v", err)
	}
	if got := env.load(t, p.ID); got.Status != plan.StatusPending || got.Version != 1 || crm.count() != 0 {
		t.Fatalf("busy plan was modified: %+v", got)
	}
}

func TestMissingPlan(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.orch.ExecutePlan(context.Background(), "no-such-plan")
	var nf *PlanNotFoundError
	if !errors.As(err, &nf) || nf.PlanID != "no-such-plan" {
		t.Fatalf("expected PlanNotFoundError, got %v", err)
	}
}

func TestStepTimeoutIsRetried(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 2, StepTimeout: 20 * time.Millisecond})
	slow := &counter{}
	env.registry.Register("slow", connector.Func(func(ctx context.Context, action string, params map[string]any) (connector.Result, error) {
		slow.Execute(ctx, action, params)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p := env.savePlan(t, stepOf("slow", "wait"))

	err := env.orch.ExecutePlan(context.Background(), p.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	got := env.load(t, p.ID)
	if got.Steps[0].Attempts != 2 || !strings.Contains(got.Steps[0].LastError, "timed out") {
		t.Fatalf("unexpected step: %+v", got.Steps[0])
	}
}

func TestInterruptedStep(t *testing.T) {
	t.Run("last attempt already spent", func(t *testing.T) {
		env := newTestEnv(t, Config{RetryCeiling: 3})
		crm := &counter{}
		env.registry.Register("crm", crm)
		p := env.savePlan(t, stepOf("crm", "audit_account"))
		p.Status = plan.StatusRunning
		p.Steps[0].Status = plan.StatusRunning
		p.Steps[0].Attempts = 3
		if err := env.store.SavePlan(context.Background(), p); err != nil {
			t.Fatal(err)
		}

		if err := env.orch.ExecutePlan(context.Background(), p.ID); err == nil {
			t.Fatal("expected failure")
		}
		got := env.load(t, p.ID)
		if got.Status != plan.StatusFailed || got.Steps[0].Attempts != 3 || crm.count() != 0 {
			t.Fatalf("unexpected: %s %+v calls=%d", got.Status, got.Steps[0], crm.count())
		}
	})

	t.Run("attempts left", func(t *testing.T) {
		env := newTestEnv(t, Config{RetryCeiling: 3})
		crm := &counter{}
		env.registry.Register("crm", crm)
		p := env.savePlan(t, stepOf("crm", "audit_account"))
		p.Status = plan.StatusRunning
		p.Steps[0].Status = plan.StatusRunning
		p.Steps[0].Attempts = 1
		if err := env.store.SavePlan(context.Background(), p); err != nil {
			t.Fatal(err)
		}

		if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
			t.Fatalf("ExecutePlan failed: %v", err)
		}
		got := env.load(t, p.ID)
		if got.Status != plan.StatusCompleted || got.Steps[0].Attempts != 2 || crm.count() != 1 {
			t.Fatalf("unexpected: %s %+v", got.Status, got.Steps[0])
		}
	})

	t.Run("pending at the ceiling", func(t *testing.T) {
		env := newTestEnv(t, Config{RetryCeiling: 3})
		crm := &counter{}
		env.registry.Register("crm", crm)
		p := env.savePlan(t, stepOf("crm", "audit_account"))
		p.Status = plan.StatusRunning
		p.Steps[0].Status = plan.StatusPending
		p.Steps[0].Attempts = 3
		p.Steps[0].LastError = "context canceled"
		if err := env.store.SavePlan(context.Background(), p); err != nil {
			t.Fatal(err)
		}

		if err := env.orch.ExecutePlan(context.Background(), p.ID); err == nil {
			t.Fatal("expected failure")
		}
		got := env.load(t, p.ID)
		if got.Status != plan.StatusFailed || got.Steps[0].Status != plan.StatusFailed || got.Steps[0].Attempts != 3 || crm.count() != 0 {
			t.Fatalf("unexpected: %s %+v calls=%d", got.Status, got.Steps[0], crm.count())
		}
	})

	t.Run("cancelled on final attempt then resumed", func(t *testing.T) {
		env := newTestEnv(t, Config{RetryCeiling: 3})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		crm := &counter{fn: func(n int, _ string) (connector.Result, error) {
			if n < 3 {
				return nil, errors.New("flaky")
			}
			cancel()
			return nil, context.Canceled
		}}
		env.registry.Register("crm", crm)
		p := env.savePlan(t, stepOf("crm", "audit_account"))

		if err := env.orch.ExecutePlan(ctx, p.ID); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		got := env.load(t, p.ID)
		if got.Steps[0].Status != plan.StatusPending || got.Steps[0].Attempts != 3 {
			t.Fatalf("unexpected step after interruption: %+v", got.Steps[0])
		}

		if err := env.orch.ExecutePlan(context.Background(), p.ID); err == nil {
			t.Fatal("expected failure on resume")
		}
		got = env.load(t, p.ID)
		if got.Status != plan.StatusFailed || got.Steps[0].Attempts != 3 || crm.count() != 3 {
			t.Fatalf("step ran past the ceiling: %s %+v calls=%d", got.Status, got.Steps[0], crm.count())
		}
	})
}

func TestPolicyDenialFailsStep(t *testing.T) {
	env := newTestEnv(t, Config{})
	email := &counter{}
	env.registry.Register("email", email)
	policy := governance.NewDefaultPolicyEngine()
	policy.DenyAction("email.send_email")
	env.orch.Policy = policy
	p := env.savePlan(t, stepOf("email", "send_email"))

	err := env.orch.ExecutePlan(context.Background(), p.ID)
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	got := env.load(t, p.ID)
	if got.Steps[0].Status != plan.StatusFailed || got.Steps[0].Attempts != 1 || email.count() != 0 {
		t.Fatalf("unexpected: %+v calls=%d", got.Steps[0], email.count())
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	plans []*plan.Plan
}

func (n *recordingNotifier) NotifyPlan(ctx context.Context, p *plan.Plan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.plans = append(n.plans, p)
	return nil
}

func TestNotifierReceivesTerminalPlan(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.registry.Register("crm", &counter{})
	n := &recordingNotifier{}
	env.orch.Notifier = n
	p := env.savePlan(t, stepOf("crm", "audit_account"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	if len(n.plans) != 1 || n.plans[0].Status != plan.StatusCompleted {
		t.Fatalf("unexpected notifications: %+v", n.plans)
	}
}

func TestRetryDelay(t *testing.T) {
	o := New(nil, nil, Config{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 3 * time.Second})
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := o.retryDelay(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}

	o = New(nil, nil, Config{InitialBackoff: 100 * time.Millisecond, BackoffFactor: 3, MaxBackoff: time.Second})
	want = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := o.retryDelay(i + 1); got != w {
			t.Errorf("factor 3, attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestRetryWaitsFollowSchedule(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second})
	var mu sync.Mutex
	var waits []time.Duration
	env.orch.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	crm := &counter{fn: func(n int, _ string) (connector.Result, error) {
		return nil, errors.New("flaky")
	}}
	env.registry.Register("crm", crm)
	p := env.savePlan(t, stepOf("crm", "audit_account"))

	if err := env.orch.ExecutePlan(context.Background(), p.ID); err == nil {
		t.Fatal("expected failure")
	}
	if len(waits) != 2 || waits[0] != 200*time.Millisecond || waits[1] != 400*time.Millisecond {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func equalTypes(a, b []plan.LogType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecutionFeedsDashboardCounts(t *testing.T) {
	env := newTestEnv(t, Config{RetryCeiling: 1})
	env.registry.Register("crm", &counter{})
	env.registry.Register("email", &counter{fn: func(int, string) (connector.Result, error) {
		return nil, connector.Permanentf("bounced")
	}})
	before := observability.GetSnapshot()

	ok := env.savePlan(t, stepOf("crm", "audit_account"))
	if err := env.orch.ExecutePlan(context.Background(), ok.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	bad := env.savePlan(t, stepOf("email", "send_email"))
	if err := env.orch.ExecutePlan(context.Background(), bad.ID); err == nil {
		t.Fatal("expected failure")
	}

	after := observability.GetSnapshot()
	if after.Completed-before.Completed != 1 || after.Failed-before.Failed != 1 {
		t.Errorf("unexpected outcome deltas: completed %d failed %d", after.Completed-before.Completed, after.Failed-before.Failed)
	}
	if len(after.Active) != 0 {
		t.Errorf("executions left active: %+v", after.Active)
	}
}
