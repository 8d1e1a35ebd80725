package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/governance"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPlanBusy is returned when another execution holds the plan's lease.
var ErrPlanBusy = errors.New("plan is already being executed")

var errCancelled = errors.New("plan cancelled")

// PlanNotFoundError is returned when the plan to execute does not exist.
type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan %s not found", e.PlanID)
}

// ConnectorExecutionError wraps a failed connector call.
type ConnectorExecutionError struct {
	PlanID    string
	StepID    string
	Connector string
	Action    string
	Attempt   int
	Retryable bool
	Err       error
}

func (e *ConnectorExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s.%s) attempt %d: %v", e.StepID, e.Connector, e.Action, e.Attempt, e.Err)
}

func (e *ConnectorExecutionError) Unwrap() error { return e.Err }

// PolicyDeniedError is the cause recorded when governance blocks a call.
type PolicyDeniedError struct {
	Connector string
	Action    string
	Reason    string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied %s.%s: %s", e.Connector, e.Action, e.Reason)
}

// Resolver looks connectors up by name.
type Resolver interface {
	Resolve(name string) (connector.Connector, error)
}

// Notifier is told about every plan that reaches a terminal status.
type Notifier interface {
	NotifyPlan(ctx context.Context, p *plan.Plan) error
}

type Config struct {
	RetryCeiling   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	StepTimeout    time.Duration
	LeaseTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// Orchestrator drives a stored plan through its steps. All progress is
// written to the store before the next action is taken.
type Orchestrator struct {
	Store    store.PlanStore
	Registry Resolver
	Policy   governance.PolicyEngine
	Logger   *observability.Logger
	Notifier Notifier
	Config   Config

	owner string
	tel   *telemetry
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.PlanStore, registry Resolver, cfg Config) *Orchestrator {
	return &Orchestrator{
		Store:    st,
		Registry: registry,
		Config:   cfg.withDefaults(),
		owner:    "orchestrator-" + uuid.NewString(),
		tel:      newTelemetry(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// Owner identifies this instance in execution leases.
func (o *Orchestrator) Owner() string { return o.owner }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newBackOff builds the retry schedule for one step. Jitter is off so the
// logged backoff_ms matches the wait actually taken.
func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Config.InitialBackoff
	b.Multiplier = o.Config.BackoffFactor
	b.MaxInterval = o.Config.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDelay returns the wait before the attempt that follows attempt n.
// Attempts survive restarts, so the schedule is replayed up to n rather
// than held across calls.
func (o *Orchestrator) retryDelay(n int) time.Duration {
	b := o.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ExecutePlan runs every unfinished step of the plan in order. It returns
// nil when the plan completes, was cancelled or had nothing left to do, the
// failing step's error when the plan fails, and store errors unchanged.
func (o *Orchestrator) ExecutePlan(ctx context.Context, planID string) (err error) {
	ctx, span := o.tel.tracer.Start(ctx, "orchestrator.execute_plan",
		trace.WithAttributes(attribute.String("plan.id", planID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Writes outlive the caller's context so a shutdown mid-step still
	// leaves a consistent record behind.
	sctx := context.WithoutCancel(ctx)

	if err := o.Store.AcquireLease(ctx, planID, o.owner, o.Config.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return fmt.Errorf("%w: %s", ErrPlanBusy, planID)
		}
		return err
	}
	defer func() {
		if rerr := o.Store.ReleaseLease(sctx, planID, o.owner); rerr != nil {
			log.Printf("Failed to release lease on plan %s: %v", planID, rerr)
		}
	}()

	p, err := o.Store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Plan %s not found, nothing to execute", planID)
		o.Logger.LogPlan(planID, "not_found", nil)
		return &PlanNotFoundError{PlanID: planID}
	}
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		log.Printf("Plan %s is already %s, skipping", planID, p.Status)
		return nil
	}

	observability.BeginExecution(planID)
	defer observability.EndExecution(planID)

	if p.Status != plan.StatusRunning {
		p.Status = plan.StatusRunning
		if err := o.Store.SavePlan(sctx, p); err != nil {
			return err
		}
		o.appendLog(sctx, plan.LogEntry{PlanID: p.ID, Type: plan.LogPlanStarted, Message: p.OriginalGoal})
		o.Logger.LogPlan(p.ID, "started", map[string]any{"goal": p.OriginalGoal, "steps": len(p.Steps)})
		log.Printf("Executing plan %s (%d steps): %s", p.ID, len(p.Steps), p.OriginalGoal)
	} else {
		log.Printf("Resuming plan %s", p.ID)
	}

	var stepErr error
	cancelled := false
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == plan.StatusCompleted {
			continue
		}
		if s.Status == plan.StatusFailed {
			stepErr = &ConnectorExecutionError{
				PlanID: p.ID, StepID: s.ID, Connector: s.ConnectorName, Action: s.Action,
				Attempt: s.Attempts, Err: errors.New(s.LastError),
			}
			break
		}

		if c, err := o.cancelRequested(ctx, p.ID); err != nil {
			return err
		} else if c {
			cancelled = true
			break
		}
		if err := o.Store.AcquireLease(ctx, p.ID, o.owner, o.Config.LeaseTTL); err != nil {
			return err
		}

		stepErr = o.runStep(ctx, sctx, p, s)
		if errors.Is(stepErr, errCancelled) {
			cancelled, stepErr = true, nil
			break
		}
		if stepErr != nil {
			if ctx.Err() != nil && errors.Is(stepErr, ctx.Err()) {
				log.Printf("Plan %s interrupted at step %s: %v", p.ID, s.ID, stepErr)
				return stepErr
			}
			if !isStepFailure(stepErr) {
				return stepErr
			}
			break
		}
	}

	return o.finish(sctx, p, stepErr, cancelled)
}

func isStepFailure(err error) bool {
	var ce *ConnectorExecutionError
	return errors.As(err, &ce) || connector.IsResolutionError(err)
}

func (o *Orchestrator) finish(ctx context.Context, p *plan.Plan, stepErr error, cancelled bool) error {
	logType := plan.LogPlanCompleted
	if cancelled {
		p.Status = plan.StatusCancelled
		p.Error = "cancelled by request"
		logType = plan.LogPlanCancelled
	} else {
		p.Refresh()
		switch p.Status {
		case plan.StatusFailed:
			logType = plan.LogPlanFailed
			if stepErr != nil {
				p.Error = stepErr.Error()
			}
		case plan.StatusCompleted:
			p.Error = ""
		}
	}
	if err := o.Store.SavePlan(ctx, p); err != nil {
		return err
	}

	if p.Status.Terminal() {
		counts := p.Counts()
		o.appendLog(ctx, plan.LogEntry{
			PlanID:  p.ID,
			Type:    logType,
			Message: p.Error,
			Data: map[string]any{
				"completed": counts[plan.StatusCompleted],
				"failed":    counts[plan.StatusFailed],
				"pending":   counts[plan.StatusPending],
			},
		})
		o.Logger.LogPlan(p.ID, string(p.Status), map[string]any{"error": p.Error})
		o.tel.recordPlan(ctx, string(p.Status))
		observability.RecordOutcome(string(p.Status))
		log.Printf("Plan %s finished: %s", p.ID, p.Status)
		o.notify(ctx, p)
	}

	if p.Status == plan.StatusFailed {
		return stepErr
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, p *plan.Plan) {
	if o.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := o.Notifier.NotifyPlan(nctx, p.Clone()); err != nil {
		log.Printf("Failed to notify about plan %s: %v", p.ID, err)
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, planID string) (bool, error) {
	c, err := o.Store.CancelRequested(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return false, &PlanNotFoundError{PlanID: planID}
	}
	return c, err
}

// runStep drives one step until it completes, fails for good, or the plan
// is cancelled between attempts. ctx bounds the work, sctx the writes.
func (o *Orchestrator) runStep(ctx, sctx context.Context, p *plan.Plan, s *plan.Step) error {
	ctx, span := o.tel.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.String("plan.id", p.ID),
		attribute.String("step.id", s.ID),
		attribute.String("connector", s.ConnectorName),
		attribute.String("action", s.Action),
	))
	defer span.End()

	ceiling := o.Config.RetryCeiling
	for {
		if s.Attempts >= ceiling {
			// Interrupted on its last permitted attempt, whether the
			// interruption was recorded (PENDING) or not (RUNNING).
			err := &ConnectorExecutionError{
				PlanID: p.ID, StepID: s.ID, Connector: s.ConnectorName, Action: s.Action,
				Attempt: s.Attempts, Err: errors.New("execution interrupted on final attempt"),
			}
			return o.failStep(sctx, p, s, err, span)
		}

		now := o.now()
		s.Status = plan.StatusRunning
		s.Attempts++
		s.StartedAt = &now
		s.FinishedAt = nil
		p.Refresh()
		if err := o.Store.SavePlan(sctx, p); err != nil {
			return err
		}
		o.appendLog(sctx, plan.LogEntry{
			PlanID: p.ID, StepID: s.ID, Type: plan.LogStepStarted, Attempt: s.Attempts,
			Message: s.ConnectorName + "." + s.Action,
		})
		o.Logger.LogStep(p.ID, s.ID, "started", s.Attempts, s.ConnectorName+"."+s.Action)
		observability.SetStep(p.ID, s.ID, s.Attempts)
		log.Printf("[Step %s] %s.%s attempt %d/%d", s.ID, s.ConnectorName, s.Action, s.Attempts, ceiling)

		conn, err := o.Registry.Resolve(s.ConnectorName)
		if err != nil {
			return o.failStep(sctx, p, s, err, span)
		}

		if denied := o.checkPolicy(ctx, p, s); denied != nil {
			return o.failStep(sctx, p, s, &ConnectorExecutionError{
				PlanID: p.ID, StepID: s.ID, Connector: s.ConnectorName, Action: s.Action,
				Attempt: s.Attempts, Err: denied,
			}, span)
		}

		out, callErr := o.call(ctx, p, s, conn)
		if callErr == nil {
			done := o.now()
			s.Status = plan.StatusCompleted
			s.Output = out
			s.LastError = ""
			s.FinishedAt = &done
			p.Refresh()
			if err := o.Store.SavePlan(sctx, p); err != nil {
				return err
			}
			o.appendLog(sctx, plan.LogEntry{PlanID: p.ID, StepID: s.ID, Type: plan.LogStepCompleted, Attempt: s.Attempts})
			o.Logger.LogStep(p.ID, s.ID, "completed", s.Attempts, "")
			span.SetStatus(codes.Ok, "completed")
			return nil
		}

		if ctx.Err() != nil {
			// Shutting down: the attempt is spent but the step stays
			// resumable.
			s.Status = plan.StatusPending
			s.LastError = callErr.Error()
			p.Refresh()
			if err := o.Store.SavePlan(sctx, p); err != nil {
				return err
			}
			return ctx.Err()
		}

		execErr := &ConnectorExecutionError{
			PlanID: p.ID, StepID: s.ID, Connector: s.ConnectorName, Action: s.Action,
			Attempt: s.Attempts, Retryable: !connector.IsPermanent(callErr), Err: callErr,
		}
		if !execErr.Retryable || s.Attempts >= ceiling {
			return o.failStep(sctx, p, s, execErr, span)
		}

		delay := o.retryDelay(s.Attempts)
		s.Status = plan.StatusPending
		s.LastError = callErr.Error()
		p.Refresh()
		if err := o.Store.SavePlan(sctx, p); err != nil {
			return err
		}
		o.appendLog(sctx, plan.LogEntry{
			PlanID: p.ID, StepID: s.ID, Type: plan.LogStepRetry, Attempt: s.Attempts,
			Message: callErr.Error(),
			Data:    map[string]any{"backoff_ms": delay.Milliseconds()},
		})
		o.Logger.LogStep(p.ID, s.ID, "retry", s.Attempts, callErr.Error())
		log.Printf("[Step %s] attempt %d failed, retrying in %s: %v", s.ID, s.Attempts, delay, callErr)

		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
		c, err := o.cancelRequested(ctx, p.ID)
		if err != nil {
			return err
		}
		if c {
			return errCancelled
		}
		if err := o.Store.AcquireLease(ctx, p.ID, o.owner, o.Config.LeaseTTL); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) call(ctx context.Context, p *plan.Plan, s *plan.Step, conn connector.Connector) (connector.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.Config.StepTimeout)
	defer cancel()

	params := make(map[string]any, len(s.Params))
	for k, v := range s.Params {
		params[k] = v
	}

	start := time.Now()
	out, err := conn.Execute(callCtx, s.Action, params)
	elapsed := time.Since(start)

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", o.Config.StepTimeout, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.tel.recordAttempt(ctx, s.ConnectorName, s.Action, outcome, float64(elapsed.Milliseconds()))
	o.Logger.LogConnectorCall(p.ID, s.ID, s.ConnectorName, s.Action, elapsed, err)
	if err == nil && out == nil {
		out = connector.Result{}
	}
	return out, err
}

func (o *Orchestrator) checkPolicy(ctx context.Context, p *plan.Plan, s *plan.Step) error {
	if o.Policy == nil {
		return nil
	}
	target := s.ConnectorName + "." + s.Action
	res, err := o.Policy.Evaluate(ctx, governance.Request{
		Connector: s.ConnectorName,
		Action:    s.Action,
		Params:    s.Params,
		PlanID:    p.ID,
	})
	if err != nil {
		o.Logger.LogPolicyCheck(p.ID, s.ID, target, string(governance.EffectDeny), err.Error())
		return &PolicyDeniedError{Connector: s.ConnectorName, Action: s.Action, Reason: err.Error()}
	}
	o.Logger.LogPolicyCheck(p.ID, s.ID, target, string(res.Effect), res.Reason)
	if res.Denied() {
		log.Printf("[Step %s] blocked by policy: %s", s.ID, res.Reason)
		return &PolicyDeniedError{Connector: s.ConnectorName, Action: s.Action, Reason: res.Reason}
	}
	return nil
}

func (o *Orchestrator) failStep(sctx context.Context, p *plan.Plan, s *plan.Step, cause error, span trace.Span) error {
	done := o.now()
	s.Status = plan.StatusFailed
	s.LastError = cause.Error()
	s.FinishedAt = &done
	p.Refresh()
	if err := o.Store.SavePlan(sctx, p); err != nil {
		return err
	}
	o.appendLog(sctx, plan.LogEntry{
		PlanID: p.ID, StepID: s.ID, Type: plan.LogStepFailed, Attempt: s.Attempts,
		Message: cause.Error(),
	})
	o.Logger.LogStep(p.ID, s.ID, "failed", s.Attempts, cause.Error())
	log.Printf("[Step %s] failed after %d attempt(s): %v", s.ID, s.Attempts, cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return cause
}

// appendLog records an entry. A log write failure never aborts a run.
func (o *Orchestrator) appendLog(ctx context.Context, e plan.LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now()
	}
	if err := o.Store.AppendLog(ctx, e); err != nil {
		log.Printf("Failed to append %s log for plan %s: %v", e.Type, e.PlanID, err)
	}
}
