package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/audit"
	"github.com/basket/agora/internal/bus"
	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/shared"
	"github.com/basket/agora/internal/store"
)

// Decision is what the decision engine hands back: exactly one action, the
// raw JSON it was parsed from, and an optional diagnostic note.
type Decision struct {
	Action  action.Action
	RawJSON string
	Note    string
}

// Decider turns a context snapshot into a Decision. Implementations never
// fail; degraded output is a do_nothing action with a note.
type Decider interface {
	Decide(ctx context.Context, ac *AgentContext) Decision
}

// Outcome is the result of executing one action.
type Outcome struct {
	Summary string
	Err     error
}

// Executor applies one action against live marketplace state.
type Executor interface {
	Execute(ctx context.Context, ac *AgentContext, act action.Action) Outcome
}

// RunOpts tweaks a single cycle. Immediate bypasses the skip policy (used
// for the first heartbeat after registration); ForcePrivileged treats the
// agent as a house agent for this cycle only.
type RunOpts struct {
	Immediate       bool
	ForcePrivileged bool
}

// CycleResult is the caller-facing summary of one heartbeat cycle.
type CycleResult struct {
	AgentID   string `json:"agent_id"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action,omitempty"`
	Outcome   string `json:"outcome"` // ok | failed | skipped
	Detail    string `json:"detail,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	Balance   int64  `json:"balance_cents"`
	LatencyMS int64  `json:"latency_ms"`
}

// OK reports whether the cycle executed an action successfully.
func (r CycleResult) OK() bool { return r.Outcome == store.OutcomeOK }

// RunnerConfig holds cycle-level knobs.
type RunnerConfig struct {
	CycleTimeout time.Duration
}

// Runner executes heartbeat cycles: GatherContext, skip check, Decide,
// Execute, Log. Exactly one execution-log row is appended per cycle.
type Runner struct {
	store      *store.Store
	aggregator *Aggregator
	decider    Decider
	executor   Executor
	eventBus   *bus.Bus
	metrics    *otelPkg.Metrics
	tracer     trace.Tracer
	cfg        RunnerConfig
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func NewRunner(st *store.Store, agg *Aggregator, dec Decider, exec Executor, eventBus *bus.Bus, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      st,
		aggregator: agg,
		decider:    dec,
		executor:   exec,
		eventBus:   eventBus,
		cfg:        cfg,
		logger:     logger,
		running:    make(map[string]struct{}),
	}
}

// SetTelemetry attaches optional metric instruments and a tracer.
func (r *Runner) SetTelemetry(m *otelPkg.Metrics, tracer trace.Tracer) {
	r.metrics = m
	r.tracer = tracer
}

func (r *Runner) tryAcquire(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[agentID]; busy {
		return false
	}
	r.running[agentID] = struct{}{}
	return true
}

func (r *Runner) release(agentID string) {
	r.mu.Lock()
	delete(r.running, agentID)
	r.mu.Unlock()
}

// Run executes one heartbeat cycle for the agent. Every failure mode other
// than an unknown agent is absorbed into the CycleResult; the returned
// error is non-nil only for store.ErrAgentNotFound so callers can map it
// to a not-found response.
//
// Overlap guard: if a cycle for this agent is already in flight, Run
// returns a skipped result without running a second cycle; two concurrent
// cycles could race a release against itself. The rejected invocation
// still appends its own skipped execution-log row, so every Run leaves
// exactly one row.
func (r *Runner) Run(ctx context.Context, agentID string, opts RunOpts) (CycleResult, error) {
	start := time.Now()
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithAgentID(ctx, agentID)
	ctx = shared.WithCycleID(ctx, shared.NewCycleID())
	logger := r.logger.With("agent_id", agentID, "trace_id", traceID)

	if !r.tryAcquire(agentID) {
		logger.Info("heartbeat rejected, cycle already in flight")
		res := CycleResult{
			AgentID:   agentID,
			TraceID:   traceID,
			Outcome:   store.OutcomeSkipped,
			Detail:    "cycle already in flight",
			Skipped:   true,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		r.finish(ctx, res, "")
		return res, nil
	}
	defer r.release(agentID)

	if r.metrics != nil {
		r.metrics.ActiveCycles.Add(ctx, 1)
		defer r.metrics.ActiveCycles.Add(ctx, -1)
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = otelPkg.StartSpan(ctx, r.tracer, "heartbeat.cycle",
			otelPkg.AttrAgentID.String(agentID))
		defer span.End()
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	ac, err := r.aggregator.Build(cctx, agentID)
	if err != nil {
		res := CycleResult{
			AgentID:   agentID,
			TraceID:   traceID,
			Outcome:   store.OutcomeFailed,
			Detail:    "gather context: " + err.Error(),
			Error:     err.Error(),
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if errors.Is(err, store.ErrAgentNotFound) {
			logger.Warn("heartbeat aborted, agent unknown")
			return res, err
		}
		logger.Error("context gathering failed", "error", err)
		r.finish(ctx, res, "")
		return res, nil
	}

	if opts.ForcePrivileged {
		ac.Privileged = true
	}
	logger.Info("heartbeat context gathered",
		"balance", shared.FormatAmount(ac.Balance),
		"credit_applied", ac.CreditApplied,
		"listings", len(ac.Listings),
		"own_listings", len(ac.OwnListings),
		"messages", len(ac.Messages),
		"escrows", len(ac.Escrows),
	)

	if !opts.Immediate {
		if v := EvaluatePolicy(ac, ac.Privileged); v.Skip {
			res := CycleResult{
				AgentID:   agentID,
				TraceID:   traceID,
				Outcome:   store.OutcomeSkipped,
				Detail:    v.Reason,
				Skipped:   true,
				Balance:   ac.Balance,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			logger.Info("heartbeat skipped", "reason", v.Reason)
			r.finish(ctx, res, "")
			return res, nil
		}
	}

	decStart := time.Now()
	dec := r.decider.Decide(cctx, ac)
	if r.metrics != nil {
		r.metrics.DecisionDuration.Record(ctx, time.Since(decStart).Seconds())
	}
	if dec.Note != "" {
		logger.Warn("decision degraded", "note", dec.Note)
	}

	out := r.executor.Execute(cctx, ac, dec.Action)

	res := CycleResult{
		AgentID:   agentID,
		TraceID:   traceID,
		Action:    dec.Action.Kind(),
		Balance:   ac.Balance,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if out.Err != nil {
		res.Outcome = store.OutcomeFailed
		res.Detail = out.Err.Error()
		res.Error = out.Err.Error()
		logger.Warn("action failed", "action", res.Action, "error", out.Err)
	} else {
		res.Outcome = store.OutcomeOK
		res.Detail = out.Summary
		logger.Info("action executed", "action", res.Action, "result", out.Summary)
	}
	r.finish(ctx, res, action.Marshal(dec.Action))
	return res, nil
}

// finish appends the execution-log row, mirrors it to the audit stream,
// publishes the cycle event, and bumps counters. It runs on a non-cancelable
// context so a timed-out cycle still gets its row.
func (r *Runner) finish(ctx context.Context, res CycleResult, actionJSON string) {
	logCtx := context.WithoutCancel(ctx)
	_, err := r.store.AppendCycle(logCtx, store.CycleEntry{
		AgentID:    res.AgentID,
		TraceID:    res.TraceID,
		ActionType: res.Action,
		ActionJSON: actionJSON,
		Outcome:    res.Outcome,
		Detail:     res.Detail,
		Balance:    res.Balance,
		LatencyMS:  res.LatencyMS,
	})
	if err != nil {
		r.logger.Error("append cycle log failed", "agent_id", res.AgentID, "error", err)
	}

	audit.RecordCycle(res.TraceID, res.AgentID, res.Action, res.Outcome, res.Detail, res.LatencyMS)

	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicCycleCompleted, bus.CycleEvent{
			AgentID:    res.AgentID,
			ActionType: res.Action,
			TraceID:    res.TraceID,
			Outcome:    res.Outcome,
			Detail:     res.Detail,
			LatencyMS:  res.LatencyMS,
			At:         time.Now().UTC(),
		})
	}

	if r.metrics != nil {
		r.metrics.CyclesTotal.Add(ctx, 1,
			metric.WithAttributes(otelPkg.AttrOutcome.String(res.Outcome)))
		r.metrics.CycleDuration.Record(ctx, float64(res.LatencyMS)/1000.0)
		if res.Action != "" && res.Outcome == store.OutcomeOK {
			r.metrics.ActionsTotal.Add(ctx, 1,
				metric.WithAttributes(otelPkg.AttrActionType.String(res.Action)))
		}
	}
}
