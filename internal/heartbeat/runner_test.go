package heartbeat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/heartbeat"
	"github.com/basket/agora/internal/store"
)

type stubDecider struct {
	dec    heartbeat.Decision
	called bool
}

func (d *stubDecider) Decide(ctx context.Context, ac *heartbeat.AgentContext) heartbeat.Decision {
	d.called = true
	return d.dec
}

type stubExecutor struct {
	fn func(ctx context.Context, ac *heartbeat.AgentContext, act action.Action) heartbeat.Outcome
}

func (e *stubExecutor) Execute(ctx context.Context, ac *heartbeat.AgentContext, act action.Action) heartbeat.Outcome {
	return e.fn(ctx, ac, act)
}

func okExecutor(summary string) *stubExecutor {
	return &stubExecutor{fn: func(context.Context, *heartbeat.AgentContext, action.Action) heartbeat.Outcome {
		return heartbeat.Outcome{Summary: summary}
	}}
}

func newTestRunner(st *store.Store, agg *heartbeat.Aggregator, dec heartbeat.Decider, exec heartbeat.Executor) (*heartbeat.Runner, *bus.Bus) {
	b := bus.New()
	r := heartbeat.NewRunner(st, agg, dec, exec, b, heartbeat.RunnerConfig{}, nil)
	return r, b
}

func TestRunnerSuccessfulCycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Nova")

	dec := &stubDecider{dec: heartbeat.Decision{
		Action: action.CreateListing{Title: "haiku on demand", Price: 50},
	}}
	agg := heartbeat.NewAggregator(st, fixedBalance(900), heartbeat.AggregatorConfig{}, nil)
	r, b := newTestRunner(st, agg, dec, okExecutor("listed it"))

	sub := b.Subscribe("cycle.")
	defer b.Unsubscribe(sub)

	res, err := r.Run(ctx, me.ID, heartbeat.RunOpts{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK() || res.Skipped {
		t.Fatalf("result = %+v, want ok", res)
	}
	if res.Action != action.KindCreateListing {
		t.Fatalf("action = %q, want create_listing", res.Action)
	}
	if res.Detail != "listed it" {
		t.Fatalf("detail = %q", res.Detail)
	}
	if res.Balance != 900 {
		t.Fatalf("balance = %d, want 900", res.Balance)
	}
	if res.TraceID == "" {
		t.Fatal("trace id missing")
	}

	rows, err := st.ListRecentCycles(ctx, me.ID, 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("cycle rows = %d, want exactly 1", len(rows))
	}
	row := rows[0]
	if row.Outcome != store.OutcomeOK || row.ActionType != action.KindCreateListing {
		t.Fatalf("row = %+v", row)
	}
	if row.TraceID != res.TraceID {
		t.Fatalf("row trace %q != result trace %q", row.TraceID, res.TraceID)
	}
	if !strings.Contains(row.ActionJSON, `"create_listing"`) {
		t.Fatalf("action json = %q", row.ActionJSON)
	}
	if row.Balance != 900 {
		t.Fatalf("row balance = %d", row.Balance)
	}

	select {
	case ev := <-sub.Ch():
		ce, ok := ev.Payload.(bus.CycleEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if ce.AgentID != me.ID || ce.Outcome != store.OutcomeOK {
			t.Fatalf("event = %+v", ce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle event published")
	}
}

func TestRunnerPolicySkipSkipsDecider(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Broke")

	dec := &stubDecider{dec: heartbeat.Decision{Action: action.DoNothing{}}}
	exec := &stubExecutor{fn: func(context.Context, *heartbeat.AgentContext, action.Action) heartbeat.Outcome {
		t.Error("executor must not run on a skipped cycle")
		return heartbeat.Outcome{}
	}}
	agg := heartbeat.NewAggregator(st, fixedBalance(0), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, dec, exec)

	res, err := r.Run(ctx, me.ID, heartbeat.RunOpts{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Skipped || res.Outcome != store.OutcomeSkipped {
		t.Fatalf("result = %+v, want skipped", res)
	}
	if dec.called {
		t.Fatal("skip must happen before any reasoning call")
	}

	rows, err := st.ListRecentCycles(ctx, me.ID, 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != store.OutcomeSkipped {
		t.Fatalf("rows = %+v, want one skipped row", rows)
	}
}

func TestRunnerImmediateBypassesPolicy(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Broke")

	dec := &stubDecider{dec: heartbeat.Decision{Action: action.DoNothing{Reason: "warming up"}}}
	agg := heartbeat.NewAggregator(st, fixedBalance(0), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, dec, okExecutor("sat out"))

	res, err := r.Run(ctx, me.ID, heartbeat.RunOpts{Immediate: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Skipped {
		t.Fatalf("immediate cycle must not skip: %+v", res)
	}
	if !dec.called {
		t.Fatal("decider was not consulted")
	}
}

func TestRunnerAgentNotFound(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	agg := heartbeat.NewAggregator(st, fixedBalance(0), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, &stubDecider{}, okExecutor("nope"))

	res, err := r.Run(ctx, "ghost", heartbeat.RunOpts{})
	if !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
	if res.Outcome != store.OutcomeFailed {
		t.Fatalf("result = %+v, want failed", res)
	}

	stats, err := st.CountCycles(ctx)
	if err != nil {
		t.Fatalf("count cycles: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("no cycle row should exist for an unknown agent, got %d", stats.Total)
	}
}

func TestRunnerFailedActionIsFailedCycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Nova")

	boom := errors.New("escrow said no")
	exec := &stubExecutor{fn: func(context.Context, *heartbeat.AgentContext, action.Action) heartbeat.Outcome {
		return heartbeat.Outcome{Err: boom}
	}}
	dec := &stubDecider{dec: heartbeat.Decision{Action: action.Release{EscrowID: "e1"}}}
	agg := heartbeat.NewAggregator(st, fixedBalance(900), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, dec, exec)

	res, err := r.Run(ctx, me.ID, heartbeat.RunOpts{})
	if err != nil {
		t.Fatalf("action failures stay inside the result, got %v", err)
	}
	if res.Outcome != store.OutcomeFailed || !strings.Contains(res.Error, "escrow said no") {
		t.Fatalf("result = %+v", res)
	}

	rows, _ := st.ListRecentCycles(ctx, me.ID, 10)
	if len(rows) != 1 || rows[0].Outcome != store.OutcomeFailed {
		t.Fatalf("rows = %+v, want one failed row", rows)
	}
}

func TestRunnerForcePrivileged(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Civvy")

	var sawPrivileged bool
	exec := &stubExecutor{fn: func(_ context.Context, ac *heartbeat.AgentContext, _ action.Action) heartbeat.Outcome {
		sawPrivileged = ac.Privileged
		return heartbeat.Outcome{Summary: "ok"}
	}}
	dec := &stubDecider{dec: heartbeat.Decision{Action: action.DoNothing{}}}
	agg := heartbeat.NewAggregator(st, fixedBalance(900), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, dec, exec)

	if _, err := r.Run(ctx, me.ID, heartbeat.RunOpts{ForcePrivileged: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawPrivileged {
		t.Fatal("ForcePrivileged must reach the executor")
	}
}

func TestRunnerSingleFlightPerAgent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	me := seedAgent(t, st, "Nova")

	started := make(chan struct{})
	proceed := make(chan struct{})
	exec := &stubExecutor{fn: func(context.Context, *heartbeat.AgentContext, action.Action) heartbeat.Outcome {
		close(started)
		<-proceed
		return heartbeat.Outcome{Summary: "slow work"}
	}}
	dec := &stubDecider{dec: heartbeat.Decision{Action: action.DoNothing{}}}
	agg := heartbeat.NewAggregator(st, fixedBalance(900), heartbeat.AggregatorConfig{}, nil)
	r, _ := newTestRunner(st, agg, dec, exec)

	firstCh := make(chan heartbeat.CycleResult, 1)
	go func() {
		res, _ := r.Run(ctx, me.ID, heartbeat.RunOpts{Immediate: true})
		firstCh <- res
	}()

	<-started
	second, err := r.Run(ctx, me.ID, heartbeat.RunOpts{Immediate: true})
	if err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	if !second.Skipped || second.Detail != "cycle already in flight" {
		t.Fatalf("second = %+v, want in-flight rejection", second)
	}

	close(proceed)
	first := <-firstCh
	if !first.OK() {
		t.Fatalf("first = %+v, want ok", first)
	}

	// Every Run invocation leaves exactly one row: the real cycle's ok row
	// and the rejected invocation's skipped row.
	rows, err := st.ListRecentCycles(ctx, me.ID, 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per Run invocation (2)", len(rows))
	}
	var okRows, inFlightRows int
	for _, row := range rows {
		switch {
		case row.Outcome == store.OutcomeOK:
			okRows++
		case row.Outcome == store.OutcomeSkipped && row.Detail == "cycle already in flight":
			inFlightRows++
		default:
			t.Fatalf("unexpected row outcome %q detail %q", row.Outcome, row.Detail)
		}
	}
	if okRows != 1 || inFlightRows != 1 {
		t.Fatalf("rows = %d ok, %d in-flight skips; want 1 and 1", okRows, inFlightRows)
	}
}
