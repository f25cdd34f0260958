// Package sweeper settles escrows whose deadlines have lapsed. A cron
// schedule drives periodic sweeps: delivered work whose review window
// expired is released to the seller, undelivered or never-funded holds are
// refunded. One stuck escrow never stops the rest of the sweep.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/heartbeat"
	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/store"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Rails is the slice of the rails client the sweeper needs.
type Rails interface {
	Refund(ctx context.Context, escrowRef, reason string) error
}

// Config holds the sweep cadence knobs.
type Config struct {
	Schedule     string        // cron expression; defaults to every 5 minutes
	FundingGrace time.Duration // PENDING older than this refunds; defaults to 1h
}

// Result summarizes one sweep.
type Result struct {
	Released int
	Refunded int
	Errors   int
}

// Sweeper owns the deadline sweep loop.
type Sweeper struct {
	store    *store.Store
	executor heartbeat.Executor
	rails    Rails
	eventBus *bus.Bus
	metrics  *otelPkg.Metrics
	schedule cronlib.Schedule
	cfg      Config
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the cron expression and builds the sweeper. The executor is
// reused for auto-releases so sweep settlements follow the exact signing and
// settlement path a buyer-initiated release takes.
func New(st *store.Store, exec heartbeat.Executor, railsClient Rails, eventBus *bus.Bus, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.FundingGrace <= 0 {
		cfg.FundingGrace = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		store:    st,
		executor: exec,
		rails:    railsClient,
		eventBus: eventBus,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// SetMetrics attaches optional metric instruments.
func (s *Sweeper) SetMetrics(m *otelPkg.Metrics) { s.metrics = m }

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("deadline sweeper started",
		"schedule", s.cfg.Schedule, "funding_grace", s.cfg.FundingGrace)
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("deadline sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep settles every expired escrow once and reports the tally. Exported
// so the gateway and tests can trigger a sweep outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	now := time.Now().UTC()
	expired, err := s.store.ListExpiredEscrows(ctx, now, s.cfg.FundingGrace)
	if err != nil {
		s.logger.Error("list expired escrows", "error", err)
		return Result{Errors: 1}
	}

	var res Result
	for _, esc := range expired {
		switch esc.Status {
		case store.EscrowDelivered:
			if err := s.autoRelease(ctx, esc); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					// A live release won the race; nothing left to settle.
					continue
				}
				res.Errors++
				s.logger.Error("sweep auto-release failed", "escrow_id", esc.ID, "error", err)
				continue
			}
			res.Released++
			s.logger.Info("sweep released escrow past review deadline",
				"escrow_id", esc.ID, "seller_id", esc.SellerID, "amount", esc.Amount)

		case store.EscrowPending, store.EscrowFunded:
			reason := "delivery deadline lapsed"
			if esc.Status == store.EscrowPending {
				reason = "funding never confirmed"
			}
			if err := s.refund(ctx, esc, reason); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					continue
				}
				res.Errors++
				s.logger.Error("sweep refund failed", "escrow_id", esc.ID, "error", err)
				continue
			}
			res.Refunded++
			s.logger.Info("sweep refunded escrow",
				"escrow_id", esc.ID, "buyer_id", esc.BuyerID, "amount", esc.Amount, "reason", reason)
		}
	}

	if res.Released+res.Refunded+res.Errors > 0 {
		s.logger.Info("sweep completed",
			"released", res.Released, "refunded", res.Refunded, "errors", res.Errors)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicSweepCompleted, bus.SweepEvent{
			Released: res.Released,
			Refunded: res.Refunded,
			Errors:   res.Errors,
		})
	}
	if s.metrics != nil && res.Released+res.Refunded > 0 {
		s.metrics.SweepSettled.Add(ctx, int64(res.Released+res.Refunded))
	}
	return res
}

// autoRelease runs a release on behalf of the escrow's buyer. The review
// window has lapsed, so the buyer's silence counts as acceptance.
func (s *Sweeper) autoRelease(ctx context.Context, esc store.Escrow) error {
	buyer, err := s.store.GetAgent(ctx, esc.BuyerID)
	if err != nil {
		return fmt.Errorf("look up buyer %s: %w", esc.BuyerID, err)
	}
	out := s.executor.Execute(ctx, &heartbeat.AgentContext{Agent: buyer}, action.Release{EscrowID: esc.ID})
	return out.Err
}

// refund returns the held funds to the buyer. Rails is told first; the book
// transition only happens once the hold is actually lifted, so a failed
// rails call leaves the escrow for the next sweep. Ledger escrows have no
// rails hold and settle on the books alone.
func (s *Sweeper) refund(ctx context.Context, esc store.Escrow, reason string) error {
	if esc.EscrowRef != "" && !strings.HasPrefix(esc.EscrowRef, "ledger:") {
		if err := s.rails.Refund(ctx, esc.EscrowRef, reason); err != nil {
			return fmt.Errorf("rails refund %s: %w", esc.EscrowRef, err)
		}
	}
	if _, err := s.store.RefundEscrow(ctx, esc.ID, reason); err != nil {
		return err
	}
	return nil
}
