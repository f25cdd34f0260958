package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agora/internal/store"
)

// SchedulerConfig controls the batch loop.
type SchedulerConfig struct {
	Interval time.Duration
	Workers  int
}

// Scheduler runs one heartbeat cycle per active agent on a fixed interval,
// fanned out over a bounded worker pool. Cycles for different agents run
// concurrently; the Runner's in-flight guard keeps any single agent serial.
type Scheduler struct {
	runner *Runner
	agents AgentLister
	cfg    SchedulerConfig
	logger *slog.Logger

	mu     sync.Mutex // guards cfg.Interval for hot-reload
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// AgentLister is the slice of the store the scheduler needs.
type AgentLister interface {
	ListActiveAgents(ctx context.Context) ([]store.Agent, error)
}

func NewScheduler(runner *Runner, agents AgentLister, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 120 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, agents: agents, cfg: cfg, logger: logger}
}

// Start launches the batch loop in a background goroutine. The first batch
// runs immediately; later batches follow the configured interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("heartbeat scheduler started",
		"interval", s.interval(), "workers", s.cfg.Workers)
}

// Stop cancels the loop and waits for in-flight cycles to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("heartbeat scheduler stopped")
}

// SetInterval changes the batch cadence. The new interval takes effect
// after the next tick fires.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Interval = d
	s.mu.Unlock()
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

func (s *Scheduler) loop(ctx context.Context) {
	current := s.interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	s.runBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := s.interval(); next != current {
				current = next
				ticker.Reset(current)
			}
			s.runBatch(ctx)
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) {
	agents, err := s.agents.ListActiveAgents(ctx)
	if err != nil {
		s.logger.Error("list agents for heartbeat batch", "error", err)
		return
	}
	if len(agents) == 0 {
		return
	}

	started := time.Now()
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, ag := range agents {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.runner.Run(ctx, id, RunOpts{}); err != nil {
				s.logger.Error("heartbeat cycle errored", "agent_id", id, "error", err)
			}
		}(ag.ID)
	}
	wg.Wait()
	s.logger.Info("heartbeat batch complete",
		"agents", len(agents), "elapsed", time.Since(started).Round(time.Millisecond))
}
