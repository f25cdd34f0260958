// Package heartbeat drives the agent lifecycle: it assembles the context
// snapshot for one agent, applies the skip policy, asks the decision engine
// for exactly one action, executes it, and records the outcome. One cycle
// per agent may be in flight at a time.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agora/internal/store"
)

// AgentContext is the snapshot one heartbeat cycle reasons over. It is
// assembled once at the top of the cycle and never refreshed mid-cycle;
// the executor re-validates against live store state before mutating
// anything.
type AgentContext struct {
	Agent      store.Agent
	Privileged bool

	// Balance is the effective balance in minor units, house credit
	// included. RealBalance is what the rails reported (zero when the
	// lookup failed and the snapshot was degraded).
	Balance       int64
	RealBalance   int64
	CreditApplied bool

	Listings    []store.Listing // other agents' open listings, capped
	OwnListings []store.Listing
	Messages    []store.Message // most recent inbound, capped
	Escrows     []store.Escrow  // open escrows the agent is party to
}

// MaxSpend is the per-purchase ceiling: one third of the effective balance.
func (ac *AgentContext) MaxSpend() int64 {
	return ac.Balance / 3
}

// Affordable returns the visible listings the agent could buy right now.
func (ac *AgentContext) Affordable() []store.Listing {
	max := ac.MaxSpend()
	var out []store.Listing
	for _, l := range ac.Listings {
		if l.Price > 0 && l.Price <= max {
			out = append(out, l)
		}
	}
	return out
}

// PendingDeliveries counts funded escrows awaiting this agent's delivery.
func (ac *AgentContext) PendingDeliveries() int {
	n := 0
	for _, e := range ac.Escrows {
		if e.SellerID == ac.Agent.ID && e.Status == store.EscrowFunded {
			n++
		}
	}
	return n
}

// PendingReviews counts delivered escrows awaiting this agent's release.
func (ac *AgentContext) PendingReviews() int {
	n := 0
	for _, e := range ac.Escrows {
		if e.BuyerID == ac.Agent.ID && e.Status == store.EscrowDelivered {
			n++
		}
	}
	return n
}

// ActiveOwnListings counts the agent's own listings still on the market.
func (ac *AgentContext) ActiveOwnListings() int {
	n := 0
	for _, l := range ac.OwnListings {
		if l.Active {
			n++
		}
	}
	return n
}

// BalanceReader is the slice of the rails client the aggregator needs.
type BalanceReader interface {
	BalanceOf(ctx context.Context, walletRef string) (int64, error)
}

// AggregatorConfig bounds the snapshot.
type AggregatorConfig struct {
	ListingLimit   int
	MessageLimit   int
	BalanceTimeout time.Duration

	// HouseAgents are granted HouseCredit minor units whenever their real
	// balance is exactly zero, and never see each other's listings.
	HouseAgents map[string]struct{}
	HouseCredit int64
}

// Aggregator builds AgentContext snapshots.
type Aggregator struct {
	store  *store.Store
	rails  BalanceReader
	cfg    AggregatorConfig
	logger *slog.Logger

	// houseMu guards the house fields in cfg, which config hot-reload swaps.
	houseMu sync.RWMutex
}

func NewAggregator(st *store.Store, rails BalanceReader, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if cfg.ListingLimit <= 0 {
		cfg.ListingLimit = 20
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 10
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, rails: rails, cfg: cfg, logger: logger}
}

// SetHouse swaps the privileged allowlist and credit amount. Cycles already
// past their snapshot keep the old values.
func (a *Aggregator) SetHouse(agents map[string]struct{}, credit int64) {
	a.houseMu.Lock()
	a.cfg.HouseAgents = agents
	a.cfg.HouseCredit = credit
	a.houseMu.Unlock()
}

func (a *Aggregator) house() (map[string]struct{}, int64) {
	a.houseMu.RLock()
	defer a.houseMu.RUnlock()
	return a.cfg.HouseAgents, a.cfg.HouseCredit
}

type balanceResult struct {
	cents int64
	err   error
}

// Build assembles the snapshot for one agent. The balance lookup overlaps
// the store reads and degrades to zero on failure; every other fetch error
// aborts the build, because a partial snapshot would feed the decision
// engine an inconsistent picture.
func (a *Aggregator) Build(ctx context.Context, agentID string) (*AgentContext, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	houseAgents, houseCredit := a.house()
	ac := &AgentContext{Agent: agent}
	_, ac.Privileged = houseAgents[agent.ID]

	balCh := make(chan balanceResult, 1)
	go func() {
		if a.rails == nil {
			balCh <- balanceResult{}
			return
		}
		bctx, cancel := context.WithTimeout(ctx, a.cfg.BalanceTimeout)
		defer cancel()
		cents, err := a.rails.BalanceOf(bctx, agent.WalletRef)
		balCh <- balanceResult{cents: cents, err: err}
	}()

	var exclude []string
	if ac.Privileged {
		for id := range houseAgents {
			if id != agent.ID {
				exclude = append(exclude, id)
			}
		}
	}
	if ac.Listings, err = a.store.ListOpenListings(ctx, agent.ID, exclude, a.cfg.ListingLimit); err != nil {
		return nil, fmt.Errorf("gather listings: %w", err)
	}
	if ac.OwnListings, err = a.store.ListAgentListings(ctx, agent.ID); err != nil {
		return nil, fmt.Errorf("gather own listings: %w", err)
	}
	if ac.Messages, err = a.store.ListInboundMessages(ctx, agent.ID, a.cfg.MessageLimit); err != nil {
		return nil, fmt.Errorf("gather messages: %w", err)
	}
	if ac.Escrows, err = a.store.ListOpenEscrows(ctx, agent.ID); err != nil {
		return nil, fmt.Errorf("gather escrows: %w", err)
	}

	res := <-balCh
	if res.err != nil {
		a.logger.Warn("balance lookup failed, degrading snapshot to zero",
			"agent_id", agent.ID, "error", res.err)
	} else {
		ac.RealBalance = res.cents
	}
	ac.Balance = ac.RealBalance
	if ac.Privileged && ac.RealBalance == 0 && houseCredit > 0 {
		ac.Balance = houseCredit
		ac.CreditApplied = true
	}
	return ac, nil
}
