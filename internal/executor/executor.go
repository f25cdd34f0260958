// Package executor applies decided actions against live marketplace state.
// Every handler validates against the store's current state, not the cycle
// snapshot: decisions are made on data that may be a few seconds stale, and
// the state-conditioned store writes are the final word.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/heartbeat"
	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/rails"
	"github.com/basket/agora/internal/shared"
	"github.com/basket/agora/internal/store"
)

// Rails is the slice of the rails client the executor needs.
type Rails interface {
	FundEscrow(ctx context.Context, req rails.FundRequest) (string, error)
	Settle(ctx context.Context, escrowRef, txHash string) (string, error)
}

// Signer pre-signs on-chain releases for hosted wallets.
type Signer interface {
	SignAndBroadcast(ctx context.Context, walletRef, contractAddress, calldata string) (string, error)
}

// Config holds the execution knobs.
type Config struct {
	EscrowContract   string
	ContractVersion  string
	ReviewDeadline   time.Duration
	SigningAttempts  int
	SigningBaseDelay time.Duration
}

// Executor dispatches one action per heartbeat cycle.
type Executor struct {
	store    *store.Store
	rails    Rails
	signer   Signer
	eventBus *bus.Bus
	metrics  *otelPkg.Metrics
	cfg      Config
	logger   *slog.Logger
}

func New(st *store.Store, railsClient Rails, signer Signer, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ReviewDeadline <= 0 {
		cfg.ReviewDeadline = 72 * time.Hour
	}
	if cfg.SigningAttempts <= 0 {
		cfg.SigningAttempts = 3
	}
	if cfg.SigningBaseDelay <= 0 {
		cfg.SigningBaseDelay = 500 * time.Millisecond
	}
	if cfg.ContractVersion == "" {
		cfg.ContractVersion = "v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		rails:    railsClient,
		signer:   signer,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetrics attaches optional metric instruments.
func (x *Executor) SetMetrics(m *otelPkg.Metrics) { x.metrics = m }

func ok(format string, args ...any) heartbeat.Outcome {
	return heartbeat.Outcome{Summary: fmt.Sprintf(format, args...)}
}

func fail(err error) heartbeat.Outcome {
	return heartbeat.Outcome{Err: err}
}

// Execute applies one action for the agent in ac. Rejections come back as
// Outcome.Err; the cycle logs them as failed actions and moves on.
func (x *Executor) Execute(ctx context.Context, ac *heartbeat.AgentContext, act action.Action) heartbeat.Outcome {
	switch a := act.(type) {
	case action.DoNothing:
		reason := strings.TrimSpace(a.Reason)
		if reason == "" {
			reason = "no reason given"
		}
		return ok("sat out: %s", reason)
	case action.CreateListing:
		return x.createListing(ctx, ac, a)
	case action.UpdateListing:
		return x.updateListing(ctx, ac, a)
	case action.BuyListing:
		return x.buyListing(ctx, ac, a)
	case action.SendMessage:
		return x.sendMessage(ctx, ac, a)
	case action.Deliver:
		return x.deliver(ctx, ac, a)
	case action.Release:
		return x.release(ctx, ac, a)
	case nil:
		return fail(errors.New("no action to execute"))
	default:
		return fail(fmt.Errorf("unsupported action %q", act.Kind()))
	}
}

func (x *Executor) createListing(ctx context.Context, ac *heartbeat.AgentContext, a action.CreateListing) heartbeat.Outcome {
	currency := a.Currency
	if currency == "" {
		currency = shared.DefaultCurrency
	}
	l, err := x.store.CreateListing(ctx, ac.Agent.ID, a.Title, a.Description, a.Category, a.Price, currency)
	if err != nil {
		return fail(fmt.Errorf("create listing: %w", err))
	}
	return ok("listed %q at %s (%s)", l.Title, shared.FormatAmount(l.Price), l.ID)
}

func (x *Executor) updateListing(ctx context.Context, ac *heartbeat.AgentContext, a action.UpdateListing) heartbeat.Outcome {
	l, err := x.store.UpdateListing(ctx, ac.Agent.ID, a.ListingID, store.ListingUpdate{
		Title:       a.Title,
		Description: a.Description,
		Price:       a.Price,
		Active:      a.Active,
	})
	if err != nil {
		return fail(fmt.Errorf("update listing %s: %w", a.ListingID, err))
	}
	return ok("updated listing %q (%s)", l.Title, l.ID)
}

// buyListing has two paths. House agents buy on the internal ledger: the
// escrow is born FUNDED with a ledger reference and no rails call, so house
// activity keeps flowing when the chain does not. Everyone else goes
// through rails escrow funding and starts PENDING until the funding
// confirmation lands.
//
// RecordPurchase runs before the escrow is created: it is conditioned on
// the listing still being active, which rejects a buy racing a concurrent
// deactivation instead of creating an escrow for a dead listing.
func (x *Executor) buyListing(ctx context.Context, ac *heartbeat.AgentContext, a action.BuyListing) heartbeat.Outcome {
	l, err := x.store.GetListing(ctx, a.ListingID)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			return fail(fmt.Errorf("listing %s: %w", a.ListingID, ErrListingUnavailable))
		}
		return fail(fmt.Errorf("look up listing %s: %w", a.ListingID, err))
	}
	if !l.Active {
		return fail(fmt.Errorf("listing %s is no longer active: %w", l.ID, ErrListingUnavailable))
	}
	if l.AgentID == ac.Agent.ID {
		return fail(fmt.Errorf("listing %s is the buyer's own: %w", l.ID, ErrListingUnavailable))
	}
	if l.Price <= 0 || l.Price > ac.MaxSpend() {
		return fail(fmt.Errorf("listing %s costs %s, max spend is %s: %w",
			l.ID, shared.FormatAmount(l.Price), shared.FormatAmount(ac.MaxSpend()), ErrMaxSpendExceeded))
	}

	seller, err := x.store.GetAgent(ctx, l.AgentID)
	if err != nil {
		return fail(fmt.Errorf("look up seller %s: %w", l.AgentID, err))
	}

	if err := x.store.RecordPurchase(ctx, l.ID); err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			return fail(fmt.Errorf("listing %s: %w", l.ID, ErrListingUnavailable))
		}
		return fail(fmt.Errorf("record purchase of %s: %w", l.ID, err))
	}

	params := store.CreateEscrowParams{
		ListingID:       l.ID,
		BuyerID:         ac.Agent.ID,
		SellerID:        seller.ID,
		Amount:          l.Price,
		Currency:        l.Currency,
		Description:     l.Title,
		Deadline:        time.Now().UTC().Add(x.cfg.ReviewDeadline),
		ContractVersion: x.cfg.ContractVersion,
	}

	if ac.Privileged {
		params.Status = store.EscrowFunded
		params.EscrowRef = "ledger:" + uuid.NewString()
	} else {
		ref, err := x.rails.FundEscrow(ctx, rails.FundRequest{
			BuyerWallet:  ac.Agent.WalletRef,
			SellerWallet: seller.WalletRef,
			Amount:       l.Price,
			Currency:     l.Currency,
			Reference:    l.ID,
		})
		if err != nil {
			return fail(fmt.Errorf("fund escrow for listing %s: %w", l.ID, err))
		}
		params.Status = store.EscrowPending
		params.EscrowRef = ref
	}

	esc, err := x.store.CreateEscrow(ctx, params)
	if err != nil {
		return fail(fmt.Errorf("create escrow for listing %s: %w", l.ID, err))
	}

	if x.eventBus != nil {
		x.eventBus.Publish(bus.TopicListingPurchased, bus.ListingEvent{
			ListingID: l.ID,
			AgentID:   ac.Agent.ID,
			Title:     l.Title,
			Price:     l.Price,
			Currency:  l.Currency,
		})
	}
	return ok("bought %q from %s for %s (escrow %s, %s)",
		l.Title, seller.Name, shared.FormatAmount(l.Price), esc.ID, esc.Status)
}

func (x *Executor) sendMessage(ctx context.Context, ac *heartbeat.AgentContext, a action.SendMessage) heartbeat.Outcome {
	recipient := strings.TrimSpace(a.RecipientID)
	if recipient == "" {
		return fail(fmt.Errorf("send message: %w", ErrNoRecipient))
	}

	var (
		m   store.Message
		err error
	)
	if a.Public {
		m, err = x.store.PostFeedMessage(ctx, ac.Agent.ID, recipient, a.Content)
	} else {
		m, err = x.store.SendDirectMessage(ctx, ac.Agent.ID, recipient, a.Content)
	}
	if err != nil {
		return fail(fmt.Errorf("send message to %s: %w", recipient, err))
	}
	if a.Public {
		return ok("posted to the feed for %s (message %d)", recipient, m.ID)
	}
	return ok("messaged %s privately (message %d)", recipient, m.ID)
}

func (x *Executor) deliver(ctx context.Context, ac *heartbeat.AgentContext, a action.Deliver) heartbeat.Outcome {
	esc, err := x.store.MarkDelivered(ctx, a.EscrowID, ac.Agent.ID, a.Deliverable)
	if err != nil {
		return fail(fmt.Errorf("deliver on escrow %s: %w", a.EscrowID, err))
	}
	return ok("delivered on escrow %s for %s", esc.ID, shared.FormatAmount(esc.Amount))
}
