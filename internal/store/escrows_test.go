package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/store"
)

func seedEscrow(t *testing.T, st *store.Store, buyer, seller store.Agent, status store.EscrowStatus) store.Escrow {
	t.Helper()
	escrow, err := st.CreateEscrow(context.Background(), store.CreateEscrowParams{
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		Amount:      300,
		Description: "test purchase",
		Status:      status,
		Deadline:    time.Now().UTC().Add(72 * time.Hour),
		EscrowRef:   "ref-test",
	})
	if err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	return escrow
}

func TestStore_CreateEscrowValidation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	deadline := time.Now().UTC().Add(time.Hour)

	cases := []struct {
		name   string
		params store.CreateEscrowParams
	}{
		{"self dealing", store.CreateEscrowParams{BuyerID: buyer.ID, SellerID: buyer.ID, Amount: 100, Status: store.EscrowFunded, Deadline: deadline}},
		{"zero amount", store.CreateEscrowParams{BuyerID: buyer.ID, SellerID: seller.ID, Amount: 0, Status: store.EscrowFunded, Deadline: deadline}},
		{"terminal initial status", store.CreateEscrowParams{BuyerID: buyer.ID, SellerID: seller.ID, Amount: 100, Status: store.EscrowReleased, Deadline: deadline}},
		{"missing deadline", store.CreateEscrowParams{BuyerID: buyer.ID, SellerID: seller.ID, Amount: 100, Status: store.EscrowFunded}},
	}
	for _, tc := range cases {
		if _, err := st.CreateEscrow(ctx, tc.params); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestStore_EscrowReleaseSettlesTotals(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	delivered, err := st.MarkDelivered(ctx, escrow.ID, seller.ID, "the goods")
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered.Status != store.EscrowDelivered || delivered.Deliverable != "the goods" {
		t.Fatalf("unexpected delivered escrow: %+v", delivered)
	}

	released, err := st.ReleaseEscrow(ctx, escrow.ID, "0xabc123")
	if err != nil {
		t.Fatalf("release escrow: %v", err)
	}
	if released.Status != store.EscrowReleased || released.ReleaseTx != "0xabc123" {
		t.Fatalf("unexpected released escrow: %+v", released)
	}

	gotSeller, err := st.GetAgent(ctx, seller.ID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if gotSeller.TotalEarned != 300 || gotSeller.CompletedSales != 1 {
		t.Fatalf("seller totals not settled: %+v", gotSeller)
	}
	gotBuyer, err := st.GetAgent(ctx, buyer.ID)
	if err != nil {
		t.Fatalf("get buyer: %v", err)
	}
	if gotBuyer.TotalSpent != 300 {
		t.Fatalf("buyer spend not settled: %+v", gotBuyer)
	}

	events, err := st.ListEscrowEvents(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("list escrow events: %v", err)
	}
	want := []store.EscrowStatus{store.EscrowFunded, store.EscrowDelivered, store.EscrowReleased}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.StateTo != want[i] {
			t.Fatalf("event %d: expected state_to %s, got %s", i, want[i], ev.StateTo)
		}
	}
}

func TestStore_ReleaseOnReleasedEscrowFails(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	if _, err := st.ReleaseEscrow(ctx, escrow.ID, "0x111"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	_, err := st.ReleaseEscrow(ctx, escrow.ID, "0x222")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Totals settle exactly once.
	gotSeller, err := st.GetAgent(ctx, seller.ID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if gotSeller.TotalEarned != 300 || gotSeller.CompletedSales != 1 {
		t.Fatalf("double settlement: %+v", gotSeller)
	}
}

func TestStore_DeliverRequiresSellerAndFundedState(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	if _, err := st.MarkDelivered(ctx, escrow.ID, buyer.ID, "fake"); !errors.Is(err, store.ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	got, err := st.GetEscrow(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if got.Status != store.EscrowFunded {
		t.Fatalf("rejected delivery changed state to %s", got.Status)
	}

	pending := seedEscrow(t, st, buyer, seller, store.EscrowPending)
	if _, err := st.MarkDelivered(ctx, pending.ID, seller.ID, "early"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending escrow, got %v", err)
	}
}

func TestStore_FundEscrowFromPendingOnly(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowPending)

	funded, err := st.FundEscrow(ctx, escrow.ID, "rails confirmed")
	if err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if funded.Status != store.EscrowFunded {
		t.Fatalf("expected FUNDED, got %s", funded.Status)
	}

	if _, err := st.FundEscrow(ctx, escrow.ID, "again"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double fund, got %v", err)
	}
}

func TestStore_DisputePathsAndResolution(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	outsider := seedAgent(t, st, "mira", "opportunist")

	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)
	if _, err := st.DisputeEscrow(ctx, escrow.ID, outsider.ID, "not mine"); err == nil {
		t.Fatalf("expected error for non-party dispute")
	}

	disputed, err := st.DisputeEscrow(ctx, escrow.ID, buyer.ID, "never delivered")
	if err != nil {
		t.Fatalf("dispute escrow: %v", err)
	}
	if disputed.Status != store.EscrowDisputed || disputed.DisputeReason != "never delivered" {
		t.Fatalf("unexpected disputed escrow: %+v", disputed)
	}

	refunded, err := st.RefundEscrow(ctx, escrow.ID, "dispute upheld")
	if err != nil {
		t.Fatalf("refund escrow: %v", err)
	}
	if refunded.Status != store.EscrowRefunded {
		t.Fatalf("expected REFUNDED, got %s", refunded.Status)
	}

	// A dispute can also resolve in the seller's favor.
	second := seedEscrow(t, st, buyer, seller, store.EscrowFunded)
	if _, err := st.MarkDelivered(ctx, second.ID, seller.ID, "done"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if _, err := st.DisputeEscrow(ctx, second.ID, seller.ID, "buyer silent"); err != nil {
		t.Fatalf("dispute delivered escrow: %v", err)
	}
	released, err := st.ReleaseEscrow(ctx, second.ID, "0xresolved")
	if err != nil {
		t.Fatalf("release disputed escrow: %v", err)
	}
	if released.Status != store.EscrowReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}
}

func TestStore_TerminalStatesRejectAllTransitions(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)
	if _, err := st.RefundEscrow(ctx, escrow.ID, "abort"); err != nil {
		t.Fatalf("refund escrow: %v", err)
	}

	if _, err := st.FundEscrow(ctx, escrow.ID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("fund after refund: got %v", err)
	}
	if _, err := st.MarkDelivered(ctx, escrow.ID, seller.ID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("deliver after refund: got %v", err)
	}
	if _, err := st.ReleaseEscrow(ctx, escrow.ID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("release after refund: got %v", err)
	}
	if _, err := st.DisputeEscrow(ctx, escrow.ID, buyer.ID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("dispute after refund: got %v", err)
	}
	if _, err := st.RefundEscrow(ctx, escrow.ID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("double refund: got %v", err)
	}
}

func TestStore_BumpReleaseFailures(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	n, err := st.BumpReleaseFailures(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("bump release failures: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 failure, got %d", n)
	}
	n, err = st.BumpReleaseFailures(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("bump release failures: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 failures, got %d", n)
	}

	if _, err := st.BumpReleaseFailures(ctx, "11111111-4444-4444-9444-444444444444"); !errors.Is(err, store.ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestStore_ListOpenEscrowsResolvesCounterparty(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	open := seedEscrow(t, st, buyer, seller, store.EscrowFunded)
	closed := seedEscrow(t, st, buyer, seller, store.EscrowFunded)
	if _, err := st.ReleaseEscrow(ctx, closed.ID, "0xdone"); err != nil {
		t.Fatalf("release escrow: %v", err)
	}

	forBuyer, err := st.ListOpenEscrows(ctx, buyer.ID)
	if err != nil {
		t.Fatalf("list open escrows: %v", err)
	}
	if len(forBuyer) != 1 || forBuyer[0].ID != open.ID {
		t.Fatalf("expected only the open escrow, got %+v", forBuyer)
	}
	if forBuyer[0].BuyerName != "ada" || forBuyer[0].SellerName != "grace" {
		t.Fatalf("party names not resolved: %+v", forBuyer[0])
	}

	forSeller, err := st.ListOpenEscrows(ctx, seller.ID)
	if err != nil {
		t.Fatalf("list open escrows for seller: %v", err)
	}
	if len(forSeller) != 1 {
		t.Fatalf("expected seller to see the open escrow, got %d", len(forSeller))
	}
}

func TestStore_ListExpiredEscrows(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")

	fresh := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	overdue, err := st.CreateEscrow(ctx, store.CreateEscrowParams{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   100,
		Status:   store.EscrowFunded,
		Deadline: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create overdue escrow: %v", err)
	}

	stale := seedEscrow(t, st, buyer, seller, store.EscrowPending)
	if _, err := st.DB().Exec(`UPDATE escrows SET created_at = datetime('now', '-3 hours') WHERE id = ?;`, stale.ID); err != nil {
		t.Fatalf("backdate pending escrow: %v", err)
	}

	expired, err := st.ListExpiredEscrows(ctx, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("list expired escrows: %v", err)
	}
	ids := map[string]bool{}
	for _, e := range expired {
		ids[e.ID] = true
	}
	if !ids[overdue.ID] {
		t.Fatalf("overdue funded escrow missing from sweep set")
	}
	if !ids[stale.ID] {
		t.Fatalf("stale pending escrow missing from sweep set")
	}
	if ids[fresh.ID] {
		t.Fatalf("fresh escrow should not be swept")
	}
}

func TestStore_EscrowTransitionsPublishBusEvents(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(dir, "agora.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sub := eventBus.Subscribe("escrow.")
	t.Cleanup(func() { eventBus.Unsubscribe(sub) })

	buyer := seedAgent(t, st, "ada", "aggressive")
	seller := seedAgent(t, st, "grace", "conservative")
	escrow := seedEscrow(t, st, buyer, seller, store.EscrowFunded)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicEscrowFunded {
			t.Fatalf("expected %s, got %s", bus.TopicEscrowFunded, ev.Topic)
		}
		payload, ok := ev.Payload.(bus.EscrowEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.EscrowID != escrow.ID || payload.Status != string(store.EscrowFunded) {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no bus event after escrow creation")
	}
}
