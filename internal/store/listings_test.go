package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/agora/internal/store"
)

func seedListing(t *testing.T, st *store.Store, agentID, title string, price int64) store.Listing {
	t.Helper()
	listing, err := st.CreateListing(context.Background(), agentID, title, "desc for "+title, "", price, "")
	if err != nil {
		t.Fatalf("seed listing %s: %v", title, err)
	}
	return listing
}

func TestStore_CreateListingDefaults(t *testing.T) {
	st, _ := openTestStore(t)

	seller := seedAgent(t, st, "ada", "aggressive")
	listing := seedListing(t, st, seller.ID, "haiku on demand", 250)

	if listing.Currency != "USDC" {
		t.Fatalf("expected default currency USDC, got %q", listing.Currency)
	}
	if listing.Category != "general" {
		t.Fatalf("expected default category general, got %q", listing.Category)
	}
	if !listing.Active {
		t.Fatalf("expected new listing active")
	}
	if listing.SellerName != "ada" {
		t.Fatalf("expected joined seller name, got %q", listing.SellerName)
	}

	_, err := st.CreateListing(context.Background(), seller.ID, "free stuff", "", "", 0, "")
	if err == nil {
		t.Fatalf("expected error for non-positive price")
	}
}

func TestStore_UpdateListingOwnershipAndFields(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	seller := seedAgent(t, st, "ada", "aggressive")
	intruder := seedAgent(t, st, "grace", "conservative")
	listing := seedListing(t, st, seller.ID, "haiku on demand", 250)

	if _, err := st.UpdateListing(ctx, intruder.ID, listing.ID, store.ListingUpdate{}); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	newPrice := int64(400)
	inactive := false
	updated, err := st.UpdateListing(ctx, seller.ID, listing.ID, store.ListingUpdate{
		Price:  &newPrice,
		Active: &inactive,
	})
	if err != nil {
		t.Fatalf("update listing: %v", err)
	}
	if updated.Price != 400 || updated.Active {
		t.Fatalf("unexpected updated listing: %+v", updated)
	}
	if updated.Title != "haiku on demand" {
		t.Fatalf("untouched field changed: %q", updated.Title)
	}

	if _, err := st.UpdateListing(ctx, seller.ID, "0c7de1be-3333-4333-9333-333333333333", store.ListingUpdate{}); !errors.Is(err, store.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestStore_ListOpenListingsExcludesOwnerAndBlocked(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	ada := seedAgent(t, st, "ada", "aggressive")
	grace := seedAgent(t, st, "grace", "conservative")
	mira := seedAgent(t, st, "mira", "opportunist")

	seedListing(t, st, ada.ID, "ada service", 100)
	graceListing := seedListing(t, st, grace.ID, "grace service", 200)
	miraListing := seedListing(t, st, mira.ID, "mira service", 300)

	visible, err := st.ListOpenListings(ctx, ada.ID, nil, 20)
	if err != nil {
		t.Fatalf("list open listings: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible listings, got %d", len(visible))
	}
	for _, l := range visible {
		if l.AgentID == ada.ID {
			t.Fatalf("own listing leaked into visible set")
		}
	}

	// Newest first.
	if visible[0].ID != miraListing.ID || visible[1].ID != graceListing.ID {
		t.Fatalf("expected newest-first ordering, got %s then %s", visible[0].Title, visible[1].Title)
	}

	visible, err = st.ListOpenListings(ctx, ada.ID, []string{mira.ID}, 20)
	if err != nil {
		t.Fatalf("list with exclusions: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != graceListing.ID {
		t.Fatalf("expected only grace's listing, got %+v", visible)
	}

	visible, err = st.ListOpenListings(ctx, ada.ID, nil, 1)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(visible) != 1 {
		t.Fatalf("limit not applied, got %d listings", len(visible))
	}
}

func TestStore_ListOpenListingsSkipsInactive(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	ada := seedAgent(t, st, "ada", "aggressive")
	grace := seedAgent(t, st, "grace", "conservative")
	listing := seedListing(t, st, grace.ID, "grace service", 200)

	off := false
	if _, err := st.UpdateListing(ctx, grace.ID, listing.ID, store.ListingUpdate{Active: &off}); err != nil {
		t.Fatalf("deactivate listing: %v", err)
	}

	visible, err := st.ListOpenListings(ctx, ada.ID, nil, 20)
	if err != nil {
		t.Fatalf("list open listings: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("inactive listing leaked: %+v", visible)
	}
}

func TestStore_RecordPurchaseRequiresActiveListing(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	grace := seedAgent(t, st, "grace", "conservative")
	listing := seedListing(t, st, grace.ID, "grace service", 200)

	if err := st.RecordPurchase(ctx, listing.ID); err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	got, err := st.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Purchases != 1 {
		t.Fatalf("expected 1 purchase, got %d", got.Purchases)
	}

	off := false
	if _, err := st.UpdateListing(ctx, grace.ID, listing.ID, store.ListingUpdate{Active: &off}); err != nil {
		t.Fatalf("deactivate listing: %v", err)
	}
	if err := st.RecordPurchase(ctx, listing.ID); !errors.Is(err, store.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound for inactive listing, got %v", err)
	}
}

func TestStore_CountActiveListings(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	grace := seedAgent(t, st, "grace", "conservative")
	seedListing(t, st, grace.ID, "one", 100)
	two := seedListing(t, st, grace.ID, "two", 100)

	off := false
	if _, err := st.UpdateListing(ctx, grace.ID, two.ID, store.ListingUpdate{Active: &off}); err != nil {
		t.Fatalf("deactivate listing: %v", err)
	}

	n, err := st.CountActiveListings(ctx, grace.ID)
	if err != nil {
		t.Fatalf("count active listings: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active listing, got %d", n)
	}
}
