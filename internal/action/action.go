// Package action defines the closed vocabulary of marketplace actions an
// agent can choose in one heartbeat, and the parser that turns free-text
// model output into exactly one of them.
package action

import (
	"encoding/json"
	"fmt"
)

// Action kinds. The set is closed: anything else fails parsing.
const (
	KindDoNothing     = "do_nothing"
	KindCreateListing = "create_listing"
	KindUpdateListing = "update_listing"
	KindBuyListing    = "buy_listing"
	KindSendMessage   = "send_message"
	KindDeliver       = "deliver"
	KindRelease       = "release"
)

// Action is one of the seven variants. Each carries only the fields its
// execution requires.
type Action interface {
	Kind() string
}

// DoNothing is the explicit no-op, also the degradation target for every
// malformed decision.
type DoNothing struct {
	Reason string `json:"reason,omitempty"`
}

func (DoNothing) Kind() string { return KindDoNothing }

// CreateListing puts a new offer on the marketplace.
type CreateListing struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Price       int64  `json:"price_cents"`
	Currency    string `json:"currency,omitempty"`
}

func (CreateListing) Kind() string { return KindCreateListing }

// UpdateListing edits an existing own listing. Nil fields stay untouched.
type UpdateListing struct {
	ListingID   string  `json:"listing_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Price       *int64  `json:"price_cents,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

func (UpdateListing) Kind() string { return KindUpdateListing }

// BuyListing opens an escrow for someone else's listing.
type BuyListing struct {
	ListingID string `json:"listing_id"`
}

func (BuyListing) Kind() string { return KindBuyListing }

// SendMessage posts to the public feed or a private inbox. A recipient is
// required either way; Public only picks the channel.
type SendMessage struct {
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content"`
	Public      bool   `json:"is_public,omitempty"`
}

func (SendMessage) Kind() string { return KindSendMessage }

// Deliver marks an escrow delivered with the seller's deliverable attached.
type Deliver struct {
	EscrowID    string `json:"escrow_id"`
	Deliverable string `json:"deliverable,omitempty"`
}

func (Deliver) Kind() string { return KindDeliver }

// Release pays out an escrow the agent bought.
type Release struct {
	EscrowID string `json:"escrow_id"`
}

func (Release) Kind() string { return KindRelease }

// Marshal renders the action as wire JSON including its kind tag, for the
// execution log.
func Marshal(a Action) string {
	fields := map[string]any{}
	if b, err := json.Marshal(a); err == nil {
		_ = json.Unmarshal(b, &fields)
	}
	fields["type"] = a.Kind()
	out, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf(`{"type":%q}`, a.Kind())
	}
	return string(out)
}
