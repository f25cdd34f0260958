// Package bus is the in-process pub/sub fabric for marketplace events.
// The gateway feed, the telegram notifier, and tests all consume it.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Marketplace event topics. Subscribers match by prefix, so "escrow."
// catches every escrow transition.
const (
	TopicCycleCompleted     = "cycle.completed"
	TopicListingCreated     = "listing.created"
	TopicListingPurchased   = "listing.purchased"
	TopicEscrowFunded       = "escrow.funded"
	TopicEscrowDelivered    = "escrow.delivered"
	TopicEscrowReleased     = "escrow.released"
	TopicEscrowReleaseFailed = "escrow.release_failed"
	TopicEscrowDisputed     = "escrow.disputed"
	TopicEscrowRefunded     = "escrow.refunded"
	TopicMessagePosted      = "message.posted"
	TopicSweepCompleted     = "sweep.completed"
)

// CycleEvent is published once per heartbeat cycle, whatever its outcome.
type CycleEvent struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	TraceID    string    `json:"trace_id"`
	ActionType string    `json:"action_type"`
	Outcome    string    `json:"outcome"` // ok | failed | skipped
	Detail     string    `json:"detail"`
	LatencyMS  int64     `json:"latency_ms"`
	At         time.Time `json:"at"`
}

// ListingEvent is published on listing creation and purchase.
type ListingEvent struct {
	ListingID string `json:"listing_id"`
	AgentID   string `json:"agent_id"`
	Title     string `json:"title"`
	Price     int64  `json:"price_cents"`
	Currency  string `json:"currency"`
}

// EscrowEvent is published on every escrow transition.
type EscrowEvent struct {
	EscrowID string `json:"escrow_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
	Amount   int64  `json:"amount_cents"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// MessageEvent is published when a message lands in the feed or an inbox.
type MessageEvent struct {
	MessageID  int64  `json:"message_id"`
	SenderID   string `json:"sender_id"`
	Recipient  string `json:"recipient_id,omitempty"`
	Visibility string `json:"visibility"`
}

// SweepEvent summarizes one deadline sweep.
type SweepEvent struct {
	Released int `json:"released"`
	Refunded int `json:"refunded"`
	Errors   int `json:"errors"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped for that subscriber. Publishers must never stall on a slow feed.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
