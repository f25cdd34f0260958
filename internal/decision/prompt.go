package decision

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/agora/internal/heartbeat"
	"github.com/basket/agora/internal/shared"
	"github.com/basket/agora/internal/store"
)

const (
	maxDescriptionChars = 140
	maxMessageChars     = 200
)

// personalityDirectives is the closed set of behavioral strategies. Unknown
// personalities fall back to wildcard.
var personalityDirectives = map[string]string{
	"aggressive":   "Chase profit hard. Undercut rival prices, promote your listings in the feed, and close sales quickly.",
	"conservative": "Preserve capital. Buy only when the value is obvious, keep your prices steady, and always deliver on time.",
	"opportunist":  "Hunt for mispriced or unusual listings and take calculated risks on them. Probe the market with varied prices.",
	"wildcard":     "Act on instinct. Mix up your behavior so the market cannot predict you.",
}

func personalityDirective(personality string) string {
	if d, ok := personalityDirectives[strings.ToLower(strings.TrimSpace(personality))]; ok {
		return d
	}
	return personalityDirectives["wildcard"]
}

// actionVocabulary is rendered verbatim into every prompt. The shapes must
// stay in sync with the action schema.
const actionVocabulary = `{"type": "do_nothing", "reason": "<why>"}
{"type": "create_listing", "title": "<title>", "description": "<pitch>", "category": "<category>", "price_cents": <integer>, "currency": "USDC"}
{"type": "update_listing", "listing_id": "<id>", "title": "<optional>", "description": "<optional>", "price_cents": <optional integer>, "active": <optional bool>}
{"type": "buy_listing", "listing_id": "<id>"}
{"type": "send_message", "recipient_id": "<agent id>", "content": "<text>", "is_public": <bool>}
{"type": "deliver", "escrow_id": "<id>", "deliverable": "<the completed work itself>"}
{"type": "release", "escrow_id": "<id>"}`

// BuildPrompt renders one agent's snapshot into the decision prompt. The
// layout is stable so cycles for the same state produce the same prompt.
func BuildPrompt(ac *heartbeat.AgentContext) string {
	var b strings.Builder
	agent := ac.Agent

	fmt.Fprintf(&b, "You are %s (agent %s), a trader in the Agora marketplace.\n", agent.Name, agent.ID)
	if bio := strings.TrimSpace(agent.Bio); bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", bio)
	}
	fmt.Fprintf(&b, "Personality: %s. %s\n\n", agent.Personality, personalityDirective(agent.Personality))

	fmt.Fprintf(&b, "Balance: %s", shared.FormatAmount(ac.Balance))
	if ac.CreditApplied {
		b.WriteString(" (house credit)")
	}
	fmt.Fprintf(&b, ". Maximum you may spend on one purchase: %s.\n", shared.FormatAmount(ac.MaxSpend()))
	fmt.Fprintf(&b, "Lifetime: earned %s over %d completed sales, spent %s.\n\n",
		shared.FormatAmount(agent.TotalEarned), agent.CompletedSales, shared.FormatAmount(agent.TotalSpent))

	b.WriteString("Listings you could buy (seller reputation = completed sales):\n")
	if len(ac.Listings) == 0 {
		b.WriteString("- none right now\n")
	}
	for _, l := range ac.Listings {
		fmt.Fprintf(&b, "- %s: %q %s from %s (%d sales)", l.ID, l.Title, shared.FormatAmount(l.Price), l.SellerName, l.SellerSales)
		if d := truncate(l.Description, maxDescriptionChars); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nYour own listings:\n")
	if len(ac.OwnListings) == 0 {
		b.WriteString("- none yet\n")
	}
	for _, l := range ac.OwnListings {
		state := "active"
		if !l.Active {
			state = "inactive"
		}
		fmt.Fprintf(&b, "- %s: %q %s, %s, %d purchases\n", l.ID, l.Title, shared.FormatAmount(l.Price), state, l.Purchases)
	}

	b.WriteString("\nMessages to you:\n")
	if len(ac.Messages) == 0 {
		b.WriteString("- none\n")
	}
	for _, m := range ac.Messages {
		fmt.Fprintf(&b, "- from %s (%s): %s\n", m.SenderName, m.SenderID, truncate(m.Content, maxMessageChars))
	}

	b.WriteString("\nYour open escrows:\n")
	if len(ac.Escrows) == 0 {
		b.WriteString("- none\n")
	}
	for _, e := range ac.Escrows {
		b.WriteString("- " + describeEscrow(agent.ID, e) + "\n")
	}

	b.WriteString("\nReply with exactly ONE JSON object, nothing else. Valid shapes:\n")
	b.WriteString(actionVocabulary)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- price_cents is integer minor units; never exceed your per-purchase maximum.\n")
	b.WriteString("- Buying must stay a minority of your actions. Favor selling, delivering, and messaging.\n")
	b.WriteString("- Deliver on funded escrows before doing anything else; release promptly once you have reviewed a delivery.\n")
	b.WriteString("- Public messages still need a recipient_id; there is no broadcast.\n")
	return b.String()
}

func describeEscrow(agentID string, e store.Escrow) string {
	role := "buyer"
	counterparty := e.SellerName
	if e.SellerID == agentID {
		role = "seller"
		counterparty = e.BuyerName
	}
	desc := fmt.Sprintf("%s: %s with %s, you are the %s, status %s",
		e.ID, shared.FormatAmount(e.Amount), counterparty, role, e.Status)
	switch {
	case role == "seller" && e.Status == store.EscrowFunded:
		desc += ": deliver the work before " + e.Deadline.Format("2006-01-02 15:04") + " UTC or it gets refunded"
	case role == "buyer" && e.Status == store.EscrowDelivered:
		desc += ": review the delivery and release payment"
	case role == "buyer" && e.Status == store.EscrowFunded:
		desc += ": waiting on the seller"
	}
	return desc
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
