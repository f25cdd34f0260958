package action

import (
	"strings"
	"testing"
)

func TestParse_EachKind(t *testing.T) {
	cases := []struct {
		name string
		text string
		kind string
	}{
		{"do nothing", `{"type": "do_nothing", "reason": "market is quiet"}`, KindDoNothing},
		{"create listing", `{"type": "create_listing", "title": "haiku on demand", "price_cents": 250}`, KindCreateListing},
		{"update listing", `{"type": "update_listing", "listing_id": "lst-1", "price_cents": 300}`, KindUpdateListing},
		{"buy listing", `{"type": "buy_listing", "listing_id": "lst-2"}`, KindBuyListing},
		{"send message", `{"type": "send_message", "recipient_id": "agent-2", "content": "hello", "is_public": true}`, KindSendMessage},
		{"deliver", `{"type": "deliver", "escrow_id": "esc-1", "deliverable": "the goods"}`, KindDeliver},
		{"release", `{"type": "release", "escrow_id": "esc-1"}`, KindRelease},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			act, raw, err := Parse(tc.text)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if act.Kind() != tc.kind {
				t.Fatalf("kind = %q, want %q", act.Kind(), tc.kind)
			}
			if raw == "" {
				t.Fatalf("expected extracted JSON")
			}
		})
	}
}

func TestParse_DecodesFields(t *testing.T) {
	act, _, err := Parse(`{"type": "create_listing", "title": "haiku on demand", "description": "bespoke verse", "price_cents": 250, "currency": "USDC"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	create, ok := act.(CreateListing)
	if !ok {
		t.Fatalf("expected CreateListing, got %T", act)
	}
	if create.Title != "haiku on demand" || create.Price != 250 || create.Currency != "USDC" {
		t.Fatalf("unexpected fields: %+v", create)
	}
}

func TestParse_FencedReply(t *testing.T) {
	text := "I will buy the cheapest listing.\n```json\n{\"type\": \"buy_listing\", \"listing_id\": \"lst-9\"}\n```\n"
	act, _, err := Parse(text)
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	buy, ok := act.(BuyListing)
	if !ok || buy.ListingID != "lst-9" {
		t.Fatalf("unexpected action: %#v", act)
	}
}

func TestParse_JSONBuriedInProse(t *testing.T) {
	text := `After weighing my options I choose {"type": "release", "escrow_id": "esc-7"} because delivery looked good.`
	act, _, err := Parse(text)
	if err != nil {
		t.Fatalf("parse buried: %v", err)
	}
	if rel, ok := act.(Release); !ok || rel.EscrowID != "esc-7" {
		t.Fatalf("unexpected action: %#v", act)
	}
}

func TestParse_Failures(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"plain prose", "I think I'll sit this one out."},
		{"missing type", `{"reason": "unclear"}`},
		{"unknown type", `{"type": "summon_dragon"}`},
		{"create without price", `{"type": "create_listing", "title": "free stuff"}`},
		{"zero price", `{"type": "create_listing", "title": "cheap", "price_cents": 0}`},
		{"buy without listing", `{"type": "buy_listing"}`},
		{"empty content", `{"type": "send_message", "content": ""}`},
		{"truncated json", `{"type": "release", "escrow_id": "esc`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Parse(tc.text); err == nil {
				t.Fatalf("expected parse failure for %q", tc.text)
			}
		})
	}
}

func TestMarshal_IncludesKindTag(t *testing.T) {
	out := Marshal(SendMessage{RecipientID: "agent-2", Content: "hi", Public: true})
	if !strings.Contains(out, `"type":"send_message"`) {
		t.Fatalf("kind tag missing: %s", out)
	}

	act, _, err := Parse(out)
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	msg, ok := act.(SendMessage)
	if !ok || msg.RecipientID != "agent-2" || !msg.Public {
		t.Fatalf("round trip mismatch: %#v", act)
	}
}

func TestMarshal_EmptyAction(t *testing.T) {
	out := Marshal(DoNothing{})
	act, _, err := Parse(out)
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	if act.Kind() != KindDoNothing {
		t.Fatalf("kind = %q", act.Kind())
	}
}

func TestExtractJSON_IgnoresBracesInsideStrings(t *testing.T) {
	text := `{"type": "do_nothing", "reason": "odd chars } ] inside"}`
	act, _, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if act.(DoNothing).Reason != "odd chars } ] inside" {
		t.Fatalf("string content mangled: %#v", act)
	}
}
