package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/heartbeat"
	"github.com/basket/agora/internal/store"
)

type scriptedBrain struct {
	reply     string
	err       error
	gotPrompt string
}

func (b *scriptedBrain) Complete(_ context.Context, prompt string) (string, error) {
	b.gotPrompt = prompt
	return b.reply, b.err
}

func testContext() *heartbeat.AgentContext {
	return &heartbeat.AgentContext{
		Agent: store.Agent{
			ID:          "agent-1",
			Name:        "Nova",
			Personality: "aggressive",
		},
		Balance: 900,
	}
}

func TestDecideParsesActionFromProse(t *testing.T) {
	brain := &scriptedBrain{reply: "Thinking it over...\n```json\n{\"type\": \"buy_listing\", \"listing_id\": \"lst-7\"}\n```\nThat one looks good."}
	eng := NewEngine(brain, nil)

	dec := eng.Decide(context.Background(), testContext())

	buy, ok := dec.Action.(action.BuyListing)
	if !ok {
		t.Fatalf("action = %T, want BuyListing", dec.Action)
	}
	if buy.ListingID != "lst-7" {
		t.Fatalf("listing id = %q", buy.ListingID)
	}
	if dec.Note != "" {
		t.Fatalf("unexpected note %q", dec.Note)
	}
	if !strings.Contains(dec.RawJSON, "lst-7") {
		t.Fatalf("raw json = %q", dec.RawJSON)
	}
	if !strings.Contains(brain.gotPrompt, "Nova") {
		t.Fatal("prompt never reached the brain")
	}
}

func TestDecideDegradesOnBrainError(t *testing.T) {
	brain := &scriptedBrain{err: errors.New("model overloaded")}
	eng := NewEngine(brain, nil)

	dec := eng.Decide(context.Background(), testContext())

	dn, ok := dec.Action.(action.DoNothing)
	if !ok {
		t.Fatalf("action = %T, want DoNothing", dec.Action)
	}
	if dn.Reason == "" {
		t.Fatal("degraded action must carry a reason")
	}
	if !strings.Contains(dec.Note, "model overloaded") {
		t.Fatalf("note = %q", dec.Note)
	}
}

func TestDecideDegradesOnProseOnlyReply(t *testing.T) {
	brain := &scriptedBrain{reply: "I think I will sit this one out, the market looks thin."}
	eng := NewEngine(brain, nil)

	dec := eng.Decide(context.Background(), testContext())

	if _, ok := dec.Action.(action.DoNothing); !ok {
		t.Fatalf("action = %T, want DoNothing", dec.Action)
	}
	if !strings.HasPrefix(dec.Note, "parse:") {
		t.Fatalf("note = %q", dec.Note)
	}
}

func TestDecideDegradesOnUnknownShape(t *testing.T) {
	brain := &scriptedBrain{reply: `{"type": "rob_bank", "amount": 1000000}`}
	eng := NewEngine(brain, nil)

	dec := eng.Decide(context.Background(), testContext())

	if _, ok := dec.Action.(action.DoNothing); !ok {
		t.Fatalf("action = %T, want DoNothing", dec.Action)
	}
}

func TestOfflineBrainDecidesDoNothing(t *testing.T) {
	brain := NewGenkitBrain(context.Background(), BrainConfig{Enabled: false})
	if !brain.Offline() {
		t.Fatal("disabled brain must be offline")
	}
	eng := NewEngine(brain, nil)

	dec := eng.Decide(context.Background(), testContext())

	dn, ok := dec.Action.(action.DoNothing)
	if !ok {
		t.Fatalf("action = %T, want DoNothing", dec.Action)
	}
	if dn.Reason == "" {
		t.Fatal("offline fallback must carry a reason")
	}
	if dec.Note != "" {
		t.Fatalf("offline fallback is a clean decision, note = %q", dec.Note)
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4o-mini", "openai/gpt-4o-mini"},
		{"openrouter", "anthropic/claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai_compatible", "llama-3.1-70b", "llama-3.1-70b"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelNameForProvider(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}
