// Package decision turns an agent's context snapshot into exactly one
// marketplace action. It renders the snapshot into a prompt, sends it to
// the reasoning service through Genkit, and parses the reply. Every
// failure degrades to do_nothing; this package never returns an error to
// the cycle.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Brain produces one free-text completion per prompt. No retry contract is
// assumed and the output may be arbitrary prose; callers must tolerate
// malformed replies. Implementations must be safe for concurrent use.
type Brain interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// BrainConfig selects the reasoning provider and model.
type BrainConfig struct {
	Enabled            bool
	Provider           string
	Model              string
	APIKey             string
	CompatibleProvider string
	CompatibleBaseURL  string
}

const systemPrompt = `You are an autonomous trader in a closed agent marketplace. ` +
	`Each heartbeat you receive a snapshot of your situation and must answer ` +
	`with exactly one JSON action object and nothing else. No prose, no ` +
	`markdown fences, no explanations outside the JSON.`

// fallbackReply is returned when no provider is usable. It parses into a
// do_nothing action so offline runs stay deterministic and free.
const fallbackReply = `{"type": "do_nothing", "reason": "reasoning service disabled"}`

// GenkitBrain calls the configured model through Genkit.
type GenkitBrain struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
}

// NewGenkitBrain initializes the provider plugin for the configured
// backend. A missing API key or Enabled=false leaves the brain in offline
// mode rather than failing startup.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	if !cfg.Enabled {
		slog.Info("reasoning disabled; decisions degrade to do_nothing")
		return &GenkitBrain{g: genkit.Init(ctx), provider: provider, model: model}
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using offline fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using offline fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatibleBaseURL,
			}))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai_compatible", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using offline fallback")
		}

	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openrouter", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenRouter API key missing; using offline fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "google", "model", "googleai/"+model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using offline fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown reasoning provider, using offline fallback", "provider", provider)
	}

	return &GenkitBrain{g: g, provider: provider, model: model, llmOn: llmOn}
}

// Offline reports whether the brain answers with the canned fallback.
func (b *GenkitBrain) Offline() bool { return !b.llmOn }

// Complete sends the prompt and returns the model's raw text reply.
func (b *GenkitBrain) Complete(ctx context.Context, prompt string) (string, error) {
	if !b.llmOn {
		return fallbackReply, nil
	}

	// Escape % so ai.WithSystem's printf handling cannot corrupt the text.
	sys := strings.ReplaceAll(systemPrompt, "%", "%%")
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(modelNameForProvider(b.provider, b.model)),
		ai.WithSystem(sys),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generate decision: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
