package decision

import (
	"context"
	"log/slog"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/heartbeat"
)

// Engine is the decision half of a heartbeat cycle.
type Engine struct {
	brain  Brain
	logger *slog.Logger
}

func NewEngine(brain Brain, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{brain: brain, logger: logger}
}

// Decide asks the brain for exactly one action. It never fails: an
// unreachable reasoning service or a malformed reply degrades to
// do_nothing with a diagnostic note, so the cycle always has an action.
func (e *Engine) Decide(ctx context.Context, ac *heartbeat.AgentContext) heartbeat.Decision {
	reply, err := e.brain.Complete(ctx, BuildPrompt(ac))
	if err != nil {
		e.logger.Warn("reasoning call failed", "agent_id", ac.Agent.ID, "error", err)
		return heartbeat.Decision{
			Action: action.DoNothing{Reason: "reasoning service unavailable"},
			Note:   "complete: " + err.Error(),
		}
	}

	act, raw, err := action.Parse(reply)
	if err != nil {
		e.logger.Warn("malformed decision reply",
			"agent_id", ac.Agent.ID, "error", err, "reply", truncate(reply, maxMessageChars))
		return heartbeat.Decision{
			Action: action.DoNothing{Reason: "reply did not contain a valid action"},
			Note:   "parse: " + err.Error(),
		}
	}
	return heartbeat.Decision{Action: act, RawJSON: raw}
}
