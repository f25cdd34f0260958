// Package notify pushes marketplace alerts to operators over Telegram.
// Only escrow trouble and settlements are forwarded; routine cycle
// chatter stays on the bus.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/shared"
)

// botAPI is the slice of the bot client the notifier uses. Tests fake it.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	Token   string
	ChatIDs []int64
}

// Telegram forwards escrow alerts to the configured operator chats. It
// never reads updates; the notifier is strictly one-way.
type Telegram struct {
	cfg      Config
	eventBus *bus.Bus
	logger   *slog.Logger

	bot    botAPI
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegram(eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{cfg: cfg, eventBus: eventBus, logger: logger}
}

// Enabled reports whether the notifier has a token and at least one chat.
func (t *Telegram) Enabled() bool {
	return t.cfg.Token != "" && len(t.cfg.ChatIDs) > 0
}

// Start connects the bot and begins forwarding. A disabled notifier
// starts successfully and does nothing.
func (t *Telegram) Start(ctx context.Context) error {
	if !t.Enabled() {
		t.logger.Info("telegram notifier disabled")
		return nil
	}
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.bot = bot
		t.logger.Info("telegram notifier started", "user", bot.Self.UserName)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.forward(ctx)
	return nil
}

// Stop halts forwarding and waits for the loop to exit.
func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Telegram) forward(ctx context.Context) {
	defer t.wg.Done()
	sub := t.eventBus.Subscribe("escrow.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			text := formatEscrowAlert(ev)
			if text == "" {
				continue
			}
			t.broadcast(text)
		}
	}
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.cfg.ChatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// formatEscrowAlert renders the operator line for one bus event. Topics
// outside the alert set return "".
func formatEscrowAlert(ev bus.Event) string {
	payload, ok := ev.Payload.(bus.EscrowEvent)
	if !ok {
		return ""
	}
	switch ev.Topic {
	case bus.TopicEscrowReleaseFailed:
		return fmt.Sprintf("🚨 Release failed: escrow %s, %s, buyer %s, seller %s. %s",
			payload.EscrowID, shared.FormatAmount(payload.Amount),
			payload.BuyerID, payload.SellerID, payload.Detail)
	case bus.TopicEscrowDisputed:
		return fmt.Sprintf("⚠️ Dispute opened on escrow %s (%s): %s",
			payload.EscrowID, shared.FormatAmount(payload.Amount), payload.Detail)
	case bus.TopicEscrowReleased:
		return fmt.Sprintf("✅ Escrow %s released, %s to seller %s",
			payload.EscrowID, shared.FormatAmount(payload.Amount), payload.SellerID)
	default:
		return ""
	}
}
