// Package notify pushes trade lifecycle notifications to Telegram. A
// nil *Telegram is a valid no-op notifier.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/oddsflow/goalbot/internal/database"
)

// Telegram sends one-way notifications; there is no command surface.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects the bot. Returns an error when the token is rejected.
func New(token string, chatID int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifications enabled")
	return &Telegram{api: api, chatID: chatID}, nil
}

// send delivers a message; failures are logged, never propagated.
func (t *Telegram) send(text string) {
	if t == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Failed to send Telegram notification")
	}
}

// TradeOpened announces a placed entry leg.
func (t *Telegram) TradeOpened(tr *database.Trade) {
	t.send(fmt.Sprintf("🎯 *Entry placed*\n%s\n%s @ %s for %s",
		tr.EventName, tr.SelectionName, tr.BackPrice.StringFixed(2), tr.BackStake.StringFixed(2)))
}

// TradeSettled announces a completed trade with its realized P&L.
func (t *Telegram) TradeSettled(tr *database.Trade) {
	icon := "✅"
	if tr.ProfitLoss.IsNegative() {
		icon = "🔻"
	}
	t.send(fmt.Sprintf("%s *Trade settled* (%s)\n%s\nP&L: %s",
		icon, tr.SettledReason, tr.EventName, tr.ProfitLoss.StringFixed(2)))
}

// TradeSkipped announces a skip decision.
func (t *Telegram) TradeSkipped(tr *database.Trade, reason string) {
	t.send(fmt.Sprintf("⏭ *Trade skipped* (%s)\n%s", reason, tr.EventName))
}

// TradeFailed announces a trade abandoned after repeated rejections.
func (t *Telegram) TradeFailed(tr *database.Trade) {
	t.send(fmt.Sprintf("❌ *Trade failed*\n%s\nlast error: %s", tr.EventName, tr.LastError))
}
