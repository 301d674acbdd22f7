package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// ChatResolver resolves a user to their notification chat
type ChatResolver interface {
	GetTelegramChatID(ctx context.Context, userID int64) (int64, error)
}

// Notifier sends trade and session alerts to users via Telegram. All
// sends are best effort: a delivery failure is logged, never propagated
// into the trading path.
type Notifier struct {
	api   *tgbotapi.BotAPI
	chats ChatResolver
	cfg   *config.TelegramConfig
}

// NewNotifier creates new Telegram notifier
func NewNotifier(cfg *config.TelegramConfig, chats ChatResolver) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &Notifier{api: bot, chats: chats, cfg: cfg}, nil
}

// TradeSettled notifies the user about one settled trade
func (n *Notifier) TradeSettled(userID int64, rec *models.TradeRecord, sessionProfit decimal.Decimal) {
	if !n.cfg.AlertOnTrades {
		return
	}

	chatID, ok := n.resolveChat(userID)
	if !ok {
		return
	}

	emoji := "✅"
	if rec.Status == models.TradeLost {
		emoji = "❌"
	} else if rec.Status == models.TradeError {
		emoji = "⚠️"
	}

	text := fmt.Sprintf(
		"%s *%s %s*\nStake: `%s`\nProfit: `%s`\nSession: `%s`\n_%s_",
		emoji, rec.ContractType, rec.Symbol,
		rec.Stake.StringFixed(2),
		rec.Profit.StringFixed(2),
		sessionProfit.StringFixed(2),
		time.Now().Format("15:04:05"),
	)

	n.sendMarkdown(chatID, text)
}

// SessionStopped notifies the user their session hit a daily stop
func (n *Notifier) SessionStopped(userID int64, status models.SessionStatus, sessionProfit decimal.Decimal) {
	if !n.cfg.AlertOnStops {
		return
	}

	chatID, ok := n.resolveChat(userID)
	if !ok {
		return
	}

	var headline string
	switch status {
	case models.SessionStoppedProfit:
		headline = "🎯 Daily profit target reached"
	case models.SessionStoppedLoss:
		headline = "🛑 Daily loss limit reached"
	case models.SessionStoppedBlindado:
		headline = "🛡 Protected stop triggered"
	default:
		headline = "⏸ Session stopped"
	}

	text := fmt.Sprintf("%s\nSession result: `%s`\nTrading resumes tomorrow.",
		headline, sessionProfit.StringFixed(2))

	n.sendMarkdown(chatID, text)
}

func (n *Notifier) resolveChat(userID int64) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	chatID, err := n.chats.GetTelegramChatID(ctx, userID)
	if err != nil {
		logger.Warn("failed to resolve telegram chat",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return 0, false
	}
	return chatID, chatID != 0
}

func (n *Notifier) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
	}
}
