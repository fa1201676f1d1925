// Package notify holds the external alert sinks.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/alert"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// TelegramSink posts alerts to a Telegram chat
type TelegramSink struct {
	logger *zap.Logger
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink connects to the Telegram Bot API.
func NewTelegramSink(logger *zap.Logger, token string, chatID int64) (*TelegramSink, error) {
	return NewTelegramSinkWithEndpoint(logger, token, chatID, tgbotapi.APIEndpoint, &http.Client{})
}

// NewTelegramSinkWithEndpoint connects through a custom API endpoint and HTTP client.
func NewTelegramSinkWithEndpoint(logger *zap.Logger, token string, chatID int64, endpoint string, client *http.Client) (*TelegramSink, error) {
	if token == "" {
		return nil, types.ConfigError("notify.NewTelegramSink", "telegram bot token is required")
	}
	if chatID == 0 {
		return nil, types.ConfigError("notify.NewTelegramSink", "telegram chat id is required")
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	api.Debug = false

	logger.Info("Telegram alert sink initialized", zap.String("bot_username", api.Self.UserName))

	return &TelegramSink{logger: logger, api: api, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts the alert. The bot client has no context support, so cancellation is only checked
// before the request goes out.
func (s *TelegramSink) Send(ctx context.Context, a alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, FormatAlert(a))
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send %s: %w", a.Kind, err)
	}
	return nil
}

// FormatAlert renders an alert as plain text, one payload field per line in key order.
func FormatAlert(a alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(a.Severity.String()), a.Kind)
	fmt.Fprintf(&b, "at: %s\n", a.At.Format("2006-01-02 15:04:05 MST"))

	keys := make([]string, 0, len(a.Payload))
	for k := range a.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, a.Payload[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
