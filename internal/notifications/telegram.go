// internal/notifications/telegram.go - Telegram bot delivery channel
package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"edgewatch/internal/config"
	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// TelegramChannel posts messages to the configured chats. The bot is created
// on first use so a temporarily unreachable API does not block startup.
type TelegramChannel struct {
	config     config.TelegramConfig
	httpClient *http.Client

	bot *tgbotapi.BotAPI
	mu  sync.Mutex
}

func NewTelegramChannel(cfg config.TelegramConfig, httpClient *http.Client) *TelegramChannel {
	return &TelegramChannel{config: cfg, httpClient: httpClient}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil {
		return t.bot, nil
	}
	endpoint := t.config.APIURL
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.config.BotToken, endpoint, t.httpClient)
	if err != nil {
		return nil, classifyTelegramError(fmt.Errorf("failed to connect bot: %w", err))
	}
	logrus.WithField("bot", bot.Self.UserName).Info("Telegram bot connected")
	t.bot = bot
	return bot, nil
}

// Send delivers the message to every configured chat.
func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	if len(t.config.ChatIDs) == 0 {
		return backoff.Permanent(errors.New("no telegram chat_ids configured"))
	}
	var errs []error
	for _, chatID := range t.config.ChatIDs {
		if err := t.SendTo(ctx, chatID, msg.Text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTo posts Markdown text to a single chat.
func (t *TelegramChannel) SendTo(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	bot, err := t.client()
	if err != nil {
		return err
	}

	reply := tgbotapi.NewMessage(chatID, text)
	reply.ParseMode = tgbotapi.ModeMarkdown
	if _, err := bot.Send(reply); err != nil {
		return classifyTelegramError(fmt.Errorf("send to chat %d: %w", chatID, err))
	}
	return nil
}

// classifyTelegramError marks API rejections other than rate limiting as
// permanent.
func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
