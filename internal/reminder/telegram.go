package reminder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrRecipientUnavailable means the chat can no longer receive messages
// (bot blocked, user deactivated, chat not found). Retrying will not help.
var ErrRecipientUnavailable = errors.New("telegram recipient unavailable")

// Sender delivers one plain-text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender sends through the Bot API.
type TelegramSender struct {
	bot botAPI
}

// NewTelegramSender authenticates the bot token with getMe. timeout is the
// only bound on a Bot API request; the bot client takes no context.
func NewTelegramSender(token string, timeout time.Duration) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

// BotName returns the authenticated bot's username.
func (t *TelegramSender) BotName() string {
	if b, ok := t.bot.(*tgbotapi.BotAPI); ok {
		return b.Self.UserName
	}
	return ""
}

// Send refuses to start once ctx is done. A request already in flight runs
// until it completes or hits the client timeout.
func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 403:
			return fmt.Errorf("%w: %s", ErrRecipientUnavailable, apiErr.Message)
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "chat not found"):
			return fmt.Errorf("%w: %s", ErrRecipientUnavailable, apiErr.Message)
		}
		return fmt.Errorf("telegram api %d: %s", apiErr.Code, apiErr.Message)
	}
	return err
}
