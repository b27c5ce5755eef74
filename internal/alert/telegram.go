package alert

import (
	"context"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

// TelegramSender posts alerts to one chat (optionally a forum topic).
type TelegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds a send-only bot: no poller runs and the token is not
// verified until the first send.
func NewTelegram(token string, chatID int64, threadID int) (*TelegramSender, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// telebot has no context support; the send is bounded by its HTTP client.
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return errors.Wrap(err, "telegram send")
}
