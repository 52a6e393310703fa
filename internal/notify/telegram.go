package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram sends notifications to one chat through a bot.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegram validates token; apiServer overrides the Bot API host when set.
func NewTelegram(token string, chatID int64, apiServer string) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram: token and chat id required")
	}
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if apiServer != "" {
		opts = append(opts, telego.WithAPIServer(apiServer))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	text := n.Title + "\n" + n.Message
	if n.URL != "" {
		text += "\n" + n.URL
	}
	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
