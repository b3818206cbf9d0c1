package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"changenotify/internal/domain"
)

// TelegramConfig configures the Telegram bot sender. The recipient is a
// numeric chat id.
type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted API servers, tests).
	APIURL    string
	ParseMode string
}

type telegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", ErrUnavailable)
	}
	// Offline skips the getMe round trip; this sender never polls.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &telegramSender{cfg: cfg, bot: b}, nil
}

func (t *telegramSender) Channel() domain.Channel { return domain.ChannelTelegram }

func (t *telegramSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Recipient), 10, 64)
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("invalid telegram chat id %q", msg.Recipient))
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	sent, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ParseMode(t.cfg.ParseMode),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return Receipt{}, classifyTelegram(err)
	}
	return Receipt{MessageID: strconv.Itoa(sent.ID)}, nil
}

// classifyTelegram treats 400 (bad chat) and 403 (blocked, kicked) as permanent.
// Flood control and transport errors stay transient.
func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return err
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
		return Permanent(err)
	}
	return err
}
