package medium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
)

// TelegramMessageLimit is the part size used when splitting messages. The
// Bot API limit is 4096; the margin leaves room for part markers.
const TelegramMessageLimit = 4000

type TelegramConfig struct {
	Token string
	// Chat is a numeric chat id or an @channel username.
	Chat           string
	ThreadID       int
	DisablePreview bool
	Silent         bool
	Timeout        time.Duration
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Telegram sends articles through the Bot API with telebot.
type Telegram struct {
	sender
	cfg  TelegramConfig
	bot  *tele.Bot
	chat tele.Recipient
}

type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func NewTelegram(base sender, cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("medium %q: telegram token is empty", base.id)
	}
	if strings.TrimSpace(cfg.Chat) == "" {
		return nil, fmt.Errorf("medium %q: telegram chat is empty", base.id)
	}
	// Offline skips getMe at construction; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  &http.Client{Timeout: clientTimeout(cfg.Timeout)},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("medium %q: %w", base.id, err)
	}
	return &Telegram{sender: base, cfg: cfg, bot: b, chat: chatRef(strings.TrimSpace(cfg.Chat))}, nil
}

func (t *Telegram) ID() string { return t.id }

func (t *Telegram) Deliver(ctx context.Context, a model.Article) delivery.Receipt {
	opts := &tele.SendOptions{
		DisableWebPagePreview: t.cfg.DisablePreview,
		DisableNotification:   t.cfg.Silent,
		ThreadID:              t.cfg.ThreadID,
	}
	return t.sendParts(ctx, a, TelegramMessageLimit, func(ctx context.Context, part string) error {
		_, err := t.bot.Send(t.chat, part, opts)
		if err != nil && telegramRejected(err) {
			return delivery.Reject(err)
		}
		return err
	})
}

// telegramRejected reports errors meaning the bot can no longer post to the
// chat: forbidden (blocked, kicked, no rights) or unknown chat.
func telegramRejected(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		if te.Code == http.StatusForbidden {
			return true
		}
		if te.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(te.Description), "chat not found") {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "(403)")
}
