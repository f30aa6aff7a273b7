// Package telegram sends notification messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tecbrain/internal/channel"
	logx "tecbrain/pkg/logx"
)

const channelName = "telegram"

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (tests, local bot API servers).
	APIURL string
	// RatePerSec caps outgoing messages across all chats. Telegram allows about 30/s per bot.
	RatePerSec     int
	RequestTimeout time.Duration
	DisablePreview bool
}

// Messenger is safe for concurrent use.
type Messenger struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Offline: true,
		Client:  newHTTPClient(cfg.RequestTimeout),
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Messenger{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Send delivers msg, splitting long text into several messages.
func (m *Messenger) Send(ctx context.Context, chatID int64, msg channel.Message) error {
	if chatID == 0 {
		return channel.Wrap(channelName, "send", errors.New("chat id is empty"))
	}
	chunks := splitTelegramText(msg.Text, telegramTextLimit, msg.ParseMode)
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range chunks {
		if err := m.limiter.Wait(ctx); err != nil {
			return channel.Wrap(channelName, "send", err)
		}
		opt := &tele.SendOptions{
			ParseMode:             tele.ParseMode(msg.ParseMode),
			DisableWebPagePreview: msg.DisablePreview || m.cfg.DisablePreview,
		}
		if _, err := m.bot.Send(chat, chunk, opt); err != nil {
			if i > 0 {
				m.log.Warn("partial message delivered", logx.Int64("chat_id", chatID), logx.Int("chunk", i), logx.Int("chunks", len(chunks)))
			}
			return channel.Wrap(channelName, "send", err)
		}
	}
	return nil
}
