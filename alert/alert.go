// Package alert notifies operators about jobs that need a human.
package alert

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
)

type Alerter interface {
	Alert(ctx context.Context, title, body string) error
}

type Nop struct{}

func (Nop) Alert(context.Context, string, string) error { return nil }

// sender is the part of tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a single admin chat.
type Telegram struct {
	api    sender
	chatID int64
	log    *zap.Logger
}

func NewTelegram(token string, chatID int64, log *zap.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating bot API: %w", err)
	}
	log = logger.OrNop(log)
	log.Info("telegram alerts authorized", zap.String("account", api.Self.UserName))
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) Alert(_ context.Context, title, body string) error {
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s*\n%s", tgbotapi.EscapeText(tgbotapi.ModeMarkdown, title), body))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("sending telegram alert", zap.String("title", title), zap.Error(err))
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	return nil
}

// Recorder keeps alerts in memory. Tests use it to assert on what was raised.
type Recorder struct {
	mu     sync.Mutex
	Alerts []string
}

func (r *Recorder) Alert(_ context.Context, title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, title+": "+body)
	return nil
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Alerts)
}
