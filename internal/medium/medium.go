// Package medium implements the delivery targets (Telegram, webhook) that the
// delivery scheduler fans articles out to.
package medium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
	"feedrelay/internal/render"
	logx "feedrelay/pkg/logx"
)

const (
	KindTelegram = "telegram"
	KindWebhook  = "webhook"
)

// Config describes one medium sender. Kind selects which nested block is used.
type Config struct {
	ID       string
	Kind     string
	Template string
	// MaxSummaryRunes truncates the rendered summary; 0 keeps it whole.
	MaxSummaryRunes int
	// RatePerSec paces individual sends (parts). 0 means unpaced.
	RatePerSec float64
	Burst      int

	Telegram TelegramConfig
	Webhook  WebhookConfig
}

// New builds the sender for cfg.
func New(cfg Config, log logx.Logger) (delivery.Medium, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("medium: id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "medium"), logx.String("medium", cfg.ID))

	r, err := render.New(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("medium %q: %w", cfg.ID, err)
	}
	r.MaxSummaryRunes = cfg.MaxSummaryRunes
	base := sender{id: cfg.ID, renderer: r, limiter: newLimiter(cfg.RatePerSec, cfg.Burst), log: log}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindTelegram:
		return NewTelegram(base, cfg.Telegram)
	case KindWebhook:
		return NewWebhook(base, cfg.Webhook)
	default:
		return nil, fmt.Errorf("medium %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// sender holds what every medium kind shares.
type sender struct {
	id       string
	renderer *render.Renderer
	limiter  *rate.Limiter
	log      logx.Logger
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// sendParts renders a, splits it at limit runes and sends parts in order,
// stopping at the first failure.
func (s sender) sendParts(ctx context.Context, a model.Article, limit int, send func(ctx context.Context, part string) error) delivery.Receipt {
	text, err := s.renderer.Render(a)
	if err != nil {
		return delivery.Receipt{Parts: 1, Err: err}
	}
	parts := render.Split(text, limit)
	if len(parts) == 0 {
		return delivery.Receipt{Parts: 1, Err: delivery.Reject(errors.New("rendered message is empty"))}
	}

	rc := delivery.Receipt{Parts: len(parts)}
	for i, p := range parts {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				rc.Err = fmt.Errorf("part %d/%d: %w", i+1, len(parts), err)
				return rc
			}
		}
		if err := ctx.Err(); err != nil {
			rc.Err = fmt.Errorf("part %d/%d: %w", i+1, len(parts), err)
			return rc
		}
		if err := send(ctx, p); err != nil {
			rc.Err = fmt.Errorf("part %d/%d: %w", i+1, len(parts), err)
			return rc
		}
		rc.Delivered++
	}
	return rc
}

func clientTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 15 * time.Second
	}
	return d
}
