package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
)

// alertSink routes warn/error log lines to a configured medium. Alerts skip
// filters, budgets and the delivery log.
type alertSink struct {
	cur atomic.Pointer[delivery.Target]
}

func (s *alertSink) set(targets []delivery.Target, cfg config.LoggingAlert) {
	id := strings.TrimSpace(cfg.Medium)
	if !cfg.Enabled || id == "" {
		s.cur.Store(nil)
		return
	}
	for i := range targets {
		if targets[i].ID() == id {
			t := targets[i]
			s.cur.Store(&t)
			return
		}
	}
	s.cur.Store(nil)
}

func (s *alertSink) SendAlert(ctx context.Context, text string) error {
	t := s.cur.Load()
	if t == nil {
		return nil
	}
	rc := t.Sender.Deliver(ctx, model.Article{
		ID:        "alert",
		Title:     "feedrelay alert",
		Summary:   text,
		Published: time.Now(),
	})
	if rc.Err != nil {
		return rc.Err
	}
	if rc.Delivered == 0 {
		return errors.New("alert not delivered")
	}
	return nil
}
