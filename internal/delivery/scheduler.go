// Package delivery fans extracted articles out to mediums and keeps the
// append-only delivery log.
//
// For every (article, medium) pair the Scheduler decides, in order:
//   - skip when a settled or in-flight row already exists (no new row)
//   - FILTERED_OUT when a medium filter rejects the article
//   - MEDIUM_RATE_LIMITED when the medium budget is spent
//   - ARTICLE_RATE_LIMITED when the article fan-out budget is spent
//   - otherwise a PENDING_DELIVERY row resolved after the delivery call
//
// Mediums run in parallel; within a medium, articles are delivered in the
// order given.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

const (
	DefaultTimeout = 20 * time.Second

	// resolveGrace bounds the write of a terminal status after the cycle's
	// context has been canceled.
	resolveGrace = 5 * time.Second

	mediumKeyPrefix  = "medium:"
	articleKeyPrefix = "article:"
)

type Config struct {
	// Timeout bounds one Deliver call. 0 means DefaultTimeout.
	Timeout time.Duration
	// ArticleBudget caps how many mediums one article may be delivered to
	// per window. The zero budget is unlimited.
	ArticleBudget model.RateBudget
}

// Summary counts the decisions of one Schedule call.
type Summary struct {
	Statuses map[model.DeliveryLogStatus]int
	Skipped  int
	Errors   int
}

func (s *Summary) add(st model.DeliveryLogStatus) {
	if s.Statuses == nil {
		s.Statuses = map[model.DeliveryLogStatus]int{}
	}
	s.Statuses[st]++
}

func (s *Summary) merge(o Summary) {
	for st, n := range o.Statuses {
		if s.Statuses == nil {
			s.Statuses = map[model.DeliveryLogStatus]int{}
		}
		s.Statuses[st] += n
	}
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Total is the number of rows written.
func (s Summary) Total() int {
	n := 0
	for _, v := range s.Statuses {
		n += v
	}
	return n
}

type Scheduler struct {
	mu  sync.RWMutex
	cfg Config

	store   storage.Store
	logger  *Logger
	windows *ratelimit.Registry
	log     logx.Logger
}

func NewScheduler(cfg Config, store storage.Store, logger *Logger, windows *ratelimit.Registry, log logx.Logger) *Scheduler {
	if windows == nil {
		windows = ratelimit.NewRegistry(nil)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:   store,
		logger:  logger,
		windows: windows,
		log:     log.With(logx.String("comp", "delivery")),
	}
	s.Apply(cfg)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Windows exposes the shared budget registry (the sweeper expires it).
func (s *Scheduler) Windows() *ratelimit.Registry { return s.windows }

// ForgetMediums drops the budget windows of mediums not in keep.
func (s *Scheduler) ForgetMediums(keep []string) {
	m := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		m[id] = struct{}{}
	}
	s.windows.Prune(mediumKeyPrefix, m)
}

// Schedule delivers arts to every target and blocks until all mediums are
// done. A failing medium never stops the others.
func (s *Scheduler) Schedule(ctx context.Context, arts []model.Article, targets []Target) Summary {
	var (
		mu    sync.Mutex
		total Summary
		wg    sync.WaitGroup
	)
	cfg := s.Config()
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			var local Summary
			for _, a := range arts {
				if ctx.Err() != nil {
					break
				}
				s.deliverOne(ctx, cfg, a, t, &local)
			}
			mu.Lock()
			total.merge(local)
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return total
}

func (s *Scheduler) deliverOne(ctx context.Context, cfg Config, a model.Article, t Target, sum *Summary) {
	log := s.log.With(
		logx.String("feed", a.FeedID),
		logx.String("article", a.ID),
		logx.String("medium", t.ID()),
	)

	settled, err := s.settled(ctx, a.ID, t.ID())
	if err != nil {
		log.Error("read delivery logs failed", logx.Err(err))
		sum.Errors++
		return
	}
	if settled {
		sum.Skipped++
		return
	}

	if ok, reason := t.filters.Allow(a); !ok {
		s.record(ctx, log, a, t, model.DeliveryFilteredOut, reason, sum)
		return
	}

	mw, ok := s.windows.Take(mediumKeyPrefix+t.ID(), t.Config.Budget)
	if !ok {
		s.record(ctx, log, a, t, model.DeliveryMediumRateLimited, "medium budget exhausted until "+mw.Reset().UTC().Format(time.RFC3339), sum)
		return
	}
	aw, ok := s.windows.Take(articleKeyPrefix+a.ID, cfg.ArticleBudget)
	if !ok {
		mw.Release()
		s.record(ctx, log, a, t, model.DeliveryArticleRateLimited, "article fan-out budget exhausted", sum)
		return
	}

	att, err := s.logger.Begin(ctx, a, t.ID())
	if err != nil {
		mw.Release()
		aw.Release()
		if errors.Is(err, storage.ErrActiveDelivery) {
			sum.Skipped++
			return
		}
		log.Error("begin delivery failed", logx.Err(err))
		sum.Errors++
		return
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	started := time.Now()
	rc := safeDeliver(dctx, t.Sender, a)
	cancel()

	st := rc.Status()
	detail := ""
	if rc.Err != nil {
		detail = rc.Err.Error()
	}

	rctx := ctx
	if ctx.Err() != nil {
		var rcancel context.CancelFunc
		rctx, rcancel = context.WithTimeout(context.WithoutCancel(ctx), resolveGrace)
		defer rcancel()
	}
	if err := att.Resolve(rctx, st, max(rc.Parts, 1), rc.Delivered, detail); err != nil {
		// The row stays pending; the sweeper resolves it to FAILED later.
		log.Error("resolve delivery failed", logx.Err(err))
		sum.Errors++
		return
	}
	sum.add(st)

	fields := []logx.Field{
		logx.String("status", st.String()),
		logx.Int("parts", max(rc.Parts, 1)),
		logx.Int("delivered", rc.Delivered),
		logx.Duration("elapsed", time.Since(started)),
	}
	switch st {
	case model.DeliveryDelivered:
		log.Debug("article delivered", fields...)
	default:
		log.Warn("article not fully delivered", append(fields, logx.Err(rc.Err))...)
	}
}

func (s *Scheduler) settled(ctx context.Context, articleID, mediumID string) (bool, error) {
	rows, err := s.store.ReadDeliveryLogs(ctx, storage.DeliveryQuery{ArticleID: articleID, MediumID: mediumID})
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.Status.Settled() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) record(ctx context.Context, log logx.Logger, a model.Article, t Target, st model.DeliveryLogStatus, detail string, sum *Summary) {
	if err := s.logger.Record(ctx, a, t.ID(), st, detail); err != nil {
		log.Error("write delivery log failed", logx.String("status", st.String()), logx.Err(err))
		sum.Errors++
		return
	}
	sum.add(st)
	log.Debug("delivery skipped", logx.String("status", st.String()), logx.String("detail", detail))
}
