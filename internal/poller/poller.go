// Package poller runs poll cycles: fetch, classify, dedup, extract and
// deliver, one feed at a time under an exclusive per-feed lease.
//
// Feed state (hash and backoff) is written only by the cycle holding the
// feed's lease, once per completed cycle. INTERNAL_ERROR cycles leave it
// untouched.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedrelay/internal/dedup"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/extract"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/lease"
	"feedrelay/internal/model"
	"feedrelay/internal/outcome"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

var (
	// ErrAlreadyPolling is returned by Poll when the feed's cycle is running
	// here or on another instance. Nothing else happens.
	ErrAlreadyPolling = errors.New("poller: feed is already polling")
	ErrUnknownFeed    = errors.New("poller: unknown feed")
	ErrDisabledFeed   = errors.New("poller: feed is disabled")
)

// writeGrace bounds state writes after the cycle budget ran out.
const writeGrace = 5 * time.Second

type Config struct {
	// DefaultInterval is the cadence of feeds without their own. 0 means 10m.
	DefaultInterval time.Duration
	// CycleBudget bounds one poll cycle end to end. 0 means 2m.
	CycleBudget time.Duration
	Backoff     BackoffConfig
	// Concurrency bounds PollAll. 0 means 4.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 10 * time.Minute
	}
	if c.CycleBudget <= 0 {
		c.CycleBudget = 2 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Deps are the collaborators of a Poller. Store, Fetcher and Scheduler are
// required.
type Deps struct {
	Store     storage.Store
	Fetcher   *fetcher.Fetcher
	Extractor extract.Extractor
	Scheduler *delivery.Scheduler
	Locker    lease.Locker
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

// Result summarizes one poll cycle.
type Result struct {
	FeedID     string
	Status     model.RequestStatus
	Articles   int
	Delivery   delivery.Summary
	Elapsed    time.Duration
	NextPollAt time.Time
	Aborted    bool
}

// Event is the payload of poll.completed and poll.skipped.
type Event struct {
	FeedID     string              `json:"feed_id"`
	Status     model.RequestStatus `json:"status,omitempty"`
	Articles   int                 `json:"articles,omitempty"`
	Deliveries int                 `json:"deliveries,omitempty"`
	Elapsed    time.Duration       `json:"elapsed,omitempty"`
	NextPollAt time.Time           `json:"next_poll_at,omitempty"`
	Aborted    bool                `json:"aborted,omitempty"`
}

type Poller struct {
	mu      sync.RWMutex
	cfg     Config
	feeds   map[string]model.Feed
	targets map[string]delivery.Target

	// next caches NextPollAt per feed so dispatch ticks don't read the store.
	nextMu sync.Mutex
	next   map[string]time.Time

	pollingMu sync.Mutex
	polling   map[string]struct{}

	store     storage.Store
	fetcher   *fetcher.Fetcher
	extractor extract.Extractor
	sched     *delivery.Scheduler
	locker    lease.Locker
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, d Deps) *Poller {
	if d.Extractor == nil {
		d.Extractor = extract.New()
	}
	if d.Locker == nil {
		d.Locker = lease.NewTable()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	p := &Poller{
		feeds:     map[string]model.Feed{},
		targets:   map[string]delivery.Target{},
		next:      map[string]time.Time{},
		polling:   map[string]struct{}{},
		store:     d.Store,
		fetcher:   d.Fetcher,
		extractor: d.Extractor,
		sched:     d.Scheduler,
		locker:    d.Locker,
		bus:       d.Bus,
		log:       d.Log.With(logx.String("comp", "poller")),
		now:       d.Now,
	}
	p.Apply(cfg)
	return p
}

func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Poller) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetFeeds replaces the feed set. Removed feeds drop their cached schedule.
func (p *Poller) SetFeeds(feeds []model.Feed) {
	m := make(map[string]model.Feed, len(feeds))
	for _, f := range feeds {
		m[f.ID] = f
	}
	p.mu.Lock()
	p.feeds = m
	p.mu.Unlock()

	p.nextMu.Lock()
	for id := range p.next {
		if _, ok := m[id]; !ok {
			delete(p.next, id)
		}
	}
	p.nextMu.Unlock()
}

// SetTargets replaces the medium set.
func (p *Poller) SetTargets(targets []delivery.Target) {
	m := make(map[string]delivery.Target, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		m[t.ID()] = t
		ids = append(ids, t.ID())
	}
	p.mu.Lock()
	p.targets = m
	p.mu.Unlock()
	if p.sched != nil {
		p.sched.ForgetMediums(ids)
	}
}

// Feeds returns the configured feed ids, sorted.
func (p *Poller) Feeds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.feeds))
	for id := range p.feeds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Polling reports whether this process is running a cycle for feedID.
func (p *Poller) Polling(feedID string) bool {
	p.pollingMu.Lock()
	defer p.pollingMu.Unlock()
	_, ok := p.polling[feedID]
	return ok
}

func (p *Poller) feed(id string) (model.Feed, []delivery.Target, Config, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.feeds[id]
	if !ok {
		return model.Feed{}, nil, p.cfg, false
	}
	var ts []delivery.Target
	for _, mid := range f.Mediums {
		if t, ok := p.targets[mid]; ok {
			ts = append(ts, t)
		} else {
			p.log.Warn("feed references unknown medium", logx.String("feed", id), logx.String("medium", mid))
		}
	}
	return f, ts, p.cfg, true
}

// Due returns the enabled feeds whose next poll time has passed, sorted by id.
func (p *Poller) Due(ctx context.Context) ([]string, error) {
	now := p.now()
	var out []string
	for _, id := range p.Feeds() {
		f, _, _, ok := p.feed(id)
		if !ok || f.Disabled {
			continue
		}
		at, err := p.nextPollAt(ctx, id)
		if err != nil {
			return out, err
		}
		if !now.Before(at) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *Poller) nextPollAt(ctx context.Context, id string) (time.Time, error) {
	p.nextMu.Lock()
	at, ok := p.next[id]
	p.nextMu.Unlock()
	if ok {
		return at, nil
	}
	st, found, err := p.store.GetFeedState(ctx, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("load state of %s: %w", id, err)
	}
	if found {
		at = st.Backoff.NextPollAt
	}
	p.setNext(id, at)
	return at, nil
}

func (p *Poller) setNext(id string, at time.Time) {
	p.nextMu.Lock()
	p.next[id] = at
	p.nextMu.Unlock()
}

// TriggerNow makes feedID due on the next dispatch.
func (p *Poller) TriggerNow(feedID string) error {
	if _, _, _, ok := p.feed(feedID); !ok {
		return ErrUnknownFeed
	}
	p.setNext(feedID, time.Time{})
	return nil
}

// PollAll polls every enabled feed once, with bounded concurrency, and
// returns the results of the cycles that ran.
func (p *Poller) PollAll(ctx context.Context) []Result {
	ids := p.Feeds()
	sem := make(chan struct{}, p.Config().Concurrency)
	var (
		mu  sync.Mutex
		out []Result
		wg  sync.WaitGroup
	)
	for _, id := range ids {
		if f, _, _, ok := p.feed(id); !ok || f.Disabled {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return out
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := p.Poll(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// Poll runs one cycle for feedID. A feed already polling yields
// ErrAlreadyPolling and no side effects.
func (p *Poller) Poll(ctx context.Context, feedID string) (Result, error) {
	f, targets, cfg, ok := p.feed(feedID)
	if !ok {
		return Result{}, ErrUnknownFeed
	}
	if f.Disabled {
		return Result{}, ErrDisabledFeed
	}

	l, acquired, err := p.locker.TryAcquire(ctx, "feed:"+feedID)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lease for %s: %w", feedID, err)
	}
	if !acquired {
		eventbus.Publish(p.bus, eventbus.TypePollSkipped, Event{FeedID: feedID})
		return Result{}, ErrAlreadyPolling
	}
	p.pollingMu.Lock()
	p.polling[feedID] = struct{}{}
	p.pollingMu.Unlock()
	defer func() {
		p.pollingMu.Lock()
		delete(p.polling, feedID)
		p.pollingMu.Unlock()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeGrace)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			p.log.Warn("release feed lease failed", logx.String("feed", feedID), logx.Err(err))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, cfg.CycleBudget)
	defer cancel()
	res := p.cycle(cctx, f, targets, cfg)

	eventbus.Publish(p.bus, eventbus.TypePollCompleted, Event{
		FeedID:     feedID,
		Status:     res.Status,
		Articles:   res.Articles,
		Deliveries: res.Delivery.Total(),
		Elapsed:    res.Elapsed,
		NextPollAt: res.NextPollAt,
		Aborted:    res.Aborted,
	})
	return res, nil
}

func (p *Poller) cycle(ctx context.Context, f model.Feed, targets []delivery.Target, cfg Config) (res Result) {
	started := p.now()
	res.FeedID = f.ID
	log := p.log.With(logx.String("feed", f.ID), logx.String("url", f.URL))

	interval := f.Interval
	if interval <= 0 {
		interval = cfg.DefaultInterval
	}

	var (
		fr    fetcher.Result
		state model.FeedState
		found bool
	)
	defer func() {
		if r := recover(); r != nil {
			res.Status = model.RequestInternalError
			log.Error("poll cycle panic", logx.Any("panic", r))
		}
		res.Elapsed = p.now().Sub(started)
		p.finish(ctx, log, f, interval, cfg, state, fr, &res, started)
	}()

	var err error
	state, found, err = p.store.GetFeedState(ctx, f.ID)
	if err != nil {
		res.Status = model.RequestInternalError
		log.Error("load feed state failed", logx.Err(err))
		return res
	}
	if !found {
		state = model.FeedState{FeedID: f.ID}
	}

	fr = p.fetcher.Fetch(ctx, f.URL)
	res.Status = outcome.Classify(outcome.Input{Fetch: fr})
	if res.Status != model.RequestOK {
		return res
	}

	gate := dedup.Check(fr.Body, state.Hash)
	if !gate.Changed {
		res.Status = model.RequestMatchedHash
		return res
	}

	arts, perr := p.extractor.Extract(f.ID, fr.Body)
	res.Status = outcome.Classify(outcome.Input{Fetch: fr, ParseErr: perr})
	if res.Status != model.RequestOK {
		log.Debug("feed body did not parse", logx.Err(perr))
		return res
	}
	res.Articles = len(arts)

	if len(arts) > 0 && len(targets) > 0 {
		res.Delivery = p.sched.Schedule(ctx, arts, targets)
	}
	// Advance the hash only when every pair reached a decision; otherwise the
	// next poll re-extracts and the delivery log skips what is settled.
	if ctx.Err() != nil {
		res.Aborted = true
	} else if res.Delivery.Errors == 0 {
		state.Hash = gate.Hash
	}
	return res
}

// finish records the attempt and, except after INTERNAL_ERROR, the new feed
// state.
func (p *Poller) finish(ctx context.Context, log logx.Logger, f model.Feed, interval time.Duration, cfg Config, state model.FeedState, fr fetcher.Result, res *Result, started time.Time) {
	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), writeGrace)
		defer cancel()
	}
	now := p.now()

	attempt := model.FetchAttempt{
		ID:         uuid.NewString(),
		FeedID:     f.ID,
		At:         started,
		Status:     res.Status,
		Elapsed:    res.Elapsed,
		Size:       fr.Size,
		HTTPStatus: fr.StatusCode,
	}
	if fr.Err != nil {
		attempt.Error = fr.Err.Error()
	}
	if err := p.store.AppendFetchAttempt(wctx, attempt); err != nil {
		log.Error("record fetch attempt failed", logx.Err(err))
	}

	if res.Status == model.RequestInternalError {
		log.Error("poll cycle failed internally",
			logx.Duration("elapsed", res.Elapsed),
			logx.String("fetch", fr.Kind.String()),
			logx.Err(fr.Err),
		)
		// Retry on the normal cadence without touching stored state.
		res.NextPollAt = now.Add(interval)
		p.setNext(f.ID, res.NextPollAt)
		return
	}

	state.FeedID = f.ID
	state.Backoff = cfg.Backoff.Next(state.Backoff, res.Status, interval, now)
	if res.Status.Success() {
		state.LastSuccessfulPoll = now
	}
	state.UpdatedAt = now
	if err := p.store.UpsertFeedState(wctx, state); err != nil {
		log.Error("store feed state failed", logx.Err(err))
	}
	res.NextPollAt = state.Backoff.NextPollAt
	p.setNext(f.ID, res.NextPollAt)

	fields := []logx.Field{
		logx.String("status", res.Status.String()),
		logx.Duration("elapsed", res.Elapsed),
		logx.Time("next_poll_at", res.NextPollAt),
	}
	switch {
	case res.Aborted:
		log.Warn("poll cycle exceeded its budget", append(fields, logx.Duration("budget", cfg.CycleBudget))...)
	case res.Status.Success():
		fields = append(fields, logx.Int("articles", res.Articles), logx.Int("deliveries", res.Delivery.Total()))
		if res.Delivery.Total() > 0 {
			log.Info("poll cycle done", fields...)
		} else {
			log.Debug("poll cycle done", fields...)
		}
	case state.Backoff.Failures == 1:
		log.Warn("poll failed", append(fields, logx.Int("http_status", fr.StatusCode), logx.Err(fr.Err))...)
	default:
		log.Debug("poll failed again", append(fields, logx.Int("failures", state.Backoff.Failures), logx.Err(fr.Err))...)
	}
}
