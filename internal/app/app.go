package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/extract"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/lease"
	"feedrelay/internal/observability/diag"
	"feedrelay/internal/poller"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/storage"
	"feedrelay/internal/task/engine"
	"feedrelay/internal/task/scheduler"
	logx "feedrelay/pkg/logx"
)

const (
	scheduleDispatch = "poll.dispatch"
	scheduleSweep    = "delivery.sweep"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	fetch   *fetcher.Fetcher
	dsched  *delivery.Scheduler
	sweeper *delivery.Sweeper
	poller  *poller.Poller
	engine  *engine.Service
	sched   *scheduler.Service
	alerts  *alertSink
	diag    *diag.Service

	notify notifyFunc

	mu      sync.Mutex
	timings timings
}

// Option customizes an App before it starts.
type Option func(*App)

// WithNotifier replaces the systemd notification hook.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(a *App) {
		if fn != nil {
			a.notify = fn
		}
	}
}

// New loads cfgPath and builds every component. Nothing runs until Start or
// RunOnce.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newFromConfig(cfgm, cfg, opts...)
}

func newFromConfig(cfgm *config.ConfigManager, cfg *config.Config, opts ...Option) (a *App, err error) {
	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, tm, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	fc, err := mapFetch(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapPoller(cfg)
	if err != nil {
		return nil, err
	}
	feeds, err := mapFeeds(cfg)
	if err != nil {
		return nil, err
	}
	targets, err := buildTargets(cfg, root)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	locker, err := openLocker(cfg, store)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	windows := ratelimit.NewRegistry(time.Now)
	dlog := delivery.NewLogger(store, bus, root, time.Now)
	dsched := delivery.NewScheduler(dc, store, dlog, windows, root)
	fetch := fetcher.New(fc)

	p := poller.New(pc, poller.Deps{
		Store:     store,
		Fetcher:   fetch,
		Extractor: extract.New(),
		Scheduler: dsched,
		Locker:    locker,
		Bus:       bus,
		Log:       root,
		Now:       time.Now,
	})
	p.SetTargets(targets)
	p.SetFeeds(feeds)

	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(schedCfg, eng, root.With(logx.String("comp", "scheduler")), bus)

	alerts := &alertSink{}
	alerts.set(targets, cfg.Logging.Alert)
	logSvc.SetAlertSender(alerts)

	a = &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		fetch:   fetch,
		dsched:  dsched,
		sweeper: delivery.NewSweeper(store, bus, root, windows, time.Now),
		poller:  p,
		engine:  eng,
		sched:   sched,
		alerts:  alerts,
		notify:  sdNotify,
		timings: tm,
	}
	a.diag = diag.New(mapDiag(cfg), a.status, root)
	for _, opt := range opts {
		opt(a)
	}
	log.Info("app configured",
		logx.String("storage", sc.Driver),
		logx.Int("feeds", len(feeds)),
		logx.Int("mediums", len(targets)),
	)
	return a, nil
}

func openLocker(cfg *config.Config, store storage.Store) (lease.Locker, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Lease.Driver), "postgres") {
		return lease.NewTable(), nil
	}
	sqlStore, ok := store.(storage.SQLStore)
	if !ok || sqlStore.Driver() != "postgres" {
		return nil, errors.New("lease.driver: postgres leases need the postgres storage driver")
	}
	ns := strings.TrimSpace(cfg.Lease.Namespace)
	if ns == "" {
		ns = "feedrelay"
	}
	return lease.NewPGAdvisory(sqlStore.DB(), ns), nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce polls every enabled feed a single time, ignoring schedules.
func (a *App) RunOnce(ctx context.Context) []poller.Result {
	return a.poller.PollAll(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validate)

	a.engine.Start(a.sup.Context())
	if err := a.registerSchedules(a.currentTimings()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Debug only; dispatch ticks are frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.sdNotify(stateReloading)
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
				a.sdNotify(stateReady)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.diag.Start(a.sup.Context())
	a.startWatchdog()
	a.sdNotify(stateReady)
	a.log.Info("app started", logx.Strs("feeds", a.poller.Feeds()))
	return nil
}

func (a *App) currentTimings() timings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timings
}

func (a *App) registerSchedules(t timings) error {
	if err := a.sched.AddSchedule(scheduleDispatch, t.dispatch, 0, a.dispatch); err != nil {
		return fmt.Errorf("scheduler.dispatch: %w", err)
	}
	if err := a.sched.AddSchedule(scheduleSweep, t.sweep, 0, a.sweep); err != nil {
		return fmt.Errorf("scheduler.sweep: %w", err)
	}
	return nil
}

// dispatch hands every due feed to the engine. A feed that is still polling
// from an earlier tick is skipped by the engine's overlap gate.
func (a *App) dispatch(ctx context.Context) error {
	ids, err := a.poller.Due(ctx)
	for _, id := range ids {
		switch err := a.engine.Enqueue(a.pollTask(id)); {
		case err == nil, errors.Is(err, engine.ErrOverlapSkip):
		case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
			return nil
		default:
			a.log.Debug("poll not queued", logx.String("feed_id", id), logx.Err(err))
		}
	}
	return err
}

func (a *App) pollTask(feedID string) engine.Task {
	return engine.Task{
		Name:    "poll:" + feedID,
		Key:     "feed:" + feedID,
		Timeout: a.poller.Config().CycleBudget + pollTaskGrace,
		Opt: engine.TaskOptions{
			Overlap:  engine.OverlapSkipIfRunning,
			RetryMax: -1,
		},
		Run: func(ctx context.Context) error {
			_, err := a.poller.Poll(ctx, feedID)
			switch {
			case errors.Is(err, poller.ErrAlreadyPolling):
				return nil
			case errors.Is(err, poller.ErrUnknownFeed), errors.Is(err, poller.ErrDisabledFeed):
				return engine.NoRetry(err)
			}
			return err
		},
	}
}

func (a *App) sweep(ctx context.Context) error {
	n, err := a.sweeper.Sweep(ctx, a.currentTimings().pendingTimeout)
	if n > 0 {
		a.log.Info("stale deliveries swept", logx.Int("rows", n))
	}
	return err
}

// validate runs every mapping a reload would apply so a bad file is rejected
// before commit.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, _, err := mapScheduler(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngine(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFetch(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDelivery(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapPoller(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFeeds(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := buildTargets(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stop shuts components down in dependency order. Each step is bounded so one
// component can't stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.sdNotify(stateStopping)
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.SetAlertSender(nil)
	return a.logs.Close()
}
