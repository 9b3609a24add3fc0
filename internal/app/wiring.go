package app

import (
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/medium"
	"feedrelay/internal/model"
	"feedrelay/internal/observability/diag"
	"feedrelay/internal/poller"
	"feedrelay/internal/storage"
	"feedrelay/internal/task/engine"
	"feedrelay/internal/task/scheduler"
	logx "feedrelay/pkg/logx"
)

const (
	defaultDispatch       = "@every 5s"
	defaultSweep          = "1m"
	defaultPendingTimeout = 5 * time.Minute
	// pollTaskGrace lets a poll task outlive its cycle budget long enough to
	// write the attempt and feed state.
	pollTaskGrace = 30 * time.Second
)

// timings are the app-level schedule settings.
type timings struct {
	dispatch       string
	sweep          string
	pendingTimeout time.Duration
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapDiag(cfg *config.Config) diag.Config {
	return diag.Config{
		Enabled:       cfg.Diag.Enabled,
		Addr:          cfg.Diag.Addr,
		Token:         cfg.Diag.Token,
		AllowInsecure: cfg.Diag.AllowInsecure,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(cfg.Storage.Driver),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		DSN:          strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout:  busy,
		FetchHistory: cfg.Storage.FetchHistory,
		CompactEvery: cfg.Storage.CompactEvery,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	defTimeout, err := config.ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    cfg.Engine.HistorySize,
		RetryMax:       cfg.Engine.RetryMax,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, timings, error) {
	sc := cfg.Scheduler
	spread, err := config.ParseDurationField("scheduler.startup_spread", sc.StartupSpread)
	if err != nil {
		return scheduler.Config{}, timings{}, err
	}
	pending, err := config.ParseDurationOrDefault("scheduler.pending_timeout", sc.PendingTimeout, defaultPendingTimeout)
	if err != nil {
		return scheduler.Config{}, timings{}, err
	}
	t := timings{dispatch: strings.TrimSpace(sc.Dispatch), sweep: strings.TrimSpace(sc.Sweep), pendingTimeout: pending}
	if t.dispatch == "" {
		t.dispatch = defaultDispatch
	}
	if t.sweep == "" {
		t.sweep = defaultSweep
	}
	for path, raw := range map[string]string{"scheduler.dispatch": t.dispatch, "scheduler.sweep": t.sweep} {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return scheduler.Config{}, timings{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, timings{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: sc.Timezone, StartupSpread: spread}, t, nil
}

func mapPoller(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationField("scheduler.default_interval", cfg.Scheduler.DefaultInterval)
	if err != nil {
		return poller.Config{}, err
	}
	budget, err := config.ParseDurationField("scheduler.cycle_budget", cfg.Scheduler.CycleBudget)
	if err != nil {
		return poller.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("backoff.max_delay", cfg.Backoff.MaxDelay)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		DefaultInterval: interval,
		CycleBudget:     budget,
		Concurrency:     cfg.Scheduler.Concurrency,
		Backoff: poller.BackoffConfig{
			Multiplier: cfg.Backoff.Multiplier,
			MaxDelay:   maxDelay,
			Jitter:     cfg.Backoff.Jitter,
		},
	}, nil
}

func mapFetch(cfg *config.Config) (fetcher.Config, error) {
	timeout, err := config.ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	if err != nil {
		return fetcher.Config{}, err
	}
	verify := true
	if cfg.Fetch.VerifyTLS != nil {
		verify = *cfg.Fetch.VerifyTLS
	}
	return fetcher.Config{
		Timeout:      timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		VerifyTLS:    verify,
		UserAgent:    cfg.Fetch.UserAgent,
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	timeout, err := config.ParseDurationField("delivery.timeout", cfg.Delivery.Timeout)
	if err != nil {
		return delivery.Config{}, err
	}
	win, n, err := config.ParseBudget("delivery.article_budget", cfg.Delivery.ArticleBudget)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{Timeout: timeout, ArticleBudget: model.RateBudget{Window: win, Max: n}}, nil
}

func mapFeeds(cfg *config.Config) ([]model.Feed, error) {
	out := make([]model.Feed, 0, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		interval, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].interval", i), f.Interval)
		if err != nil {
			return nil, err
		}
		mediums := make([]string, 0, len(f.Mediums))
		for _, m := range f.Mediums {
			mediums = append(mediums, strings.TrimSpace(m))
		}
		out = append(out, model.Feed{
			ID:       strings.TrimSpace(f.ID),
			URL:      strings.TrimSpace(f.URL),
			Interval: interval,
			Mediums:  mediums,
			Disabled: f.Disabled,
		})
	}
	return out, nil
}

// buildTargets constructs every configured medium. A bad template, filter or
// transport setting fails the whole set.
func buildTargets(cfg *config.Config, log logx.Logger) ([]delivery.Target, error) {
	out := make([]delivery.Target, 0, len(cfg.Mediums))
	for i, mc := range cfg.Mediums {
		path := fmt.Sprintf("mediums[%d]", i)
		sc, mm, err := mapMedium(path, mc)
		if err != nil {
			return nil, err
		}
		sender, err := medium.New(sc, log)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		t, err := delivery.NewTarget(mm, sender)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func mapMedium(path string, mc config.MediumConfig) (medium.Config, model.Medium, error) {
	win, n, err := config.ParseBudget(path+".budget", mc.Budget)
	if err != nil {
		return medium.Config{}, model.Medium{}, err
	}
	id := strings.TrimSpace(mc.ID)
	sc := medium.Config{
		ID:              id,
		Kind:            mc.Kind,
		Template:        mc.Template,
		MaxSummaryRunes: mc.MaxSummaryRunes,
		RatePerSec:      mc.RatePerSec,
		Burst:           mc.Burst,
	}
	if tg := mc.Telegram; tg != nil {
		timeout, err := config.ParseDurationField(path+".telegram.timeout", tg.Timeout)
		if err != nil {
			return medium.Config{}, model.Medium{}, err
		}
		sc.Telegram = medium.TelegramConfig{
			Token:          tg.Token,
			Chat:           tg.Chat,
			ThreadID:       tg.ThreadID,
			DisablePreview: tg.DisablePreview,
			Silent:         tg.Silent,
			Timeout:        timeout,
			APIURL:         tg.APIURL,
		}
	}
	if wh := mc.Webhook; wh != nil {
		timeout, err := config.ParseDurationField(path+".webhook.timeout", wh.Timeout)
		if err != nil {
			return medium.Config{}, model.Medium{}, err
		}
		sc.Webhook = medium.WebhookConfig{URL: wh.URL, Headers: wh.Headers, Timeout: timeout, MaxChars: wh.MaxChars}
	}

	filters := make([]model.Filter, 0, len(mc.Filters))
	for _, f := range mc.Filters {
		filters = append(filters, model.Filter{Field: f.Field, Contains: f.Contains, Regex: f.Regex, Negate: f.Negate})
	}
	mm := model.Medium{
		ID:      id,
		Kind:    strings.ToLower(strings.TrimSpace(mc.Kind)),
		Budget:  model.RateBudget{Window: win, Max: n},
		Filters: filters,
	}
	return sc, mm, nil
}
