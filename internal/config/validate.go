package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Validate checks cross-field rules and every duration. It reports all
// problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", d))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Lease.Driver)) {
	case "", "memory":
	case "postgres":
		if !IsPostgres(cfg.Storage.Driver) {
			add(errors.New("lease.driver: postgres leases need the postgres storage driver"))
		}
	default:
		add(fmt.Errorf("lease.driver: unknown %q", cfg.Lease.Driver))
	}

	dur("engine.default_timeout", cfg.Engine.DefaultTimeout)
	dur("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)
	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 {
		add(errors.New("engine: workers and queue_size must be >= 0"))
	}

	dur("scheduler.pending_timeout", cfg.Scheduler.PendingTimeout)
	dur("scheduler.cycle_budget", cfg.Scheduler.CycleBudget)
	dur("scheduler.default_interval", cfg.Scheduler.DefaultInterval)
	dur("scheduler.startup_spread", cfg.Scheduler.StartupSpread)

	dur("fetch.timeout", cfg.Fetch.Timeout)
	if cfg.Fetch.MaxBodyBytes < 0 {
		add(errors.New("fetch.max_body_bytes: must be >= 0"))
	}

	dur("backoff.max_delay", cfg.Backoff.MaxDelay)
	if cfg.Backoff.Multiplier != 0 && cfg.Backoff.Multiplier < 1 {
		add(errors.New("backoff.multiplier: must be >= 1"))
	}
	if cfg.Backoff.Jitter < 0 || cfg.Backoff.Jitter > 1 {
		add(errors.New("backoff.jitter: must be within [0, 1]"))
	}

	dur("delivery.timeout", cfg.Delivery.Timeout)
	_, _, err := ParseBudget("delivery.article_budget", cfg.Delivery.ArticleBudget)
	add(err)

	mediums := map[string]bool{}
	for i, m := range cfg.Mediums {
		path := fmt.Sprintf("mediums[%d]", i)
		id := strings.TrimSpace(m.ID)
		switch {
		case id == "":
			add(fmt.Errorf("%s.id: required", path))
		case mediums[id]:
			add(fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		mediums[id] = true
		add(validateMedium(path, m))
	}

	feeds := map[string]bool{}
	for i, f := range cfg.Feeds {
		path := fmt.Sprintf("feeds[%d]", i)
		id := strings.TrimSpace(f.ID)
		switch {
		case id == "":
			add(fmt.Errorf("%s.id: required", path))
		case feeds[id]:
			add(fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		feeds[id] = true
		if u, err := url.Parse(strings.TrimSpace(f.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("%s.url: want an absolute http(s) url, got %q", path, f.URL))
		}
		dur(path+".interval", f.Interval)
		for _, mid := range f.Mediums {
			if !mediums[strings.TrimSpace(mid)] {
				add(fmt.Errorf("%s.mediums: unknown medium %q", path, mid))
			}
		}
	}

	if d := cfg.Diag; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			add(fmt.Errorf("diag.addr: %w", err))
		}
	}

	if a := cfg.Logging.Alert; a.Enabled && !mediums[strings.TrimSpace(a.Medium)] {
		add(fmt.Errorf("logging.alert.medium: unknown medium %q", a.Medium))
	}
	return errors.Join(errs...)
}

func validateMedium(path string, m MediumConfig) error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(m.Kind)) {
	case "telegram":
		switch {
		case m.Telegram == nil:
			errs = append(errs, fmt.Errorf("%s.telegram: required for kind telegram", path))
		case strings.TrimSpace(m.Telegram.Token) == "" || strings.TrimSpace(m.Telegram.Chat) == "":
			errs = append(errs, fmt.Errorf("%s.telegram: token and chat are required", path))
		default:
			if _, err := ParseDurationField(path+".telegram.timeout", m.Telegram.Timeout); err != nil {
				errs = append(errs, err)
			}
		}
	case "webhook":
		switch {
		case m.Webhook == nil || strings.TrimSpace(m.Webhook.URL) == "":
			errs = append(errs, fmt.Errorf("%s.webhook.url: required for kind webhook", path))
		default:
			if _, err := ParseDurationField(path+".webhook.timeout", m.Webhook.Timeout); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, fmt.Errorf("%s.kind: unknown %q", path, m.Kind))
	}
	if m.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("%s.rate_per_sec: must be >= 0", path))
	}
	if _, _, err := ParseBudget(path+".budget", m.Budget); err != nil {
		errs = append(errs, err)
	}
	for j, f := range m.Filters {
		fp := fmt.Sprintf("%s.filters[%d]", path, j)
		if len(f.Contains) == 0 && strings.TrimSpace(f.Regex) == "" {
			errs = append(errs, fmt.Errorf("%s: contains or regex required", fp))
		}
		if f.Regex != "" {
			if _, err := regexp.Compile(f.Regex); err != nil {
				errs = append(errs, fmt.Errorf("%s.regex: %w", fp, err))
			}
		}
	}
	return errors.Join(errs...)
}

// IsPostgres reports whether a storage driver name selects postgres.
func IsPostgres(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return true
	}
	return false
}
