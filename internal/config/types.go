package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("15s", "10m"); omitted fields take the documented defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Lease     LeaseConfig     `json:"lease"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Fetch     FetchConfig     `json:"fetch"`
	Backoff   BackoffConfig   `json:"backoff"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Mediums   []MediumConfig  `json:"mediums"`
	Feeds     []FeedConfig    `json:"feeds"`
	Diag      DiagConfig      `json:"diag"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ lines to one of the configured mediums.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Medium     string `json:"medium"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the store driver: memory (default), file, sqlite or
// postgres. Changing it requires a restart.
//
//	"storage": { "driver": "sqlite", "path": "./feedrelay.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	FetchHistory int    `json:"fetch_history,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// LeaseConfig picks the per-feed lock: "memory" (default) or "postgres"
// advisory locks, which require the postgres storage driver.
type LeaseConfig struct {
	Driver    string `json:"driver"`
	Namespace string `json:"namespace,omitempty"`
}

// EngineConfig sizes the worker pool that runs polls and sweeps.
//
// Defaults: workers 4, queue_size 256, history_size 200, retry_max 0.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the poll dispatch tick and pending sweeps.
//
// Defaults: dispatch "@every 5s", sweep "1m", pending_timeout "5m",
// cycle_budget "2m", default_interval "10m", concurrency 4.
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	Dispatch        string `json:"dispatch,omitempty"`
	Sweep           string `json:"sweep,omitempty"`
	PendingTimeout  string `json:"pending_timeout,omitempty"`
	CycleBudget     string `json:"cycle_budget,omitempty"`
	DefaultInterval string `json:"default_interval,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	StartupSpread   string `json:"startup_spread,omitempty"`
}

// FetchConfig applies to every feed retrieval. VerifyTLS defaults to true.
type FetchConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	VerifyTLS    *bool  `json:"verify_tls,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// BackoffConfig: delay(n) = min(interval * multiplier^n, max_delay).
type BackoffConfig struct {
	Multiplier float64 `json:"multiplier,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

type DeliveryConfig struct {
	Timeout string `json:"timeout,omitempty"`
	// ArticleBudget caps mediums per article per window; omitted is unlimited.
	ArticleBudget BudgetConfig `json:"article_budget"`
}

type BudgetConfig struct {
	Window string `json:"window,omitempty"`
	Max    int    `json:"max,omitempty"`
}

type MediumConfig struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Template        string         `json:"template,omitempty"`
	MaxSummaryRunes int            `json:"max_summary_runes,omitempty"`
	RatePerSec      float64        `json:"rate_per_sec,omitempty"`
	Burst           int            `json:"burst,omitempty"`
	Budget          BudgetConfig   `json:"budget"`
	Filters         []FilterConfig `json:"filters,omitempty"`
	Telegram        *TelegramBlock `json:"telegram,omitempty"`
	Webhook         *WebhookBlock  `json:"webhook,omitempty"`
}

type FilterConfig struct {
	Field    string   `json:"field,omitempty"`
	Contains []string `json:"contains,omitempty"`
	Regex    string   `json:"regex,omitempty"`
	Negate   bool     `json:"negate,omitempty"`
}

type TelegramBlock struct {
	Token          string `json:"token"`
	Chat           string `json:"chat"`
	ThreadID       int    `json:"thread_id,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Silent         bool   `json:"silent,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
}

type WebhookBlock struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	MaxChars int               `json:"max_chars,omitempty"`
}

type FeedConfig struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Interval string   `json:"interval,omitempty"`
	Mediums  []string `json:"mediums"`
	Disabled bool     `json:"disabled,omitempty"`
}

// DiagConfig enables the operator diagnostics listener (status and pprof).
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
