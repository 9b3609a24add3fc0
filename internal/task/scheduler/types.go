package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA name; empty means Local
	// StartupSpread caps the random delay added to the first run of interval
	// schedules. 0 means 30s; negative disables.
	StartupSpread time.Duration
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	eng *engine.Service

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Running   bool
	Schedules []ScheduleInfo
}
