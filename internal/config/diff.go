package config

import (
	"reflect"
	"slices"
	"strings"

	logx "feedrelay/pkg/logx"
)

// Change summarizes a reload for logging. Fields never carry secrets
// (tokens, DSNs, webhook urls).
type Change struct {
	Sections []string
	Fields   []logx.Field
	// RestartRequired lists sections that only apply after a restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, fields ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Fields = append(c.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
		c.RestartRequired = append(c.RestartRequired, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Lease, newCfg.Lease) {
		mark("lease", logx.String("lease.driver", newCfg.Lease.Driver))
		c.RestartRequired = append(c.RestartRequired, "lease")
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		mark("engine", logx.Int("engine.workers", newCfg.Engine.Workers), logx.Int("engine.queue_size", newCfg.Engine.QueueSize))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.String("scheduler.dispatch", newCfg.Scheduler.Dispatch),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		mark("fetch", logx.String("fetch.timeout", newCfg.Fetch.Timeout))
	}
	if oldCfg.Backoff != newCfg.Backoff {
		mark("backoff", logx.String("backoff.max_delay", newCfg.Backoff.MaxDelay))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery", logx.String("delivery.timeout", newCfg.Delivery.Timeout))
	}

	if oldCfg.Diag != newCfg.Diag {
		mark("diag", logx.Bool("diag.enabled", newCfg.Diag.Enabled), logx.String("diag.addr", newCfg.Diag.Addr))
	}

	if added, removed, changed := diffIDs(oldCfg.Mediums, newCfg.Mediums, func(m MediumConfig) string { return m.ID }); len(added)+len(removed)+len(changed) > 0 {
		mark("mediums", logx.Strs("mediums.added", added), logx.Strs("mediums.removed", removed), logx.Strs("mediums.changed", changed))
	}
	if added, removed, changed := diffIDs(oldCfg.Feeds, newCfg.Feeds, func(f FeedConfig) string { return f.ID }); len(added)+len(removed)+len(changed) > 0 {
		mark("feeds", logx.Strs("feeds.added", added), logx.Strs("feeds.removed", removed), logx.Strs("feeds.changed", changed))
	}
	return c
}

func diffIDs[T any](oldList, newList []T, id func(T) string) (added, removed, changed []string) {
	prev := make(map[string]T, len(oldList))
	for _, v := range oldList {
		prev[strings.TrimSpace(id(v))] = v
	}
	seen := map[string]bool{}
	for _, v := range newList {
		k := strings.TrimSpace(id(v))
		seen[k] = true
		old, ok := prev[k]
		switch {
		case !ok:
			added = append(added, k)
		case !reflect.DeepEqual(old, v):
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if !seen[k] {
			removed = append(removed, k)
		}
	}
	slices.Sort(removed)
	return added, removed, changed
}
