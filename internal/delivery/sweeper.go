package delivery

import (
	"context"
	"errors"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/model"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

const sweepBatch = 200

// Sweeper resolves pending rows left behind by aborted cycles or crashed
// processes.
type Sweeper struct {
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	windows *ratelimit.Registry
}

func NewSweeper(store storage.Store, bus eventbus.Bus, log logx.Logger, windows *ratelimit.Registry, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{store: store, bus: bus, log: log.With(logx.String("comp", "sweeper")), now: now, windows: windows}
}

// Sweep marks every row pending for longer than olderThan as FAILED and
// returns how many it resolved.
func (s *Sweeper) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	total := 0
	for {
		rows, err := s.store.ListStalePending(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, err
		}
		n := 0
		for _, row := range rows {
			err := s.store.ResolveDeliveryLog(ctx, row.ID, storage.Resolution{
				Status: model.DeliveryFailed,
				Detail: "pending delivery timed out",
				At:     s.now(),
			})
			if errors.Is(err, storage.ErrAlreadyResolved) {
				continue
			}
			if err != nil {
				return total, err
			}
			n++
			row.Status = model.DeliveryFailed
			row.Detail = "pending delivery timed out"
			eventbus.Publish(s.bus, eventbus.TypeDeliverySwept, Event{
				FeedID:    row.FeedID,
				ArticleID: row.ArticleID,
				MediumID:  row.MediumID,
				Status:    row.Status,
				Detail:    row.Detail,
			})
		}
		total += n
		if len(rows) < sweepBatch || n == 0 {
			break
		}
	}
	if s.windows != nil {
		s.windows.Expire()
	}
	if total > 0 {
		s.log.Warn("swept stale pending deliveries", logx.Int("count", total), logx.Duration("older_than", olderThan))
	}
	return total, nil
}
