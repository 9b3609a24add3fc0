package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

// Event is the payload of delivery.logged and delivery.swept events.
type Event struct {
	FeedID    string                  `json:"feed_id"`
	ArticleID string                  `json:"article_id"`
	MediumID  string                  `json:"medium_id"`
	Status    model.DeliveryLogStatus `json:"status"`
	Parts     int                     `json:"parts,omitempty"`
	Delivered int                     `json:"delivered,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
}

// Logger is the append-only writer of delivery rows. Terminal rows are never
// changed; a pending row is resolved once by the Attempt that created it.
type Logger struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewLogger(store storage.Store, bus eventbus.Bus, log logx.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Logger{store: store, bus: bus, log: log, now: now}
}

// Record appends a terminal row for a decision that involved no delivery call.
func (l *Logger) Record(ctx context.Context, a model.Article, mediumID string, st model.DeliveryLogStatus, detail string) error {
	if !st.Terminal() {
		return fmt.Errorf("record %s: %w", st, storage.ErrInvalidStatus)
	}
	row, err := l.store.AppendDeliveryLog(ctx, model.DeliveryLog{
		FeedID:     a.FeedID,
		ArticleID:  a.ID,
		MediumID:   mediumID,
		At:         l.now(),
		Status:     st,
		Detail:     detail,
		ResolvedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", st, err)
	}
	l.publish(eventbus.TypeDeliveryLogged, row, 0, 0)
	return nil
}

// Begin appends the pending row of a delivery attempt. It fails with
// storage.ErrActiveDelivery when the pair already has one in flight.
func (l *Logger) Begin(ctx context.Context, a model.Article, mediumID string) (*Attempt, error) {
	row, err := l.store.AppendDeliveryLog(ctx, model.DeliveryLog{
		FeedID:    a.FeedID,
		ArticleID: a.ID,
		MediumID:  mediumID,
		At:        l.now(),
		Status:    model.DeliveryPending,
	})
	if err != nil {
		return nil, fmt.Errorf("begin delivery: %w", err)
	}
	return &Attempt{l: l, row: row}, nil
}

func (l *Logger) publish(typ string, row model.DeliveryLog, parts, delivered int) {
	eventbus.Publish(l.bus, typ, Event{
		FeedID:    row.FeedID,
		ArticleID: row.ArticleID,
		MediumID:  row.MediumID,
		Status:    row.Status,
		Parts:     parts,
		Delivered: delivered,
		Detail:    row.Detail,
	})
}

// Attempt is the handle of one pending delivery row.
type Attempt struct {
	l    *Logger
	row  model.DeliveryLog
	once sync.Once
	err  error
}

func (a *Attempt) Row() model.DeliveryLog { return a.row }

// Resolve writes the terminal status. Only the first call has an effect; later
// calls return the first call's error.
func (a *Attempt) Resolve(ctx context.Context, st model.DeliveryLogStatus, parts, delivered int, detail string) error {
	a.once.Do(func() {
		err := a.l.store.ResolveDeliveryLog(ctx, a.row.ID, storage.Resolution{
			Status:         st,
			Parts:          parts,
			PartsDelivered: delivered,
			Detail:         detail,
			At:             a.l.now(),
		})
		if errors.Is(err, storage.ErrAlreadyResolved) {
			// The sweeper got there first; its FAILED stands.
			a.l.log.Warn("delivery resolved by sweeper before attempt finished",
				logx.String("medium", a.row.MediumID),
				logx.String("article", a.row.ArticleID),
				logx.String("status", st.String()),
			)
		}
		if err != nil {
			a.err = fmt.Errorf("resolve delivery %s: %w", a.row.ID, err)
			return
		}
		a.row.Status = st
		a.row.Detail = detail
		a.l.publish(eventbus.TypeDeliveryLogged, a.row, parts, delivered)
	})
	return a.err
}
