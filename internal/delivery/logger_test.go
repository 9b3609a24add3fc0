package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/model"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

func TestAttemptResolvesOnce(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory(storage.Config{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	lg := NewLogger(st, bus, logx.Nop(), nil)
	ctx := context.Background()
	art := model.Article{FeedID: "f1", ID: "a1"}

	att, err := lg.Begin(ctx, art, "m1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := lg.Begin(ctx, art, "m1"); !errors.Is(err, storage.ErrActiveDelivery) {
		t.Fatalf("second Begin err=%v", err)
	}
	if err := att.Resolve(ctx, model.DeliveryDelivered, 1, 1, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := att.Resolve(ctx, model.DeliveryFailed, 1, 0, "late"); err != nil {
		t.Fatalf("second Resolve must be a no-op, got %v", err)
	}

	rows, _ := st.ReadDeliveryLogs(ctx, storage.DeliveryQuery{})
	if len(rows) != 1 || rows[0].Status != model.DeliveryDelivered {
		t.Fatalf("rows=%+v", rows)
	}
	select {
	case e := <-events:
		ev, ok := e.Data.(Event)
		if e.Type != eventbus.TypeDeliveryLogged || !ok || ev.Status != model.DeliveryDelivered {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery.logged event")
	}
}

func TestRecordRejectsPending(t *testing.T) {
	t.Parallel()

	lg := NewLogger(storage.NewMemory(storage.Config{}), nil, logx.Nop(), nil)
	err := lg.Record(context.Background(), model.Article{ID: "a1"}, "m1", model.DeliveryPending, "")
	if !errors.Is(err, storage.ErrInvalidStatus) {
		t.Fatalf("err=%v", err)
	}
}

func TestSweeperFailsStalePending(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory(storage.Config{})
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lg := NewLogger(st, nil, logx.Nop(), func() time.Time { return t0 })

	stale, err := lg.Begin(ctx, model.Article{FeedID: "f1", ID: "a1"}, "m1")
	if err != nil {
		t.Fatal(err)
	}
	fresh := NewLogger(st, nil, logx.Nop(), func() time.Time { return t0.Add(9 * time.Minute) })
	if _, err := fresh.Begin(ctx, model.Article{FeedID: "f1", ID: "a2"}, "m1"); err != nil {
		t.Fatal(err)
	}

	reg := ratelimit.NewRegistry(func() time.Time { return t0 })
	reg.Get("article:a1", model.RateBudget{})
	sw := NewSweeper(st, nil, logx.Nop(), reg, func() time.Time { return t0.Add(10 * time.Minute) })
	n, err := sw.Sweep(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("swept=%d err=%v", n, err)
	}
	if reg.Len() != 0 {
		t.Fatalf("sweep did not expire idle windows, len=%d", reg.Len())
	}

	rows, _ := st.ReadDeliveryLogs(ctx, storage.DeliveryQuery{ArticleID: "a1"})
	if len(rows) != 1 || rows[0].Status != model.DeliveryFailed {
		t.Fatalf("rows=%+v", rows)
	}
	if err := stale.Resolve(ctx, model.DeliveryDelivered, 1, 1, ""); !errors.Is(err, storage.ErrAlreadyResolved) {
		t.Fatalf("late resolve err=%v", err)
	}
	if n, _ := sw.Sweep(ctx, 5*time.Minute); n != 0 {
		t.Fatalf("second sweep resolved %d", n)
	}
}
