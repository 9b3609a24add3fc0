package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 5s", kind: SpecCron, cron: "@every 5s"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "every: 02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("got=%+v", got)
			}
		})
	}
}

func TestIntervalWithSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, 10*time.Second, "sweep")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
	// cron.Every truncates to whole seconds
	if second := sched.Next(first); second.Sub(first) <= 59*time.Second || second.Sub(first) > time.Minute {
		t.Fatalf("second=%v", second)
	}

	plain, j := intervalWithSpread(time.Minute, now, 0, "dispatch")
	if j != 0 || plain.Next(now).Sub(now) != time.Minute {
		t.Fatalf("no-spread next=%v jitter=%v", plain.Next(now), j)
	}
}

func TestIntervalTriggersEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Timezone: "UTC", StartupSpread: -1}, eng, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})

	var runs atomic.Int32
	if err := s.AddSchedule("tick", "1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("interval schedule never ran")
	}
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" || len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAddReplacesAndRemove(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.AddSchedule("sweep", "1m", 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddSchedule("sweep", "*/5 * * * *", 0, noop); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "*/5 * * * *" || snap.Running {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := s.AddCron("bad", "not a cron", 0, noop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := s.AddInterval("nil", time.Minute, 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
	if !s.Remove("sweep") || s.Remove("sweep") {
		t.Fatal("remove should succeed once")
	}
}
