package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestWindowExhaustsAndResets(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewWindow(model.RateBudget{Window: time.Minute, Max: 3}, clk.Now)

	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("allow %d refused", i)
		}
	}
	for i := 0; i < 5; i++ {
		if w.Allow() {
			t.Fatalf("allowed past budget")
		}
	}
	if got := w.Remaining(); got != 0 {
		t.Fatalf("remaining=%d", got)
	}

	clk.Advance(59 * time.Second)
	if w.Allow() {
		t.Fatalf("window reset too early")
	}

	clk.Advance(time.Second)
	if !w.Allow() {
		t.Fatalf("window did not reset")
	}
	if got := w.Remaining(); got != 2 {
		t.Fatalf("remaining after reset=%d", got)
	}
	if want := time.Date(2024, 1, 1, 0, 2, 0, 0, time.UTC); !w.Reset().Equal(want) {
		t.Fatalf("reset=%s want %s", w.Reset(), want)
	}
}

func TestWindowRelease(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(0, 0)}
	w := NewWindow(model.RateBudget{Window: time.Minute, Max: 1}, clk.Now)
	if !w.Allow() {
		t.Fatal("first allow refused")
	}
	w.Release()
	if !w.Allow() {
		t.Fatal("released slot was not reusable")
	}
	w.Release()
	w.Release() // extra releases never go below zero
	if !w.Allow() || w.Allow() {
		t.Fatal("budget drifted after extra release")
	}
}

func TestWindowDisabled(t *testing.T) {
	t.Parallel()

	var nilWin *Window
	if !nilWin.Allow() {
		t.Fatal("nil window must allow")
	}
	w := NewWindow(model.RateBudget{}, nil)
	for i := 0; i < 1000; i++ {
		if !w.Allow() {
			t.Fatal("disabled budget must allow")
		}
	}
}

func TestWindowConcurrentNoDoubleSpend(t *testing.T) {
	t.Parallel()

	const (
		budget     = 100
		goroutines = 64
		attempts   = 50
	)
	w := NewWindow(model.RateBudget{Window: time.Hour, Max: budget}, nil)

	var granted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < attempts; i++ {
				if w.Allow() {
					granted.Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != budget {
		t.Fatalf("granted %d slots, budget %d", got, budget)
	}
}

func TestWindowConcurrentAllowRelease(t *testing.T) {
	t.Parallel()

	const budget = 10
	w := NewWindow(model.RateBudget{Window: time.Hour, Max: budget}, nil)

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !w.Allow() {
					continue
				}
				n := inUse.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				inUse.Add(-1)
				w.Release()
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > budget {
		t.Fatalf("peak concurrent holders %d exceeds budget %d", p, budget)
	}
	if got := w.Remaining(); got != budget {
		t.Fatalf("remaining=%d after all releases", got)
	}
}

func TestRegistryRebuildsOnBudgetChange(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	a := r.Get("m1", model.RateBudget{Window: time.Minute, Max: 1})
	if a != r.Get("m1", model.RateBudget{Window: time.Minute, Max: 1}) {
		t.Fatal("same budget must return the same window")
	}
	b := r.Get("m1", model.RateBudget{Window: time.Minute, Max: 2})
	if a == b {
		t.Fatal("changed budget must rebuild the window")
	}
	r.Get("m2", model.RateBudget{})
	r.Get("article:x", model.RateBudget{})
	r.Prune("", map[string]struct{}{"m2": {}, "article:x": {}})
	r.Get("medium:a", model.RateBudget{})
	r.Prune("medium:", map[string]struct{}{})
	if r.Len() != 2 {
		t.Fatalf("len=%d after prune", r.Len())
	}
}

func TestRegistryExpire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	r := NewRegistry(clk.Now)
	w := r.Get("article:1", model.RateBudget{Window: time.Minute, Max: 1})
	if !w.Allow() {
		t.Fatal("allow refused")
	}
	r.Get("article:2", model.RateBudget{Window: time.Hour, Max: 1})

	clk.Advance(2 * time.Minute)
	if n := r.Expire(); n != 1 {
		t.Fatalf("expired %d", n)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
	if !r.Get("article:1", model.RateBudget{Window: time.Minute, Max: 1}).Allow() {
		t.Fatal("recreated window must start empty")
	}
}

func TestRegistryTakeSurvivesExpire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	r := NewRegistry(clk.Now)
	b := model.RateBudget{Window: time.Minute, Max: 2}

	if _, ok := r.Take("medium:tg", b); !ok {
		t.Fatal("first take refused")
	}
	clk.Advance(2 * time.Minute)
	r.Expire()

	// Takes interleaved with expiry must still share one window.
	granted := 0
	for i := 0; i < 6; i++ {
		if _, ok := r.Take("medium:tg", b); ok {
			granted++
		}
		if i%2 == 0 {
			r.Expire()
		}
	}
	if granted != b.Max {
		t.Fatalf("granted %d slots in one window, budget %d", granted, b.Max)
	}
}

func TestRegistryTakeReleaseRefunds(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	b := model.RateBudget{Window: time.Hour, Max: 1}
	w, ok := r.Take("article:1", b)
	if !ok {
		t.Fatal("take refused")
	}
	if _, ok := r.Take("article:1", b); ok {
		t.Fatal("took past budget")
	}
	w.Release()
	if _, ok := r.Take("article:1", b); !ok {
		t.Fatal("refunded slot not reusable")
	}
}
