// Package ratelimit implements fixed-window budgets shared by concurrent
// delivery attempts.
//
// A Window never double-spends: Allow is a compare-and-swap loop over an
// immutable snapshot, so concurrent callers either win a slot or see the
// budget exhausted.
package ratelimit

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/model"
)

type state struct {
	start time.Time
	used  int
}

// Window allows at most Max events per fixed Window. The zero Budget (or a
// nil *Window) allows everything.
type Window struct {
	budget model.RateBudget
	now    func() time.Time
	cur    atomic.Pointer[state]
}

func NewWindow(b model.RateBudget, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	w := &Window{budget: b, now: now}
	w.cur.Store(&state{start: now()})
	return w
}

func (w *Window) Budget() model.RateBudget {
	if w == nil {
		return model.RateBudget{}
	}
	return w.budget
}

// Allow takes one slot if the current window has room.
func (w *Window) Allow() bool {
	if w == nil || !w.budget.Enabled() {
		return true
	}
	for {
		old := w.cur.Load()
		now := w.now()
		next := &state{start: old.start, used: old.used}
		if !now.Before(old.start.Add(w.budget.Window)) {
			next.start = windowStart(old.start, now, w.budget.Window)
			next.used = 0
		}
		if next.used >= w.budget.Max {
			if next.start != old.start {
				// Persist the roll so Remaining reports the new window.
				w.cur.CompareAndSwap(old, next)
			}
			return false
		}
		next.used++
		if w.cur.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Release returns a slot taken by Allow in the same window. It is used when a
// later check refuses the attempt the slot was taken for.
func (w *Window) Release() {
	if w == nil || !w.budget.Enabled() {
		return
	}
	for {
		old := w.cur.Load()
		if old.used == 0 || !w.now().Before(old.start.Add(w.budget.Window)) {
			return
		}
		next := &state{start: old.start, used: old.used - 1}
		if w.cur.CompareAndSwap(old, next) {
			return
		}
	}
}

// Remaining reports the unused slots of the current window.
func (w *Window) Remaining() int {
	if w == nil || !w.budget.Enabled() {
		return -1
	}
	s := w.cur.Load()
	if !w.now().Before(s.start.Add(w.budget.Window)) {
		return w.budget.Max
	}
	return max(w.budget.Max-s.used, 0)
}

// Reset reports when the current window ends.
func (w *Window) Reset() time.Time {
	if w == nil || !w.budget.Enabled() {
		return time.Time{}
	}
	return w.cur.Load().start.Add(w.budget.Window)
}

// windowStart aligns now to the grid anchored at prev.
func windowStart(prev, now time.Time, win time.Duration) time.Time {
	n := now.Sub(prev) / win
	return prev.Add(n * win)
}

// Registry hands out one Window per key and rebuilds a key's window when its
// budget changes (config reload).
type Registry struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]*Window
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{now: now, m: map[string]*Window{}}
}

func (r *Registry) Get(key string, b model.RateBudget) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(key, b)
}

// Take looks up key's window and takes one slot from it under the registry
// lock, so Expire, Prune or a budget rebuild can never leave two live windows
// spending the same key. The window is returned for Release only.
func (r *Registry) Take(key string, b model.RateBudget) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.lookup(key, b)
	return w, w.Allow()
}

func (r *Registry) lookup(key string, b model.RateBudget) *Window {
	if w, ok := r.m[key]; ok && w.budget == b {
		return w
	}
	w := NewWindow(b, r.now)
	r.m[key] = w
	return w
}

// Prune drops the windows under prefix whose remaining key is not in keep.
// Keys outside prefix are left alone.
func (r *Registry) Prune(prefix string, keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.m {
		name, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if _, ok := keep[name]; !ok {
			delete(r.m, k)
		}
	}
}

// Expire drops windows that have been idle for a full period past their end;
// a fresh window behaves the same, so this only bounds memory for
// short-lived keys.
func (r *Registry) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for k, w := range r.m {
		if !w.budget.Enabled() || !now.Before(w.Reset().Add(w.budget.Window)) {
			delete(r.m, k)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
