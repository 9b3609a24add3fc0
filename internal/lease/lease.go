// Package lease provides exclusive per-key leases. The poller holds one per
// feed for the duration of a poll cycle.
package lease

import (
	"context"
	"errors"
	"sync"
)

var ErrNotHeld = errors.New("lease: not held")

type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker grants at most one live Lease per key. TryAcquire never waits for a
// busy key; it reports ok=false instead.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (l Lease, ok bool, err error)
}

// Table is an in-process mutex table.
type Table struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewTable() *Table {
	return &Table{held: map[string]uint64{}}
}

func (t *Table) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[key]; busy {
		return nil, false, nil
	}
	t.seq++
	t.held[key] = t.seq
	return &tableLease{t: t, key: key, token: t.seq}, true, nil
}

// Held reports whether key is currently leased.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}

type tableLease struct {
	t     *Table
	key   string
	token uint64
	once  sync.Once
}

func (l *tableLease) Key() string { return l.key }

func (l *tableLease) Release(context.Context) error {
	err := ErrNotHeld
	l.once.Do(func() {
		l.t.mu.Lock()
		defer l.t.mu.Unlock()
		if tok, ok := l.t.held[l.key]; ok && tok == l.token {
			delete(l.t.held, l.key)
			err = nil
		}
	})
	return err
}
