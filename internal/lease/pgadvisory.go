package lease

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"sync"
)

// PGAdvisory leases keys with Postgres session advisory locks so several
// instances can share one feed list. Each live lease pins one pooled
// connection, because advisory locks belong to the session that took them.
type PGAdvisory struct {
	db        *sql.DB
	namespace string
}

func NewPGAdvisory(db *sql.DB, namespace string) *PGAdvisory {
	if namespace == "" {
		namespace = "feedrelay"
	}
	return &PGAdvisory{db: db, namespace: namespace}
}

// LockID maps a key onto the bigint advisory lock space.
func (p *PGAdvisory) LockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (p *PGAdvisory) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lease: get connection: %w", err)
	}
	id := p.LockID(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return &pgLease{conn: conn, key: key, id: id}, true, nil
}

type pgLease struct {
	mu   sync.Mutex
	conn *sql.Conn
	key  string
	id   int64
}

func (l *pgLease) Key() string { return l.key }

func (l *pgLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id).Scan(&released); err != nil {
		// The session may still hold the lock; it must not go back to the pool.
		discard(conn)
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	_ = conn.Close()
	if !released {
		return ErrNotHeld
	}
	return nil
}

// discard closes the driver connection behind conn rather than returning it
// to the pool, which ends the Postgres session and its advisory locks.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
