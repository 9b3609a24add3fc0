package lease

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

// advisoryConnector stands in for Postgres: try-lock always succeeds and
// unlock fails while failUnlock is set.
type advisoryConnector struct {
	failUnlock atomic.Bool
	opened     atomic.Int32
	closed     atomic.Int32
}

func (c *advisoryConnector) Connect(context.Context) (driver.Conn, error) {
	c.opened.Add(1)
	return &advisoryConn{c: c}, nil
}

func (c *advisoryConnector) Driver() driver.Driver { return advisoryDriver{c} }

type advisoryDriver struct{ c *advisoryConnector }

func (d advisoryDriver) Open(string) (driver.Conn, error) { return d.c.Connect(context.Background()) }

type advisoryConn struct{ c *advisoryConnector }

func (*advisoryConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (*advisoryConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (cn *advisoryConn) Close() error {
	cn.c.closed.Add(1)
	return nil
}

func (cn *advisoryConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if strings.Contains(query, "pg_advisory_unlock") && cn.c.failUnlock.Load() {
		return nil, errors.New("canceling statement due to statement timeout")
	}
	return &boolRows{v: true}, nil
}

type boolRows struct {
	v    bool
	done bool
}

func (*boolRows) Columns() []string { return []string{"locked"} }
func (*boolRows) Close() error      { return nil }

func (r *boolRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.v
	return nil
}

func TestPGAdvisoryReleaseReturnsConnection(t *testing.T) {
	t.Parallel()

	c := &advisoryConnector{}
	db := sql.OpenDB(c)
	defer db.Close()
	p := NewPGAdvisory(db, "")

	l, ok, err := p.TryAcquire(context.Background(), "feed-1")
	if err != nil || !ok {
		t.Fatalf("acquire ok=%v err=%v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := c.closed.Load(); got != 0 {
		t.Fatalf("clean release closed %d connections", got)
	}
	if err := l.Release(context.Background()); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("second release err=%v", err)
	}
}

func TestPGAdvisoryFailedUnlockDropsSession(t *testing.T) {
	t.Parallel()

	c := &advisoryConnector{}
	db := sql.OpenDB(c)
	defer db.Close()
	p := NewPGAdvisory(db, "")

	l, ok, err := p.TryAcquire(context.Background(), "feed-1")
	if err != nil || !ok {
		t.Fatalf("acquire ok=%v err=%v", ok, err)
	}
	c.failUnlock.Store(true)
	if err := l.Release(context.Background()); err == nil {
		t.Fatal("failed unlock reported success")
	}
	if got := c.closed.Load(); got != 1 {
		t.Fatalf("closed %d connections, want the lease session dropped", got)
	}

	// The next lease must run on a fresh session.
	c.failUnlock.Store(false)
	l2, ok, err := p.TryAcquire(context.Background(), "feed-1")
	if err != nil || !ok {
		t.Fatalf("reacquire ok=%v err=%v", ok, err)
	}
	if got := c.opened.Load(); got != 2 {
		t.Fatalf("opened %d connections", got)
	}
	if err := l2.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}
