package storage

import (
	"errors"
	"time"

	"feedrelay/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrActiveDelivery is returned when a PENDING_DELIVERY row is appended
	// for a pair that already has one.
	ErrActiveDelivery = errors.New("storage: active delivery exists for article and medium")
	// ErrAlreadyResolved is returned when a row that is already terminal is resolved again.
	ErrAlreadyResolved = errors.New("storage: delivery log already resolved")
	ErrInvalidStatus   = errors.New("storage: invalid delivery status")
	ErrDuplicateID     = errors.New("storage: duplicate row id")
	ErrClosed          = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on restart (default)
//   - "file": JSON Lines journal plus snapshot
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL via lib/pq; DSN is required
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	// FetchHistory caps fetch attempts kept per feed by the memory and file
	// drivers. SQL drivers keep everything. 0 means 500.
	FetchHistory int
	// CompactEvery is the number of journal writes between file snapshots. 0 means 1000.
	CompactEvery int
}

// Resolution is the terminal outcome written onto a pending delivery row.
type Resolution struct {
	Status         model.DeliveryLogStatus
	Parts          int
	PartsDelivered int
	Detail         string
	At             time.Time
}

// DeliveryQuery filters ReadDeliveryLogs. Empty fields match everything.
// Results are ordered by append sequence.
type DeliveryQuery struct {
	FeedID    string
	ArticleID string
	MediumID  string
	Status    model.DeliveryLogStatus
	Limit     int
}

func (q DeliveryQuery) match(r model.DeliveryLog) bool {
	return (q.FeedID == "" || q.FeedID == r.FeedID) &&
		(q.ArticleID == "" || q.ArticleID == r.ArticleID) &&
		(q.MediumID == "" || q.MediumID == r.MediumID) &&
		(q.Status == "" || q.Status == r.Status)
}
