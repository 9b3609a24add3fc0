package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"feedrelay/internal/model"
	logx "feedrelay/pkg/logx"
)

// Store is the persistence API used by the poller and the delivery logger.
// Implementations are safe for concurrent use.
type Store interface {
	GetFeedState(ctx context.Context, feedID string) (model.FeedState, bool, error)
	UpsertFeedState(ctx context.Context, st model.FeedState) error

	AppendFetchAttempt(ctx context.Context, a model.FetchAttempt) error
	ReadFetchAttempts(ctx context.Context, feedID string, limit int) ([]model.FetchAttempt, error)

	// AppendDeliveryLog stores row and returns it with Seq set. A pending row
	// fails with ErrActiveDelivery when its pair already has one.
	AppendDeliveryLog(ctx context.Context, row model.DeliveryLog) (model.DeliveryLog, error)
	// ResolveDeliveryLog moves a pending row to a terminal status, once.
	ResolveDeliveryLog(ctx context.Context, id string, res Resolution) error
	ReadActiveDeliveryLogs(ctx context.Context, articleID, mediumID string) ([]model.DeliveryLog, error)
	ReadDeliveryLogs(ctx context.Context, q DeliveryQuery) ([]model.DeliveryLog, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.DeliveryLog, error)

	Close() error
}

// SQLStore is implemented by the SQL drivers; the handle is shared with
// components that need the same database (advisory leases).
type SQLStore interface {
	Store
	DB() *sql.DB
	Driver() string
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validResolution(res Resolution) error {
	if !res.Status.Terminal() {
		return ErrInvalidStatus
	}
	return nil
}
