package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"feedrelay/internal/model"
	logx "feedrelay/pkg/logx"
)

// sqlStore is shared by the sqlite and postgres drivers. Queries are built
// with squirrel so only the placeholder format and DDL differ per dialect.
// Timestamps are stored as unix milliseconds.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	driver string
	sb     sq.StatementBuilderType
	// isUnique reports whether err is a unique-constraint violation.
	isUnique func(err error) bool
}

const (
	tblFeedState  = "feed_state"
	tblFetches    = "fetch_attempts"
	tblDeliveries = "delivery_logs"
)

var deliveryCols = []string{
	"seq", "id", "feed_id", "article_id", "medium_id", "at_ms", "status",
	"parts", "parts_delivered", "detail", "resolved_ms",
}

func newSQLStore(db *sql.DB, driver string, ph sq.PlaceholderFormat, isUnique func(error) bool, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:       db,
		log:      log,
		driver:   driver,
		sb:       sq.StatementBuilder.PlaceholderFormat(ph).RunWith(db),
		isUnique: isUnique,
	}
}

func (s *sqlStore) DB() *sql.DB    { return s.db }
func (s *sqlStore) Driver() string { return s.driver }

func (s *sqlStore) migrate(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func (s *sqlStore) GetFeedState(ctx context.Context, feedID string) (model.FeedState, bool, error) {
	var (
		st                          model.FeedState
		lastStatus                  string
		lastOK, nextPoll, updatedMS int64
	)
	err := s.sb.Select("feed_id", "hash", "last_success_ms", "failures", "last_status", "next_poll_ms", "updated_ms").
		From(tblFeedState).
		Where(sq.Eq{"feed_id": feedID}).
		QueryRowContext(ctx).
		Scan(&st.FeedID, &st.Hash, &lastOK, &st.Backoff.Failures, &lastStatus, &nextPoll, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FeedState{}, false, nil
	}
	if err != nil {
		return model.FeedState{}, false, err
	}
	st.LastSuccessfulPoll = fromMS(lastOK)
	st.Backoff.LastStatus = model.RequestStatus(lastStatus)
	st.Backoff.NextPollAt = fromMS(nextPoll)
	st.UpdatedAt = fromMS(updatedMS)
	return st, true, nil
}

func (s *sqlStore) UpsertFeedState(ctx context.Context, st model.FeedState) error {
	_, err := s.sb.Insert(tblFeedState).
		Columns("feed_id", "hash", "last_success_ms", "failures", "last_status", "next_poll_ms", "updated_ms").
		Values(st.FeedID, st.Hash, ms(st.LastSuccessfulPoll), st.Backoff.Failures, string(st.Backoff.LastStatus), ms(st.Backoff.NextPollAt), ms(st.UpdatedAt)).
		Suffix(`ON CONFLICT (feed_id) DO UPDATE SET
			hash = excluded.hash,
			last_success_ms = excluded.last_success_ms,
			failures = excluded.failures,
			last_status = excluded.last_status,
			next_poll_ms = excluded.next_poll_ms,
			updated_ms = excluded.updated_ms`).
		ExecContext(ctx)
	return err
}

func (s *sqlStore) AppendFetchAttempt(ctx context.Context, a model.FetchAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.sb.Insert(tblFetches).
		Columns("id", "feed_id", "at_ms", "status", "elapsed_ms", "size", "http_status", "err").
		Values(a.ID, a.FeedID, ms(a.At), string(a.Status), a.Elapsed.Milliseconds(), a.Size, a.HTTPStatus, a.Error).
		ExecContext(ctx)
	return err
}

func (s *sqlStore) ReadFetchAttempts(ctx context.Context, feedID string, limit int) ([]model.FetchAttempt, error) {
	q := s.sb.Select("id", "feed_id", "at_ms", "status", "elapsed_ms", "size", "http_status", "err").
		From(tblFetches).
		Where(sq.Eq{"feed_id": feedID}).
		OrderBy("at_ms DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FetchAttempt
	for rows.Next() {
		var (
			a             model.FetchAttempt
			at, elapsedMS int64
			status        string
		)
		if err := rows.Scan(&a.ID, &a.FeedID, &at, &status, &elapsedMS, &a.Size, &a.HTTPStatus, &a.Error); err != nil {
			return nil, err
		}
		a.At = fromMS(at)
		a.Status = model.RequestStatus(status)
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendDeliveryLog(ctx context.Context, row model.DeliveryLog) (model.DeliveryLog, error) {
	if !row.Status.Valid() {
		return model.DeliveryLog{}, ErrInvalidStatus
	}
	row = prepareRow(row)
	err := s.sb.Insert(tblDeliveries).
		Columns(deliveryCols[1:]...).
		Values(row.ID, row.FeedID, row.ArticleID, row.MediumID, ms(row.At), string(row.Status),
			row.Parts, row.PartsDelivered, row.Detail, ms(row.ResolvedAt)).
		Suffix("RETURNING seq").
		QueryRowContext(ctx).
		Scan(&row.Seq)
	if err != nil {
		if s.isUnique != nil && s.isUnique(err) {
			if row.Status == model.DeliveryPending {
				return model.DeliveryLog{}, ErrActiveDelivery
			}
			return model.DeliveryLog{}, ErrDuplicateID
		}
		return model.DeliveryLog{}, err
	}
	return row, nil
}

func (s *sqlStore) ResolveDeliveryLog(ctx context.Context, id string, res Resolution) error {
	if err := validResolution(res); err != nil {
		return err
	}
	if res.At.IsZero() {
		res.At = time.Now()
	}
	r, err := s.sb.Update(tblDeliveries).
		Set("status", string(res.Status)).
		Set("parts", res.Parts).
		Set("parts_delivered", res.PartsDelivered).
		Set("detail", res.Detail).
		Set("resolved_ms", ms(res.At)).
		Where(sq.Eq{"id": id, "status": string(model.DeliveryPending)}).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.sb.Select("status").From(tblDeliveries).Where(sq.Eq{"id": id}).QueryRowContext(ctx).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResolved
}

func (s *sqlStore) ReadActiveDeliveryLogs(ctx context.Context, articleID, mediumID string) ([]model.DeliveryLog, error) {
	return s.selectLogs(ctx, sq.Eq{
		"article_id": articleID,
		"medium_id":  mediumID,
		"status":     string(model.DeliveryPending),
	}, 0)
}

func (s *sqlStore) ReadDeliveryLogs(ctx context.Context, q DeliveryQuery) ([]model.DeliveryLog, error) {
	where := sq.Eq{}
	if q.FeedID != "" {
		where["feed_id"] = q.FeedID
	}
	if q.ArticleID != "" {
		where["article_id"] = q.ArticleID
	}
	if q.MediumID != "" {
		where["medium_id"] = q.MediumID
	}
	if q.Status != "" {
		where["status"] = string(q.Status)
	}
	return s.selectLogs(ctx, where, q.Limit)
}

func (s *sqlStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.DeliveryLog, error) {
	return s.selectLogs(ctx, sq.And{
		sq.Eq{"status": string(model.DeliveryPending)},
		sq.Lt{"at_ms": ms(olderThan)},
	}, limit)
}

func (s *sqlStore) selectLogs(ctx context.Context, where sq.Sqlizer, limit int) ([]model.DeliveryLog, error) {
	q := s.sb.Select(deliveryCols...).From(tblDeliveries).Where(where).OrderBy("seq ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryLog
	for rows.Next() {
		var (
			r              model.DeliveryLog
			at, resolvedMS int64
			status         string
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.FeedID, &r.ArticleID, &r.MediumID, &at, &status,
			&r.Parts, &r.PartsDelivered, &r.Detail, &resolvedMS); err != nil {
			return nil, err
		}
		r.At = fromMS(at)
		r.ResolvedAt = fromMS(resolvedMS)
		r.Status = model.DeliveryLogStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// schema returns the DDL for a dialect. seqType is the auto-increment key column.
func schema(seqType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS feed_state (
			feed_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL DEFAULT '',
			last_success_ms BIGINT NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT '',
			next_poll_ms BIGINT NOT NULL DEFAULT 0,
			updated_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_attempts (
			id TEXT PRIMARY KEY,
			feed_id TEXT NOT NULL,
			at_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			size BIGINT NOT NULL DEFAULT 0,
			http_status INTEGER NOT NULL DEFAULT 0,
			err TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_attempts_feed_at ON fetch_attempts(feed_id, at_ms)`,
		`CREATE TABLE IF NOT EXISTS delivery_logs (
			seq ` + seqType + `,
			id TEXT NOT NULL UNIQUE,
			feed_id TEXT NOT NULL,
			article_id TEXT NOT NULL,
			medium_id TEXT NOT NULL,
			at_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			parts INTEGER NOT NULL DEFAULT 0,
			parts_delivered INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			resolved_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_pair ON delivery_logs(article_id, medium_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_feed ON delivery_logs(feed_id, seq)`,
		// At most one pending row per (article, medium).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_delivery_logs_active ON delivery_logs(article_id, medium_id) WHERE status = 'PENDING_DELIVERY'`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_pending ON delivery_logs(status, at_ms)`,
	}
}

func containsFold(err error, sub string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
