package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedrelay/internal/model"
	logx "feedrelay/pkg/logx"
)

// fileStore persists the memory dataset without a database.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// Every mutation is validated against memory first, then journaled, then
// applied, so a failed write never leaves memory ahead of disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	st *memState

	snapshotPath string
	journal      *os.File

	writes       int
	compactEvery int
}

const (
	opFeed    = "feed"
	opFetch   = "fetch"
	opLog     = "log"
	opResolve = "resolve"
)

type journalRecord struct {
	Op      string              `json:"op"`
	Feed    *model.FeedState    `json:"feed,omitempty"`
	Fetch   *model.FetchAttempt `json:"fetch,omitempty"`
	Log     *model.DeliveryLog  `json:"log,omitempty"`
	ID      string              `json:"id,omitempty"`
	Resolve *resolveRecord      `json:"resolve,omitempty"`
}

type resolveRecord struct {
	Status         model.DeliveryLogStatus `json:"status"`
	Parts          int                     `json:"parts,omitempty"`
	PartsDelivered int                     `json:"parts_delivered,omitempty"`
	Detail         string                  `json:"detail,omitempty"`
	At             time.Time               `json:"at"`
}

type snapshot struct {
	Seq     int64                           `json:"seq"`
	Feeds   map[string]model.FeedState      `json:"feeds"`
	Fetches map[string][]model.FetchAttempt `json:"fetches"`
	Logs    []model.DeliveryLog             `json:"logs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newMemState(cfg.FetchHistory)
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n > 0 {
		log.Debug("journal replayed", logx.Int("records", n))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	return nil
}

// afterWriteLocked compacts once enough records piled up. Compaction is
// best-effort; the journal stays authoritative when it fails.
func (s *fileStore) afterWriteLocked() {
	if s.writes%s.compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) GetFeedState(ctx context.Context, feedID string) (model.FeedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.FeedState{}, false, ErrClosed
	}
	st, ok := s.st.feeds[feedID]
	return st, ok, nil
}

func (s *fileStore) UpsertFeedState(ctx context.Context, st model.FeedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opFeed, Feed: &st}); err != nil {
		return err
	}
	s.st.putFeed(st)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) AppendFetchAttempt(ctx context.Context, a model.FetchAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opFetch, Fetch: &a}); err != nil {
		return err
	}
	s.st.addFetch(a)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) ReadFetchAttempts(ctx context.Context, feedID string, limit int) ([]model.FetchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.recentFetches(feedID, limit), nil
}

func (s *fileStore) AppendDeliveryLog(ctx context.Context, row model.DeliveryLog) (model.DeliveryLog, error) {
	row = prepareRow(row)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.DeliveryLog{}, ErrClosed
	}
	if err := s.st.checkAppend(row); err != nil {
		return model.DeliveryLog{}, err
	}
	row.Seq = s.st.seq + 1
	if err := s.appendLocked(journalRecord{Op: opLog, Log: &row}); err != nil {
		return model.DeliveryLog{}, err
	}
	out := s.st.addLog(row)
	s.afterWriteLocked()
	return out, nil
}

func (s *fileStore) ResolveDeliveryLog(ctx context.Context, id string, res Resolution) error {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.st.checkResolve(id, res); err != nil {
		return err
	}
	rec := resolveRecord{Status: res.Status, Parts: res.Parts, PartsDelivered: res.PartsDelivered, Detail: res.Detail, At: res.At}
	if err := s.appendLocked(journalRecord{Op: opResolve, ID: id, Resolve: &rec}); err != nil {
		return err
	}
	s.st.resolve(id, res)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) ReadActiveDeliveryLogs(ctx context.Context, articleID, mediumID string) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.activeFor(articleID, mediumID), nil
}

func (s *fileStore) ReadDeliveryLogs(ctx context.Context, q DeliveryQuery) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.query(q), nil
}

func (s *fileStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.stale(olderThan, limit), nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Seq:     s.st.seq,
		Feeds:   s.st.feeds,
		Fetches: s.st.fetches,
		Logs:    s.st.logs,
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Feeds {
		st.feeds[k] = v
	}
	for _, list := range snap.Fetches {
		for _, a := range list {
			st.addFetch(a)
		}
	}
	for _, r := range snap.Logs {
		st.addLog(r)
	}
	if snap.Seq > st.seq {
		st.seq = snap.Seq
	}
	return nil
}

// replayJournal applies records in order. Lines that do not decode (a torn
// final write) or no longer validate are skipped.
func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opFeed:
			if r.Feed != nil {
				st.putFeed(*r.Feed)
			}
		case opFetch:
			if r.Fetch != nil {
				st.addFetch(*r.Fetch)
			}
		case opLog:
			if r.Log == nil || st.checkAppend(*r.Log) != nil {
				continue
			}
			st.addLog(*r.Log)
		case opResolve:
			if r.Resolve == nil {
				continue
			}
			res := Resolution{Status: r.Resolve.Status, Parts: r.Resolve.Parts, PartsDelivered: r.Resolve.PartsDelivered, Detail: r.Resolve.Detail, At: r.Resolve.At}
			if st.checkResolve(r.ID, res) != nil {
				continue
			}
			st.resolve(r.ID, res)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
