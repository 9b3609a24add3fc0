package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedrelay/internal/model"
)

// memState holds the whole dataset. It does no locking; memStore and
// fileStore guard it with their own mutex.
type memState struct {
	feeds    map[string]model.FeedState
	fetches  map[string][]model.FetchAttempt
	logs     []model.DeliveryLog
	byID     map[string]int    // row id -> index in logs
	byPair   map[string][]int  // pairKey -> indexes in logs, oldest first
	active   map[string]string // pairKey -> pending row id
	seq      int64
	fetchCap int
}

func newMemState(fetchCap int) *memState {
	if fetchCap <= 0 {
		fetchCap = 500
	}
	return &memState{
		feeds:    map[string]model.FeedState{},
		fetches:  map[string][]model.FetchAttempt{},
		byID:     map[string]int{},
		byPair:   map[string][]int{},
		active:   map[string]string{},
		fetchCap: fetchCap,
	}
}

func pairKey(articleID, mediumID string) string {
	return articleID + "\x00" + mediumID
}

func (m *memState) putFeed(st model.FeedState) {
	m.feeds[st.FeedID] = st
}

func (m *memState) addFetch(a model.FetchAttempt) {
	list := append(m.fetches[a.FeedID], a)
	if len(list) > m.fetchCap {
		list = append([]model.FetchAttempt(nil), list[len(list)-m.fetchCap:]...)
	}
	m.fetches[a.FeedID] = list
}

// checkAppend validates row without changing state.
func (m *memState) checkAppend(row model.DeliveryLog) error {
	if !row.Status.Valid() {
		return ErrInvalidStatus
	}
	if _, dup := m.byID[row.ID]; dup {
		return ErrDuplicateID
	}
	if row.Status == model.DeliveryPending {
		if _, busy := m.active[pairKey(row.ArticleID, row.MediumID)]; busy {
			return ErrActiveDelivery
		}
	}
	return nil
}

// addLog assumes checkAppend passed. A Seq already set (journal replay) is kept.
func (m *memState) addLog(row model.DeliveryLog) model.DeliveryLog {
	if row.Seq <= 0 {
		m.seq++
		row.Seq = m.seq
	} else if row.Seq > m.seq {
		m.seq = row.Seq
	}
	key := pairKey(row.ArticleID, row.MediumID)
	m.byID[row.ID] = len(m.logs)
	m.byPair[key] = append(m.byPair[key], len(m.logs))
	m.logs = append(m.logs, row)
	if row.Status == model.DeliveryPending {
		m.active[key] = row.ID
	}
	return row
}

func (m *memState) checkResolve(id string, res Resolution) error {
	if err := validResolution(res); err != nil {
		return err
	}
	i, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.logs[i].Status != model.DeliveryPending {
		return ErrAlreadyResolved
	}
	return nil
}

func (m *memState) resolve(id string, res Resolution) {
	i := m.byID[id]
	row := m.logs[i]
	row.Status = res.Status
	row.Parts = res.Parts
	row.PartsDelivered = res.PartsDelivered
	row.Detail = res.Detail
	row.ResolvedAt = res.At
	m.logs[i] = row
	delete(m.active, pairKey(row.ArticleID, row.MediumID))
}

func (m *memState) query(q DeliveryQuery) []model.DeliveryLog {
	var out []model.DeliveryLog
	if q.ArticleID != "" && q.MediumID != "" {
		for _, i := range m.byPair[pairKey(q.ArticleID, q.MediumID)] {
			r := m.logs[i]
			if !q.match(r) {
				continue
			}
			out = append(out, r)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return out
	}
	for _, r := range m.logs {
		if !q.match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func (m *memState) activeFor(articleID, mediumID string) []model.DeliveryLog {
	id, ok := m.active[pairKey(articleID, mediumID)]
	if !ok {
		return nil
	}
	return []model.DeliveryLog{m.logs[m.byID[id]]}
}

func (m *memState) stale(olderThan time.Time, limit int) []model.DeliveryLog {
	var out []model.DeliveryLog
	for _, id := range m.active {
		r := m.logs[m.byID[id]]
		if r.At.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memState) recentFetches(feedID string, limit int) []model.FetchAttempt {
	list := m.fetches[feedID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]model.FetchAttempt, len(list))
	// newest first
	for i := range list {
		out[i] = list[len(list)-1-i]
	}
	return out
}

func prepareRow(row model.DeliveryLog) model.DeliveryLog {
	if strings.TrimSpace(row.ID) == "" {
		row.ID = uuid.NewString()
	}
	if row.At.IsZero() {
		row.At = time.Now()
	}
	return row
}

// memStore is the default, process-local Store.
type memStore struct {
	mu     sync.Mutex
	st     *memState
	closed bool
}

func NewMemory(cfg Config) Store {
	return &memStore{st: newMemState(cfg.FetchHistory)}
}

func (s *memStore) GetFeedState(ctx context.Context, feedID string) (model.FeedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.FeedState{}, false, ErrClosed
	}
	st, ok := s.st.feeds[feedID]
	return st, ok, nil
}

func (s *memStore) UpsertFeedState(ctx context.Context, st model.FeedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.putFeed(st)
	return nil
}

func (s *memStore) AppendFetchAttempt(ctx context.Context, a model.FetchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.st.addFetch(a)
	return nil
}

func (s *memStore) ReadFetchAttempts(ctx context.Context, feedID string, limit int) ([]model.FetchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.recentFetches(feedID, limit), nil
}

func (s *memStore) AppendDeliveryLog(ctx context.Context, row model.DeliveryLog) (model.DeliveryLog, error) {
	row = prepareRow(row)
	row.Seq = 0
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.DeliveryLog{}, ErrClosed
	}
	if err := s.st.checkAppend(row); err != nil {
		return model.DeliveryLog{}, err
	}
	return s.st.addLog(row), nil
}

func (s *memStore) ResolveDeliveryLog(ctx context.Context, id string, res Resolution) error {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.st.checkResolve(id, res); err != nil {
		return err
	}
	s.st.resolve(id, res)
	return nil
}

func (s *memStore) ReadActiveDeliveryLogs(ctx context.Context, articleID, mediumID string) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.activeFor(articleID, mediumID), nil
}

func (s *memStore) ReadDeliveryLogs(ctx context.Context, q DeliveryQuery) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.query(q), nil
}

func (s *memStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.stale(olderThan, limit), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
