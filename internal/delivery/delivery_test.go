package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

type fakeMedium struct {
	id string

	mu    sync.Mutex
	calls []string
	// receipt decides the outcome; nil means full single-part success.
	receipt func(a model.Article) Receipt
}

func (m *fakeMedium) ID() string { return m.id }

func (m *fakeMedium) Deliver(ctx context.Context, a model.Article) Receipt {
	m.mu.Lock()
	m.calls = append(m.calls, a.ID)
	m.mu.Unlock()
	if m.receipt != nil {
		return m.receipt(a)
	}
	return Receipt{Parts: 1, Delivered: 1}
}

func (m *fakeMedium) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func articles(n int) []model.Article {
	out := make([]model.Article, n)
	for i := range out {
		out[i] = model.Article{FeedID: "f1", ID: "a" + string(rune('0'+i)), Title: "Post " + string(rune('0'+i))}
	}
	return out
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, storage.Store) {
	t.Helper()
	st := storage.NewMemory(storage.Config{})
	t.Cleanup(func() { _ = st.Close() })
	lg := NewLogger(st, nil, logx.Nop(), nil)
	return NewScheduler(cfg, st, lg, ratelimit.NewRegistry(nil), logx.Nop()), st
}

func mustTarget(t *testing.T, cfg model.Medium, m Medium) Target {
	t.Helper()
	tg, err := NewTarget(cfg, m)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	return tg
}

func rowsFor(t *testing.T, st storage.Store, q storage.DeliveryQuery) []model.DeliveryLog {
	t.Helper()
	rows, err := st.ReadDeliveryLogs(context.Background(), q)
	if err != nil {
		t.Fatalf("ReadDeliveryLogs: %v", err)
	}
	return rows
}

func TestFilteredOutMakesNoCall(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	m := &fakeMedium{id: "m1"}
	tg := mustTarget(t, model.Medium{ID: "m1", Filters: []model.Filter{{Field: "title", Contains: []string{"golang"}}}}, m)

	sum := s.Schedule(context.Background(), []model.Article{{FeedID: "f1", ID: "a1", Title: "<b>Rust</b> news"}}, []Target{tg})

	if len(m.Calls()) != 0 {
		t.Fatalf("filtered article was delivered: %v", m.Calls())
	}
	rows := rowsFor(t, st, storage.DeliveryQuery{})
	if len(rows) != 1 || rows[0].Status != model.DeliveryFilteredOut {
		t.Fatalf("rows=%+v", rows)
	}
	if sum.Statuses[model.DeliveryFilteredOut] != 1 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestMediumBudgetExhaustedMakesNoCalls(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	m := &fakeMedium{id: "m1"}
	tg := mustTarget(t, model.Medium{ID: "m1", Budget: model.RateBudget{Window: time.Hour, Max: 2}}, m)

	s.Schedule(context.Background(), articles(5), []Target{tg})

	if got := len(m.Calls()); got != 2 {
		t.Fatalf("calls=%d want 2", got)
	}
	rows := rowsFor(t, st, storage.DeliveryQuery{MediumID: "m1"})
	if len(rows) != 5 {
		t.Fatalf("rows=%d", len(rows))
	}
	for i, r := range rows {
		want := model.DeliveryDelivered
		if i >= 2 {
			want = model.DeliveryMediumRateLimited
		}
		if r.Status != want {
			t.Fatalf("row %d status=%s want %s", i, r.Status, want)
		}
	}
}

func TestPartialDelivery(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	m := &fakeMedium{id: "m1", receipt: func(model.Article) Receipt {
		return Receipt{Parts: 3, Delivered: 2, Err: errors.New("part 3: bad gateway")}
	}}
	s.Schedule(context.Background(), articles(1), []Target{mustTarget(t, model.Medium{ID: "m1"}, m)})

	rows := rowsFor(t, st, storage.DeliveryQuery{})
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	r := rows[0]
	if r.Status != model.DeliveryPartiallyDelivered || r.Parts != 3 || r.PartsDelivered != 2 {
		t.Fatalf("row=%+v", r)
	}
}

func TestDeliveryOrderFollowsExtraction(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	m1 := &fakeMedium{id: "m1"}
	m2 := &fakeMedium{id: "m2"}
	arts := articles(6)
	s.Schedule(context.Background(), arts, []Target{
		mustTarget(t, model.Medium{ID: "m1"}, m1),
		mustTarget(t, model.Medium{ID: "m2"}, m2),
	})

	for _, m := range []*fakeMedium{m1, m2} {
		calls := m.Calls()
		if len(calls) != len(arts) {
			t.Fatalf("%s calls=%v", m.id, calls)
		}
		for i, a := range arts {
			if calls[i] != a.ID {
				t.Fatalf("%s call %d=%s want %s", m.id, i, calls[i], a.ID)
			}
		}
		rows := rowsFor(t, st, storage.DeliveryQuery{MediumID: m.id})
		for i := 1; i < len(rows); i++ {
			if rows[i-1].Seq >= rows[i].Seq || rows[i].ArticleID != arts[i].ID {
				t.Fatalf("%s rows out of order: %+v", m.id, rows)
			}
		}
	}
}

func TestSettledArticlesAreSkipped(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	var fail atomic.Bool
	fail.Store(true)
	flaky := &fakeMedium{id: "flaky", receipt: func(model.Article) Receipt {
		if fail.Load() {
			return Receipt{Parts: 1, Err: errors.New("timeout")}
		}
		return Receipt{Parts: 1, Delivered: 1}
	}}
	ok := &fakeMedium{id: "ok"}
	targets := []Target{mustTarget(t, model.Medium{ID: "flaky"}, flaky), mustTarget(t, model.Medium{ID: "ok"}, ok)}
	arts := articles(2)

	s.Schedule(context.Background(), arts, targets)
	fail.Store(false)
	sum := s.Schedule(context.Background(), arts, targets)

	if got := len(ok.Calls()); got != 2 {
		t.Fatalf("delivered medium called %d times", got)
	}
	if got := len(flaky.Calls()); got != 4 {
		t.Fatalf("failed deliveries must be retried, calls=%d", got)
	}
	if sum.Skipped != 2 || sum.Statuses[model.DeliveryDelivered] != 2 {
		t.Fatalf("summary=%+v", sum)
	}
	if n := len(rowsFor(t, st, storage.DeliveryQuery{MediumID: "ok"})); n != 2 {
		t.Fatalf("settled pair got extra rows: %d", n)
	}
}

func TestRejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	m := &fakeMedium{id: "m1", receipt: func(model.Article) Receipt {
		return Receipt{Parts: 1, Err: Reject(errors.New("bot was kicked"))}
	}}
	tg := mustTarget(t, model.Medium{ID: "m1"}, m)
	s.Schedule(context.Background(), articles(1), []Target{tg})
	s.Schedule(context.Background(), articles(1), []Target{tg})

	rows := rowsFor(t, st, storage.DeliveryQuery{})
	if len(rows) != 1 || rows[0].Status != model.DeliveryRejected {
		t.Fatalf("rows=%+v", rows)
	}
	if !strings.Contains(rows[0].Detail, "kicked") {
		t.Fatalf("detail=%q", rows[0].Detail)
	}
	if len(m.Calls()) != 1 {
		t.Fatalf("calls=%d", len(m.Calls()))
	}
}

func TestFailingMediumDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	bad := &fakeMedium{id: "bad", receipt: func(model.Article) Receipt { panic("boom") }}
	good := &fakeMedium{id: "good"}
	s.Schedule(context.Background(), articles(3), []Target{
		mustTarget(t, model.Medium{ID: "bad"}, bad),
		mustTarget(t, model.Medium{ID: "good"}, good),
	})

	if got := len(good.Calls()); got != 3 {
		t.Fatalf("good medium calls=%d", got)
	}
	for _, r := range rowsFor(t, st, storage.DeliveryQuery{MediumID: "bad"}) {
		if r.Status != model.DeliveryFailed {
			t.Fatalf("panicking medium row=%+v", r)
		}
	}
	if n := len(rowsFor(t, st, storage.DeliveryQuery{MediumID: "bad"})); n != 3 {
		t.Fatalf("bad rows=%d", n)
	}
}

func TestArticleBudgetRefundsMediumToken(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{ArticleBudget: model.RateBudget{Window: time.Hour, Max: 1}})
	m1 := &fakeMedium{id: "m1"}
	m2 := &fakeMedium{id: "m2"}
	budget := model.RateBudget{Window: time.Hour, Max: 5}
	s.Schedule(context.Background(), articles(1), []Target{
		mustTarget(t, model.Medium{ID: "m1", Budget: budget}, m1),
		mustTarget(t, model.Medium{ID: "m2", Budget: budget}, m2),
	})

	rows := rowsFor(t, st, storage.DeliveryQuery{})
	var delivered, limited int
	var limitedMedium string
	for _, r := range rows {
		switch r.Status {
		case model.DeliveryDelivered:
			delivered++
		case model.DeliveryArticleRateLimited:
			limited++
			limitedMedium = r.MediumID
		}
	}
	if delivered != 1 || limited != 1 {
		t.Fatalf("rows=%+v", rows)
	}
	w := s.Windows().Get(mediumKeyPrefix+limitedMedium, budget)
	if w.Remaining() != budget.Max {
		t.Fatalf("medium token not refunded, remaining=%d", w.Remaining())
	}
}

func TestConcurrentSchedulesKeepOnePendingRow(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := &fakeMedium{id: "m1", receipt: func(model.Article) Receipt {
		once.Do(func() { close(entered) })
		<-release
		return Receipt{Parts: 1, Delivered: 1}
	}}
	tg := mustTarget(t, model.Medium{ID: "m1"}, m)
	arts := articles(1)

	const n = 8
	var finished atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule(context.Background(), arts, []Target{tg})
			finished.Add(1)
		}()
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery started")
	}
	deadline := time.Now().Add(5 * time.Second)
	for finished.Load() < n-1 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d schedules finished", finished.Load())
		}
		active, err := st.ReadActiveDeliveryLogs(context.Background(), arts[0].ID, "m1")
		if err != nil || len(active) > 1 {
			t.Fatalf("active=%d err=%v", len(active), err)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := len(m.Calls()); got != 1 {
		t.Fatalf("calls=%d", got)
	}
	rows := rowsFor(t, st, storage.DeliveryQuery{})
	if len(rows) != 1 || rows[0].Status != model.DeliveryDelivered {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestCanceledCycleStillResolves(t *testing.T) {
	t.Parallel()

	s, st := newTestScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeMedium{id: "m1", receipt: func(model.Article) Receipt {
		cancel()
		return Receipt{Parts: 1, Delivered: 1}
	}}
	s.Schedule(ctx, articles(3), []Target{mustTarget(t, model.Medium{ID: "m1"}, m)})

	rows := rowsFor(t, st, storage.DeliveryQuery{})
	if len(rows) != 1 || rows[0].Status != model.DeliveryDelivered {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestReceiptStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rc   Receipt
		want model.DeliveryLogStatus
	}{
		{"all parts", Receipt{Parts: 2, Delivered: 2}, model.DeliveryDelivered},
		{"zero parts counts as one", Receipt{Delivered: 1}, model.DeliveryDelivered},
		{"some parts", Receipt{Parts: 3, Delivered: 1, Err: Reject(errors.New("x"))}, model.DeliveryPartiallyDelivered},
		{"rejected", Receipt{Parts: 1, Err: Reject(errors.New("forbidden"))}, model.DeliveryRejected},
		{"wrapped reject", Receipt{Parts: 1, Err: errors.Join(errors.New("send"), Reject(errors.New("403")))}, model.DeliveryRejected},
		{"transient", Receipt{Parts: 1, Err: errors.New("503")}, model.DeliveryFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rc.Status(); got != tc.want {
				t.Fatalf("status=%s want %s", got, tc.want)
			}
		})
	}
	if Reject(nil) != nil || IsRejected(errors.New("x")) {
		t.Fatal("reject helpers misbehave")
	}
}
