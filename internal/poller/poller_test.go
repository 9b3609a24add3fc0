package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/extract"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/lease"
	"feedrelay/internal/model"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Blog</title>
<item><title>Second</title><link>https://example.com/2</link><guid>2</guid><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
<item><title>First</title><link>https://example.com/1</link><guid>1</guid><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`

type recordingMedium struct {
	mu    sync.Mutex
	calls []string
	// hang makes Deliver block until its context ends.
	hang bool
}

func (m *recordingMedium) ID() string { return "m1" }

func (m *recordingMedium) Deliver(ctx context.Context, a model.Article) delivery.Receipt {
	m.mu.Lock()
	m.calls = append(m.calls, a.Title)
	hang := m.hang
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return delivery.Receipt{Parts: 1, Err: ctx.Err()}
	}
	return delivery.Receipt{Parts: 1, Delivered: 1}
}

func (m *recordingMedium) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type harness struct {
	p      *Poller
	store  storage.Store
	medium *recordingMedium
	locker *lease.Table
	now    time.Time
	status atomic.Int32
	body   atomic.Value
}

type harnessOptions struct {
	extractor   extract.Extractor
	cycleBudget time.Duration
	maxBody     int64
	hang        bool
}

func newHarness(t *testing.T, ex extract.Extractor) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{extractor: ex})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemory(storage.Config{}),
		medium: &recordingMedium{hang: opts.hang},
		locker: lease.NewTable(),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.status.Store(http.StatusOK)
	h.body.Store(rssBody)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(h.status.Load()))
		_, _ = w.Write([]byte(h.body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = h.store.Close() })

	clock := func() time.Time { return h.now }
	lg := delivery.NewLogger(h.store, nil, logx.Nop(), clock)
	sched := delivery.NewScheduler(delivery.Config{}, h.store, lg, ratelimit.NewRegistry(clock), logx.Nop())
	h.p = New(Config{
		DefaultInterval: time.Minute,
		CycleBudget:     opts.cycleBudget,
		Backoff:         BackoffConfig{Multiplier: 2, MaxDelay: time.Hour},
	}, Deps{
		Store:     h.store,
		Fetcher:   fetcher.New(fetcher.Config{Timeout: 5 * time.Second, MaxBodyBytes: opts.maxBody}),
		Extractor: opts.extractor,
		Scheduler: sched,
		Locker:    h.locker,
		Log:       logx.Nop(),
		Now:       clock,
	})
	h.p.SetFeeds([]model.Feed{{ID: "f1", URL: srv.URL, Mediums: []string{"m1"}}})
	tg, err := delivery.NewTarget(model.Medium{ID: "m1"}, h.medium)
	if err != nil {
		t.Fatal(err)
	}
	h.p.SetTargets([]delivery.Target{tg})
	return h
}

func (h *harness) state(t *testing.T) model.FeedState {
	t.Helper()
	st, _, err := h.store.GetFeedState(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func (h *harness) logs(t *testing.T) []model.DeliveryLog {
	t.Helper()
	rows, err := h.store.ReadDeliveryLogs(context.Background(), storage.DeliveryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestUnchangedBodyMatchesHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.p.Poll(ctx, "f1")
	if err != nil || res.Status != model.RequestOK || res.Articles != 2 {
		t.Fatalf("first poll res=%+v err=%v", res, err)
	}
	if calls := h.medium.Calls(); len(calls) != 2 || calls[0] != "First" || calls[1] != "Second" {
		t.Fatalf("delivery order=%v", calls)
	}
	hash := h.state(t).Hash
	if hash == "" {
		t.Fatal("hash not stored after OK cycle")
	}
	rows := len(h.logs(t))

	res, err = h.p.Poll(ctx, "f1")
	if err != nil || res.Status != model.RequestMatchedHash || res.Articles != 0 {
		t.Fatalf("second poll res=%+v err=%v", res, err)
	}
	if got := h.state(t).Hash; got != hash {
		t.Fatalf("hash changed on MATCHED_HASH: %s -> %s", hash, got)
	}
	if got := len(h.logs(t)); got != rows {
		t.Fatalf("MATCHED_HASH created %d delivery rows", got-rows)
	}
	if len(h.medium.Calls()) != 2 {
		t.Fatal("MATCHED_HASH delivered again")
	}
}

func TestBadStatusBacksOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.status.Store(http.StatusInternalServerError)

	res, err := h.p.Poll(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.RequestBadStatusCode || res.Articles != 0 {
		t.Fatalf("res=%+v", res)
	}
	st := h.state(t)
	if st.Backoff.Failures != 1 || st.Backoff.LastStatus != model.RequestBadStatusCode {
		t.Fatalf("backoff=%+v", st.Backoff)
	}
	if want := h.now.Add(2 * time.Minute); !st.Backoff.NextPollAt.Equal(want) {
		t.Fatalf("next poll=%s want %s", st.Backoff.NextPollAt, want)
	}
	if len(h.medium.Calls()) != 0 || len(h.logs(t)) != 0 {
		t.Fatal("failed poll delivered articles")
	}

	attempts, err := h.store.ReadFetchAttempts(context.Background(), "f1", 10)
	if err != nil || len(attempts) != 1 || attempts[0].HTTPStatus != 500 {
		t.Fatalf("attempts=%+v err=%v", attempts, err)
	}

	h.p.Poll(context.Background(), "f1")
	if got := h.state(t).Backoff.Failures; got != 2 {
		t.Fatalf("failures=%d", got)
	}

	h.status.Store(http.StatusOK)
	h.p.Poll(context.Background(), "f1")
	st = h.state(t)
	if st.Backoff.Failures != 0 || !st.Backoff.NextPollAt.Equal(h.now.Add(time.Minute)) {
		t.Fatalf("backoff not reset: %+v", st.Backoff)
	}
}

func TestParseErrorUsesBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.body.Store("this is not a feed")

	res, _ := h.p.Poll(context.Background(), "f1")
	if res.Status != model.RequestParseError {
		t.Fatalf("status=%s", res.Status)
	}
	st := h.state(t)
	if st.Backoff.Failures != 1 || st.Hash != "" {
		t.Fatalf("state=%+v", st)
	}
}

func TestInternalErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extract.Func(func(string, []byte) ([]model.Article, error) {
		panic("extractor bug")
	}))
	seed := model.FeedState{FeedID: "f1", Hash: "old", Backoff: model.BackoffState{Failures: 2}}
	if err := h.store.UpsertFeedState(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	res, err := h.p.Poll(context.Background(), "f1")
	if err != nil || res.Status != model.RequestInternalError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	st := h.state(t)
	if st.Hash != "old" || st.Backoff.Failures != 2 {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestConcurrentPollIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	l, ok, err := h.locker.TryAcquire(context.Background(), "feed:f1")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if _, err := h.p.Poll(context.Background(), "f1"); !errors.Is(err, ErrAlreadyPolling) {
		t.Fatalf("err=%v", err)
	}
	attempts, _ := h.store.ReadFetchAttempts(context.Background(), "f1", 10)
	if len(attempts) != 0 {
		t.Fatalf("skipped poll recorded %d attempts", len(attempts))
	}

	_ = l.Release(context.Background())
	if _, err := h.p.Poll(context.Background(), "f1"); err != nil {
		t.Fatalf("poll after release: %v", err)
	}
}

func TestDueAndTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	due, err := h.p.Due(ctx)
	if err != nil || len(due) != 1 {
		t.Fatalf("new feed must be due: %v %v", due, err)
	}
	h.p.Poll(ctx, "f1")
	if due, _ := h.p.Due(ctx); len(due) != 0 {
		t.Fatalf("polled feed still due: %v", due)
	}
	if err := h.p.TriggerNow("f1"); err != nil {
		t.Fatal(err)
	}
	if due, _ := h.p.Due(ctx); len(due) != 1 {
		t.Fatal("triggered feed not due")
	}
	if err := h.p.TriggerNow("nope"); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("err=%v", err)
	}
}

func TestPollAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.p.PollAll(context.Background())
	if len(res) != 1 || res[0].FeedID != "f1" || res[0].Status != model.RequestOK {
		t.Fatalf("results=%+v", res)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	c := BackoffConfig{Multiplier: 2, MaxDelay: 10 * time.Minute}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{500, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := c.Delay(time.Minute, tc.n); got != tc.want {
			t.Fatalf("delay(%d)=%s want %s", tc.n, got, tc.want)
		}
	}

	j := BackoffConfig{Multiplier: 2, MaxDelay: time.Hour, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		if d := j.Delay(time.Minute, 0); d < time.Minute || d > 90*time.Second {
			t.Fatalf("jittered delay %s out of range", d)
		}
	}
}

func TestCycleBudgetAbortsDelivery(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, harnessOptions{cycleBudget: 300 * time.Millisecond, hang: true})

	res, err := h.p.Poll(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.Status != model.RequestOK || res.Articles != 2 {
		t.Fatalf("res=%+v", res)
	}
	if got := h.state(t).Hash; got != "" {
		t.Fatalf("hash advanced on aborted cycle: %q", got)
	}
	if calls := h.medium.Calls(); len(calls) != 1 || calls[0] != "First" {
		t.Fatalf("attempted=%v, want only the oldest article", calls)
	}
	rows := h.logs(t)
	var failed int
	for _, r := range rows {
		if r.Status == model.DeliveryPending {
			t.Fatalf("pending row left after abort: %+v", r)
		}
		if r.Status == model.DeliveryFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("rows=%+v", rows)
	}
	active, err := h.store.ReadActiveDeliveryLogs(context.Background(), rows[0].ArticleID, "m1")
	if err != nil || len(active) != 0 {
		t.Fatalf("active=%+v err=%v", active, err)
	}

	// The unchanged hash makes the next poll retry both articles.
	h.medium.mu.Lock()
	h.medium.hang = false
	h.medium.mu.Unlock()
	res, err = h.p.Poll(context.Background(), "f1")
	if err != nil || res.Aborted || res.Status != model.RequestOK {
		t.Fatalf("retry res=%+v err=%v", res, err)
	}
	if h.state(t).Hash == "" {
		t.Fatal("hash not stored after completed cycle")
	}
}

func TestOversizedFeedRefused(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, harnessOptions{maxBody: 64})

	res, err := h.p.Poll(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.RequestRefusedLargeFeed || res.Articles != 0 {
		t.Fatalf("res=%+v", res)
	}
	st := h.state(t)
	if st.Hash != "" || st.Backoff.Failures != 1 || st.Backoff.LastStatus != model.RequestRefusedLargeFeed {
		t.Fatalf("state=%+v", st)
	}
	if len(h.medium.Calls()) != 0 || len(h.logs(t)) != 0 {
		t.Fatal("oversized feed reached delivery")
	}
	attempts, err := h.store.ReadFetchAttempts(context.Background(), "f1", 10)
	if err != nil || len(attempts) != 1 || attempts[0].Status != model.RequestRefusedLargeFeed {
		t.Fatalf("attempts=%+v err=%v", attempts, err)
	}
}
