// Package engine is a bounded worker pool with overlap gating and retries.
// The scheduler and the app enqueue tasks; workers run them with a timeout,
// recover panics and record history.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/eventbus"
	rtsup "feedrelay/internal/runtime/supervisor"
	logx "feedrelay/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq            atomic.Uint64
	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastDropWarn     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		states: map[string]*RunState{},
	}
}

// Apply updates the config. Pool size and queue size take effect after a
// restart, which the caller performs when they change.
func (s *Service) Apply(cfg Config) (restart bool) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	return prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < cfg.Workers; i++ {
		q, stop := s.q, s.stopCh
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, stop, q)
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new tasks, cancels running ones and waits for the workers,
// bounded by ctx. Queued tasks that never started are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
	} else {
		s.log.Info("task engine stopped")
	}

	s.mu.Lock()
	for {
		select {
		case qt := <-s.q:
			if qt.state != nil {
				qt.state.release()
			}
			continue
		default:
		}
		break
	}
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
}

// StateFor returns the shared overlap gate for key.
func (s *Service) StateFor(key string) *RunState {
	key = strings.TrimSpace(key)
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error { return s.enqueue(context.Background(), t, false) }

// Submit blocks until t is queued, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error { return s.enqueue(ctx, t, true) }

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task %q: Run is nil", t.Name)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Key == "" {
		t.Key = t.Name
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopping
	s.mu.Unlock()
	if stopping {
		return ErrStopping
	}
	if q == nil {
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.state = s.StateFor(t.Key)
		if !qt.state.tryAcquire() {
			s.publish(eventbus.TypeTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Error: "overlap"})
			return ErrOverlapSkip
		}
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if qt.state != nil {
				qt.state.release()
			}
			s.droppedQueueFull.Add(1)
			s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"})
			if s.shouldWarn() {
				s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
			}
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if qt.state != nil {
			qt.state.release()
		}
		return ctx.Err()
	case <-stopCh:
		if qt.state != nil {
			qt.state.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()
	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	snap := Snapshot{
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	eventbus.Publish(s.bus, typ, ev)
}

func (s *Service) shouldWarn() bool {
	now := time.Now().UnixNano()
	prev := s.lastDropWarn.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarn.CompareAndSwap(prev, now)
}
