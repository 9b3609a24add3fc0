package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.droppedStale.Add(1)
		s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: queueDelay, Error: "stale"})
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		if s.shouldWarn() {
			s.log.Warn("task dropped: waited too long", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		}
		return
	}

	var err error
	attempts := 0
	for attempt := 1; attempt <= 1+qt.opt.RetryMax; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempt > qt.opt.RetryMax {
			break
		}
		delay := retryDelay(qt.opt, attempt, err)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
		case <-tmr.C:
			continue
		}
		break
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		s.log.Trace("task done", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.record(item)
}

// runOnce runs one attempt under the task timeout; a panic becomes an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// retryDelay is RetryBase doubled per attempt with ±jitter, or the error's
// RetryAfter hint, capped at RetryMaxDelay.
func retryDelay(opt TaskOptions, attempt int, err error) time.Duration {
	var d time.Duration
	var ra retryAfterError
	if errors.As(err, &ra) {
		d = ra.after
	} else {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
