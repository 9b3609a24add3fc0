package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"feedrelay/internal/model"
)

// Receipt reports how much of one article a medium delivered. An article may
// be sent as several parts (message splitting); Parts is the total and
// Delivered the number that succeeded. Err describes the first failure.
type Receipt struct {
	Parts     int
	Delivered int
	Err       error
}

// Medium sends an article to one delivery target.
type Medium interface {
	ID() string
	Deliver(ctx context.Context, a model.Article) Receipt
}

// Reject marks a delivery error as a refusal by the target (revoked
// permission, unknown chat). Rejected deliveries are not retried.
//
// Example:
//
//	return delivery.Receipt{Parts: 1, Err: delivery.Reject(err)}
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return rejectError{err: err}
}

// IsRejected reports whether err is wrapped with Reject.
func IsRejected(err error) bool {
	var e rejectError
	return errors.As(err, &e)
}

type rejectError struct{ err error }

func (e rejectError) Error() string { return fmt.Sprintf("rejected: %v", e.err) }
func (e rejectError) Unwrap() error { return e.err }

// Status maps a receipt onto the terminal delivery status.
func (r Receipt) Status() model.DeliveryLogStatus {
	parts := max(r.Parts, 1)
	switch {
	case r.Delivered >= parts:
		return model.DeliveryDelivered
	case r.Delivered > 0:
		return model.DeliveryPartiallyDelivered
	case IsRejected(r.Err):
		return model.DeliveryRejected
	default:
		return model.DeliveryFailed
	}
}

// Target binds a medium configuration to its sender.
type Target struct {
	Config  model.Medium
	Sender  Medium
	filters filterSet
}

// NewTarget compiles the medium's filters.
func NewTarget(cfg model.Medium, sender Medium) (Target, error) {
	if sender == nil {
		return Target{}, fmt.Errorf("medium %q: no sender", cfg.ID)
	}
	if cfg.ID == "" {
		cfg.ID = sender.ID()
	}
	fs, err := compileFilters(cfg.Filters)
	if err != nil {
		return Target{}, fmt.Errorf("medium %q: %w", cfg.ID, err)
	}
	return Target{Config: cfg, Sender: sender, filters: fs}, nil
}

func (t Target) ID() string { return t.Config.ID }

// safeDeliver converts a panicking medium into a failed receipt.
func safeDeliver(ctx context.Context, m Medium, a model.Article) (rc Receipt) {
	defer func() {
		if r := recover(); r != nil {
			rc = Receipt{Parts: max(rc.Parts, 1), Err: fmt.Errorf("medium panic: %v\n%s", r, debug.Stack())}
		}
	}()
	return m.Deliver(ctx, a)
}
