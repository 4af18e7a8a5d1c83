// Package notify delivers best-effort payment notices to downstream
// channels. Delivery failures are reported to the caller for logging and
// never retried.
package notify

import (
	"context"
	"errors"

	"shiftwatch/internal/poller"
)

// Fanout delivers each notice to every configured channel.
type Fanout []poller.Notifier

// PaymentConfirmed forwards a confirmation notice to all channels.
func (f Fanout) PaymentConfirmed(ctx context.Context, notice poller.Notice) error {
	var errs []error
	for _, n := range f {
		if err := n.PaymentConfirmed(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PaymentFailed forwards a failure notice to all channels.
func (f Fanout) PaymentFailed(ctx context.Context, notice poller.Notice) error {
	var errs []error
	for _, n := range f {
		if err := n.PaymentFailed(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ poller.Notifier = (Fanout)(nil)
