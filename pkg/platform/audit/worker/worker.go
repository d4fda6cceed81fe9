package worker

import (
	"context"
	"log/slog"

	audit "registrar/pkg/platform/audit"
)

// Worker drains an audit inbox into a store. A failed append is logged and
// the event dropped; audit delivery never blocks checkout progress.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run processes events until the inbox is closed or ctx is cancelled.
// Events still buffered when the inbox closes are flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.WarnContext(ctx, "audit append failed",
					"action", event.Action,
					"checkout_id", event.CheckoutID,
					"error", err,
				)
			}
		}
	}
}
