package workers

import (
	"context"
	"log/slog"
	"messenger-hub/contract"
)

var _ contract.Worker = (*PresenceDispatcher)(nil)

// PresenceQueue is the queued side of the presence tracker.
type PresenceQueue interface {
	Signal() <-chan struct{}
	Dispatch(ctx context.Context) int
}

// PresenceDispatcher runs presence callbacks outside of the registry lock.
type PresenceDispatcher struct {
	log   *slog.Logger
	queue PresenceQueue
}

func NewPresenceDispatcher(log *slog.Logger, queue PresenceQueue) *PresenceDispatcher {
	return &PresenceDispatcher{log: log, queue: queue}
}

func (w *PresenceDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping presence dispatch")
			return nil
		case <-w.queue.Signal():
			if n := w.queue.Dispatch(ctx); n > 0 {
				w.log.Debug("Presence changes dispatched", "count", n)
			}
		}
	}
}
