package workers

import (
	"context"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain/event"
	"messenger-hub/observability"
	"time"
)

var _ contract.Worker = (*PendingJanitor)(nil)

// PendingJanitor drops pending messages older than the queue retention.
type PendingJanitor struct {
	log       *slog.Logger
	pending   contract.IPendingQueue
	interval  time.Duration
	metrics   *observability.Metrics
	telemetry chan event.Event
}

func NewPendingJanitor(log *slog.Logger, pending contract.IPendingQueue, interval time.Duration,
	metrics *observability.Metrics, telemetry chan event.Event) *PendingJanitor {
	return &PendingJanitor{log: log, pending: pending, interval: interval, metrics: metrics, telemetry: telemetry}
}

func (w *PendingJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.sweep(now.UTC())
		}
	}
}

func (w *PendingJanitor) sweep(now time.Time) {
	n := w.pending.EvictExpired(now)
	if n == 0 {
		return
	}
	w.metrics.PendingDropped(n)
	if w.telemetry == nil {
		return
	}
	select {
	case w.telemetry <- event.NewEvent(event.PendingEvictedType, event.PendingEvicted{Count: n}):
	default:
		w.log.Debug("Telemetry event lost", "type", event.PendingEvictedType)
	}
}
