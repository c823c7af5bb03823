package event

import "log/slog"

// EvictionHandler counts connections dropped by the router and pending
// messages dropped by the janitor.
type EvictionHandler struct {
	log     *slog.Logger
	counter *Counter
}

func NewEvictionHandler(log *slog.Logger, counter *Counter) *EvictionHandler {
	return &EvictionHandler{log: log, counter: counter}
}

func (h *EvictionHandler) Handle(e Event) {
	switch payload := e.Payload.(type) {
	case ConnectionEvicted:
		h.counter.Increment(ConnectionEvictedType)
		h.log.Info("connection evicted",
			"conn_id", payload.ConnectionID, "user_id", payload.UserID, "reason", payload.Reason)
	case PendingEvicted:
		h.counter.Add(PendingEvictedType, payload.Count)
		h.log.Info("pending messages evicted", "user_id", payload.UserID, "count", payload.Count)
	}
}
