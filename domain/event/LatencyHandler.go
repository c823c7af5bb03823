package event

import (
	"log/slog"
	"time"
)

// LatencyHandler logs how long a message took from receipt to the end of its fan-out.
type LatencyHandler struct {
	log              *slog.Logger
	latencyThreshold time.Duration
}

func NewLatencyHandler(log *slog.Logger, latencyThreshold time.Duration) *LatencyHandler {
	return &LatencyHandler{log: log, latencyThreshold: latencyThreshold}
}

func (h *LatencyHandler) Handle(e Event) {
	payload, ok := e.Payload.(MessageRouted)
	if !ok {
		return
	}
	leadTime := e.CreatedAt.Sub(payload.StartedAt)

	h.log.Debug("telemetry: routing latency",
		"conversation_id", payload.ConversationID,
		"sequence", payload.Sequence,
		"delivered", payload.Delivered,
		"pending", payload.Pending,
		"failed", payload.Failed,
		"lead_time_ms", leadTime.Milliseconds(),
	)

	if leadTime > h.latencyThreshold {
		h.log.Warn("high routing latency detected", "conversation_id", payload.ConversationID, "lead_time", leadTime)
	}
}
