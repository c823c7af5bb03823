package event

import (
	"messenger-hub/domain"
	"time"
)

type Type string

const (
	RestartedAfterPanicType Type = "WORKER_RESTARTED_AFTER_PANIC"
	MessageRoutedType       Type = "MESSAGE_ROUTED"
	ConnectionEvictedType   Type = "CONNECTION_EVICTED"
	PendingEvictedType      Type = "PENDING_EVICTED"
)

// Event is a technical event carried to the telemetry worker.
type Event struct {
	Type      Type
	CreatedAt time.Time
	Payload   any
}

func NewEvent(t Type, payload any) Event {
	return Event{Type: t, CreatedAt: time.Now().UTC(), Payload: payload}
}

type WorkerRestartedAfterPanic struct {
	WorkerName string
}

type MessageRouted struct {
	ConversationID domain.ConversationID
	Sequence       uint64
	Delivered      int
	Pending        int
	Failed         int
	StartedAt      time.Time
}

type ConnectionEvicted struct {
	ConnectionID domain.ConnectionID
	UserID       domain.UserID
	Reason       string
}

type PendingEvicted struct {
	UserID domain.UserID
	Count  int
}
