package event

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerRestartedAfterPanicHandler_Counts(t *testing.T) {
	req := require.New(t)
	counter := NewCounter()
	handler := NewWorkerRestartedAfterPanicHandler(slog.Default(), counter)

	handler.Handle(NewEvent(RestartedAfterPanicType, WorkerRestartedAfterPanic{WorkerName: "PresenceDispatcher"}))
	handler.Handle(NewEvent(RestartedAfterPanicType, WorkerRestartedAfterPanic{WorkerName: "PresenceDispatcher"}))
	// Wrong payload is ignored
	handler.Handle(NewEvent(RestartedAfterPanicType, "oops"))

	req.Equal(2, counter.Get(RestartedAfterPanicType))
}

func TestEvictionHandler_Counts(t *testing.T) {
	req := require.New(t)
	counter := NewCounter()
	handler := NewEvictionHandler(slog.Default(), counter)

	handler.Handle(NewEvent(ConnectionEvictedType, ConnectionEvicted{ConnectionID: "c1", UserID: "u1", Reason: "send failed"}))
	handler.Handle(NewEvent(PendingEvictedType, PendingEvicted{UserID: "u1", Count: 3}))

	req.Equal(1, counter.Get(ConnectionEvictedType))
	req.Equal(3, counter.Get(PendingEvictedType))
}

func TestLatencyHandler_IgnoresOtherPayloads(t *testing.T) {
	handler := NewLatencyHandler(slog.Default(), time.Millisecond)
	handler.Handle(NewEvent(MessageRoutedType, MessageRouted{StartedAt: time.Now().Add(-time.Second)}))
	handler.Handle(NewEvent(ConnectionEvictedType, ConnectionEvicted{}))
}
