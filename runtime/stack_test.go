package runtime

import (
	"context"
	"log/slog"
	"messenger-hub/domain"
	"messenger-hub/mocks"
	"messenger-hub/runtime/workers"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestHubStack_Registry_Feeds_Presence(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := slog.Default()
	stack := NewHubStack(log, mocks.NewMockAuthenticator(ctrl), mocks.NewMockMessageStore(ctrl),
		mocks.NewMockMembershipStore(ctrl), workers.NewSupervisor(log, nil, 10*time.Millisecond), nil, nil,
		StackConfig{PendingMaxPerUser: 10, PendingTTL: time.Hour})
	recorder := &presenceRecorder{}
	stack.Presence.SubscribeAll(recorder.record)

	// When a connection registers then leaves
	req.NoError(stack.Registry.Register("x1", "X", &fakeTransport{}))
	stack.Presence.Dispatch(context.Background())
	stack.Registry.Deregister("x1")
	stack.Presence.Dispatch(context.Background())

	// Then presence saw both flips, once each
	changes := recorder.all()
	req.Len(changes, 2)
	req.Equal(domain.Online, changes[0].Status)
	req.Equal(domain.Offline, changes[1].Status)
}

func TestHubStack_Attach_Twice_Subscribes_Once(t *testing.T) {
	req := require.New(t)
	presence := NewPresenceTracker(slog.Default())
	registry := NewRegistry()
	presence.Attach(registry)
	presence.Attach(registry)
	recorder := &presenceRecorder{}
	presence.SubscribeAll(recorder.record)

	req.NoError(registry.Register("x1", "X", &fakeTransport{}))
	presence.Dispatch(context.Background())

	req.Len(recorder.all(), 1)
}
