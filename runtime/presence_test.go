package runtime

import (
	"context"
	"log/slog"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPresenceFixture() (*Registry, *PresenceTracker) {
	presence := NewPresenceTracker(slog.Default())
	registry := NewRegistry()
	presence.Attach(registry)
	return registry, presence
}

type presenceRecorder struct {
	mu      sync.Mutex
	changes []event.PresenceChanged
}

func (r *presenceRecorder) record(c event.PresenceChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *presenceRecorder) all() []event.PresenceChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.PresenceChanged(nil), r.changes...)
}

func TestPresence_Two_Devices_Flip_Once(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()
	rec := &presenceRecorder{}
	presence.Subscribe("U", rec.record)

	// Given U connected on two devices
	req.NoError(registry.Register("c1", "U", &fakeTransport{}))
	req.NoError(registry.Register("c2", "U", &fakeTransport{}))
	req.Equal(domain.Online, presence.StatusOf("U"))

	// When one device drops
	registry.Deregister("c1")

	// Then U stays online
	req.Equal(domain.Online, presence.StatusOf("U"))
	req.Equal(1, presence.Dispatch(context.Background()))
	req.Len(rec.all(), 1)
	req.Equal(domain.Online, rec.all()[0].Status)

	// When the last one drops
	registry.Deregister("c2")

	// Then the offline change fires exactly once
	req.Equal(domain.Offline, presence.StatusOf("U"))
	req.Equal(1, presence.Dispatch(context.Background()))
	changes := rec.all()
	req.Len(changes, 2)
	req.Equal(domain.Offline, changes[1].Status)
	req.Zero(presence.Dispatch(context.Background()))
}

func TestPresence_Unknown_User_Is_Offline(t *testing.T) {
	req := require.New(t)
	_, presence := newPresenceFixture()
	req.Equal(domain.Offline, presence.StatusOf("nobody"))

	detached := NewPresenceTracker(slog.Default())
	req.Equal(domain.Offline, detached.StatusOf("nobody"))
}

func TestPresence_Subscribers_Filter_And_Unsubscribe(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()
	onlyU, everyone := &presenceRecorder{}, &presenceRecorder{}
	presence.Subscribe("U", onlyU.record)
	unsubscribe := presence.SubscribeAll(everyone.record)

	req.NoError(registry.Register("c1", "U", &fakeTransport{}))
	req.NoError(registry.Register("c2", "V", &fakeTransport{}))
	presence.Dispatch(context.Background())

	req.Len(onlyU.all(), 1)
	req.Len(everyone.all(), 2)

	unsubscribe()
	registry.Deregister("c2")
	presence.Dispatch(context.Background())
	req.Len(everyone.all(), 2)
}

func TestPresence_Signal_Is_Raised_On_Change(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()

	req.NoError(registry.Register("c1", "U", &fakeTransport{}))
	req.NoError(registry.Register("c2", "U", &fakeTransport{}))

	select {
	case <-presence.Signal():
	default:
		req.Fail("signal not raised")
	}
	// Coalesced into one pending signal
	select {
	case <-presence.Signal():
		req.Fail("signal raised twice")
	default:
	}
}

func TestPresence_Panicking_Subscriber_Does_Not_Stop_Others(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()
	rec := &presenceRecorder{}
	presence.SubscribeAll(func(event.PresenceChanged) { panic("boom") })
	presence.SubscribeAll(rec.record)

	req.NoError(registry.Register("c1", "U", &fakeTransport{}))
	req.Equal(1, presence.Dispatch(context.Background()))
	req.Len(rec.all(), 1)
}

func TestPresence_Cancelled_Dispatch_Keeps_Changes(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()
	rec := &presenceRecorder{}
	presence.SubscribeAll(rec.record)
	req.NoError(registry.Register("c1", "U", &fakeTransport{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.Zero(presence.Dispatch(ctx))
	req.Empty(rec.all())

	req.Equal(1, presence.Dispatch(context.Background()))
	req.Len(rec.all(), 1)
}

// Online iff at least one connection, whatever the interleaving.
func TestPresence_Matches_Registry_Under_Concurrency(t *testing.T) {
	req := require.New(t)
	registry, presence := newPresenceFixture()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.ConnectionID(string(rune('a'+i%26)) + string(rune('0'+i/26)))
			_ = registry.Register(id, "U", &fakeTransport{})
			if i%2 == 0 {
				registry.Deregister(id)
			}
		}(i)
	}
	wg.Wait()

	req.Equal(len(registry.ConnectionsFor("U")) > 0, presence.StatusOf("U") == domain.Online)

	rec := &presenceRecorder{}
	presence.SubscribeAll(rec.record)
	presence.Dispatch(context.Background())
	changes := rec.all()
	req.NotEmpty(changes)
	for i := 1; i < len(changes); i++ {
		req.NotEqual(changes[i-1].Status, changes[i].Status)
	}
	req.Equal(domain.Online, changes[len(changes)-1].Status)
}
