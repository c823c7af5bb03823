package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"messenger-hub/errors"
	"messenger-hub/mocks"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goerrors "errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type routerFixture struct {
	router     *Router
	registry   *Registry
	pending    *PendingQueue
	store      *mocks.MockMessageStore
	membership *mocks.MockMembershipStore
	telemetry  chan event.Event
}

func newRouterFixture(t *testing.T, config RouterConfig) routerFixture {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	membershipStore := mocks.NewMockMembershipStore(ctrl)
	registry := NewRegistry()
	pending := NewPendingQueue(100, time.Hour)
	telemetry := make(chan event.Event, 100)
	if config.PersistTimeout == 0 {
		config.PersistTimeout = time.Second
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = time.Second
	}
	router := NewRouter(slog.Default(), store, registry,
		NewMembershipIndex(slog.Default(), membershipStore), pending, nil, telemetry, config)
	return routerFixture{
		router: router, registry: registry, pending: pending,
		store: store, membership: membershipStore, telemetry: telemetry,
	}
}

// sequencing makes the store assign increasing sequences like a real one.
func sequencing(store *mocks.MockMessageStore) {
	var seq atomic.Uint64
	store.EXPECT().PersistMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m domain.Message) (domain.Message, error) {
			m.Sequence = seq.Add(1)
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			return m, nil
		}).AnyTimes()
}

func members(store *mocks.MockMembershipStore, conv domain.ConversationID, users ...domain.UserID) {
	store.EXPECT().GetMembership(gomock.Any(), conv).Return(users, nil).AnyTimes()
}

func outgoing(conv domain.ConversationID, sender domain.UserID, body string) domain.Message {
	return domain.Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Body: body, CreatedAt: time.Now().UTC()}
}

func TestRouter_Offline_Member_Is_Pending(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "X", "Y")
	x := &fakeTransport{}
	req.NoError(f.registry.Register("x1", "X", x))

	// When X says hello while Y is offline
	outcome, err := f.router.Route(context.Background(), outgoing("c1", "X", "hello"), "x1")

	// Then nobody is delivered and Y is pending
	req.NoError(err)
	req.Empty(outcome.Delivered)
	req.Empty(outcome.Failed)
	req.Equal([]domain.UserID{"Y"}, outcome.Pending)
	req.Equal(uint64(1), outcome.Message.Sequence)

	// And the message waits in Y's catch-up queue
	queued := f.pending.Drain("Y")
	req.Len(queued, 1)
	req.Equal("hello", queued[0].Body)

	// And the sender did not get its own message back
	req.Empty(x.envelopes())
}

func TestRouter_Delivers_Connected_And_Pends_Offline(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A", "B", "D")
	a, b := &fakeTransport{}, &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", a))
	req.NoError(f.registry.Register("b1", "B", b))

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s1")

	req.NoError(err)
	req.ElementsMatch([]domain.UserID{"A", "B"}, outcome.Delivered)
	req.Equal([]domain.UserID{"D"}, outcome.Pending)
	req.Empty(outcome.Failed)

	received := a.ofType(domain.EnvelopeMessage)
	req.Len(received, 1)
	req.Equal(outcome.Message.ID.String(), received[0].MessageID)
	req.Equal(uint64(1), received[0].Sequence)
	req.Equal(domain.UserID("S"), received[0].SenderID)
	req.Len(b.ofType(domain.EnvelopeMessage), 1)
}

func TestRouter_Storage_Failure_Delivers_Nothing(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	f.store.EXPECT().PersistMessage(gomock.Any(), gomock.Any()).Return(domain.Message{}, fmt.Errorf("disk full"))
	a := &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", a))

	_, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s1")

	req.True(goerrors.Is(err, errors.ErrStorage))
	req.Empty(a.envelopes())
	req.Zero(f.pending.CountFor("A"))
}

func TestRouter_Failed_Connection_Is_Deregistered_And_Others_Still_Delivered(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A", "B")
	broken := &fakeTransport{sendErr: fmt.Errorf("broken pipe")}
	b := &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", broken))
	req.NoError(f.registry.Register("b1", "B", b))

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s1")

	// The send itself succeeded
	req.NoError(err)
	req.Equal([]domain.UserID{"B"}, outcome.Delivered)
	req.Equal([]domain.UserID{"A"}, outcome.Failed)
	req.Empty(outcome.Pending)

	// The broken connection is gone and closed
	_, ok := f.registry.Get("a1")
	req.False(ok)
	closed, code := broken.isClosed()
	req.True(closed)
	req.Equal(errors.CloseSlowConsumer, code)

	// A is caught up on next connect
	req.Equal(1, f.pending.CountFor("A"))

	// Receipts carry one state per connection
	states := map[domain.ConnectionID]domain.DeliveryState{}
	for _, r := range outcome.Receipts {
		states[r.ConnectionID] = r.State
	}
	req.Equal(domain.DeliveryFailed, states["a1"])
	req.Equal(domain.DeliveryDelivered, states["b1"])
}

func TestRouter_Slow_Recipient_Times_Out(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{SendTimeout: 30 * time.Millisecond})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A", "B")
	slow := &fakeTransport{block: true}
	b := &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", slow))
	req.NoError(f.registry.Register("b1", "B", b))

	start := time.Now()
	outcome, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s1")

	req.NoError(err)
	req.Less(time.Since(start), time.Second)
	req.Equal([]domain.UserID{"A"}, outcome.Failed)
	req.Equal([]domain.UserID{"B"}, outcome.Delivered)
	_, ok := f.registry.Get("a1")
	req.False(ok)
}

func TestRouter_Multi_Device_One_Failing_Still_Delivered(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A")
	phone := &fakeTransport{sendErr: fmt.Errorf("gone")}
	laptop := &fakeTransport{}
	req.NoError(f.registry.Register("phone", "A", phone))
	req.NoError(f.registry.Register("laptop", "A", laptop))

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s1")

	req.NoError(err)
	req.Equal([]domain.UserID{"A"}, outcome.Delivered)
	req.Empty(outcome.Failed)
	req.Zero(f.pending.CountFor("A"))
	req.Equal([]domain.ConnectionID{"laptop"}, f.registry.ConnectionsFor("A"))
}

func TestRouter_Same_Sender_Order_Is_Preserved(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A")
	a := &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", a))

	// m1 then m2
	_, err := f.router.Route(context.Background(), outgoing("c1", "S", "m1"), "s1")
	req.NoError(err)
	_, err = f.router.Route(context.Background(), outgoing("c1", "S", "m2"), "s1")
	req.NoError(err)

	received := a.ofType(domain.EnvelopeMessage)
	req.Len(received, 2)
	req.Equal("m1", received[0].Body)
	req.Equal("m2", received[1].Body)
	req.Less(received[0].Sequence, received[1].Sequence)
}

func TestRouter_Concurrent_Senders_Observed_In_Persisted_Order(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S1", "S2", "A")
	a := &fakeTransport{}
	req.NoError(f.registry.Register("a1", "A", a))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := domain.UserID("S1")
			if i%2 == 0 {
				sender = "S2"
			}
			_, _ = f.router.Route(context.Background(), outgoing("c1", sender, fmt.Sprint(i)), "")
		}(i)
	}
	wg.Wait()

	received := a.ofType(domain.EnvelopeMessage)
	req.Len(received, 20)
	for i := 1; i < len(received); i++ {
		req.Less(received[i-1].Sequence, received[i].Sequence)
	}
	req.Zero(f.router.locks.size())
}

func TestRouter_Echo_To_Sender_Other_Devices(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{EchoToSender: true})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A")
	origin, otherDevice, a := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	req.NoError(f.registry.Register("s-phone", "S", origin))
	req.NoError(f.registry.Register("s-laptop", "S", otherDevice))
	req.NoError(f.registry.Register("a1", "A", a))

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "s-phone")

	req.NoError(err)
	req.Equal([]domain.UserID{"A"}, outcome.Delivered)
	req.Empty(origin.envelopes())
	req.Len(otherDevice.ofType(domain.EnvelopeMessage), 1)
}

func TestRouter_Emits_Telemetry(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "S", "A")

	_, err := f.router.Route(context.Background(), outgoing("c1", "S", "hi"), "")
	req.NoError(err)

	select {
	case evt := <-f.telemetry:
		req.Equal(event.MessageRoutedType, evt.Type)
		payload := evt.Payload.(event.MessageRouted)
		req.Equal(1, payload.Pending)
	case <-time.After(time.Second):
		req.Fail("no telemetry event")
	}
}

// connectingRegistry registers user the first time a lookup finds them offline,
// as a handshake completing between the router's lookup and its enqueue would.
type connectingRegistry struct {
	*Registry
	user    domain.UserID
	once    sync.Once
	connect func()
}

func (c *connectingRegistry) ConnectionsFor(userID domain.UserID) []domain.ConnectionID {
	res := c.Registry.ConnectionsFor(userID)
	if userID == c.user && len(res) == 0 {
		c.once.Do(c.connect)
	}
	return res
}

func TestRouter_Recipient_Connecting_During_Route_Still_Receives(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	members(f.membership, "c1", "X", "Y")
	y := &fakeTransport{}
	registry := &connectingRegistry{Registry: f.registry, user: "Y", connect: func() {
		// Y registers and catches up on a queue that is still empty
		req.NoError(f.registry.Register("y1", "Y", y))
		req.Empty(f.pending.Drain("Y"))
	}}
	router := NewRouter(slog.Default(), f.store, registry,
		NewMembershipIndex(slog.Default(), f.membership), f.pending, nil, nil,
		RouterConfig{PersistTimeout: time.Second, SendTimeout: time.Second})

	outcome, err := router.Route(context.Background(), outgoing("c1", "X", "hello"), "x1")

	// Then the online Y gets the message and nothing is left pending
	req.NoError(err)
	req.Equal([]domain.UserID{"Y"}, outcome.Delivered)
	req.Empty(outcome.Pending)
	received := y.ofType(domain.EnvelopeMessage)
	req.Len(received, 1)
	req.Equal("hello", received[0].Body)
	req.Zero(f.pending.CountFor("Y"))
}

func TestRouter_Unresolved_Recipients_Are_Reported(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	f.membership.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
		Return(nil, fmt.Errorf("membership unavailable")).Times(resolveAttempts)

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "X", "hello"), "x1")

	// Then the caller knows the message is stored but reached nobody
	req.True(goerrors.Is(err, errors.ErrRecipientsUnresolved))
	req.Equal(uint64(1), outcome.Message.Sequence)
	req.Empty(outcome.Delivered)
	req.Empty(outcome.Pending)
}

func TestRouter_Membership_Lookup_Is_Retried(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t, RouterConfig{})
	sequencing(f.store)
	gomock.InOrder(
		f.membership.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
			Return(nil, fmt.Errorf("membership unavailable")),
		f.membership.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
			Return([]domain.UserID{"X", "Y"}, nil),
	)

	outcome, err := f.router.Route(context.Background(), outgoing("c1", "X", "hello"), "x1")

	req.NoError(err)
	req.Equal([]domain.UserID{"Y"}, outcome.Pending)
	req.Equal(1, f.pending.CountFor("Y"))
}
