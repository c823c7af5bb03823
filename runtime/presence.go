package runtime

import (
	"context"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"sync"
)

var _ contract.RegistryListener = (*PresenceTracker)(nil)
var _ contract.IPresence = (*PresenceTracker)(nil)

type presenceSubscriber struct {
	id     uint64
	userID domain.UserID // empty means every user
	fn     func(event.PresenceChanged)
}

// PresenceTracker is a projection of the registry change feed.
// Status is read through the registry, the feed only drives notifications.
type PresenceTracker struct {
	log      *slog.Logger
	registry contract.IRegistry

	mu          sync.Mutex
	queue       []event.PresenceChanged
	signal      chan struct{}
	subscribers map[uint64]presenceSubscriber
	nextID      uint64
}

func NewPresenceTracker(log *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		log:         log,
		signal:      make(chan struct{}, 1),
		subscribers: make(map[uint64]presenceSubscriber),
	}
}

// Attach binds the tracker to the registry it reads through and subscribes it
// to the registry change feed. It must run before anything registers.
func (p *PresenceTracker) Attach(registry *Registry) {
	p.registry = registry
	registry.AddListener(p)
}

// StatusOf is online iff the registry holds at least one connection for the user.
func (p *PresenceTracker) StatusOf(userID domain.UserID) domain.PresenceStatus {
	if p.registry == nil || len(p.registry.ConnectionsFor(userID)) == 0 {
		return domain.Offline
	}
	return domain.Online
}

// OnRegistryChange runs under the registry lock: it only enqueues.
// A user flips online when its first connection registers and offline when its last one leaves.
func (p *PresenceTracker) OnRegistryChange(e event.RegistryEvent) {
	var change event.PresenceChanged
	switch evt := e.(type) {
	case event.ConnectionRegistered:
		if evt.Remaining != 1 {
			return
		}
		change = event.PresenceChanged{UserID: evt.Connection.UserID, Status: domain.Online, At: evt.At}
	case event.ConnectionDeregistered:
		if evt.Remaining != 0 {
			return
		}
		change = event.PresenceChanged{UserID: evt.Connection.UserID, Status: domain.Offline, At: evt.At}
	default:
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, change)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *PresenceTracker) Subscribe(userID domain.UserID, fn func(event.PresenceChanged)) func() {
	return p.subscribe(userID, fn)
}

func (p *PresenceTracker) SubscribeAll(fn func(event.PresenceChanged)) func() {
	return p.subscribe("", fn)
}

func (p *PresenceTracker) subscribe(userID domain.UserID, fn func(event.PresenceChanged)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subscribers[id] = presenceSubscriber{id: id, userID: userID, fn: fn}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// Signal is closed over by the dispatcher worker to wait for new changes.
func (p *PresenceTracker) Signal() <-chan struct{} {
	return p.signal
}

// Dispatch drains the queue in order and runs the matching callbacks.
// It returns the number of changes delivered.
func (p *PresenceTracker) Dispatch(ctx context.Context) int {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	subs := make([]presenceSubscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for i, change := range pending {
		if ctx.Err() != nil {
			p.requeue(pending[i:])
			return i
		}
		for _, s := range subs {
			if s.userID != "" && s.userID != change.UserID {
				continue
			}
			p.safeCall(s, change)
		}
	}
	return len(pending)
}

func (p *PresenceTracker) requeue(changes []event.PresenceChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(changes, p.queue...)
}

func (p *PresenceTracker) safeCall(s presenceSubscriber, change event.PresenceChanged) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("presence subscriber panicked", "user_id", change.UserID, "panic", r)
		}
	}()
	s.fn(change)
}
