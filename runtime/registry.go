package runtime

import (
	"fmt"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"messenger-hub/errors"
	"slices"
	"sync"
	"time"
)

type Set[K comparable] map[K]struct{}

type entry struct {
	conn      domain.Connection
	transport contract.Transport
}

// Registry is the single source of truth for "who is reachable right now".
// It maps connection ids to their user and transport, and users to their live connections.
type Registry struct {
	mu          sync.RWMutex
	connections map[domain.ConnectionID]entry
	byUser      map[domain.UserID]Set[domain.ConnectionID]
	listeners   []contract.RegistryListener
	now         func() time.Time
}

func NewRegistry(listeners ...contract.RegistryListener) *Registry {
	return &Registry{
		connections: make(map[domain.ConnectionID]entry),
		byUser:      make(map[domain.UserID]Set[domain.ConnectionID]),
		listeners:   listeners,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddListener attaches a consumer of the change feed.
// Must be called before the registry is shared with connection goroutines.
func (r *Registry) AddListener(l contract.RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.listeners, l) {
		return
	}
	r.listeners = append(r.listeners, l)
}

// Register makes a connection reachable.
// It fails with ErrDuplicateConnection if the id is already present.
// Listeners are notified under the lock so the change feed is totally ordered.
func (r *Registry) Register(id domain.ConnectionID, userID domain.UserID, transport contract.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[id]; ok {
		return fmt.Errorf("register %s: %w", id, errors.ErrDuplicateConnection)
	}

	now := r.now()
	conn := domain.Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
	if transport != nil {
		conn.RemoteAddr = transport.RemoteAddr()
	}
	r.connections[id] = entry{conn: conn, transport: transport}

	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(Set[domain.ConnectionID])
	}
	r.byUser[userID][id] = struct{}{}

	r.emit(event.ConnectionRegistered{Connection: conn, Remaining: len(r.byUser[userID]), At: now})
	return nil
}

// Deregister removes a connection. It is a no-op returning false if absent.
// Empty user sets are removed to prevent memory leaks over time.
func (r *Registry) Deregister(id domain.ConnectionID) (domain.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[id]
	if !ok {
		return domain.Connection{}, false
	}
	delete(r.connections, id)

	remaining := 0
	if conns, ok := r.byUser[e.conn.UserID]; ok {
		delete(conns, id)
		remaining = len(conns)
		if remaining == 0 {
			delete(r.byUser, e.conn.UserID)
		}
	}

	r.emit(event.ConnectionDeregistered{Connection: e.conn, Remaining: remaining, At: r.now()})
	return e.conn, true
}

// ConnectionsFor returns the live connections of a user, empty when offline.
func (r *Registry) ConnectionsFor(userID domain.UserID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	res := make([]domain.ConnectionID, 0, len(conns))
	for id := range conns {
		res = append(res, id)
	}
	return res
}

func (r *Registry) HandleFor(id domain.ConnectionID) (contract.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[id]
	if !ok {
		return nil, fmt.Errorf("handle for %s: %w", id, errors.ErrConnectionNotFound)
	}
	return e.transport, nil
}

func (r *Registry) Get(id domain.ConnectionID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[id]
	return e.conn, ok
}

// Touch refreshes the last activity of a connection.
func (r *Registry) Touch(id domain.ConnectionID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.connections[id]; ok {
		e.conn.LastSeenAt = at
		r.connections[id] = e
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) emit(e event.RegistryEvent) {
	for _, l := range r.listeners {
		l.OnRegistryChange(e)
	}
}
