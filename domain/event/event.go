package event

import (
	"messenger-hub/domain"
	"time"
)

// RegistryEvent is the closed set of changes published by the connection registry.
// Consumers dispatch on the concrete type.
type RegistryEvent interface {
	Conn() domain.Connection
	isRegistryEvent()
}

// ConnectionRegistered is emitted once the connection is visible in the registry.
// Remaining is the number of live connections of the user after the change.
type ConnectionRegistered struct {
	Connection domain.Connection
	Remaining  int
	At         time.Time
}

func (e ConnectionRegistered) Conn() domain.Connection { return e.Connection }
func (ConnectionRegistered) isRegistryEvent()          {}

type ConnectionDeregistered struct {
	Connection domain.Connection
	Remaining  int
	At         time.Time
}

func (e ConnectionDeregistered) Conn() domain.Connection { return e.Connection }
func (ConnectionDeregistered) isRegistryEvent()          {}

// PresenceChanged fires exactly once per online/offline flip of a user.
type PresenceChanged struct {
	UserID domain.UserID
	Status domain.PresenceStatus
	At     time.Time
}
