// Package domain contains core concepts of the messenger hub.
// This file defines live connections and the identities attached to them.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConnectionID string

type UserID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Connection is one live transport session between the hub and a client device.
// It is owned by the registry and destroyed on disconnect.
type Connection struct {
	ID          ConnectionID
	UserID      UserID
	DeviceID    string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeenAt  time.Time
}
