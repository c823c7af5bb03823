package domain

import "time"

type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Offline PresenceStatus = "offline"
	// Typing is relayed to peers but never held as a user's status.
	Typing PresenceStatus = "typing"
)

type PresenceChange struct {
	UserID UserID
	Status PresenceStatus
	At     time.Time
}
