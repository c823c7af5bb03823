// Package domain contains core concepts of the messenger hub.
// This file defines Message events and their delivery rules.
// Messages are immutable once persisted, only delivery state moves.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an immutable chat event.
// Sequence is assigned by persistence and orders messages inside a conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID ConversationID
	SenderID       UserID
	ClientMsgID    string
	Body           string
	Sequence       uint64
	CreatedAt      time.Time
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// CanTransition reports whether a delivery state may move from -> to.
// States only move forward out of pending.
func CanTransition(from, to DeliveryState) bool {
	return from == DeliveryPending && (to == DeliveryDelivered || to == DeliveryFailed)
}

type DeliveryReceipt struct {
	MessageID    uuid.UUID
	ConnectionID ConnectionID
	UserID       UserID
	State        DeliveryState
	At           time.Time
}

// DeliveryOutcome summarises one routing of a message.
// A recipient is Delivered when at least one of its connections got the message,
// Failed when it had live connections and all of them failed,
// Pending when it had no connection at all.
type DeliveryOutcome struct {
	Message   Message
	Delivered []UserID
	Pending   []UserID
	Failed    []UserID
	Receipts  []DeliveryReceipt
}
