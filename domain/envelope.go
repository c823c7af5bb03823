package domain

import "time"

type EnvelopeType string

const (
	EnvelopeMessage  EnvelopeType = "message"
	EnvelopeAck      EnvelopeType = "ack"
	EnvelopePresence EnvelopeType = "presence"
	EnvelopeError    EnvelopeType = "error"
	EnvelopeTyping   EnvelopeType = "typing"
	EnvelopeHistory  EnvelopeType = "history"
)

// Persisted is the delivery state reported to a sender once its message is stored.
const Persisted DeliveryState = "persisted"

// Envelope is the wire frame exchanged with clients, whatever the transport.
type Envelope struct {
	Type           EnvelopeType   `json:"type" validate:"required,oneof=message ack presence error typing history"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	ClientMsgID    string         `json:"clientMsgId,omitempty" validate:"omitempty,max=128"`
	SenderID       UserID         `json:"senderId,omitempty"`
	Body           string         `json:"body,omitempty"`
	Sequence       uint64         `json:"sequence,omitempty"`
	DeliveryState  DeliveryState  `json:"deliveryState,omitempty"`
	UserID         UserID         `json:"userId,omitempty"`
	Status         PresenceStatus `json:"status,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	AfterSequence  uint64         `json:"afterSequence,omitempty"`
	Limit          int            `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
	Messages       []Envelope     `json:"messages,omitempty"`
}

func MessageEnvelope(m Message) Envelope {
	createdAt := m.CreatedAt
	return Envelope{
		Type:           EnvelopeMessage,
		ConversationID: m.ConversationID,
		MessageID:      m.ID.String(),
		ClientMsgID:    m.ClientMsgID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Sequence:       m.Sequence,
		CreatedAt:      &createdAt,
	}
}

func AckEnvelope(m Message) Envelope {
	return Envelope{
		Type:           EnvelopeAck,
		ConversationID: m.ConversationID,
		MessageID:      m.ID.String(),
		ClientMsgID:    m.ClientMsgID,
		Sequence:       m.Sequence,
		DeliveryState:  Persisted,
	}
}

func ErrorEnvelope(code, clientMsgID string) Envelope {
	return Envelope{Type: EnvelopeError, Error: code, ClientMsgID: clientMsgID}
}

func PresenceEnvelope(user UserID, status PresenceStatus, conversation ConversationID) Envelope {
	return Envelope{Type: EnvelopePresence, UserID: user, Status: status, ConversationID: conversation}
}
