package domain

import (
	"time"
)

type Command interface {
	Conversation() ConversationID
}

// SendMessageCommand is a sender's intent, before persistence gives it an ID and a sequence.
type SendMessageCommand struct {
	ConversationID ConversationID `validate:"required,max=128"`
	SenderID       UserID         `validate:"required"`
	ConnectionID   ConnectionID   `validate:"required"`
	ClientMsgID    string         `validate:"omitempty,max=128"`
	Body           string         `validate:"required"`
	CreatedAt      time.Time
}

func (c SendMessageCommand) Conversation() ConversationID {
	return c.ConversationID
}

type HistoryCommand struct {
	ConversationID ConversationID
	AfterSequence  uint64
	Limit          int
}

func (c HistoryCommand) Conversation() ConversationID {
	return c.ConversationID
}

type TypingCommand struct {
	ConversationID ConversationID
	UserID         UserID
}

func (c TypingCommand) Conversation() ConversationID {
	return c.ConversationID
}
