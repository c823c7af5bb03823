package domain

type ConversationID string

// Membership is the set of users exchanging messages in a conversation.
type Membership struct {
	ConversationID ConversationID
	Members        []UserID
}

// MembershipChange is reported by the storage layer each time a participant
// is added to or removed from a conversation.
type MembershipChange struct {
	ConversationID ConversationID
	UserIDs        []UserID
}
