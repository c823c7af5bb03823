//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"reflect"
	"time"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Transport is a bidirectional, message framed channel to one client device.
// Send must honor the context deadline.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Authenticator is the auth collaborator: it turns a handshake token into a user.
type Authenticator interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// MessageStore durably appends messages and assigns their per conversation sequence.
// Persisting twice with the same (conversation, sender, client id) returns the first message.
type MessageStore interface {
	PersistMessage(ctx context.Context, message domain.Message) (domain.Message, error)
	MessagesAfter(ctx context.Context, conversationID domain.ConversationID, afterSequence uint64, limit int) ([]domain.Message, error)
}

// MembershipStore owns conversation membership.
// Every mutation must be reported through WatchMembership.
type MembershipStore interface {
	GetMembership(ctx context.Context, conversationID domain.ConversationID) ([]domain.UserID, error)
	ConversationsOf(ctx context.Context, userID domain.UserID) ([]domain.ConversationID, error)
	AddMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
	RemoveMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
	// WatchMembership blocks until ctx is done, calling fn for every change.
	WatchMembership(ctx context.Context, fn func(change domain.MembershipChange)) error
}

type Store interface {
	MessageStore
	MembershipStore
	Close() error
}

// RegistryListener receives the registry change feed.
// It is called while the registry holds its lock: implementations must only enqueue.
type RegistryListener interface {
	OnRegistryChange(e event.RegistryEvent)
}

type IRegistry interface {
	Register(id domain.ConnectionID, userID domain.UserID, transport Transport) error
	Deregister(id domain.ConnectionID) (domain.Connection, bool)
	ConnectionsFor(userID domain.UserID) []domain.ConnectionID
	HandleFor(id domain.ConnectionID) (Transport, error)
	Get(id domain.ConnectionID) (domain.Connection, bool)
	Touch(id domain.ConnectionID, at time.Time)
	Count() int
}

type IPresence interface {
	StatusOf(userID domain.UserID) domain.PresenceStatus
	Subscribe(userID domain.UserID, fn func(event.PresenceChanged)) (unsubscribe func())
	SubscribeAll(fn func(event.PresenceChanged)) (unsubscribe func())
}

type IMembership interface {
	MembersOf(ctx context.Context, conversationID domain.ConversationID) ([]domain.UserID, error)
	ConversationsOf(ctx context.Context, userID domain.UserID) ([]domain.ConversationID, error)
	Invalidate(change domain.MembershipChange)
}

type IPendingQueue interface {
	Enqueue(userID domain.UserID, message domain.Message)
	Drain(userID domain.UserID) []domain.Message
	Ack(userID domain.UserID, messageID uuid.UUID)
	CountFor(userID domain.UserID) int
	Total() int
	EvictExpired(now time.Time) int
}

type IRouter interface {
	Route(ctx context.Context, message domain.Message, origin domain.ConnectionID) (domain.DeliveryOutcome, error)
}
