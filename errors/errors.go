package errors

import (
	goerrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrAuth                = fmt.Errorf("authentication failed")
	ErrDuplicateConnection = fmt.Errorf("connection already registered")
	ErrConnectionNotFound  = fmt.Errorf("connection not found")
	ErrStorage             = fmt.Errorf("storage failure")
	ErrDraining            = fmt.Errorf("session is draining")
	ErrSessionClosed       = fmt.Errorf("session is closed")
	ErrInvalidTransition   = fmt.Errorf("invalid session transition")
	ErrInvalidEnvelope     = fmt.Errorf("invalid envelope")
	ErrNotMember           = fmt.Errorf("user is not a member of the conversation")
	ErrUnknownConversation = fmt.Errorf("unknown conversation")
	// ErrRecipientsUnresolved means the message is stored but was routed to nobody.
	ErrRecipientsUnresolved = fmt.Errorf("recipients unresolved")
)

// Websocket close codes sent to clients. 4000-4999 is the private range.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	CloseInternal          = 1011
	CloseAuthFailed        = 4001
	CloseDuplicateSession  = 4009
	CloseSlowConsumer      = 4008
	CloseTransportShutdown = 4010
)

// CloseCodeFor picks the close code a transport should send when a session ends with err.
func CloseCodeFor(err error) int {
	switch {
	case err == nil:
		return CloseNormal
	case goerrors.Is(err, ErrAuth):
		return CloseAuthFailed
	case goerrors.Is(err, ErrDuplicateConnection):
		return CloseDuplicateSession
	case goerrors.Is(err, ErrDraining), goerrors.Is(err, ErrSessionClosed):
		return CloseGoingAway
	default:
		return CloseInternal
	}
}

// Code is the short machine readable reason put in error envelopes.
func Code(err error) string {
	switch {
	case goerrors.Is(err, ErrAuth):
		return "auth_failed"
	case goerrors.Is(err, ErrStorage):
		return "storage_failed"
	case goerrors.Is(err, ErrDraining), goerrors.Is(err, ErrSessionClosed):
		return "draining"
	case goerrors.Is(err, ErrNotMember):
		return "not_member"
	case goerrors.Is(err, ErrInvalidEnvelope):
		return "invalid_envelope"
	case goerrors.Is(err, ErrUnknownConversation):
		return "unknown_conversation"
	case goerrors.Is(err, ErrRecipientsUnresolved):
		return "recipients_unresolved"
	default:
		return "rejected"
	}
}
