package runtime

import (
	"fmt"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/errors"
	"sync"
	"time"
)

// Session is the lifecycle of one connection, from handshake to close.
// In-flight sends are counted so that draining can wait for them.
type Session struct {
	ID        domain.ConnectionID
	DeviceID  string
	transport contract.Transport

	mu            sync.Mutex
	userID        domain.UserID
	state         domain.SessionState
	conversations []domain.ConversationID
	inflight      sync.WaitGroup
}

func NewSession(id domain.ConnectionID, deviceID string, transport contract.Transport) *Session {
	return &Session{ID: id, DeviceID: deviceID, transport: transport, state: domain.Connecting}
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UserID() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Conversations() []domain.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationID(nil), s.conversations...)
}

// Transition moves the session to next or fails with ErrInvalidTransition.
func (s *Session) Transition(next domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next domain.SessionState) error {
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", s.state, next, errors.ErrInvalidTransition)
	}
	s.state = next
	return nil
}

func (s *Session) authenticate(userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(domain.Authenticated); err != nil {
		return err
	}
	s.userID = userID
	return nil
}

func (s *Session) activate(conversations []domain.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(domain.Active); err != nil {
		return err
	}
	s.conversations = conversations
	return nil
}

// Begin registers an in-flight send. Only active sessions accept new sends.
// The returned func must be called once the send is over.
func (s *Session) Begin() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.Active:
		s.inflight.Add(1)
		return s.inflight.Done, nil
	case domain.Draining:
		return nil, errors.ErrDraining
	case domain.Closed:
		return nil, errors.ErrSessionClosed
	default:
		return nil, fmt.Errorf("session %s: %w", s.state, errors.ErrInvalidTransition)
	}
}

// Drain moves the session to Draining and waits for in-flight sends up to timeout.
// It reports false when the session was already draining or closed.
func (s *Session) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	if err := s.transitionLocked(domain.Draining); err != nil {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return true
}
