// Package runtime holds the live state of the hub: who is connected, who is online,
// who belongs where, and how a message travels from its sender to every device.
package runtime

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"messenger-hub/errors"
	"messenger-hub/observability"
	"messenger-hub/runtime/workers"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

type HubConfig struct {
	SendTimeout          time.Duration
	DrainTimeout         time.Duration
	MaxBodyBytes         int
	HistoryLimit         int
	PendingSweepInterval time.Duration
}

// HandshakeInfo is what the transport knows about a connection before it is authenticated.
type HandshakeInfo struct {
	Token      string
	Transport  contract.Transport
	RemoteAddr string
	DeviceID   string
}

// Hub is the session lifecycle manager. It owns every session and wires the
// registry, presence, membership and router together.
type Hub struct {
	log        *slog.Logger
	auth       contract.Authenticator
	store      contract.MessageStore
	registry   contract.IRegistry
	presence   *PresenceTracker
	membership contract.IMembership
	pending    contract.IPendingQueue
	router     contract.IRouter
	supervisor contract.ISupervisor
	metrics    *observability.Metrics
	telemetry  chan event.Event
	validate   *validator.Validate
	config     HubConfig

	mu          sync.RWMutex
	sessions    map[domain.ConnectionID]*Session
	workers     []contract.Worker
	unsubscribe func()
	stopped     chan struct{}
	baseCtx     context.Context
	now         func() time.Time
}

func NewHub(log *slog.Logger, auth contract.Authenticator, store contract.MessageStore,
	registry contract.IRegistry, presence *PresenceTracker, membership contract.IMembership,
	pending contract.IPendingQueue, router contract.IRouter, supervisor contract.ISupervisor,
	metrics *observability.Metrics, telemetry chan event.Event, config HubConfig) *Hub {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.PendingSweepInterval <= 0 {
		config.PendingSweepInterval = time.Minute
	}
	return &Hub{
		log:        log,
		auth:       auth,
		store:      store,
		registry:   registry,
		presence:   presence,
		membership: membership,
		pending:    pending,
		router:     router,
		supervisor: supervisor,
		metrics:    metrics,
		telemetry:  telemetry,
		validate:   validator.New(),
		config:     config,
		sessions:   make(map[domain.ConnectionID]*Session),
		baseCtx:    context.Background(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Add registers extra workers run by the supervisor next to the hub's own.
func (h *Hub) Add(w ...contract.Worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = append(h.workers, w...)
}

// Start subscribes to presence changes and runs the supervised workers in the background.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.mu.Unlock()
		return fmt.Errorf("hub already started")
	}
	h.baseCtx = ctx
	h.unsubscribe = h.presence.SubscribeAll(h.onPresenceChanged)
	h.supervisor.Add(
		workers.NewPresenceDispatcher(h.log, h.presence),
		workers.NewPendingJanitor(h.log, h.pending, h.config.PendingSweepInterval, h.metrics, h.telemetry),
	)
	h.supervisor.Add(h.workers...)
	h.stopped = make(chan struct{})
	stopped := h.stopped
	h.mu.Unlock()

	h.log.Info("Starting hub and all supervised workers")
	go func() {
		defer close(stopped)
		h.supervisor.Run(ctx)
	}()
	return nil
}

// Stop drains every session then stops the workers and waits for them.
func (h *Hub) Stop() {
	h.log.Info("Requesting hub shutdown")
	h.mu.RLock()
	ids := lo.Keys(h.sessions)
	h.mu.RUnlock()

	p := pool.New().WithMaxGoroutines(32)
	for _, id := range ids {
		p.Go(func() { h.OnClose(id, errors.ErrDraining) })
	}
	p.Wait()

	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	stopped := h.stopped
	h.mu.Unlock()

	h.supervisor.Stop()
	if stopped != nil {
		<-stopped
	}
	h.log.Info("Hub stopped", "sessions_closed", len(ids))
}

// OnConnect authenticates a handshake, registers the connection, and catches it up.
// On auth failure the transport is closed and an ErrAuth is returned.
func (h *Hub) OnConnect(ctx context.Context, info HandshakeInfo) (domain.ConnectionID, error) {
	session := NewSession(domain.NewConnectionID(), info.DeviceID, info.Transport)

	userID, err := h.auth.Verify(ctx, info.Token)
	if err != nil {
		h.metrics.SessionRejected("auth")
		_ = session.Transition(domain.Closed)
		if !goerrors.Is(err, errors.ErrAuth) {
			err = fmt.Errorf("%w: %w", errors.ErrAuth, err)
		}
		h.log.Info("Handshake rejected", "remote_addr", info.RemoteAddr, "error", err)
		if cerr := info.Transport.Close(errors.CloseAuthFailed, "authentication failed"); cerr != nil {
			h.log.Debug("Close after rejected handshake", "error", cerr)
		}
		return "", err
	}
	if err := session.authenticate(userID); err != nil {
		return "", err
	}

	if err := h.registry.Register(session.ID, userID, info.Transport); err != nil {
		h.metrics.SessionRejected("duplicate")
		_ = session.Transition(domain.Draining)
		_ = session.Transition(domain.Closed)
		_ = info.Transport.Close(errors.CloseCodeFor(err), "duplicate connection")
		return "", err
	}
	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	conversations, err := h.membership.ConversationsOf(ctx, userID)
	if err != nil {
		h.log.Warn("Conversations unresolved on connect", "user_id", userID, "error", err)
	}
	if err := session.activate(conversations); err != nil {
		return session.ID, err
	}

	h.log.Info("Session active",
		"conn_id", session.ID,
		"user_id", userID,
		"device_id", info.DeviceID,
		"remote_addr", info.RemoteAddr,
		"conversations", len(conversations))

	h.catchUp(ctx, session)
	return session.ID, nil
}

// catchUp pushes the user's pending messages in (conversation, sequence) order.
// An entry leaves the queue only once pushed; the first failure stops the replay.
func (h *Hub) catchUp(ctx context.Context, s *Session) {
	userID := s.UserID()
	messages := h.pending.Drain(userID)
	delivered := 0
	for _, m := range messages {
		if err := h.send(ctx, s, domain.MessageEnvelope(m)); err != nil {
			h.log.Warn("Catch-up interrupted",
				"conn_id", s.ID,
				"user_id", userID,
				"remaining", len(messages)-delivered,
				"error", err)
			break
		}
		h.pending.Ack(userID, m.ID)
		delivered++
	}
	if delivered > 0 {
		h.metrics.CaughtUp(delivered)
		h.log.Debug("Catch-up delivered", "conn_id", s.ID, "count", delivered)
	}
}

// OnMessage handles one inbound frame of an active connection.
// Rejections are answered with an error envelope and returned.
func (h *Hub) OnMessage(ctx context.Context, connID domain.ConnectionID, raw []byte) error {
	s, ok := h.session(connID)
	if !ok {
		return fmt.Errorf("message from %s: %w", connID, errors.ErrConnectionNotFound)
	}
	h.registry.Touch(connID, h.now())

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return h.reject(ctx, s, "", fmt.Errorf("%w: %w", errors.ErrInvalidEnvelope, err))
	}
	if err := h.validate.Struct(env); err != nil {
		return h.reject(ctx, s, env.ClientMsgID, fmt.Errorf("%w: %w", errors.ErrInvalidEnvelope, err))
	}

	switch env.Type {
	case domain.EnvelopeMessage:
		return h.handleSend(ctx, s, env)
	case domain.EnvelopeAck:
		return h.handleAck(s, env)
	case domain.EnvelopeTyping:
		return h.handleTyping(ctx, s, env)
	case domain.EnvelopeHistory:
		return h.handleHistory(ctx, s, env)
	default:
		return h.reject(ctx, s, env.ClientMsgID, fmt.Errorf("%w: %s from client", errors.ErrInvalidEnvelope, env.Type))
	}
}

func (h *Hub) handleSend(ctx context.Context, s *Session, env domain.Envelope) error {
	done, err := s.Begin()
	if err != nil {
		return h.reject(ctx, s, env.ClientMsgID, err)
	}
	defer done()

	if h.config.MaxBodyBytes > 0 && len(env.Body) > h.config.MaxBodyBytes {
		return h.reject(ctx, s, env.ClientMsgID,
			fmt.Errorf("%w: body of %d bytes", errors.ErrInvalidEnvelope, len(env.Body)))
	}
	cmd := domain.SendMessageCommand{
		ConversationID: env.ConversationID,
		SenderID:       s.UserID(),
		ConnectionID:   s.ID,
		ClientMsgID:    env.ClientMsgID,
		Body:           env.Body,
		CreatedAt:      h.now(),
	}
	if err := h.validate.Struct(cmd); err != nil {
		return h.reject(ctx, s, env.ClientMsgID, fmt.Errorf("%w: %w", errors.ErrInvalidEnvelope, err))
	}
	if err := h.ensureMember(ctx, cmd.ConversationID, cmd.SenderID); err != nil {
		return h.reject(ctx, s, env.ClientMsgID, err)
	}

	outcome, err := h.router.Route(ctx, domain.Message{
		ConversationID: cmd.ConversationID,
		SenderID:       cmd.SenderID,
		ClientMsgID:    cmd.ClientMsgID,
		Body:           cmd.Body,
		CreatedAt:      cmd.CreatedAt,
	}, s.ID)
	if err != nil {
		// Unresolved recipients: the message is stored, the sender retries with the same client id.
		h.log.Error("Message not routed",
			"conn_id", s.ID,
			"conversation_id", cmd.ConversationID,
			"client_msg_id", cmd.ClientMsgID,
			"persisted", outcome.Message.Sequence > 0,
			"error", err)
		return h.reject(ctx, s, env.ClientMsgID, err)
	}

	h.log.Debug("Message routed",
		"conversation_id", outcome.Message.ConversationID,
		"message_id", outcome.Message.ID,
		"sequence", outcome.Message.Sequence,
		"delivered", len(outcome.Delivered),
		"pending", len(outcome.Pending),
		"failed", len(outcome.Failed))
	if err := h.send(ctx, s, domain.AckEnvelope(outcome.Message)); err != nil {
		h.log.Warn("Ack not sent", "conn_id", s.ID, "message_id", outcome.Message.ID, "error", err)
	}
	return nil
}

// handleAck records a client delivery receipt.
func (h *Hub) handleAck(s *Session, env domain.Envelope) error {
	id, err := uuid.Parse(env.MessageID)
	if err != nil {
		return fmt.Errorf("%w: ack of %q", errors.ErrInvalidEnvelope, env.MessageID)
	}
	h.pending.Ack(s.UserID(), id)
	h.log.Debug("Client receipt", "conn_id", s.ID, "message_id", id, "sequence", env.Sequence)
	return nil
}

// handleTyping relays a transient typing signal to the other members. Nothing is stored.
func (h *Hub) handleTyping(ctx context.Context, s *Session, env domain.Envelope) error {
	if s.State() != domain.Active {
		return nil
	}
	cmd := domain.TypingCommand{ConversationID: env.ConversationID, UserID: s.UserID()}
	members, err := h.membership.MembersOf(ctx, cmd.ConversationID)
	if err != nil {
		return h.reject(ctx, s, "", fmt.Errorf("%w: %w", errors.ErrStorage, err))
	}
	if !lo.Contains(members, cmd.UserID) {
		return h.reject(ctx, s, "", fmt.Errorf("typing in %s: %w", cmd.ConversationID, errors.ErrNotMember))
	}
	frame := domain.PresenceEnvelope(cmd.UserID, domain.Typing, cmd.ConversationID)
	h.pushTo(ctx, lo.Without(members, cmd.UserID), frame)
	return nil
}

func (h *Hub) handleHistory(ctx context.Context, s *Session, env domain.Envelope) error {
	done, err := s.Begin()
	if err != nil {
		return h.reject(ctx, s, "", err)
	}
	defer done()

	cmd := domain.HistoryCommand{ConversationID: env.ConversationID, AfterSequence: env.AfterSequence, Limit: env.Limit}
	if cmd.ConversationID == "" {
		return h.reject(ctx, s, "", fmt.Errorf("%w: history without conversation", errors.ErrInvalidEnvelope))
	}
	if cmd.Limit <= 0 {
		cmd.Limit = h.config.HistoryLimit
	}
	if err := h.ensureMember(ctx, cmd.ConversationID, s.UserID()); err != nil {
		return h.reject(ctx, s, "", err)
	}
	messages, err := h.store.MessagesAfter(ctx, cmd.ConversationID, cmd.AfterSequence, cmd.Limit)
	if err != nil {
		return h.reject(ctx, s, "", fmt.Errorf("history of %s: %w: %w", cmd.ConversationID, errors.ErrStorage, err))
	}
	return h.send(ctx, s, domain.Envelope{
		Type:           domain.EnvelopeHistory,
		ConversationID: cmd.ConversationID,
		AfterSequence:  cmd.AfterSequence,
		Messages:       lo.Map(messages, func(m domain.Message, _ int) domain.Envelope { return domain.MessageEnvelope(m) }),
	})
}

func (h *Hub) ensureMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	members, err := h.membership.MembersOf(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("members of %s: %w: %w", conversationID, errors.ErrStorage, err)
	}
	if len(members) == 0 {
		return fmt.Errorf("%s: %w", conversationID, errors.ErrUnknownConversation)
	}
	if !lo.Contains(members, userID) {
		return fmt.Errorf("%s in %s: %w", userID, conversationID, errors.ErrNotMember)
	}
	return nil
}

// OnClose drains the session, waits for its in-flight sends, and deregisters it.
// Calling it again for the same connection is a no-op.
func (h *Hub) OnClose(connID domain.ConnectionID, cause error) {
	s, ok := h.session(connID)
	if !ok {
		return
	}
	if !s.Drain(h.config.DrainTimeout) {
		return
	}
	h.registry.Deregister(connID)
	_ = s.Transition(domain.Closed)

	h.mu.Lock()
	delete(h.sessions, connID)
	h.mu.Unlock()

	if err := s.transport.Close(errors.CloseCodeFor(cause), closeReason(cause)); err != nil {
		h.log.Debug("Transport already closed", "conn_id", connID, "error", err)
	}
	h.log.Info("Session closed", "conn_id", connID, "user_id", s.UserID(), "cause", cause)
}

func closeReason(cause error) string {
	if cause == nil {
		return "bye"
	}
	return errors.Code(cause)
}

// onPresenceChanged runs on the presence dispatcher. Every user sharing a
// conversation with the changed user gets one presence envelope per shared conversation.
func (h *Hub) onPresenceChanged(change event.PresenceChanged) {
	ctx := h.baseCtx
	conversations, err := h.membership.ConversationsOf(ctx, change.UserID)
	if err != nil {
		h.log.Warn("Presence fan-out skipped", "user_id", change.UserID, "error", err)
		return
	}
	for _, conversationID := range conversations {
		members, err := h.membership.MembersOf(ctx, conversationID)
		if err != nil {
			h.log.Warn("Presence fan-out skipped", "conversation_id", conversationID, "error", err)
			continue
		}
		h.pushTo(ctx, lo.Without(members, change.UserID),
			domain.PresenceEnvelope(change.UserID, change.Status, conversationID))
	}
}

// pushTo sends a best effort frame to every live connection of the users.
func (h *Hub) pushTo(ctx context.Context, users []domain.UserID, env domain.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("Encode envelope", "type", env.Type, "error", err)
		return
	}
	for _, userID := range users {
		for _, connID := range h.registry.ConnectionsFor(userID) {
			transport, err := h.registry.HandleFor(connID)
			if err != nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, h.config.SendTimeout)
			if err := transport.Send(sendCtx, frame); err != nil {
				h.log.Debug("Push skipped", "conn_id", connID, "type", env.Type, "error", err)
			}
			cancel()
		}
	}
}

func (h *Hub) reject(ctx context.Context, s *Session, clientMsgID string, cause error) error {
	if err := h.send(ctx, s, domain.ErrorEnvelope(errors.Code(cause), clientMsgID)); err != nil {
		h.log.Debug("Error envelope not sent", "conn_id", s.ID, "error", err)
	}
	return cause
}

func (h *Hub) send(ctx context.Context, s *Session, env domain.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, h.config.SendTimeout)
	defer cancel()
	return s.transport.Send(sendCtx, frame)
}

func (h *Hub) session(connID domain.ConnectionID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

// SessionState reports the lifecycle state of a known connection.
func (h *Hub) SessionState(connID domain.ConnectionID) (domain.SessionState, bool) {
	s, ok := h.session(connID)
	if !ok {
		return domain.Closed, false
	}
	return s.State(), true
}

func (h *Hub) CurrentConnectionCount() int {
	return h.registry.Count()
}

func (h *Hub) StatusOf(userID domain.UserID) domain.PresenceStatus {
	return h.presence.StatusOf(userID)
}

func (h *Hub) PendingCountFor(userID domain.UserID) int {
	return h.pending.CountFor(userID)
}

func (h *Hub) PendingTotal() int {
	return h.pending.Total()
}
