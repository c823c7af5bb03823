package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"messenger-hub/errors"
	"messenger-hub/observability"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

var _ contract.IRouter = (*Router)(nil)

type RouterConfig struct {
	PersistTimeout    time.Duration
	SendTimeout       time.Duration
	FanoutConcurrency int
	// EchoToSender pushes a sent message to the sender's other connections.
	EchoToSender bool
}

// Router persists a message then fans it out to every live connection of the conversation members.
// Persist and broadcast are serialized per conversation, so recipients observe the persisted order.
type Router struct {
	log        *slog.Logger
	store      contract.MessageStore
	registry   contract.IRegistry
	membership contract.IMembership
	pending    contract.IPendingQueue
	metrics    *observability.Metrics
	telemetry  chan event.Event
	config     RouterConfig
	locks      *keyedMutex[domain.ConversationID]
	now        func() time.Time
}

func NewRouter(log *slog.Logger, store contract.MessageStore, registry contract.IRegistry,
	membership contract.IMembership, pending contract.IPendingQueue,
	metrics *observability.Metrics, telemetry chan event.Event, config RouterConfig) *Router {
	if config.FanoutConcurrency <= 0 {
		config.FanoutConcurrency = 16
	}
	return &Router{
		log:        log,
		store:      store,
		registry:   registry,
		membership: membership,
		pending:    pending,
		metrics:    metrics,
		telemetry:  telemetry,
		config:     config,
		locks:      newKeyedMutex[domain.ConversationID](),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

const (
	resolveAttempts = 3
	resolveBackoff  = 20 * time.Millisecond
)

type target struct {
	userID    domain.UserID
	connID    domain.ConnectionID
	transport contract.Transport
	echo      bool
	// queued is set when the message already sits in the user's pending queue.
	queued bool
}

// Route persists the message and pushes it to the recipients' connections.
// Per recipient failures are reported in the outcome. Errors are a persistence failure,
// or ErrRecipientsUnresolved once persisted, in which case outcome.Message is set and a
// retry with the same client id routes the stored message again.
// origin is the sender connection, excluded from echo.
func (r *Router) Route(ctx context.Context, message domain.Message, origin domain.ConnectionID) (domain.DeliveryOutcome, error) {
	startedAt := r.now()
	unlock := r.locks.Lock(message.ConversationID)
	defer unlock()

	persistCtx, cancel := context.WithTimeout(ctx, r.config.PersistTimeout)
	persisted, err := r.store.PersistMessage(persistCtx, message)
	cancel()
	if err != nil {
		r.metrics.PersistFailed()
		return domain.DeliveryOutcome{}, fmt.Errorf("persist message in %s: %w: %w", message.ConversationID, errors.ErrStorage, err)
	}
	outcome := domain.DeliveryOutcome{Message: persisted}

	members, err := r.recipients(ctx, persisted.ConversationID)
	if err != nil {
		r.log.Error("Recipients unresolved after persistence",
			"conversation_id", persisted.ConversationID,
			"message_id", persisted.ID,
			"error", err)
		return outcome, fmt.Errorf("recipients of %s: %w: %w", persisted.ConversationID, errors.ErrRecipientsUnresolved, err)
	}
	recipients := lo.Without(members, persisted.SenderID)

	targets := r.resolveTargets(persisted, recipients, origin, &outcome)
	if len(targets) > 0 {
		frame, err := json.Marshal(domain.MessageEnvelope(persisted))
		if err != nil {
			return outcome, fmt.Errorf("encode message %s: %w", persisted.ID, err)
		}
		r.broadcast(ctx, persisted, frame, targets, &outcome)
	}

	r.metrics.Routed(len(outcome.Delivered), len(outcome.Pending), len(outcome.Failed))
	r.emit(event.NewEvent(event.MessageRoutedType, event.MessageRouted{
		ConversationID: persisted.ConversationID,
		Sequence:       persisted.Sequence,
		Delivered:      len(outcome.Delivered),
		Pending:        len(outcome.Pending),
		Failed:         len(outcome.Failed),
		StartedAt:      startedAt,
	}))
	return outcome, nil
}

// recipients loads the conversation members, retrying within the persist timeout.
func (r *Router) recipients(ctx context.Context, conversationID domain.ConversationID) ([]domain.UserID, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, r.config.PersistTimeout)
	defer cancel()
	for attempt := 1; ; attempt++ {
		members, err := r.membership.MembersOf(resolveCtx, conversationID)
		if err == nil {
			return members, nil
		}
		if attempt == resolveAttempts {
			return nil, err
		}
		select {
		case <-resolveCtx.Done():
			return nil, err
		case <-time.After(time.Duration(attempt) * resolveBackoff):
		}
	}
}

// resolveTargets reads the registry once persistence is done.
// Offline recipients are marked pending and queued for catch-up. A connection
// registered between the lookup and the enqueue may already have drained its queue,
// so the registry is read again after enqueueing.
func (r *Router) resolveTargets(message domain.Message, recipients []domain.UserID,
	origin domain.ConnectionID, outcome *domain.DeliveryOutcome) []target {
	var targets []target
	for _, userID := range recipients {
		userTargets := r.targetsFor(userID, "", false)
		if len(userTargets) == 0 {
			r.pending.Enqueue(userID, message)
			userTargets = r.targetsFor(userID, "", false)
			if len(userTargets) == 0 {
				outcome.Pending = append(outcome.Pending, userID)
				outcome.Receipts = append(outcome.Receipts, domain.DeliveryReceipt{
					MessageID: message.ID, UserID: userID, State: domain.DeliveryPending, At: r.now(),
				})
				continue
			}
			for i := range userTargets {
				userTargets[i].queued = true
			}
		}
		targets = append(targets, userTargets...)
	}
	if r.config.EchoToSender {
		targets = append(targets, r.targetsFor(message.SenderID, origin, true)...)
	}
	return targets
}

func (r *Router) targetsFor(userID domain.UserID, skip domain.ConnectionID, echo bool) []target {
	var res []target
	for _, connID := range r.registry.ConnectionsFor(userID) {
		if connID == skip {
			continue
		}
		transport, err := r.registry.HandleFor(connID)
		if err != nil {
			// Deregistered in between
			continue
		}
		res = append(res, target{userID: userID, connID: connID, transport: transport, echo: echo})
	}
	return res
}

// broadcast pushes the frame to every target concurrently, each under its own timeout.
// A failed connection is deregistered and never aborts the other pushes.
func (r *Router) broadcast(ctx context.Context, message domain.Message, frame []byte,
	targets []target, outcome *domain.DeliveryOutcome) {
	errs := make([]error, len(targets))
	p := pool.New().WithMaxGoroutines(r.config.FanoutConcurrency)
	for i, t := range targets {
		p.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, r.config.SendTimeout)
			defer cancel()
			errs[i] = t.transport.Send(sendCtx, frame)
		})
	}
	p.Wait()

	delivered := make(map[domain.UserID]bool)
	queued := make(map[domain.UserID]bool)
	var order []domain.UserID
	for i, t := range targets {
		state := domain.DeliveryDelivered
		if errs[i] != nil {
			state = domain.DeliveryFailed
			r.evict(t, errs[i])
		}
		outcome.Receipts = append(outcome.Receipts, domain.DeliveryReceipt{
			MessageID: message.ID, ConnectionID: t.connID, UserID: t.userID, State: state, At: r.now(),
		})
		if t.echo {
			continue
		}
		if _, seen := delivered[t.userID]; !seen {
			order = append(order, t.userID)
		}
		delivered[t.userID] = delivered[t.userID] || errs[i] == nil
		queued[t.userID] = queued[t.userID] || t.queued
	}

	for _, userID := range order {
		if delivered[userID] {
			outcome.Delivered = append(outcome.Delivered, userID)
			if queued[userID] {
				r.pending.Ack(userID, message.ID)
			}
			continue
		}
		outcome.Failed = append(outcome.Failed, userID)
		// Every live connection failed: keep it for the next connect.
		r.pending.Enqueue(userID, message)
	}
}

// evict treats a connection whose push failed as disconnected so presence converges.
func (r *Router) evict(t target, cause error) {
	if _, ok := r.registry.Deregister(t.connID); !ok {
		return
	}
	r.log.Warn("Push failed, connection deregistered",
		"conn_id", t.connID,
		"user_id", t.userID,
		"error", cause)
	if err := t.transport.Close(errors.CloseSlowConsumer, "delivery failed"); err != nil {
		r.log.Debug("Close after failed push", "conn_id", t.connID, "error", err)
	}
	r.emit(event.NewEvent(event.ConnectionEvictedType, event.ConnectionEvicted{
		ConnectionID: t.connID, UserID: t.userID, Reason: cause.Error(),
	}))
}

func (r *Router) emit(e event.Event) {
	if r.telemetry == nil {
		return
	}
	select {
	case r.telemetry <- e:
	default:
		r.log.Debug("Telemetry event lost", "type", e.Type)
	}
}
