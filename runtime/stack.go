package runtime

import (
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain/event"
	"messenger-hub/observability"
	"time"
)

type StackConfig struct {
	Router            RouterConfig
	Hub               HubConfig
	PendingMaxPerUser int
	PendingTTL        time.Duration
}

// Stack is the runtime graph of one hub process.
type Stack struct {
	Registry   *Registry
	Presence   *PresenceTracker
	Membership *MembershipIndex
	Pending    *PendingQueue
	Router     *Router
	Hub        *Hub
}

// NewHubStack wires registry, presence, membership, pending queue, router and hub.
// Presence is subscribed to the registry change feed before the registry is shared.
func NewHubStack(log *slog.Logger, auth contract.Authenticator, messages contract.MessageStore,
	members contract.MembershipStore, supervisor contract.ISupervisor, metrics *observability.Metrics,
	telemetry chan event.Event, config StackConfig) *Stack {
	presence := NewPresenceTracker(log)
	registry := NewRegistry()
	presence.Attach(registry)
	membership := NewMembershipIndex(log, members)
	pending := NewPendingQueue(config.PendingMaxPerUser, config.PendingTTL)
	router := NewRouter(log, messages, registry, membership, pending, metrics, telemetry, config.Router)
	hub := NewHub(log, auth, messages, registry, presence, membership, pending, router,
		supervisor, metrics, telemetry, config.Hub)
	return &Stack{
		Registry:   registry,
		Presence:   presence,
		Membership: membership,
		Pending:    pending,
		Router:     router,
		Hub:        hub,
	}
}
