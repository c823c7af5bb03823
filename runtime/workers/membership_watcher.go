package workers

import (
	"context"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/observability"
)

var _ contract.Worker = (*MembershipWatcher)(nil)

// MembershipWatcher follows the storage change feed and invalidates the membership cache.
type MembershipWatcher struct {
	log     *slog.Logger
	store   contract.MembershipStore
	index   contract.IMembership
	metrics *observability.Metrics
}

func NewMembershipWatcher(log *slog.Logger, store contract.MembershipStore,
	index contract.IMembership, metrics *observability.Metrics) *MembershipWatcher {
	return &MembershipWatcher{log: log, store: store, index: index, metrics: metrics}
}

// Run blocks on the change feed. A feed that ends while ctx is alive is an error
// so that the supervisor restarts the watch.
func (w *MembershipWatcher) Run(ctx context.Context) error {
	err := w.store.WatchMembership(ctx, func(change domain.MembershipChange) {
		w.index.Invalidate(change)
		w.metrics.MembershipInvalidated()
		w.log.Debug("Membership invalidated",
			"conversation_id", change.ConversationID,
			"users", len(change.UserIDs))
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch membership: %w", err)
	}
	return fmt.Errorf("membership feed ended")
}
