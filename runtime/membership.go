package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

var _ contract.IMembership = (*MembershipIndex)(nil)

// MembershipIndex is a read-through cache over the membership store.
// Entries live until invalidated. Each key carries a generation so that a load
// started before an invalidation never writes its stale result back.
type MembershipIndex struct {
	log         *slog.Logger
	store       contract.MembershipStore
	group       singleflight.Group
	loadTimeout time.Duration

	mu            sync.RWMutex
	members       map[domain.ConversationID][]domain.UserID
	conversations map[domain.UserID][]domain.ConversationID
	convGen       map[domain.ConversationID]uint64
	userGen       map[domain.UserID]uint64
}

func NewMembershipIndex(log *slog.Logger, store contract.MembershipStore) *MembershipIndex {
	return &MembershipIndex{
		log:           log,
		store:         store,
		loadTimeout:   5 * time.Second,
		members:       make(map[domain.ConversationID][]domain.UserID),
		conversations: make(map[domain.UserID][]domain.ConversationID),
		convGen:       make(map[domain.ConversationID]uint64),
		userGen:       make(map[domain.UserID]uint64),
	}
}

// MembersOf returns the members of a conversation, loading them from the store on a miss.
// Concurrent misses for the same conversation share a single store call.
func (m *MembershipIndex) MembersOf(ctx context.Context, conversationID domain.ConversationID) ([]domain.UserID, error) {
	m.mu.RLock()
	cached, ok := m.members[conversationID]
	gen := m.convGen[conversationID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err := m.load(ctx, "conv:"+string(conversationID), func(ctx context.Context) (any, error) {
		members, err := m.store.GetMembership(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		members = lo.Uniq(members)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.convGen[conversationID] == gen {
			m.members[conversationID] = members
		}
		return members, nil
	})
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", conversationID, err)
	}
	return v.([]domain.UserID), nil
}

// ConversationsOf returns the conversations a user belongs to.
func (m *MembershipIndex) ConversationsOf(ctx context.Context, userID domain.UserID) ([]domain.ConversationID, error) {
	m.mu.RLock()
	cached, ok := m.conversations[userID]
	gen := m.userGen[userID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err := m.load(ctx, "user:"+string(userID), func(ctx context.Context) (any, error) {
		conversations, err := m.store.ConversationsOf(ctx, userID)
		if err != nil {
			return nil, err
		}
		conversations = lo.Uniq(conversations)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.userGen[userID] == gen {
			m.conversations[userID] = conversations
		}
		return conversations, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversations of %s: %w", userID, err)
	}
	return v.([]domain.ConversationID), nil
}

// load shares one store call between concurrent callers of the same key.
// The call outlives any single caller, bounded by loadTimeout, and each caller
// gives up on its own context.
func (m *MembershipIndex) load(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached conversation and the cached conversation lists of
// its previous members and of the users named in the change.
func (m *MembershipIndex) Invalidate(change domain.MembershipChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	affected := lo.Union(m.members[change.ConversationID], change.UserIDs)
	delete(m.members, change.ConversationID)
	m.convGen[change.ConversationID]++

	for _, userID := range affected {
		delete(m.conversations, userID)
		m.userGen[userID]++
		m.group.Forget("user:" + string(userID))
	}
	m.group.Forget("conv:" + string(change.ConversationID))

	m.log.Debug("membership invalidated",
		"conversation_id", change.ConversationID,
		"affected_users", len(affected))
}

// IsMember reports whether userID belongs to the conversation.
func (m *MembershipIndex) IsMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (bool, error) {
	members, err := m.MembersOf(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return lo.Contains(members, userID), nil
}
