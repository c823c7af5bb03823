package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"messenger-hub/domain"
	"messenger-hub/mocks"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestMembershipIndex_ReadThrough_Caches(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)
	ctx := context.Background()

	// Given the store knows the conversation, it is asked only once
	store.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
		Return([]domain.UserID{"alice", "bob", "bob"}, nil).Times(1)

	members, err := index.MembersOf(ctx, "c1")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "bob"}, members)

	members, err = index.MembersOf(ctx, "c1")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "bob"}, members)
}

func TestMembershipIndex_Invalidate_Reloads(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)
	ctx := context.Background()

	gomock.InOrder(
		store.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
			Return([]domain.UserID{"alice", "bob"}, nil),
		store.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
			Return([]domain.UserID{"alice", "bob", "dora"}, nil),
	)
	store.EXPECT().ConversationsOf(gomock.Any(), domain.UserID("bob")).
		Return([]domain.ConversationID{"c1"}, nil).Times(2)

	_, err := index.MembersOf(ctx, "c1")
	req.NoError(err)
	_, err = index.ConversationsOf(ctx, "bob")
	req.NoError(err)

	// When dora is added and the store reports it
	index.Invalidate(domain.MembershipChange{ConversationID: "c1", UserIDs: []domain.UserID{"dora"}})

	// Then both the conversation and its former members are reloaded
	members, err := index.MembersOf(ctx, "c1")
	req.NoError(err)
	req.Contains(members, domain.UserID("dora"))
	_, err = index.ConversationsOf(ctx, "bob")
	req.NoError(err)
}

func TestMembershipIndex_Store_Error_Is_Not_Cached(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)

	gomock.InOrder(
		store.EXPECT().GetMembership(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("down")),
		store.EXPECT().GetMembership(gomock.Any(), gomock.Any()).Return([]domain.UserID{"alice"}, nil),
	)

	_, err := index.MembersOf(context.Background(), "c1")
	req.Error(err)

	members, err := index.MembersOf(context.Background(), "c1")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice"}, members)
}

func TestMembershipIndex_Stale_Load_Is_Not_Written_Back(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)

	loading := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		store.EXPECT().GetMembership(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, id domain.ConversationID) ([]domain.UserID, error) {
				close(loading)
				<-release
				return []domain.UserID{"alice"}, nil
			}),
		store.EXPECT().GetMembership(gomock.Any(), gomock.Any()).
			Return([]domain.UserID{"alice", "bob"}, nil),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = index.MembersOf(context.Background(), "c1")
	}()

	// Given a load is in flight when the membership changes
	<-loading
	index.Invalidate(domain.MembershipChange{ConversationID: "c1", UserIDs: []domain.UserID{"bob"}})
	close(release)
	wg.Wait()

	// Then the old answer was not cached
	members, err := index.MembersOf(context.Background(), "c1")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "bob"}, members)
}

func TestMembershipIndex_IsMember(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)
	store.EXPECT().GetMembership(gomock.Any(), gomock.Any()).Return([]domain.UserID{"alice"}, nil)

	ok, err := index.IsMember(context.Background(), "c1", "alice")
	req.NoError(err)
	req.True(ok)

	ok, err = index.IsMember(context.Background(), "c1", "mallory")
	req.NoError(err)
	req.False(ok)
}

func TestMembershipIndex_Cancelled_Caller_Does_Not_Fail_Joined_Callers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMembershipStore(ctrl)
	index := NewMembershipIndex(slog.Default(), store)
	loading, release := make(chan struct{}), make(chan struct{})
	store.EXPECT().GetMembership(gomock.Any(), domain.ConversationID("c1")).
		DoAndReturn(func(ctx context.Context, _ domain.ConversationID) ([]domain.UserID, error) {
			close(loading)
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return []domain.UserID{"alice"}, nil
		}).Times(1)

	// Given a first caller starts the load then gives up
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := index.MembersOf(ctx, "c1")
		first <- err
	}()
	<-loading
	cancel()
	req.ErrorIs(<-first, context.Canceled)

	// When a second caller asks while the load is still running
	second := make(chan []domain.UserID, 1)
	go func() {
		members, err := index.MembersOf(context.Background(), "c1")
		if err != nil {
			second <- nil
			return
		}
		second <- members
	}()
	close(release)

	// Then it gets the members
	req.Equal([]domain.UserID{"alice"}, <-second)
}
