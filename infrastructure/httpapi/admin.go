// Package httpapi holds the plain HTTP routes served next to the websocket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"net/http"
)

// MemberAdmin mutates conversation membership. The local membership cache is
// invalidated right away; other hub instances learn it from the store watch.
type MemberAdmin struct {
	log   *slog.Logger
	store contract.MembershipStore
	index contract.IMembership
}

func NewMemberAdmin(log *slog.Logger, store contract.MembershipStore, index contract.IMembership) *MemberAdmin {
	return &MemberAdmin{log: log, store: store, index: index}
}

// Register mounts the member routes on mux.
func (a *MemberAdmin) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /admin/conversations/{conversation}/members", wrap(http.HandlerFunc(a.list)))
	mux.Handle("PUT /admin/conversations/{conversation}/members/{user}", wrap(http.HandlerFunc(a.add)))
	mux.Handle("DELETE /admin/conversations/{conversation}/members/{user}", wrap(http.HandlerFunc(a.remove)))
}

func (a *MemberAdmin) list(w http.ResponseWriter, r *http.Request) {
	conversationID := domain.ConversationID(r.PathValue("conversation"))
	members, err := a.store.GetMembership(r.Context(), conversationID)
	if err != nil {
		a.log.Error("Membership read failed", "conversation_id", conversationID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if members == nil {
		members = []domain.UserID{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"conversation_id": conversationID, "members": members})
}

func (a *MemberAdmin) add(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, a.store.AddMember)
}

func (a *MemberAdmin) remove(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, a.store.RemoveMember)
}

func (a *MemberAdmin) mutate(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error) {
	conversationID := domain.ConversationID(r.PathValue("conversation"))
	userID := domain.UserID(r.PathValue("user"))
	if conversationID == "" || userID == "" {
		http.Error(w, "conversation and user are required", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), conversationID, userID); err != nil {
		a.log.Error("Membership change failed",
			"method", r.Method, "conversation_id", conversationID, "user_id", userID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	a.index.Invalidate(domain.MembershipChange{ConversationID: conversationID, UserIDs: []domain.UserID{userID}})
	a.log.Info("Membership changed", "method", r.Method, "conversation_id", conversationID, "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}
