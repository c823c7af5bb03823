package runtime

import (
	"messenger-hub/contract"
	"messenger-hub/domain"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ contract.IPendingQueue = (*PendingQueue)(nil)

type pendingEntry struct {
	message    domain.Message
	enqueuedAt time.Time
}

// PendingQueue holds, per offline user, the messages to re-offer on reconnect.
// Each user queue is bounded by maxPerUser (oldest dropped first) and entries
// older than ttl are evicted by EvictExpired.
type PendingQueue struct {
	mu         sync.Mutex
	queues     map[domain.UserID][]pendingEntry
	maxPerUser int
	ttl        time.Duration
	now        func() time.Time
}

func NewPendingQueue(maxPerUser int, ttl time.Duration) *PendingQueue {
	return &PendingQueue{
		queues:     make(map[domain.UserID][]pendingEntry),
		maxPerUser: maxPerUser,
		ttl:        ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue appends a message for a user. The same message id is kept once.
func (q *PendingQueue) Enqueue(userID domain.UserID, message domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[userID]
	for _, e := range entries {
		if e.message.ID == message.ID {
			return
		}
	}
	entries = append(entries, pendingEntry{message: message, enqueuedAt: q.now()})
	if q.maxPerUser > 0 && len(entries) > q.maxPerUser {
		entries = entries[len(entries)-q.maxPerUser:]
	}
	q.queues[userID] = entries
}

// Drain returns a snapshot of the user's pending messages ordered by conversation
// then sequence. Entries stay queued until acknowledged.
func (q *PendingQueue) Drain(userID domain.UserID) []domain.Message {
	q.mu.Lock()
	entries := q.queues[userID]
	res := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.message)
	}
	q.mu.Unlock()

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].ConversationID != res[j].ConversationID {
			return res[i].ConversationID < res[j].ConversationID
		}
		return res[i].Sequence < res[j].Sequence
	})
	return res
}

// Ack removes a message once it has been pushed to the user.
func (q *PendingQueue) Ack(userID domain.UserID, messageID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[userID]
	for i, e := range entries {
		if e.message.ID == messageID {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(q.queues, userID)
		return
	}
	q.queues[userID] = entries
}

func (q *PendingQueue) CountFor(userID domain.UserID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID])
}

// Total is the number of pending entries across every user.
func (q *PendingQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, entries := range q.queues {
		total += len(entries)
	}
	return total
}

// EvictExpired drops entries older than the ttl and returns how many were dropped.
func (q *PendingQueue) EvictExpired(now time.Time) int {
	if q.ttl <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for userID, entries := range q.queues {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.enqueuedAt) > q.ttl {
				evicted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(q.queues, userID)
			continue
		}
		q.queues[userID] = kept
	}
	return evicted
}
