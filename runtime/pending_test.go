package runtime

import (
	"messenger-hub/domain"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func message(conv domain.ConversationID, seq uint64) domain.Message {
	return domain.Message{ID: uuid.New(), ConversationID: conv, SenderID: "alice", Body: "hello", Sequence: seq}
}

func TestPendingQueue_Drain_Is_Ordered_And_Kept_Until_Ack(t *testing.T) {
	req := require.New(t)
	queue := NewPendingQueue(10, time.Hour)
	m2 := message("c1", 2)
	m1 := message("c1", 1)
	other := message("c0", 7)

	queue.Enqueue("bob", m2)
	queue.Enqueue("bob", m1)
	queue.Enqueue("bob", other)
	// Duplicate enqueue is ignored
	queue.Enqueue("bob", m1)

	drained := queue.Drain("bob")
	req.Equal([]domain.Message{other, m1, m2}, drained)
	req.Equal(3, queue.CountFor("bob"))

	queue.Ack("bob", m1.ID)
	queue.Ack("bob", m2.ID)
	queue.Ack("bob", other.ID)
	req.Zero(queue.CountFor("bob"))
	req.Empty(queue.queues)
}

func TestPendingQueue_Bounded_Drops_Oldest(t *testing.T) {
	req := require.New(t)
	queue := NewPendingQueue(2, time.Hour)
	m1, m2, m3 := message("c1", 1), message("c1", 2), message("c1", 3)

	queue.Enqueue("bob", m1)
	queue.Enqueue("bob", m2)
	queue.Enqueue("bob", m3)

	req.Equal([]domain.Message{m2, m3}, queue.Drain("bob"))
}

func TestPendingQueue_EvictExpired(t *testing.T) {
	req := require.New(t)
	queue := NewPendingQueue(10, time.Hour)
	start := time.Now().UTC()
	queue.now = func() time.Time { return start }
	queue.Enqueue("bob", message("c1", 1))
	queue.now = func() time.Time { return start.Add(30 * time.Minute) }
	fresh := message("c1", 2)
	queue.Enqueue("bob", fresh)

	evicted := queue.EvictExpired(start.Add(61 * time.Minute))

	req.Equal(1, evicted)
	req.Equal([]domain.Message{fresh}, queue.Drain("bob"))

	req.Equal(1, queue.EvictExpired(start.Add(2*time.Hour)))
	req.Zero(queue.CountFor("bob"))
}

func TestPendingQueue_Ack_Unknown_Is_NoOp(t *testing.T) {
	req := require.New(t)
	queue := NewPendingQueue(10, time.Hour)
	queue.Enqueue("bob", message("c1", 1))

	queue.Ack("bob", uuid.New())
	queue.Ack("carol", uuid.New())

	req.Equal(1, queue.CountFor("bob"))
}
