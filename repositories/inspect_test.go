package repositories

import (
	"messenger-hub/domain"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestInspectMapper(t *testing.T) {
	req := require.New(t)
	m := domain.Message{ID: uuid.New(), ConversationID: "c1", SenderID: "alice", Body: "hi", Sequence: 3}

	row := InspectMapper(string(messageKey("c1", 3)), encodeMessage(m))
	req.Equal("MSG", row.Kind)
	req.Contains(row.Detail, "#3")
	req.Contains(row.Detail, `"hi"`)

	row = InspectMapper("seq:c1", []byte{0, 0, 0, 0, 0, 0, 0, 9})
	req.Equal("last sequence 9", row.Detail)

	row = InspectMapper(string(messageKey("c1", 4)), []byte{0xff})
	req.Contains(row.Detail, "undecodable")
}
