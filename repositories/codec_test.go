package repositories

import (
	"messenger-hub/domain"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec_Message_Survives_Encoding(t *testing.T) {
	req := require.New(t)
	m := domain.Message{
		ID:             uuid.New(),
		ConversationID: "c1",
		SenderID:       "alice",
		ClientMsgID:    "k1",
		Body:           "héllo",
		Sequence:       42,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}

	decoded, err := decodeMessage(encodeMessage(m))

	req.NoError(err)
	req.Equal(m, decoded)
}

func TestCodec_Unknown_Fields_Are_Skipped(t *testing.T) {
	req := require.New(t)
	m := domain.Message{ID: uuid.New(), ConversationID: "c1", Sequence: 1, CreatedAt: time.Unix(0, 10).UTC()}
	b := encodeMessage(m)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer writer")

	decoded, err := decodeMessage(b)

	req.NoError(err)
	req.Equal(m, decoded)
}

func TestCodec_Truncated_Record_Fails(t *testing.T) {
	req := require.New(t)
	b := encodeMessage(domain.Message{ID: uuid.New(), Body: "hello"})

	_, err := decodeMessage(b[:len(b)-3])

	req.Error(err)
}
