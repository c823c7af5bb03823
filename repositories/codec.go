package repositories

import (
	"fmt"
	"messenger-hub/domain"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Stored message record, protobuf wire compatible:
//
//	1 id bytes(16) | 2 conversation_id | 3 sender_id | 4 client_msg_id | 5 body
//	6 sequence varint | 7 created_at unix nanos varint
const (
	fieldID protowire.Number = iota + 1
	fieldConversationID
	fieldSenderID
	fieldClientMsgID
	fieldBody
	fieldSequence
	fieldCreatedAt
)

func encodeMessage(m domain.Message) []byte {
	b := make([]byte, 0, 64+len(m.Body))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	b = appendString(b, fieldConversationID, string(m.ConversationID))
	b = appendString(b, fieldSenderID, string(m.SenderID))
	b = appendString(b, fieldClientMsgID, m.ClientMsgID)
	b = appendString(b, fieldBody, m.Body)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Sequence)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func decodeMessage(b []byte) (domain.Message, error) {
	var m domain.Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.Message{}, fmt.Errorf("decode message tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.Message{}, fmt.Errorf("decode sequence: %w", protowire.ParseError(n))
			}
			m.Sequence = v
			b = b[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.Message{}, fmt.Errorf("decode created_at: %w", protowire.ParseError(n))
			}
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldID && num <= fieldBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return domain.Message{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			if err := setBytesField(&m, num, v); err != nil {
				return domain.Message{}, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return domain.Message{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func setBytesField(m *domain.Message, num protowire.Number, v []byte) error {
	switch num {
	case fieldID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		m.ID = id
	case fieldConversationID:
		m.ConversationID = domain.ConversationID(v)
	case fieldSenderID:
		m.SenderID = domain.UserID(v)
	case fieldClientMsgID:
		m.ClientMsgID = string(v)
	case fieldBody:
		m.Body = string(v)
	}
	return nil
}
