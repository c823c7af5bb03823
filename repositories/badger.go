package repositories

import (
	"context"
	"encoding/binary"
	goerrors "errors"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
)

var _ contract.Store = (*BadgerStore)(nil)

const maxConflictRetries = 5

// BadgerStore keeps messages and membership in BadgerDB.
//
// Keys, every id part query-escaped so that ':' never appears inside one:
//
//	seq:{conv}                      last sequence, big endian uint64
//	msg:{conv}:{seq padded to 19}   encoded message, ordered by sequence
//	idem:{conv}:{sender}:{client}   key of the message first stored with this client id
//	member:{conv}:{user}            membership, watched for invalidation
//	userconv:{user}:{conv}          reverse membership
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func part(s string) string {
	return url.QueryEscape(s)
}

func seqKey(conversationID domain.ConversationID) []byte {
	return []byte("seq:" + part(string(conversationID)))
}

func messagePrefix(conversationID domain.ConversationID) []byte {
	return []byte("msg:" + part(string(conversationID)) + ":")
}

func messageKey(conversationID domain.ConversationID, sequence uint64) []byte {
	return fmt.Appendf(messagePrefix(conversationID), "%019d", sequence)
}

func idempotencyKey(m domain.Message) []byte {
	return []byte("idem:" + part(string(m.ConversationID)) + ":" + part(string(m.SenderID)) + ":" + part(m.ClientMsgID))
}

const memberPrefix = "member:"

func memberKey(conversationID domain.ConversationID, userID domain.UserID) []byte {
	return []byte(memberPrefix + part(string(conversationID)) + ":" + part(string(userID)))
}

func userConversationKey(userID domain.UserID, conversationID domain.ConversationID) []byte {
	return []byte("userconv:" + part(string(userID)) + ":" + part(string(conversationID)))
}

// splitPair parses the two escaped parts following prefix.
func splitPair(key []byte, prefix string) (string, string, error) {
	rest, ok := strings.CutPrefix(string(key), prefix)
	if !ok {
		return "", "", fmt.Errorf("key %q outside %q", key, prefix)
	}
	first, second, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed key %q", key)
	}
	a, err := url.QueryUnescape(first)
	if err != nil {
		return "", "", err
	}
	b, err := url.QueryUnescape(second)
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

// PersistMessage assigns the next sequence of the conversation and stores the message
// in a single transaction. A message carrying a client id already stored by the same
// sender is returned as first stored. Conflicting transactions are retried.
func (s *BadgerStore) PersistMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Message{}, err
		}
		persisted, err := s.persistOnce(message)
		if goerrors.Is(err, badger.ErrConflict) {
			s.log.Debug("Sequence conflict, retrying", "conversation_id", message.ConversationID, "attempt", attempt)
			continue
		}
		return persisted, err
	}
	return domain.Message{}, fmt.Errorf("persist in %s: %w", message.ConversationID, badger.ErrConflict)
}

func (s *BadgerStore) persistOnce(message domain.Message) (domain.Message, error) {
	var persisted domain.Message
	err := s.db.Update(func(txn *badger.Txn) error {
		if message.ClientMsgID != "" {
			existing, found, err := s.byIdempotencyKey(txn, message)
			if err != nil {
				return err
			}
			if found {
				persisted = existing
				return nil
			}
		}

		last, err := s.lastSequence(txn, message.ConversationID)
		if err != nil {
			return err
		}
		m := message
		m.Sequence = last + 1
		if m.ID == uuid.Nil {
			if m.ID, err = uuid.NewV7(); err != nil {
				return err
			}
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		// Stored as unix nanos: drop the monotonic reading and the location.
		m.CreatedAt = m.CreatedAt.UTC().Round(0)

		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, m.Sequence)
		if err := txn.Set(seqKey(m.ConversationID), seq); err != nil {
			return err
		}
		key := messageKey(m.ConversationID, m.Sequence)
		if err := txn.Set(key, encodeMessage(m)); err != nil {
			return err
		}
		if m.ClientMsgID != "" {
			if err := txn.Set(idempotencyKey(m), key); err != nil {
				return err
			}
		}
		persisted = m
		return nil
	})
	return persisted, err
}

func (s *BadgerStore) byIdempotencyKey(txn *badger.Txn, message domain.Message) (domain.Message, bool, error) {
	item, err := txn.Get(idempotencyKey(message))
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Message{}, false, err
	}
	stored, err := txn.Get(key)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("idempotency key points to %q: %w", key, err)
	}
	var existing domain.Message
	err = stored.Value(func(val []byte) error {
		existing, err = decodeMessage(val)
		return err
	})
	return existing, err == nil, err
}

func (s *BadgerStore) lastSequence(txn *badger.Txn, conversationID domain.ConversationID) (uint64, error) {
	item, err := txn.Get(seqKey(conversationID))
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupted sequence of %s", conversationID)
		}
		last = binary.BigEndian.Uint64(val)
		return nil
	})
	return last, err
}

// MessagesAfter returns up to limit messages with a sequence greater than afterSequence, ascending.
func (s *BadgerStore) MessagesAfter(ctx context.Context, conversationID domain.ConversationID,
	afterSequence uint64, limit int) ([]domain.Message, error) {
	var res []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(messageKey(conversationID, afterSequence+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(res) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				m, err := decodeMessage(val)
				if err != nil {
					return err
				}
				res = append(res, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (s *BadgerStore) GetMembership(_ context.Context, conversationID domain.ConversationID) ([]domain.UserID, error) {
	var res []domain.UserID
	err := s.scanKeys([]byte(memberPrefix+part(string(conversationID))+":"), func(key []byte) error {
		_, user, err := splitPair(key, memberPrefix)
		if err != nil {
			return err
		}
		res = append(res, domain.UserID(user))
		return nil
	})
	return res, err
}

func (s *BadgerStore) ConversationsOf(_ context.Context, userID domain.UserID) ([]domain.ConversationID, error) {
	var res []domain.ConversationID
	err := s.scanKeys([]byte("userconv:"+part(string(userID))+":"), func(key []byte) error {
		_, conv, err := splitPair(key, "userconv:")
		if err != nil {
			return err
		}
		res = append(res, domain.ConversationID(conv))
		return nil
	})
	return res, err
}

func (s *BadgerStore) scanKeys(prefix []byte, fn func(key []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := fn(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) AddMember(_ context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	joinedAt := []byte(s.now().Format(time.RFC3339Nano))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(memberKey(conversationID, userID), joinedAt); err != nil {
			return err
		}
		return txn.Set(userConversationKey(userID, conversationID), joinedAt)
	})
}

func (s *BadgerStore) RemoveMember(_ context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(memberKey(conversationID, userID)); err != nil {
			return err
		}
		return txn.Delete(userConversationKey(userID, conversationID))
	})
}

// WatchMembership follows every write under the member prefix, additions and removals alike.
func (s *BadgerStore) WatchMembership(ctx context.Context, fn func(change domain.MembershipChange)) error {
	return s.db.Subscribe(ctx, func(kvs *badger.KVList) error {
		for _, kv := range kvs.Kv {
			conv, user, err := splitPair(kv.Key, memberPrefix)
			if err != nil {
				s.log.Warn("Unreadable membership key", "key", string(kv.Key), "error", err)
				continue
			}
			fn(domain.MembershipChange{
				ConversationID: domain.ConversationID(conv),
				UserIDs:        []domain.UserID{domain.UserID(user)},
			})
		}
		return nil
	}, []pb.Match{{Prefix: []byte(memberPrefix)}})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
