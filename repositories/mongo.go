package repositories

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var _ contract.Store = (*MongoStore)(nil)

type messageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	ClientMsgID    string    `bson:"client_msg_id,omitempty"`
	Body           string    `bson:"body"`
	Sequence       int64     `bson:"sequence"`
	CreatedAt      time.Time `bson:"created_at"`
}

type counterDocument struct {
	ID       string `bson:"_id"`
	Sequence int64  `bson:"seq"`
}

// memberDocumentKey is the whole _id of a membership document, so deletions can be
// read back from the change stream document key.
type memberDocumentKey struct {
	ConversationID string `bson:"conversation_id"`
	UserID         string `bson:"user_id"`
}

type memberDocument struct {
	ID       memberDocumentKey `bson:"_id"`
	JoinedAt time.Time         `bson:"joined_at"`
}

type memberChangeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID memberDocumentKey `bson:"_id"`
	} `bson:"documentKey"`
}

// MongoStore keeps messages, per conversation counters and membership in MongoDB.
// Membership changes are followed with a change stream, which needs a replica set.
type MongoStore struct {
	log      *slog.Logger
	client   *mongo.Client
	messages *mongo.Collection
	counters *mongo.Collection
	members  *mongo.Collection
}

func NewMongoStore(ctx context.Context, log *slog.Logger, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		log:      log,
		client:   client,
		messages: db.Collection("messages"),
		counters: db.Collection("counters"),
		members:  db.Collection("members"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	_, err = s.members.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id.conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "_id.user_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("member indexes: %w", err)
	}
	return nil
}

// PersistMessage takes the next conversation sequence from the counters collection
// then inserts the message. A client id already stored by the sender returns the first message.
func (s *MongoStore) PersistMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	if message.ClientMsgID != "" {
		existing, found, err := s.findByClientMsgID(ctx, message)
		if err != nil || found {
			return existing, err
		}
	}

	var counter counterDocument
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": string(message.ConversationID)},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return domain.Message{}, fmt.Errorf("next sequence of %s: %w", message.ConversationID, err)
	}

	m := message
	m.Sequence = uint64(counter.Sequence)
	if m.ID == uuid.Nil {
		if m.ID, err = uuid.NewV7(); err != nil {
			return domain.Message{}, err
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	// Mongo keeps milliseconds.
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)

	if _, err := s.messages.InsertOne(ctx, toMessageDocument(m)); err != nil {
		if mongo.IsDuplicateKeyError(err) && m.ClientMsgID != "" {
			// Lost a race with a retry of the same message: its sequence stays unused.
			existing, found, ferr := s.findByClientMsgID(ctx, m)
			if ferr == nil && found {
				return existing, nil
			}
		}
		return domain.Message{}, fmt.Errorf("insert message in %s: %w", m.ConversationID, err)
	}
	return m, nil
}

func (s *MongoStore) findByClientMsgID(ctx context.Context, m domain.Message) (domain.Message, bool, error) {
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{
		"conversation_id": string(m.ConversationID),
		"sender_id":       string(m.SenderID),
		"client_msg_id":   m.ClientMsgID,
	}).Decode(&doc)
	if goerrors.Is(err, mongo.ErrNoDocuments) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	existing, err := fromMessageDocument(doc)
	return existing, err == nil, err
}

func (s *MongoStore) MessagesAfter(ctx context.Context, conversationID domain.ConversationID,
	afterSequence uint64, limit int) ([]domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages.Find(ctx, bson.M{
		"conversation_id": string(conversationID),
		"sequence":        bson.M{"$gt": int64(afterSequence)},
	}, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := fromMessageDocument(doc)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (s *MongoStore) GetMembership(ctx context.Context, conversationID domain.ConversationID) ([]domain.UserID, error) {
	docs, err := s.findMembers(ctx, bson.M{"_id.conversation_id": string(conversationID)})
	if err != nil {
		return nil, err
	}
	return lo.Map(docs, func(d memberDocument, _ int) domain.UserID { return domain.UserID(d.ID.UserID) }), nil
}

func (s *MongoStore) ConversationsOf(ctx context.Context, userID domain.UserID) ([]domain.ConversationID, error) {
	docs, err := s.findMembers(ctx, bson.M{"_id.user_id": string(userID)})
	if err != nil {
		return nil, err
	}
	return lo.Map(docs, func(d memberDocument, _ int) domain.ConversationID {
		return domain.ConversationID(d.ID.ConversationID)
	}), nil
}

func (s *MongoStore) findMembers(ctx context.Context, filter bson.M) ([]memberDocument, error) {
	cursor, err := s.members.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []memberDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) AddMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	key := memberDocumentKey{ConversationID: string(conversationID), UserID: string(userID)}
	_, err := s.members.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$setOnInsert": bson.M{"joined_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) RemoveMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	_, err := s.members.DeleteOne(ctx, bson.M{"_id": memberDocumentKey{ConversationID: string(conversationID), UserID: string(userID)}})
	return err
}

// WatchMembership follows the members collection change stream until ctx is done.
func (s *MongoStore) WatchMembership(ctx context.Context, fn func(change domain.MembershipChange)) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}}},
	}
	stream, err := s.members.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("watch members: %w", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var evt memberChangeEvent
		if err := stream.Decode(&evt); err != nil {
			s.log.Warn("Unreadable membership change", "error", err)
			continue
		}
		fn(domain.MembershipChange{
			ConversationID: domain.ConversationID(evt.DocumentKey.ID.ConversationID),
			UserIDs:        []domain.UserID{domain.UserID(evt.DocumentKey.ID.UserID)},
		})
	}
	if ctx.Err() != nil {
		return nil
	}
	return stream.Err()
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMessageDocument(m domain.Message) messageDocument {
	return messageDocument{
		ID:             m.ID.String(),
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		ClientMsgID:    m.ClientMsgID,
		Body:           m.Body,
		Sequence:       int64(m.Sequence),
		CreatedAt:      m.CreatedAt,
	}
}

func fromMessageDocument(doc messageDocument) (domain.Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("message id %q: %w", doc.ID, err)
	}
	return domain.Message{
		ID:             id,
		ConversationID: domain.ConversationID(doc.ConversationID),
		SenderID:       domain.UserID(doc.SenderID),
		ClientMsgID:    doc.ClientMsgID,
		Body:           doc.Body,
		Sequence:       uint64(doc.Sequence),
		CreatedAt:      doc.CreatedAt.UTC(),
	}, nil
}
