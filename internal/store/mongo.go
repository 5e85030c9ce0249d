package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
)

// mongoTimeout bounds every MongoDB operation issued by the store.
const mongoTimeout = 5 * time.Second

// messageDoc is the BSON shape of a message.
type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Sender    string             `bson:"sender"`
	Recipient string             `bson:"recipient"`
	Body      string             `bson:"message"`
	Timestamp time.Time          `bson:"timestamp"`
	Edited    bool               `bson:"edited"`
}

func (d messageDoc) toMessage() *message.Message {
	return &message.Message{
		ID:        d.ID.Hex(),
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Body:      d.Body,
		Timestamp: d.Timestamp.UTC(),
		Edited:    d.Edited,
	}
}

// userDoc is the BSON shape of a user.
type userDoc struct {
	Username     string    `bson:"username"`
	RegisteredAt time.Time `bson:"registeredAt"`
}

// MongoStore implements message.Store and user.Directory on MongoDB.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
}

// NewMongo connects to uri, selects database and ensures indexes.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetTimeout(mongoTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create messages indexes: %w", err)
	}
	return nil
}

// Ping checks server connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Find returns the user with the given username.
func (s *MongoStore) Find(ctx context.Context, username string) (*user.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user.User{Username: doc.Username, RegisteredAt: doc.RegisteredAt.UTC()}, nil
}

// Create inserts u; the unique index on username rejects duplicates.
func (s *MongoStore) Create(ctx context.Context, u *user.User) error {
	_, err := s.users.InsertOne(ctx, userDoc{Username: u.Username, RegisteredAt: u.RegisteredAt})
	if mongo.IsDuplicateKeyError(err) {
		return user.ErrExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Insert persists a new message. IDs are MongoDB object IDs.
func (s *MongoStore) Insert(ctx context.Context, msg *message.Message) error {
	oid := primitive.NewObjectID()
	if msg.ID != "" {
		parsed, err := primitive.ObjectIDFromHex(msg.ID)
		if err != nil {
			return fmt.Errorf("insert message: invalid id %q: %w", msg.ID, err)
		}
		oid = parsed
	}
	message.Prepare(msg, oid.Hex)
	// BSON dates carry millisecond precision.
	msg.Timestamp = msg.Timestamp.Truncate(time.Millisecond)

	_, err := s.messages.InsertOne(ctx, messageDoc{
		ID:        oid,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
		Edited:    msg.Edited,
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get returns the message with the given ID. Malformed IDs are reported as
// message.ErrNotFound.
func (s *MongoStore) Get(ctx context.Context, id string) (*message.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, message.ErrNotFound
	}
	var doc messageDoc
	err = s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return doc.toMessage(), nil
}

// Update sets the body of a message, marks it edited and returns the
// updated document.
func (s *MongoStore) Update(ctx context.Context, id, body string) (*message.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, message.ErrNotFound
	}
	var doc messageDoc
	err = s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"message": body, "edited": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return doc.toMessage(), nil
}

// Conversation returns the newest messages involving username.
func (s *MongoStore) Conversation(ctx context.Context, username string, limit int) ([]*message.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": username},
		bson.M{"recipient": username},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(message.NormalizeLimit(limit)))

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return lo.Map(docs, func(d messageDoc, _ int) *message.Message {
		return d.toMessage()
	}), nil
}
