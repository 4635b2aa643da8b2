package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultMongoDatabase is the database used when none is configured.
	DefaultMongoDatabase = "ai-course-db"
	mongoCollection      = "chatHistory"
)

// MongoStore implements Repository on a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type mongoRecord struct {
	SessionID   string        `bson:"sessionId"`
	Title       string        `bson:"title"`
	LastUpdated time.Time     `bson:"lastUpdated"`
	Messages    bson.RawValue `bson:"messages"`
}

// NewMongo connects to uri and returns a repository backed by the chatHistory
// collection of database.
func NewMongo(ctx context.Context, uri, database string, opts ...Option) (*MongoStore, error) {
	if database == "" {
		database = DefaultMongoDatabase
	}
	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(mongoCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "sessionId", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "lastUpdated", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mongo indexes: %w", err)
	}

	o := buildOptions(opts)
	return &MongoStore{client: client, coll: coll, now: o.now}, nil
}

// Ping verifies the server is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// UpsertSession creates or updates a session document.
func (s *MongoStore) UpsertSession(ctx context.Context, userID, sessionID, title string, messages []domain.Message) error {
	msgs, err := messagesToBSON(messages)
	if err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	filter := bson.D{{Key: "sessionId", Value: sessionID}, {Key: "userId", Value: userID}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "title", Value: title},
			{Key: "messages", Value: msgs},
			{Key: "lastUpdated", Value: now},
			{Key: "firstPrompt", Value: firstPrompt(messages)},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "userId", Value: userID},
			{Key: "sessionId", Value: sessionID},
			{Key: "createdAt", Value: now},
		}},
	}

	if _, err := s.coll.UpdateOne(ctx, filter, update, mongoopts.Update().SetUpsert(true)); err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

// ListSessions returns the user's sessions ordered by last update, newest first.
func (s *MongoStore) ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	findOpts := mongoopts.Find().
		SetSort(bson.D{{Key: "lastUpdated", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "sessionId", Value: -1}}).
		SetProjection(bson.D{
			{Key: "_id", Value: 0},
			{Key: "sessionId", Value: 1},
			{Key: "title", Value: 1},
			{Key: "lastUpdated", Value: 1},
			{Key: "messages", Value: 1},
		})

	cur, err := s.coll.Find(ctx, bson.D{{Key: "userId", Value: userID}}, findOpts)
	if err != nil {
		return nil, storeErr("find sessions", err)
	}
	defer func() {
		if closeErr := cur.Close(context.Background()); closeErr != nil {
			slog.Warn("failed to close session cursor", "error", closeErr)
		}
	}()

	sessions := []domain.SessionSummary{}
	for cur.Next(ctx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, storeErr("decode session", err)
		}
		msgs, err := messagesFromBSON(rec.Messages)
		if err != nil {
			return nil, storeErr("decode session messages", err)
		}
		sessions = append(sessions, domain.SessionSummary{
			ID:        rec.SessionID,
			Title:     rec.Title,
			Timestamp: rec.LastUpdated.UTC(),
			Messages:  msgs,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("iterate sessions", err)
	}
	return sessions, nil
}

// ClearAll removes every session document owned by the user.
func (s *MongoStore) ClearAll(ctx context.Context, userID string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "userId", Value: userID}})
	if err != nil {
		return 0, storeErr("clear sessions", err)
	}
	return res.DeletedCount, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// messagesToBSON stores messages as native documents, so text content stays a
// string and outline content stays an embedded document.
func messagesToBSON(messages []domain.Message) (interface{}, error) {
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(struct {
		Messages []domain.Message `json:"messages"`
	}{messages})
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("convert messages to bson: %w", err)
	}
	return doc[0].Value, nil
}

func messagesFromBSON(raw bson.RawValue) ([]domain.Message, error) {
	out := []domain.Message{}
	if raw.Type == 0 || raw.Type == bson.TypeNull {
		return out, nil
	}
	ext, err := bson.MarshalExtJSON(bson.D{{Key: "messages", Value: raw}}, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert messages from bson: %w", err)
	}
	var wrapper struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(ext, &wrapper); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if wrapper.Messages != nil {
		out = wrapper.Messages
	}
	return out, nil
}
