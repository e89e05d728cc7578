package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// ErrAppendConflict is returned when an append keeps losing the revision race.
var ErrAppendConflict = errors.New("conversation append conflict")

const maxAppendAttempts = 8

type Mongo struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Conversations *mongo.Collection
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	db := client.Database(cfg.Database)
	store := &Mongo{
		Client:        client,
		Database:      db,
		Conversations: db.Collection("conversations"),
	}

	return store, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure conversation index: %w", err)
	}

	return nil
}

type conversationDocument struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Title     string    `bson:"title"`
	History   string    `bson:"history"`
	Revision  int64     `bson:"revision"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d conversationDocument) toModel(turns models.TurnLog) *models.Conversation {
	return &models.Conversation{
		ID:        d.ID,
		UserID:    d.UserID,
		Title:     d.Title,
		Turns:     turns,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// MongoConversationStore keeps one document per conversation. Appends use a
// revision counter as a compare-and-swap guard.
type MongoConversationStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoConversationStore(m *Mongo) *MongoConversationStore {
	return &MongoConversationStore{
		coll: m.Conversations,
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (s *MongoConversationStore) Create(ctx context.Context, ownerID, title string) (*models.Conversation, error) {
	title, err := conversation.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}

	blob, err := history.Encode(models.TurnLog{})
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := conversationDocument{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		Title:     title,
		History:   blob,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return doc.toModel(models.TurnLog{}), nil
}

func (s *MongoConversationStore) Load(ctx context.Context, id, ownerID string) (*models.Conversation, error) {
	var doc conversationDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "user_id": ownerID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, conversation.ErrNotFound
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	turns, err := history.Decode(doc.History)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}

	return doc.toModel(turns), nil
}

func (s *MongoConversationStore) List(ctx context.Context, ownerID string, q conversation.ListQuery) (*conversation.Page, error) {
	q = q.Normalize()

	filter := bson.M{"user_id": ownerID}
	if q.Search != "" {
		filter["title"] = bson.M{"$regex": regexp.QuoteMeta(q.Search), "$options": "i"}
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(q.Offset())).
		SetLimit(int64(q.PageSize)).
		SetProjection(bson.M{"history": 0})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	defer cursor.Close(ctx)

	data := make([]models.Conversation, 0, q.PageSize)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		data = append(data, *doc.toModel(nil))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return &conversation.Page{Data: data, Page: q.Page, PageSize: q.PageSize, Total: total}, nil
}

// AppendTurns re-reads the document and writes the extended history only if
// the revision is unchanged, retrying a bounded number of times.
func (s *MongoConversationStore) AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error) {
	if err := conversation.ValidateTurns(turns); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc conversationDocument
		if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, conversation.ErrNotFound
			}
			return nil, fmt.Errorf("find conversation: %w", err)
		}

		next, log, err := history.Append(doc.History, turns...)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", id, err)
		}

		updatedAt := s.now()
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "revision": doc.Revision},
			bson.M{
				"$set": bson.M{"history": next, "updated_at": updatedAt},
				"$inc": bson.M{"revision": 1},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("update conversation history: %w", err)
		}
		if res.MatchedCount == 0 {
			continue
		}

		doc.UpdatedAt = updatedAt
		return doc.toModel(log), nil
	}

	return nil, fmt.Errorf("conversation %s: %w", id, ErrAppendConflict)
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}
