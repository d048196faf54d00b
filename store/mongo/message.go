package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailhost/store"
)

// FindMessageByFingerprint looks up an owner's message by fingerprint.
func (s *Store) FindMessageByFingerprint(ctx context.Context, owner, fingerprint string) (*store.Message, error) {
	return s.findMessage(ctx, bson.M{"owner": owner, "fingerprint": fingerprint})
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	return s.findMessage(ctx, bson.M{"_id": id})
}

func (s *Store) findMessage(ctx context.Context, filter bson.M) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc messageDoc
	if err := s.messages.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return docToMessage(&doc), nil
}

// CreateMessage persists a fully sequenced message. The unique indexes on
// (mailbox, uid) and (owner, fingerprint) turn races into ErrDuplicateEntry.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if msg.ID == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if msg.Created.IsZero() {
		msg.Created = time.Now().UTC()
	}

	if _, err := s.messages.InsertOne(ctx, messageToDoc(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListExpiredMessages returns messages past their retention date, oldest first.
func (s *Store) ListExpiredMessages(ctx context.Context, cutoff time.Time, limit int) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"exp":   true,
		"rdate": bson.M{"$lt": cutoff},
	}
	findOpts := mongoopts.Find().SetSort(bson.D{{Key: "rdate", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.messages.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find expired messages: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]*store.Message, len(docs))
	for i := range docs {
		messages[i] = docToMessage(&docs[i])
	}
	return messages, nil
}

// SumMessageSize sums the size field over an owner's messages.
func (s *Store) SumMessageSize(ctx context.Context, owner string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"owner": owner}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	}
	cursor, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("sum message size: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("decode message size: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// DeleteMessage removes a message. Returns false if it was already gone.
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return result.DeletedCount > 0, nil
}
