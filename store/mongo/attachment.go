package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailhost/store"
)

// CreateAttachment stores new body metadata.
func (s *Store) CreateAttachment(ctx context.Context, meta *store.AttachmentMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	doc := &attachmentDoc{
		ID:          meta.ID,
		Hash:        meta.Hash,
		URI:         meta.URI,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		RefCount:    meta.RefCount,
		Magic:       meta.Magic,
		Created:     meta.Created,
	}
	if _, err := s.attachments.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachmentByHash finds body metadata by content hash.
func (s *Store) GetAttachmentByHash(ctx context.Context, hash string) (*store.AttachmentMetadata, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc attachmentDoc
	if err := s.attachments.FindOne(ctx, bson.M{"hash": hash}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find attachment: %w", err)
	}
	return docToAttachment(&doc), nil
}

// IncrementAttachmentRef adds one reference and magic.
func (s *Store) IncrementAttachmentRef(ctx context.Context, hash string, magic int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.M{"$inc": bson.M{"ref_count": 1, "magic": magic}}
	result, err := s.attachments.UpdateOne(ctx, bson.M{"hash": hash}, update)
	if err != nil {
		return fmt.Errorf("increment attachment ref: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DecrementAttachmentRefAndDeleteIfZero removes one reference and magic.
// The delete is conditional on ref_count <= 0, so of two concurrent
// releases only the one that observes zero removes the record.
func (s *Store) DecrementAttachmentRefAndDeleteIfZero(ctx context.Context, hash string, magic int64) (bool, string, error) {
	if err := s.checkConnected(); err != nil {
		return false, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.M{"$inc": bson.M{"ref_count": -1, "magic": -magic}}
	opts := mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After)

	var doc attachmentDoc
	err := s.attachments.FindOneAndUpdate(ctx, bson.M{"hash": hash}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("decrement attachment ref: %w", err)
	}
	if doc.RefCount > 0 {
		return false, "", nil
	}

	result, err := s.attachments.DeleteOne(ctx, bson.M{"_id": doc.ID, "ref_count": bson.M{"$lte": 0}})
	if err != nil {
		return false, "", fmt.Errorf("delete attachment: %w", err)
	}
	if result.DeletedCount == 0 {
		return false, "", nil
	}
	return true, doc.URI, nil
}
