// Package mongo provides a MongoDB implementation of store.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailhost/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	mailboxes   *mongo.Collection
	messages    *mongo.Collection
	threads     *mongo.Collection
	journal     *mongo.Collection
	owners      *mongo.Collection
	attachments *mongo.Collection

	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	p := s.opts.collectionPrefix
	s.mailboxes = s.db.Collection(p + collMailboxes)
	s.messages = s.db.Collection(p + collMessages)
	s.threads = s.db.Collection(p + collThreads)
	s.journal = s.db.Collection(p + collJournal)
	s.owners = s.db.Collection(p + collOwners)
	s.attachments = s.db.Collection(p + collAttachments)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// ensureIndexes creates required indexes. The unique indexes carry the
// store's uniqueness guarantees.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.mailboxes: {
			{
				Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "path", Value: 1}},
				Options: mongoopts.Index().SetUnique(true),
			},
		},
		s.messages: {
			{
				Keys:    bson.D{{Key: "mailbox", Value: 1}, {Key: "uid", Value: 1}},
				Options: mongoopts.Index().SetUnique(true),
			},
			// Owner-scoped dedup; messages without a fingerprint are exempt.
			{
				Keys: bson.D{{Key: "owner", Value: 1}, {Key: "fingerprint", Value: 1}},
				Options: mongoopts.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"fingerprint": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "exp", Value: 1}, {Key: "rdate", Value: 1}}},
			{Keys: bson.D{{Key: "thread", Value: 1}}},
		},
		s.threads: {
			{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "subject", Value: 1}, {Key: "ids", Value: 1}}},
		},
		s.journal: {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "modseq", Value: 1}}},
		},
		s.owners: {
			{Keys: bson.D{{Key: "domain", Value: 1}}},
		},
		s.attachments: {
			{
				Keys:    bson.D{{Key: "hash", Value: 1}},
				Options: mongoopts.Index().SetUnique(true),
			},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", coll.Name(), err)
		}
	}
	return nil
}

// =============================================================================
// Mailboxes
// =============================================================================

// CreateMailbox creates a mailbox.
func (s *Store) CreateMailbox(ctx context.Context, mailbox *store.Mailbox) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	if mailbox.UIDNext == 0 {
		mailbox.UIDNext = 1
	}
	if mailbox.UIDValidity == 0 {
		mailbox.UIDValidity = uint32(time.Now().Unix())
	}
	if mailbox.Created.IsZero() {
		mailbox.Created = time.Now().UTC()
	}

	if _, err := s.mailboxes.InsertOne(ctx, mailboxToDoc(mailbox)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert mailbox: %w", err)
	}
	return nil
}

// GetMailbox retrieves a mailbox by ID.
func (s *Store) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	return s.findMailbox(ctx, bson.M{"_id": id})
}

// FindMailboxByPath retrieves an owner's mailbox by path.
func (s *Store) FindMailboxByPath(ctx context.Context, owner, path string) (*store.Mailbox, error) {
	return s.findMailbox(ctx, bson.M{"owner": owner, "path": path})
}

func (s *Store) findMailbox(ctx context.Context, filter bson.M) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc mailboxDoc
	if err := s.mailboxes.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find mailbox: %w", err)
	}
	return docToMailbox(&doc), nil
}

// ReserveModSeq increments modify_index and returns the new value.
func (s *Store) ReserveModSeq(ctx context.Context, mailboxID string) (uint64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.M{"$inc": bson.M{"modify_index": 1}}
	opts := mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After)

	var doc mailboxDoc
	err := s.mailboxes.FindOneAndUpdate(ctx, bson.M{"_id": mailboxID}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("reserve modseq: %w", err)
	}
	return doc.ModifyIndex, nil
}

// ReserveUID increments uid_next and modify_index in one findOneAndUpdate
// and returns the document as it was before.
func (s *Store) ReserveUID(ctx context.Context, mailboxID string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.M{"$inc": bson.M{"uid_next": 1, "modify_index": 1}}
	opts := mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.Before)

	var doc mailboxDoc
	err := s.mailboxes.FindOneAndUpdate(ctx, bson.M{"_id": mailboxID}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reserve uid: %w", err)
	}
	return docToMailbox(&doc), nil
}
