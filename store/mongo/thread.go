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

// =============================================================================
// Threads
// =============================================================================

// FindThread returns the owner's thread with subject sharing a reference.
func (s *Store) FindThread(ctx context.Context, owner, subject string, refs []string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, store.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"owner":   owner,
		"subject": subject,
		"ids":     bson.M{"$in": refs},
	}

	var doc threadDoc
	if err := s.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find thread: %w", err)
	}
	return &store.Thread{ID: doc.ID, Owner: doc.Owner, Subject: doc.Subject, IDs: doc.IDs}, nil
}

// CreateThread stores a new thread and assigns its ID.
func (s *Store) CreateThread(ctx context.Context, thread *store.Thread) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	thread.ID = uuid.NewString()
	ids := thread.IDs
	if ids == nil {
		ids = []string{}
	}
	doc := &threadDoc{ID: thread.ID, Owner: thread.Owner, Subject: thread.Subject, IDs: ids}
	if _, err := s.threads.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// AddThreadRefs adds reference keys to a thread without duplicates.
func (s *Store) AddThreadRefs(ctx context.Context, threadID string, refs []string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := bson.M{"$addToSet": bson.M{"ids": bson.M{"$each": refs}}}
	result, err := s.threads.UpdateOne(ctx, bson.M{"_id": threadID}, update)
	if err != nil {
		return fmt.Errorf("add thread refs: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =============================================================================
// Journal
// =============================================================================

// AppendJournal stores journal entries.
func (s *Store) AppendJournal(ctx context.Context, entries ...*store.JournalEntry) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	docs := make([]any, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Created.IsZero() {
			e.Created = now
		}
		docs[i] = journalToDoc(e)
	}

	if _, err := s.journal.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert journal entries: %w", err)
	}
	return nil
}

// ListJournal returns a mailbox's entries after sinceModSeq in modseq order.
func (s *Store) ListJournal(ctx context.Context, mailboxID string, sinceModSeq uint64) ([]*store.JournalEntry, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"mailbox": mailboxID,
		"modseq":  bson.M{"$gt": int64(sinceModSeq)},
	}
	findOpts := mongoopts.Find().SetSort(bson.D{{Key: "modseq", Value: 1}})

	cursor, err := s.journal.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find journal: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []journalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}

	entries := make([]*store.JournalEntry, len(docs))
	for i := range docs {
		entries[i] = docToJournal(&docs[i])
	}
	return entries, nil
}
