// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailhost/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu          sync.RWMutex
	mailboxes   map[string]*store.Mailbox        // id -> mailbox
	messages    map[string]*store.Message        // id -> message
	threads     map[string]*store.Thread         // id -> thread
	journal     map[string][]*store.JournalEntry // mailbox id -> entries
	owners      map[string]*store.Owner          // id -> owner
	attachments map[string]*store.AttachmentMetadata // hash -> metadata

	mailboxLocks sync.Map // map[string]*sync.Mutex (per-mailbox locks for sequencing)
	connected    int32
}

// getMailboxLock returns the mutex for a mailbox ID, creating one if needed.
// Uses LoadOrStore for atomic get-or-create.
func (s *Store) getMailboxLock(id string) *sync.Mutex {
	lock, _ := s.mailboxLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		mailboxes:   make(map[string]*store.Mailbox),
		messages:    make(map[string]*store.Message),
		threads:     make(map[string]*store.Thread),
		journal:     make(map[string][]*store.JournalEntry),
		owners:      make(map[string]*store.Owner),
		attachments: make(map[string]*store.AttachmentMetadata),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// =============================================================================
// Mailboxes
// =============================================================================

// CreateMailbox creates a mailbox.
func (s *Store) CreateMailbox(_ context.Context, mailbox *store.Mailbox) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mb := range s.mailboxes {
		if mb.Owner == mailbox.Owner && mb.Path == mailbox.Path {
			return store.ErrDuplicateEntry
		}
	}

	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
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

	c := *mailbox
	s.mailboxes[mailbox.ID] = &c
	return nil
}

// GetMailbox retrieves a mailbox by ID.
func (s *Store) GetMailbox(_ context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *mb
	return &c, nil
}

// FindMailboxByPath retrieves an owner's mailbox by path.
func (s *Store) FindMailboxByPath(_ context.Context, owner, path string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mb := range s.mailboxes {
		if mb.Owner == owner && mb.Path == path {
			c := *mb
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

// ReserveUID increments UIDNext and ModifyIndex and returns the previous state.
func (s *Store) ReserveUID(_ context.Context, mailboxID string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	lock := s.getMailboxLock(mailboxID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	before := *mb
	mb.UIDNext++
	mb.ModifyIndex++
	return &before, nil
}

// ReserveModSeq increments the mailbox's modify index.
func (s *Store) ReserveModSeq(_ context.Context, mailboxID string) (uint64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	lock := s.getMailboxLock(mailboxID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return 0, store.ErrNotFound
	}
	mb.ModifyIndex++
	return mb.ModifyIndex, nil
}

// =============================================================================
// Threads
// =============================================================================

// FindThread returns a thread sharing subject and a reference key.
func (s *Store) FindThread(_ context.Context, owner, subject string, refs []string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Deterministic choice when several threads match.
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := s.threads[id]
		if t.Owner != owner || t.Subject != subject {
			continue
		}
		if containsAny(t.IDs, refs) {
			return cloneThread(t), nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateThread stores a new thread.
func (s *Store) CreateThread(_ context.Context, thread *store.Thread) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

// AddThreadRefs adds reference keys to a thread.
func (s *Store) AddThreadRefs(_ context.Context, threadID string, refs []string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return store.ErrNotFound
	}
	for _, r := range refs {
		if !contains(t.IDs, r) {
			t.IDs = append(t.IDs, r)
		}
	}
	return nil
}

// ThreadCount returns the number of stored threads.
func (s *Store) ThreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func cloneThread(t *store.Thread) *store.Thread {
	c := *t
	c.IDs = append([]string(nil), t.IDs...)
	return &c
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsAny(list, values []string) bool {
	for _, v := range values {
		if contains(list, v) {
			return true
		}
	}
	return false
}

// =============================================================================
// Journal
// =============================================================================

// AppendJournal stores journal entries.
func (s *Store) AppendJournal(_ context.Context, entries ...*store.JournalEntry) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range entries {
		c := *e
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Created.IsZero() {
			c.Created = now
		}
		c.Flags = append([]string(nil), e.Flags...)
		s.journal[c.Mailbox] = append(s.journal[c.Mailbox], &c)
	}
	return nil
}

// JournalCount returns the number of journal entries across all mailboxes.
func (s *Store) JournalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.journal {
		n += len(entries)
	}
	return n
}

// ListJournal returns entries newer than sinceModSeq, ordered by modseq.
func (s *Store) ListJournal(_ context.Context, mailboxID string, sinceModSeq uint64) ([]*store.JournalEntry, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.JournalEntry
	for _, e := range s.journal[mailboxID] {
		if e.ModSeq > sinceModSeq {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModSeq < out[j].ModSeq })
	return out, nil
}
