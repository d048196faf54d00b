package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailhost/store"
)

// clone creates a copy of the message that shares no slices with m.
func clone(m *store.Message) *store.Message {
	c := *m
	c.Flags = append([]string(nil), m.Flags...)
	c.Headers = append([]store.Header(nil), m.Headers...)
	c.Attachments = append([]string(nil), m.Attachments...)
	return &c
}

// =============================================================================
// Messages
// =============================================================================

// FindMessageByFingerprint looks up an owner's message by fingerprint.
func (s *Store) FindMessageByFingerprint(_ context.Context, owner, fingerprint string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.Owner == owner && m.Fingerprint == fingerprint {
			return clone(m), nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateMessage persists a message, enforcing (mailbox, uid) and
// (owner, fingerprint) uniqueness.
func (s *Store) CreateMessage(_ context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if msg.ID == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return store.ErrDuplicateEntry
	}
	for _, m := range s.messages {
		if m.Mailbox == msg.Mailbox && m.UID == msg.UID {
			return store.ErrDuplicateEntry
		}
		if msg.Fingerprint != "" && m.Owner == msg.Owner && m.Fingerprint == msg.Fingerprint {
			return store.ErrDuplicateEntry
		}
	}

	if msg.Created.IsZero() {
		msg.Created = time.Now().UTC()
	}
	s.messages[msg.ID] = clone(msg)
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(_ context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

// ListExpiredMessages returns messages past their retention date, oldest first.
func (s *Store) ListExpiredMessages(_ context.Context, cutoff time.Time, limit int) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Message
	for _, m := range s.messages {
		if m.Exp && m.RDate.Before(cutoff) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RDate.Before(out[j].RDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(_ context.Context, id string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

// SumMessageSize sums the sizes of an owner's messages.
func (s *Store) SumMessageSize(_ context.Context, owner string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, m := range s.messages {
		if m.Owner == owner {
			total += m.Size
		}
	}
	return total, nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// =============================================================================
// Owners
// =============================================================================

// PutOwner inserts or replaces an owner. Owners are provisioned by the
// account application, so there is no Create in store.OwnerStore.
func (s *Store) PutOwner(owner *store.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *owner
	s.owners[owner.ID] = &c
}

// GetOwner retrieves an owner by ID.
func (s *Store) GetOwner(_ context.Context, id string) (*store.Owner, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.owners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *o
	if o.PGPErrorSentAt != nil {
		t := *o.PGPErrorSentAt
		c.PGPErrorSentAt = &t
	}
	return &c, nil
}

// SumStorageUsed sums accounted bytes over a domain's owners.
func (s *Store) SumStorageUsed(_ context.Context, domainID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, o := range s.owners {
		if o.DomainID == domainID {
			total += o.StorageUsed
		}
	}
	return total, nil
}

// SetStorageUsed records an owner's accounted bytes.
func (s *Store) SetStorageUsed(_ context.Context, ownerID string, bytes int64) error {
	return s.updateOwner(ownerID, func(o *store.Owner) {
		o.StorageUsed = max(bytes, 0)
	})
}

// ClearPGPErrorBefore unsets the PGP notice marker if it is old enough.
func (s *Store) ClearPGPErrorBefore(_ context.Context, ownerID string, cutoff time.Time) error {
	return s.updateOwner(ownerID, func(o *store.Owner) {
		if o.PGPErrorSentAt != nil && !o.PGPErrorSentAt.After(cutoff) {
			o.PGPErrorSentAt = nil
		}
	})
}

// ClaimPGPErrorNotice sets the PGP notice marker if it is unset or expired.
func (s *Store) ClaimPGPErrorNotice(_ context.Context, ownerID string, now time.Time, window time.Duration) (bool, error) {
	claimed := false
	err := s.updateOwner(ownerID, func(o *store.Owner) {
		if o.PGPErrorSentAt == nil || !o.PGPErrorSentAt.After(now.Add(-window)) {
			t := now
			o.PGPErrorSentAt = &t
			claimed = true
		}
	})
	return claimed, err
}

// SetPGPErrorSentAt sets the PGP notice marker.
func (s *Store) SetPGPErrorSentAt(_ context.Context, ownerID string, t time.Time) error {
	return s.updateOwner(ownerID, func(o *store.Owner) {
		o.PGPErrorSentAt = &t
	})
}

// ReleasePGPErrorNotice unsets the marker if it still holds the claimed time.
func (s *Store) ReleasePGPErrorNotice(_ context.Context, ownerID string, claimed time.Time) error {
	return s.updateOwner(ownerID, func(o *store.Owner) {
		if o.PGPErrorSentAt != nil && o.PGPErrorSentAt.Equal(claimed) {
			o.PGPErrorSentAt = nil
		}
	})
}

func (s *Store) updateOwner(id string, fn func(*store.Owner)) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(o)
	return nil
}

// =============================================================================
// Attachment metadata
// =============================================================================

// CreateAttachment stores new body metadata.
func (s *Store) CreateAttachment(_ context.Context, meta *store.AttachmentMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attachments[meta.Hash]; ok {
		return store.ErrDuplicateEntry
	}
	if meta.ID == "" {
		meta.ID = uuid.New().String()
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	c := *meta
	s.attachments[meta.Hash] = &c
	return nil
}

// GetAttachmentByHash finds body metadata by hash.
func (s *Store) GetAttachmentByHash(_ context.Context, hash string) (*store.AttachmentMetadata, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attachments[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

// IncrementAttachmentRef adds a reference.
func (s *Store) IncrementAttachmentRef(_ context.Context, hash string, magic int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[hash]
	if !ok {
		return store.ErrNotFound
	}
	a.RefCount++
	a.Magic += magic
	return nil
}

// DecrementAttachmentRefAndDeleteIfZero removes a reference and deletes
// the metadata once unreferenced.
func (s *Store) DecrementAttachmentRefAndDeleteIfZero(_ context.Context, hash string, magic int64) (bool, string, error) {
	if err := s.checkConnected(); err != nil {
		return false, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[hash]
	if !ok {
		return false, "", nil
	}
	a.RefCount--
	a.Magic -= magic
	if a.RefCount > 0 {
		return false, "", nil
	}
	delete(s.attachments, hash)
	return true, a.URI, nil
}
