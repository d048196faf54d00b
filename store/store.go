// Package store provides the record types and storage interfaces of the
// mail host. Implementations are in store/mongo, store/postgres and
// store/memory.
//
// # Concurrency Without Locks
//
// Stores never take distributed locks. Ordering and uniqueness come from
// the database itself:
//
//  1. Sequencing: ReserveUID is a single atomic increment on the mailbox
//     record that returns the pre-increment values (findOneAndUpdate with
//     returnDocument=before, or UPDATE ... RETURNING).
//
//  2. Uniqueness: (mailbox, uid) and (owner, fingerprint) are unique
//     indexes. A losing writer gets ErrDuplicateEntry.
//
//  3. Reference counts: attachment bodies are released with an atomic
//     decrement-and-delete-if-zero so two concurrent releases can never
//     both delete the same body.
//
// Records reference each other by id only. A Message names its Mailbox and
// Thread by id, a JournalEntry names its Message and Thread by id.
package store

import (
	"context"
	"time"
)

// Store is the complete storage interface used by the ingestion core.
//
// All operations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	MailboxStore
	MessageStore
	ThreadStore
	JournalStore
	OwnerStore
	AttachmentMetadataStore
}

// MailboxStore manages mailboxes and their UID/modseq counters.
type MailboxStore interface {
	// CreateMailbox creates a mailbox. UIDNext starts at 1 and ModifyIndex
	// at 0 when left unset. Returns ErrDuplicateEntry if the owner already
	// has a mailbox with the same path.
	CreateMailbox(ctx context.Context, mailbox *Mailbox) error

	// GetMailbox retrieves a mailbox by ID.
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)

	// FindMailboxByPath retrieves an owner's mailbox by path.
	// Returns ErrNotFound if no such mailbox exists.
	FindMailboxByPath(ctx context.Context, owner, path string) (*Mailbox, error)

	// ReserveUID atomically increments UIDNext and ModifyIndex and returns
	// the mailbox as it was before the increment. Concurrent callers never
	// observe the same UIDNext. Returns ErrNotFound if the mailbox was
	// deleted.
	ReserveUID(ctx context.Context, mailboxID string) (*Mailbox, error)

	// ReserveModSeq atomically increments ModifyIndex alone and returns
	// the new value. Used for changes that do not add a message, such as
	// expunges. Returns ErrNotFound if the mailbox is gone.
	ReserveModSeq(ctx context.Context, mailboxID string) (uint64, error)
}

// MessageStore persists messages.
type MessageStore interface {
	// FindMessageByFingerprint looks up a message by fingerprint within
	// the owner's scope, across all of the owner's mailboxes.
	FindMessageByFingerprint(ctx context.Context, owner, fingerprint string) (*Message, error)

	// CreateMessage persists a fully sequenced message.
	// Returns ErrDuplicateEntry on a (mailbox, uid) or (owner, fingerprint)
	// collision.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListExpiredMessages returns up to limit messages with Exp set and
	// RDate before cutoff.
	ListExpiredMessages(ctx context.Context, cutoff time.Time, limit int) ([]*Message, error)

	// DeleteMessage removes a message. Returns false if it was already gone.
	DeleteMessage(ctx context.Context, id string) (bool, error)

	// SumMessageSize sums Size over all of an owner's messages.
	SumMessageSize(ctx context.Context, owner string) (int64, error)
}

// ThreadStore manages conversation threads.
type ThreadStore interface {
	// FindThread returns the owner's thread with the given normalized
	// subject that shares at least one reference key with refs.
	FindThread(ctx context.Context, owner, subject string, refs []string) (*Thread, error)

	// CreateThread stores a new thread and assigns its ID.
	CreateThread(ctx context.Context, thread *Thread) error

	// AddThreadRefs adds reference keys to a thread without duplicates.
	AddThreadRefs(ctx context.Context, threadID string, refs []string) error
}

// JournalStore is the append-only mailbox change log.
type JournalStore interface {
	// AppendJournal stores journal entries. Entries are never mutated.
	AppendJournal(ctx context.Context, entries ...*JournalEntry) error

	// ListJournal returns a mailbox's entries with ModSeq greater than
	// sinceModSeq, ordered by ModSeq.
	ListJournal(ctx context.Context, mailboxID string, sinceModSeq uint64) ([]*JournalEntry, error)
}

// OwnerStore reads and updates mailbox owners (aliases).
type OwnerStore interface {
	// GetOwner retrieves an owner by ID.
	GetOwner(ctx context.Context, id string) (*Owner, error)

	// SumStorageUsed sums StorageUsed over every owner in a domain.
	SumStorageUsed(ctx context.Context, domainID string) (int64, error)

	// SetStorageUsed records an owner's accounted bytes. Negative values
	// are stored as zero.
	SetStorageUsed(ctx context.Context, ownerID string, bytes int64) error

	// ClearPGPErrorBefore unsets PGPErrorSentAt if it is at or before cutoff.
	ClearPGPErrorBefore(ctx context.Context, ownerID string, cutoff time.Time) error

	// ClaimPGPErrorNotice atomically sets PGPErrorSentAt to now if it is
	// unset or at or before now-window. Returns true if the claim succeeded.
	ClaimPGPErrorNotice(ctx context.Context, ownerID string, now time.Time, window time.Duration) (bool, error)

	// SetPGPErrorSentAt sets PGPErrorSentAt unconditionally.
	SetPGPErrorSentAt(ctx context.Context, ownerID string, t time.Time) error

	// ReleasePGPErrorNotice unsets PGPErrorSentAt if it still equals claimed.
	ReleasePGPErrorNotice(ctx context.Context, ownerID string, claimed time.Time) error
}
