// Package postgres provides a PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailhost/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// tables holds the prefixed table names.
type tables struct {
	mailboxes   string
	messages    string
	threads     string
	journal     string
	owners      string
	attachments string
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	t         tables
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:   db,
		opts: o,
		t: tables{
			mailboxes:   o.prefix + "mailboxes",
			messages:    o.prefix + "messages",
			threads:     o.prefix + "threads",
			journal:     o.prefix + "journal",
			owners:      o.prefix + "aliases",
			attachments: o.prefix + "attachments",
		},
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if !s.opts.skipSchema {
		if err := s.ensureSchema(ctx); err != nil {
			atomic.StoreInt32(&s.connected, 0)
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.t
	tablesSQL := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				path TEXT NOT NULL,
				uid_validity BIGINT NOT NULL,
				uid_next BIGINT NOT NULL DEFAULT 1,
				modify_index BIGINT NOT NULL DEFAULT 0,
				special_use TEXT NOT NULL DEFAULT '',
				retention BIGINT NOT NULL DEFAULT 0,
				created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (owner, path)
			)`, t.mailboxes),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				root TEXT NOT NULL,
				owner TEXT NOT NULL,
				mailbox TEXT NOT NULL,
				uid BIGINT NOT NULL,
				modseq BIGINT NOT NULL,
				fingerprint TEXT NOT NULL DEFAULT '',
				magic BIGINT NOT NULL DEFAULT 0,
				size BIGINT NOT NULL DEFAULT 0,
				flags TEXT[] NOT NULL DEFAULT '{}',
				headers JSONB NOT NULL DEFAULT '[]',
				envelope JSONB,
				bodystructure JSONB,
				mime_tree JSONB,
				msgid TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				thread TEXT NOT NULL DEFAULT '',
				text_excerpt TEXT NOT NULL DEFAULT '',
				attachments TEXT[] NOT NULL DEFAULT '{}',
				searchable BOOLEAN NOT NULL DEFAULT TRUE,
				junk BOOLEAN NOT NULL DEFAULT FALSE,
				draft BOOLEAN NOT NULL DEFAULT FALSE,
				unseen BOOLEAN NOT NULL DEFAULT TRUE,
				flagged BOOLEAN NOT NULL DEFAULT FALSE,
				undeleted BOOLEAN NOT NULL DEFAULT TRUE,
				idate TIMESTAMPTZ NOT NULL,
				hdate TIMESTAMPTZ NOT NULL,
				exp BOOLEAN NOT NULL DEFAULT FALSE,
				rdate TIMESTAMPTZ,
				copied BOOLEAN NOT NULL DEFAULT FALSE,
				remote_address TEXT NOT NULL DEFAULT '',
				txn TEXT NOT NULL DEFAULT '',
				created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (mailbox, uid)
			)`, t.messages),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				subject TEXT NOT NULL,
				ids TEXT[] NOT NULL DEFAULT '{}'
			)`, t.threads),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				mailbox TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				thread TEXT NOT NULL DEFAULT '',
				path TEXT NOT NULL DEFAULT '',
				uid BIGINT NOT NULL DEFAULT 0,
				modseq BIGINT NOT NULL DEFAULT 0,
				command TEXT NOT NULL,
				ignore_session TEXT NOT NULL DEFAULT '',
				unseen BOOLEAN NOT NULL DEFAULT FALSE,
				idate TIMESTAMPTZ,
				junk BOOLEAN NOT NULL DEFAULT FALSE,
				flags TEXT[] NOT NULL DEFAULT '{}',
				created TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.journal),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				domain TEXT NOT NULL DEFAULT '',
				username TEXT NOT NULL DEFAULT '',
				locale TEXT NOT NULL DEFAULT '',
				has_pgp BOOLEAN NOT NULL DEFAULT FALSE,
				public_key TEXT NOT NULL DEFAULT '',
				pgp_error_sent_at TIMESTAMPTZ,
				storage_used BIGINT NOT NULL DEFAULT 0
			)`, t.owners),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				hash TEXT NOT NULL UNIQUE,
				uri TEXT NOT NULL,
				content_type TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				ref_count BIGINT NOT NULL DEFAULT 0,
				magic BIGINT NOT NULL DEFAULT 0,
				created TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, t.attachments),
	}
	for _, q := range tablesSQL {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Owner-scoped dedup is a correctness constraint; fail if it cannot be created.
	fpIdx := fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_fingerprint
		ON %s(owner, fingerprint)
		WHERE fingerprint <> ''
	`, t.messages, t.messages)
	if _, err := s.db.ExecContext(ctx, fpIdx); err != nil {
		return fmt.Errorf("create fingerprint index: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expired ON %s(rdate) WHERE exp`, t.messages, t.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread)`, t.messages, t.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner_subject ON %s(owner, subject)`, t.threads, t.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ids ON %s USING GIN(ids)`, t.threads, t.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mailbox_modseq ON %s(mailbox, modseq)`, t.journal, t.journal),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_domain ON %s(domain)`, t.owners, t.owners),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// isUniqueViolation reports whether err is a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// =============================================================================
// Mailboxes
// =============================================================================

type mailboxRow struct {
	ID          string    `db:"id"`
	Owner       string    `db:"owner"`
	Path        string    `db:"path"`
	UIDValidity int64     `db:"uid_validity"`
	UIDNext     int64     `db:"uid_next"`
	ModifyIndex int64     `db:"modify_index"`
	SpecialUse  string    `db:"special_use"`
	Retention   int64     `db:"retention"`
	Created     time.Time `db:"created"`
}

func (r *mailboxRow) toMailbox() *store.Mailbox {
	return &store.Mailbox{
		ID:          r.ID,
		Owner:       r.Owner,
		Path:        r.Path,
		UIDValidity: uint32(r.UIDValidity),
		UIDNext:     uint32(r.UIDNext),
		ModifyIndex: uint64(r.ModifyIndex),
		SpecialUse:  r.SpecialUse,
		Retention:   time.Duration(r.Retention),
		Created:     r.Created,
	}
}

const mailboxColumns = `id, owner, path, uid_validity, uid_next, modify_index, special_use, retention, created`

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

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.t.mailboxes, mailboxColumns)
	_, err := s.db.ExecContext(ctx, query,
		mailbox.ID, mailbox.Owner, mailbox.Path, int64(mailbox.UIDValidity), int64(mailbox.UIDNext),
		int64(mailbox.ModifyIndex), mailbox.SpecialUse, int64(mailbox.Retention), mailbox.Created)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert mailbox: %w", err)
	}
	return nil
}

// GetMailbox retrieves a mailbox by ID.
func (s *Store) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, mailboxColumns, s.t.mailboxes)
	return s.getMailbox(ctx, query, id)
}

// FindMailboxByPath retrieves an owner's mailbox by path.
func (s *Store) FindMailboxByPath(ctx context.Context, owner, path string) (*store.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE owner = $1 AND path = $2`, mailboxColumns, s.t.mailboxes)
	return s.getMailbox(ctx, query, owner, path)
}

// ReserveUID increments uid_next and modify_index in one UPDATE and
// returns the pre-increment values.
func (s *Store) ReserveUID(ctx context.Context, mailboxID string) (*store.Mailbox, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET uid_next = uid_next + 1, modify_index = modify_index + 1
		WHERE id = $1
		RETURNING id, owner, path, uid_validity, uid_next - 1 AS uid_next,
		          modify_index - 1 AS modify_index, special_use, retention, created
	`, s.t.mailboxes)
	return s.getMailbox(ctx, query, mailboxID)
}

// ReserveModSeq increments modify_index and returns the new value.
func (s *Store) ReserveModSeq(ctx context.Context, mailboxID string) (uint64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET modify_index = modify_index + 1 WHERE id = $1 RETURNING modify_index`, s.t.mailboxes)
	var modSeq int64
	if err := s.db.GetContext(ctx, &modSeq, query, mailboxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("reserve modseq: %w", err)
	}
	return uint64(modSeq), nil
}

func (s *Store) getMailbox(ctx context.Context, query string, args ...any) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row mailboxRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	return row.toMailbox(), nil
}
