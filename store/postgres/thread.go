package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailhost/store"
)

// =============================================================================
// Threads
// =============================================================================

type threadRow struct {
	ID      string         `db:"id"`
	Owner   string         `db:"owner"`
	Subject string         `db:"subject"`
	IDs     pq.StringArray `db:"ids"`
}

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

	query := fmt.Sprintf(`
		SELECT id, owner, subject, ids FROM %s
		WHERE owner = $1 AND subject = $2 AND ids && $3
		LIMIT 1
	`, s.t.threads)

	var row threadRow
	if err := s.db.GetContext(ctx, &row, query, owner, subject, pq.Array(refs)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query thread: %w", err)
	}
	return &store.Thread{ID: row.ID, Owner: row.Owner, Subject: row.Subject, IDs: []string(row.IDs)}, nil
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

	query := fmt.Sprintf(`INSERT INTO %s (id, owner, subject, ids) VALUES ($1, $2, $3, $4)`, s.t.threads)
	if _, err := s.db.ExecContext(ctx, query, thread.ID, thread.Owner, thread.Subject, pq.Array(ids)); err != nil {
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

	query := fmt.Sprintf(`
		UPDATE %s
		SET ids = ARRAY(SELECT DISTINCT unnest(ids || $2::text[]))
		WHERE id = $1
	`, s.t.threads)

	result, err := s.db.ExecContext(ctx, query, threadID, pq.Array(refs))
	if err != nil {
		return fmt.Errorf("add thread refs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =============================================================================
// Journal
// =============================================================================

type journalRow struct {
	ID      string         `db:"id"`
	Owner   string         `db:"owner"`
	Mailbox string         `db:"mailbox"`
	Message string         `db:"message"`
	Thread  string         `db:"thread"`
	Path    string         `db:"path"`
	UID     int64          `db:"uid"`
	ModSeq  int64          `db:"modseq"`
	Command string         `db:"command"`
	Ignore  string         `db:"ignore_session"`
	Unseen  bool           `db:"unseen"`
	IDate   sql.NullTime   `db:"idate"`
	Junk    bool           `db:"junk"`
	Flags   pq.StringArray `db:"flags"`
	Created time.Time      `db:"created"`
}

func (r *journalRow) toEntry() *store.JournalEntry {
	e := &store.JournalEntry{
		ID:      r.ID,
		Owner:   r.Owner,
		Mailbox: r.Mailbox,
		Message: r.Message,
		Thread:  r.Thread,
		Path:    r.Path,
		UID:     uint32(r.UID),
		ModSeq:  uint64(r.ModSeq),
		Command: r.Command,
		Ignore:  r.Ignore,
		Unseen:  r.Unseen,
		Junk:    r.Junk,
		Flags:   []string(r.Flags),
		Created: r.Created,
	}
	if r.IDate.Valid {
		e.IDate = r.IDate.Time
	}
	return e
}

const journalColumns = `id, owner, mailbox, message, thread, path, uid, modseq, command, ignore_session, unseen, idate, junk, flags, created`

// AppendJournal stores journal entries in one transaction.
func (s *Store) AppendJournal(ctx context.Context, entries ...*store.JournalEntry) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, s.t.journal, journalColumns)

	now := time.Now().UTC()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Created.IsZero() {
			e.Created = now
		}
		flags := e.Flags
		if flags == nil {
			flags = []string{}
		}
		idate := sql.NullTime{Time: e.IDate, Valid: !e.IDate.IsZero()}
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.Owner, e.Mailbox, e.Message, e.Thread, e.Path, int64(e.UID), int64(e.ModSeq),
			e.Command, e.Ignore, e.Unseen, idate, e.Junk, pq.Array(flags), e.Created); err != nil {
			return fmt.Errorf("insert journal entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", store.ErrTransactionFailed, err)
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

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE mailbox = $1 AND modseq > $2
		ORDER BY modseq ASC, created ASC
	`, journalColumns, s.t.journal)

	var rows []journalRow
	if err := s.db.SelectContext(ctx, &rows, query, mailboxID, int64(sinceModSeq)); err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	entries := make([]*store.JournalEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toEntry()
	}
	return entries, nil
}
