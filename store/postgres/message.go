package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailhost/store"
)

// messageRow is the database row for a message. Structured parts of the
// parsed message are kept as JSONB.
type messageRow struct {
	ID            string             `db:"id"`
	Root          string             `db:"root"`
	Owner         string             `db:"owner"`
	Mailbox       string             `db:"mailbox"`
	UID           int64              `db:"uid"`
	ModSeq        int64              `db:"modseq"`
	Fingerprint   string             `db:"fingerprint"`
	Magic         int64              `db:"magic"`
	Size          int64              `db:"size"`
	Flags         pq.StringArray     `db:"flags"`
	Headers       types.JSONText     `db:"headers"`
	Envelope      types.NullJSONText `db:"envelope"`
	BodyStructure types.NullJSONText `db:"bodystructure"`
	MimeTree      types.NullJSONText `db:"mime_tree"`
	MsgID         string             `db:"msgid"`
	Subject       string             `db:"subject"`
	Thread        string             `db:"thread"`
	Text          string             `db:"text_excerpt"`
	Attachments   pq.StringArray     `db:"attachments"`
	Searchable    bool               `db:"searchable"`
	Junk          bool               `db:"junk"`
	Draft         bool               `db:"draft"`
	Unseen        bool               `db:"unseen"`
	Flagged       bool               `db:"flagged"`
	Undeleted     bool               `db:"undeleted"`
	IDate         time.Time          `db:"idate"`
	HDate         time.Time          `db:"hdate"`
	Exp           bool               `db:"exp"`
	RDate         sql.NullTime       `db:"rdate"`
	Copied        bool               `db:"copied"`
	RemoteAddress string             `db:"remote_address"`
	Transaction   string             `db:"txn"`
	Created       time.Time          `db:"created"`
}

var messageFields = []string{
	"id", "root", "owner", "mailbox", "uid", "modseq", "fingerprint", "magic", "size",
	"flags", "headers", "envelope", "bodystructure", "mime_tree", "msgid", "subject",
	"thread", "text_excerpt", "attachments", "searchable", "junk", "draft", "unseen",
	"flagged", "undeleted", "idate", "hdate", "exp", "rdate", "copied", "remote_address",
	"txn", "created",
}

var messageColumns = strings.Join(messageFields, ", ")

func marshalNullJSON(v any, isNil bool) (types.NullJSONText, error) {
	if isNil {
		return types.NullJSONText{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return types.NullJSONText{}, err
	}
	return types.NullJSONText{JSONText: b, Valid: true}, nil
}

func messageToRow(m *store.Message) (*messageRow, error) {
	headers := m.Headers
	if headers == nil {
		headers = []store.Header{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	env, err := marshalNullJSON(m.Envelope, m.Envelope == nil)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	bs, err := marshalNullJSON(m.BodyStructure, m.BodyStructure == nil)
	if err != nil {
		return nil, fmt.Errorf("marshal bodystructure: %w", err)
	}
	tree, err := marshalNullJSON(m.MimeTree, m.MimeTree == nil)
	if err != nil {
		return nil, fmt.Errorf("marshal mime tree: %w", err)
	}

	flags := m.Flags
	if flags == nil {
		flags = []string{}
	}
	atts := m.Attachments
	if atts == nil {
		atts = []string{}
	}

	return &messageRow{
		ID:            m.ID,
		Root:          m.Root,
		Owner:         m.Owner,
		Mailbox:       m.Mailbox,
		UID:           int64(m.UID),
		ModSeq:        int64(m.ModSeq),
		Fingerprint:   m.Fingerprint,
		Magic:         m.Magic,
		Size:          m.Size,
		Flags:         flags,
		Headers:       hb,
		Envelope:      env,
		BodyStructure: bs,
		MimeTree:      tree,
		MsgID:         m.MsgID,
		Subject:       m.Subject,
		Thread:        m.Thread,
		Text:          m.Text,
		Attachments:   atts,
		Searchable:    m.Searchable,
		Junk:          m.Junk,
		Draft:         m.Draft,
		Unseen:        m.Unseen,
		Flagged:       m.Flagged,
		Undeleted:     m.Undeleted,
		IDate:         m.IDate,
		HDate:         m.HDate,
		Exp:           m.Exp,
		RDate:         sql.NullTime{Time: m.RDate, Valid: !m.RDate.IsZero()},
		Copied:        m.Copied,
		RemoteAddress: m.RemoteAddress,
		Transaction:   m.Transaction,
		Created:       m.Created,
	}, nil
}

func (r *messageRow) toMessage() (*store.Message, error) {
	m := &store.Message{
		ID:            r.ID,
		Root:          r.Root,
		Owner:         r.Owner,
		Mailbox:       r.Mailbox,
		UID:           uint32(r.UID),
		ModSeq:        uint64(r.ModSeq),
		Fingerprint:   r.Fingerprint,
		Magic:         r.Magic,
		Size:          r.Size,
		Flags:         []string(r.Flags),
		MsgID:         r.MsgID,
		Subject:       r.Subject,
		Thread:        r.Thread,
		Text:          r.Text,
		Attachments:   []string(r.Attachments),
		Searchable:    r.Searchable,
		Junk:          r.Junk,
		Draft:         r.Draft,
		Unseen:        r.Unseen,
		Flagged:       r.Flagged,
		Undeleted:     r.Undeleted,
		IDate:         r.IDate,
		HDate:         r.HDate,
		Exp:           r.Exp,
		Copied:        r.Copied,
		RemoteAddress: r.RemoteAddress,
		Transaction:   r.Transaction,
		Created:       r.Created,
	}
	if r.RDate.Valid {
		m.RDate = r.RDate.Time
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if r.Envelope.Valid {
		m.Envelope = new(imap.Envelope)
		if err := json.Unmarshal(r.Envelope.JSONText, m.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
	}
	if r.BodyStructure.Valid {
		m.BodyStructure = new(imap.BodyStructure)
		if err := json.Unmarshal(r.BodyStructure.JSONText, m.BodyStructure); err != nil {
			return nil, fmt.Errorf("unmarshal bodystructure: %w", err)
		}
	}
	if r.MimeTree.Valid {
		m.MimeTree = new(store.MimeNode)
		if err := json.Unmarshal(r.MimeTree.JSONText, m.MimeTree); err != nil {
			return nil, fmt.Errorf("unmarshal mime tree: %w", err)
		}
	}
	return m, nil
}

// FindMessageByFingerprint looks up a message by fingerprint in the owner's scope.
func (s *Store) FindMessageByFingerprint(ctx context.Context, owner, fingerprint string) (*store.Message, error) {
	if fingerprint == "" {
		return nil, store.ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE owner = $1 AND fingerprint = $2 LIMIT 1`, messageColumns, s.t.messages)
	return s.getMessage(ctx, query, owner, fingerprint)
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, messageColumns, s.t.messages)
	return s.getMessage(ctx, query, id)
}

func (s *Store) getMessage(ctx context.Context, query string, args ...any) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row messageRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return row.toMessage()
}

// CreateMessage inserts a sequenced message.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Created.IsZero() {
		msg.Created = time.Now().UTC()
	}

	row, err := messageToRow(msg)
	if err != nil {
		return err
	}

	named := make([]string, len(messageFields))
	for i, f := range messageFields {
		named[i] = ":" + f
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.t.messages, messageColumns, strings.Join(named, ", "))

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListExpiredMessages returns up to limit messages past their retention date.
func (s *Store) ListExpiredMessages(ctx context.Context, cutoff time.Time, limit int) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE exp AND rdate IS NOT NULL AND rdate < $1
		ORDER BY rdate ASC
		LIMIT $2
	`, messageColumns, s.t.messages)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("query expired messages: %w", err)
	}

	messages := make([]*store.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// SumMessageSize sums size over an owner's messages.
func (s *Store) SumMessageSize(ctx context.Context, owner string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT COALESCE(SUM(size), 0) FROM %s WHERE owner = $1`, s.t.messages)
	var total int64
	if err := s.db.GetContext(ctx, &total, query, owner); err != nil {
		return 0, fmt.Errorf("sum message size: %w", err)
	}
	return total, nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.t.messages), id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
