package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailhost/store"
)

type attachmentRow struct {
	ID          string    `db:"id"`
	Hash        string    `db:"hash"`
	URI         string    `db:"uri"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	RefCount    int64     `db:"ref_count"`
	Magic       int64     `db:"magic"`
	Created     time.Time `db:"created"`
}

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

	query := fmt.Sprintf(`
		INSERT INTO %s (id, hash, uri, content_type, size, ref_count, magic, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.t.attachments)

	_, err := s.db.ExecContext(ctx, query,
		meta.ID, meta.Hash, meta.URI, meta.ContentType, meta.Size, meta.RefCount, meta.Magic, meta.Created)
	if err != nil {
		if isUniqueViolation(err) {
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

	query := fmt.Sprintf(`
		SELECT id, hash, uri, content_type, size, ref_count, magic, created
		FROM %s WHERE hash = $1
	`, s.t.attachments)

	var row attachmentRow
	if err := s.db.GetContext(ctx, &row, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query attachment: %w", err)
	}
	return &store.AttachmentMetadata{
		ID:          row.ID,
		Hash:        row.Hash,
		URI:         row.URI,
		ContentType: row.ContentType,
		Size:        row.Size,
		RefCount:    row.RefCount,
		Magic:       row.Magic,
		Created:     row.Created,
	}, nil
}

// IncrementAttachmentRef adds one reference and magic.
func (s *Store) IncrementAttachmentRef(ctx context.Context, hash string, magic int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET ref_count = ref_count + 1, magic = magic + $2
		WHERE hash = $1
	`, s.t.attachments)

	result, err := s.db.ExecContext(ctx, query, hash, magic)
	if err != nil {
		return fmt.Errorf("increment attachment ref: %w", err)
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

// DecrementAttachmentRefAndDeleteIfZero removes one reference and magic
// and deletes the row in the same transaction once no references remain.
func (s *Store) DecrementAttachmentRefAndDeleteIfZero(ctx context.Context, hash string, magic int64) (bool, string, error) {
	if err := s.checkConnected(); err != nil {
		return false, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		RefCount int64  `db:"ref_count"`
		URI      string `db:"uri"`
	}
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET ref_count = ref_count - 1, magic = magic - $2
		WHERE hash = $1
		RETURNING ref_count, uri
	`, s.t.attachments)
	if err := tx.GetContext(ctx, &row, updateQuery, hash, magic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("decrement attachment ref: %w", err)
	}

	deleted := false
	if row.RefCount <= 0 {
		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE hash = $1 AND ref_count <= 0`, s.t.attachments)
		result, err := tx.ExecContext(ctx, deleteQuery, hash)
		if err != nil {
			return false, "", fmt.Errorf("delete attachment: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, "", fmt.Errorf("rows affected: %w", err)
		}
		deleted = n > 0
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("%w: commit: %w", store.ErrTransactionFailed, err)
	}
	if !deleted {
		return false, "", nil
	}
	return true, row.URI, nil
}
