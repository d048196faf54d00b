package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailhost/store"
)

type ownerRow struct {
	ID             string       `db:"id"`
	DomainID       string       `db:"domain"`
	Username       string       `db:"username"`
	Locale         string       `db:"locale"`
	HasPGP         bool         `db:"has_pgp"`
	PublicKey      string       `db:"public_key"`
	PGPErrorSentAt sql.NullTime `db:"pgp_error_sent_at"`
	StorageUsed    int64        `db:"storage_used"`
}

// GetOwner retrieves an owner by ID.
func (s *Store) GetOwner(ctx context.Context, id string) (*store.Owner, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, domain, username, locale, has_pgp, public_key, pgp_error_sent_at, storage_used
		FROM %s WHERE id = $1
	`, s.t.owners)

	var row ownerRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query owner: %w", err)
	}

	owner := &store.Owner{
		ID:          row.ID,
		DomainID:    row.DomainID,
		Username:    row.Username,
		Locale:      row.Locale,
		HasPGP:      row.HasPGP,
		PublicKey:   row.PublicKey,
		StorageUsed: row.StorageUsed,
	}
	if row.PGPErrorSentAt.Valid {
		t := row.PGPErrorSentAt.Time
		owner.PGPErrorSentAt = &t
	}
	return owner, nil
}

// SumStorageUsed sums storage_used over a domain's owners.
func (s *Store) SumStorageUsed(ctx context.Context, domainID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var total int64
	query := fmt.Sprintf(`SELECT COALESCE(SUM(storage_used), 0) FROM %s WHERE domain = $1`, s.t.owners)
	if err := s.db.GetContext(ctx, &total, query, domainID); err != nil {
		return 0, fmt.Errorf("sum storage used: %w", err)
	}
	return total, nil
}

// SetStorageUsed records an owner's accounted bytes.
func (s *Store) SetStorageUsed(ctx context.Context, ownerID string, bytes int64) error {
	query := fmt.Sprintf(`UPDATE %s SET storage_used = $2 WHERE id = $1`, s.t.owners)
	_, err := s.updateOwner(ctx, query, true, ownerID, max(bytes, 0))
	return err
}

// ClearPGPErrorBefore unsets the PGP notice marker if it is old enough.
func (s *Store) ClearPGPErrorBefore(ctx context.Context, ownerID string, cutoff time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET pgp_error_sent_at = NULL
		WHERE id = $1 AND pgp_error_sent_at <= $2
	`, s.t.owners)
	_, err := s.updateOwner(ctx, query, false, ownerID, cutoff)
	return err
}

// ClaimPGPErrorNotice sets the marker to now if it is unset or older than
// window. The predicate and the write are one UPDATE.
func (s *Store) ClaimPGPErrorNotice(ctx context.Context, ownerID string, now time.Time, window time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET pgp_error_sent_at = $2
		WHERE id = $1 AND (pgp_error_sent_at IS NULL OR pgp_error_sent_at <= $3)
	`, s.t.owners)
	n, err := s.updateOwner(ctx, query, false, ownerID, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("claim pgp notice: %w", err)
	}
	return n == 1, nil
}

// SetPGPErrorSentAt sets the PGP notice marker.
func (s *Store) SetPGPErrorSentAt(ctx context.Context, ownerID string, t time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET pgp_error_sent_at = $2 WHERE id = $1`, s.t.owners)
	_, err := s.updateOwner(ctx, query, true, ownerID, t)
	return err
}

// ReleasePGPErrorNotice unsets the marker if it still holds the claimed time.
func (s *Store) ReleasePGPErrorNotice(ctx context.Context, ownerID string, claimed time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET pgp_error_sent_at = NULL
		WHERE id = $1 AND pgp_error_sent_at = $2
	`, s.t.owners)
	_, err := s.updateOwner(ctx, query, false, ownerID, claimed)
	return err
}

// updateOwner runs an owner UPDATE and returns the affected row count.
// With mustMatch, zero rows is ErrNotFound.
func (s *Store) updateOwner(ctx context.Context, query string, mustMatch bool, args ...any) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update owner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if mustMatch && n == 0 {
		return 0, store.ErrNotFound
	}
	return n, nil
}
