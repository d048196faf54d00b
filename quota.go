package mailhost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailhost/store"
)

// QuotaStatus is the outcome of a quota check.
type QuotaStatus struct {
	StorageUsed int64
	OverQuota   bool
}

// QuotaAccountant reads accounted storage and compares it with the
// ceiling. Usage is refreshed by the storage worker after each write, so
// a reading may be briefly stale.
type QuotaAccountant struct {
	owners  store.OwnerStore
	ceiling int64
	logger  *slog.Logger

	// onExceeded is called for every breach. Must not block.
	onExceeded func(ctx context.Context, user *User, status QuotaStatus, additional int64)
}

// NewQuotaAccountant creates an accountant with a fixed ceiling in bytes.
func NewQuotaAccountant(owners store.OwnerStore, ceiling int64, logger *slog.Logger) *QuotaAccountant {
	if logger == nil {
		logger = slog.Default()
	}
	if ceiling <= 0 {
		ceiling = DefaultMaxQuota
	}
	return &QuotaAccountant{owners: owners, ceiling: ceiling, logger: logger}
}

// Ceiling returns the configured quota in bytes.
func (q *QuotaAccountant) Ceiling() int64 {
	return q.ceiling
}

// GetStorageUsed returns the bytes accounted to the user. Storage is
// pooled per domain; users without a domain are accounted alone.
func (q *QuotaAccountant) GetStorageUsed(ctx context.Context, user *User) (int64, error) {
	if user.DomainID != "" {
		used, err := q.owners.SumStorageUsed(ctx, user.DomainID)
		if err != nil {
			return 0, fmt.Errorf("sum storage used: %w", err)
		}
		return used, nil
	}
	owner, err := q.owners.GetOwner(ctx, user.AliasID)
	if err != nil {
		return 0, fmt.Errorf("get owner: %w", err)
	}
	return owner.StorageUsed, nil
}

// IsOverQuota reports whether storing additional more bytes would exceed
// the ceiling. A breach is logged as an operator alert.
func (q *QuotaAccountant) IsOverQuota(ctx context.Context, user *User, additional int64) (QuotaStatus, error) {
	used, err := q.GetStorageUsed(ctx, user)
	if err != nil {
		return QuotaStatus{}, err
	}
	status := QuotaStatus{
		StorageUsed: used,
		OverQuota:   used+additional > q.ceiling,
	}
	if status.OverQuota {
		q.logger.Error("storage quota exceeded",
			"alert", true,
			"owner", user.AliasID,
			"domain", user.DomainID,
			"storage_used", used,
			"additional", additional,
			"quota", q.ceiling)
		if q.onExceeded != nil {
			q.onExceeded(ctx, user, status, additional)
		}
	}
	return status, nil
}

// check returns OVERQUOTA if additional bytes do not fit.
func (q *QuotaAccountant) check(ctx context.Context, user *User, additional int64) error {
	status, err := q.IsOverQuota(ctx, user, additional)
	if err != nil {
		return internalError("quota", err)
	}
	if status.OverQuota {
		return &ResponseError{
			Code:    CodeOverQuota,
			Message: "Over quota",
		}
	}
	return nil
}
