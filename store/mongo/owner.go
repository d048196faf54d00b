package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/rbaliyan/mailhost/store"
)

// GetOwner retrieves an owner by ID.
func (s *Store) GetOwner(ctx context.Context, id string) (*store.Owner, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc ownerDoc
	if err := s.owners.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find owner: %w", err)
	}
	return docToOwner(&doc), nil
}

// SumStorageUsed sums storage_used over a domain's owners.
func (s *Store) SumStorageUsed(ctx context.Context, domainID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"domain": domainID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$storage_used"}}}},
	}
	cursor, err := s.owners.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("sum storage used: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("decode storage sum: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// SetStorageUsed records an owner's accounted bytes.
func (s *Store) SetStorageUsed(ctx context.Context, ownerID string, bytes int64) error {
	return s.updateOwner(ctx, bson.M{"_id": ownerID}, bson.M{"$set": bson.M{"storage_used": max(bytes, 0)}}, true)
}

// ClearPGPErrorBefore unsets the PGP notice marker if it is old enough.
func (s *Store) ClearPGPErrorBefore(ctx context.Context, ownerID string, cutoff time.Time) error {
	filter := bson.M{"_id": ownerID, "pgp_error_sent_at": bson.M{"$lte": cutoff}}
	return s.updateOwner(ctx, filter, bson.M{"$unset": bson.M{"pgp_error_sent_at": ""}}, false)
}

// ClaimPGPErrorNotice sets the marker to now if it is unset or older than
// window. The filter and update run as one atomic UpdateOne.
func (s *Store) ClaimPGPErrorNotice(ctx context.Context, ownerID string, now time.Time, window time.Duration) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"_id": ownerID,
		"$or": bson.A{
			bson.M{"pgp_error_sent_at": bson.M{"$exists": false}},
			bson.M{"pgp_error_sent_at": nil},
			bson.M{"pgp_error_sent_at": bson.M{"$lte": now.Add(-window)}},
		},
	}
	result, err := s.owners.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"pgp_error_sent_at": now}})
	if err != nil {
		return false, fmt.Errorf("claim pgp notice: %w", err)
	}
	return result.MatchedCount == 1, nil
}

// SetPGPErrorSentAt sets the PGP notice marker.
func (s *Store) SetPGPErrorSentAt(ctx context.Context, ownerID string, t time.Time) error {
	return s.updateOwner(ctx, bson.M{"_id": ownerID}, bson.M{"$set": bson.M{"pgp_error_sent_at": t}}, true)
}

// ReleasePGPErrorNotice unsets the marker if it still holds the claimed time.
func (s *Store) ReleasePGPErrorNotice(ctx context.Context, ownerID string, claimed time.Time) error {
	filter := bson.M{"_id": ownerID, "pgp_error_sent_at": claimed}
	return s.updateOwner(ctx, filter, bson.M{"$unset": bson.M{"pgp_error_sent_at": ""}}, false)
}

// updateOwner applies update to the owner matched by filter. With
// mustMatch, no match is ErrNotFound; otherwise it is a no-op.
func (s *Store) updateOwner(ctx context.Context, filter, update bson.M, mustMatch bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.owners.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	if mustMatch && result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
