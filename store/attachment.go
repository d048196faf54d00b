package store

import (
	"context"
	"io"
	"path"
	"time"
)

// AttachmentMetadata tracks one content-addressed body and the number of
// messages referencing it.
type AttachmentMetadata struct {
	ID          string
	Hash        string
	URI         string
	ContentType string
	Size        int64
	RefCount    int64
	// Magic is the sum of the magic numbers of all referencing messages.
	Magic   int64
	Created time.Time
}

// AttachmentMetadataStore manages body metadata with reference counting.
type AttachmentMetadataStore interface {
	// CreateAttachment stores new metadata. RefCount and Magic are stored
	// as given. Returns ErrDuplicateEntry if the hash already exists.
	CreateAttachment(ctx context.Context, meta *AttachmentMetadata) error

	// GetAttachmentByHash finds metadata by content hash.
	// Returns ErrNotFound if no body with the hash exists.
	GetAttachmentByHash(ctx context.Context, hash string) (*AttachmentMetadata, error)

	// IncrementAttachmentRef atomically adds one reference and magic.
	// Returns ErrNotFound if the hash does not exist.
	IncrementAttachmentRef(ctx context.Context, hash string, magic int64) error

	// DecrementAttachmentRefAndDeleteIfZero atomically removes one
	// reference and magic, and deletes the metadata if no references
	// remain. Returns (true, uri) if deleted.
	//
	// For MongoDB: findOneAndUpdate with $inc returning the new document,
	//              then a conditional delete on refCount <= 0.
	// For PostgreSQL: UPDATE ... RETURNING, then DELETE ... WHERE ref_count <= 0
	//                 in the same transaction.
	DecrementAttachmentRefAndDeleteIfZero(ctx context.Context, hash string, magic int64) (deleted bool, uri string, err error)
}

// AttachmentFileStore handles the physical body storage.
// Implementations support S3, GCS, a local cache wrapper and memory.
type AttachmentFileStore interface {
	// Upload stores content and returns a URI for later retrieval.
	// The name is unique per upload and starts with the content hash;
	// backends derive the object key from it with BodyKey.
	Upload(ctx context.Context, name, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the content.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the content from storage.
	Delete(ctx context.Context, uri string) error
}

// BodyKey returns the object key for a body object name:
// prefix/name[:2]/name. Names start with the body hash, so the shard is
// the hash's first byte.
func BodyKey(prefix, name string) string {
	shard := name
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(prefix, shard, name)
}
