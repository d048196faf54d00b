package mailhost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailhost/store"
)

// ErrBodyStoreUnavailable is returned when bodies have to be released but
// no metadata or file store is configured.
var ErrBodyStoreUnavailable = errors.New("mailhost: body store unavailable")

// NodeBody is one mime leaf to be stored in the body store.
type NodeBody struct {
	// Hash is the hex SHA-256 of Body. Computed when empty.
	Hash        string
	ContentType string
	Body        []byte
}

// StoredBodies lists the body references taken for one message.
type StoredBodies struct {
	// Hashes holds one entry per stored node, in node order.
	Hashes []string
	// Uploaded counts bodies that did not exist before this call.
	Uploaded int
}

// BodyStore keeps message bodies content-addressed with reference counts.
// A body is uploaded once; every further message using the same content
// only takes another reference.
//
// Metadata is addressed by hash, but every upload gets its own object
// name. A release that deletes the object of a dropped metadata row can
// therefore never hit an object uploaded again for the same content.
type BodyStore struct {
	metadata store.AttachmentMetadataStore
	files    store.AttachmentFileStore
	logger   *slog.Logger
}

// NewBodyStore creates a body store. A nil logger uses slog.Default().
func NewBodyStore(metadata store.AttachmentMetadataStore, files store.AttachmentFileStore, logger *slog.Logger) *BodyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BodyStore{
		metadata: metadata,
		files:    files,
		logger:   logger,
	}
}

// ObjectName returns a fresh file store name for a body with the given
// hash: the hash followed by a random suffix.
func ObjectName(hash string) string {
	return hash + "-" + uuid.NewString()
}

// HashBody returns the content address of body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StoreNodeBodies stores each node and takes one reference per node,
// adding magic to the body's magic counter. If a node fails, references
// taken by this call are released again before the error is returned.
func (b *BodyStore) StoreNodeBodies(ctx context.Context, nodes []NodeBody, magic int64) (*StoredBodies, error) {
	if b.metadata == nil || b.files == nil {
		return nil, ErrBodyStoreUnavailable
	}
	stored := &StoredBodies{Hashes: make([]string, 0, len(nodes))}
	for _, n := range nodes {
		if n.Hash == "" {
			n.Hash = HashBody(n.Body)
		}
		uploaded, err := b.storeOne(ctx, n, magic)
		if err != nil {
			if releaseErr := b.DeleteMany(ctx, stored.Hashes, magic); releaseErr != nil {
				err = errors.Join(err, fmt.Errorf("release partial bodies: %w", releaseErr))
			}
			return nil, fmt.Errorf("store body %s: %w", n.Hash, err)
		}
		stored.Hashes = append(stored.Hashes, n.Hash)
		if uploaded {
			stored.Uploaded++
		}
	}
	return stored, nil
}

func (b *BodyStore) storeOne(ctx context.Context, n NodeBody, magic int64) (bool, error) {
	// Existing content only needs another reference.
	if _, err := b.metadata.GetAttachmentByHash(ctx, n.Hash); err == nil {
		err = b.metadata.IncrementAttachmentRef(ctx, n.Hash, magic)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("add reference: %w", err)
		}
		// Released between lookup and increment; upload again below.
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("lookup: %w", err)
	}

	uri, err := b.files.Upload(ctx, ObjectName(n.Hash), n.ContentType, bytes.NewReader(n.Body))
	if err != nil {
		return false, fmt.Errorf("upload file: %w", err)
	}

	meta := &store.AttachmentMetadata{
		Hash:        n.Hash,
		URI:         uri,
		ContentType: n.ContentType,
		Size:        int64(len(n.Body)),
		RefCount:    1,
		Magic:       magic,
	}
	err = b.metadata.CreateAttachment(ctx, meta)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrDuplicateEntry) {
		b.removeOrphan(ctx, n.Hash, uri)
		return false, fmt.Errorf("create metadata: %w", err)
	}

	// A concurrent writer created the same body first; our upload is
	// not referenced by any row.
	b.removeOrphan(ctx, n.Hash, uri)
	if err := b.metadata.IncrementAttachmentRef(ctx, n.Hash, magic); err != nil {
		return false, fmt.Errorf("add reference: %w", err)
	}
	return false, nil
}

func (b *BodyStore) removeOrphan(ctx context.Context, hash, uri string) {
	if err := b.files.Delete(ctx, uri); err != nil {
		b.logger.Error("attachment storage needs cleanup", "alert", true, "hash", hash, "uri", uri, "error", err)
	}
}

// DeleteMany releases one reference per hash. Bodies whose last
// reference is released are removed from the file store; bodies still
// referenced by other messages survive. All hashes are attempted.
func (b *BodyStore) DeleteMany(ctx context.Context, hashes []string, magic int64) error {
	if len(hashes) == 0 {
		return nil
	}
	if b == nil || b.metadata == nil || b.files == nil {
		return ErrBodyStoreUnavailable
	}
	var errs []error
	for _, h := range hashes {
		deleted, uri, err := b.metadata.DecrementAttachmentRefAndDeleteIfZero(ctx, h, magic)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", h, err))
			continue
		}
		if deleted && uri != "" {
			if err := b.files.Delete(ctx, uri); err != nil {
				errs = append(errs, fmt.Errorf("delete file %s: %w", h, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Load returns a reader for the body with the given hash.
// Caller is responsible for closing the reader.
func (b *BodyStore) Load(ctx context.Context, hash string) (io.ReadCloser, error) {
	meta, err := b.metadata.GetAttachmentByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return b.files.Load(ctx, meta.URI)
}
