package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rbaliyan/mailhost/store"
)

// Ensure FileStore implements AttachmentFileStore.
var _ store.AttachmentFileStore = (*FileStore)(nil)

// FileStore is an in-memory store.AttachmentFileStore keyed by filename.
type FileStore struct {
	mu      sync.RWMutex
	files   map[string][]byte
	uploads int
	failErr error
}

// NewFileStore creates an empty in-memory file store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string][]byte)}
}

// FailUploads makes every subsequent Upload return err. Pass nil to reset.
func (f *FileStore) FailUploads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// Upload stores content under mem://<filename>.
func (f *FileStore) Upload(_ context.Context, filename, _ string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads++
	if f.failErr != nil {
		return "", f.failErr
	}
	uri := "mem://" + filename
	f.files[uri] = data
	return uri, nil
}

// Load returns the content stored under uri.
func (f *FileStore) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, ok := f.files[uri]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the content stored under uri.
func (f *FileStore) Delete(_ context.Context, uri string) error {
	if !strings.HasPrefix(uri, "mem://") {
		return fmt.Errorf("invalid memory uri: %s", uri)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, uri)
	return nil
}

// Len returns the number of stored files.
func (f *FileStore) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.files)
}

// Uploads returns the number of Upload calls, including failed ones.
func (f *FileStore) Uploads() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.uploads
}
