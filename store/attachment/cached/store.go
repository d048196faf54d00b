// Package cached provides a local disk cache in front of a body store.
//
// Bodies are content addressed and never change once written, so a cached
// copy is valid for as long as the body exists. Entries are named by the
// object name taken from the URI, and expire after the configured TTL to
// bound disk usage.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rbaliyan/mailhost/store"
)

var hexName = regexp.MustCompile(`^[0-9a-f]{16,128}(-[0-9a-f-]{36})?$`)

// Store wraps an AttachmentFileStore with local file caching.
type Store struct {
	backend  store.AttachmentFileStore
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	cacheSize int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Ensure Store implements AttachmentFileStore.
var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a new cached body store wrapping the given backend.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	cacheDir := filepath.Join(o.cacheDir, "mailhost-bodies")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: cacheDir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		done:     make(chan struct{}),
	}

	s.calculateCacheSize()

	if o.ttl > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s, nil
}

// Close stops the background cleanup. The backend is not closed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// Upload writes through to the backend and warms the cache with the same
// bytes once the backend accepted them.
func (s *Store) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	tmpFile, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		s.logger.Warn("failed to create temp file for caching", "error", err)
		return s.backend.Upload(ctx, name, contentType, content)
	}

	cw := &countingWriter{w: tmpFile}
	uri, err := s.backend.Upload(ctx, name, contentType, io.TeeReader(content, cw))
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	if closeErr != nil || cw.err != nil {
		os.Remove(tmpFile.Name())
		return uri, nil
	}

	s.commit(tmpFile.Name(), s.cachePath(uri), cw.n)
	return uri, nil
}

// Load returns a reader for the body, using the cache when available.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	cachePath := s.cachePath(uri)

	if info, err := os.Stat(cachePath); err == nil {
		if s.ttl <= 0 || time.Since(info.ModTime()) < s.ttl {
			if f, err := os.Open(cachePath); err == nil {
				s.logger.Debug("cache hit", "uri", uri)
				now := time.Now()
				_ = os.Chtimes(cachePath, now, now)
				return f, nil
			}
		} else if os.Remove(cachePath) == nil {
			s.updateCacheSize(-info.Size())
		}
	}

	s.logger.Debug("cache miss", "uri", uri)
	reader, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s.cacheAndRead(reader, cachePath), nil
}

// Delete removes the body from the cache and the backend.
func (s *Store) Delete(ctx context.Context, uri string) error {
	cachePath := s.cachePath(uri)
	if info, err := os.Stat(cachePath); err == nil {
		if os.Remove(cachePath) == nil {
			s.updateCacheSize(-info.Size())
		}
	}
	return s.backend.Delete(ctx, uri)
}

// ClearCache removes all cached files.
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(s.cacheDir, entry.Name()))
		}
	}

	s.cacheSize = 0
	s.logger.Info("cache cleared")
	return nil
}

// Size returns the number of cached bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize
}

// cachePath names the cache file after the object name at the end of the
// URI, or after a digest of the URI when it is not a body object name.
func (s *Store) cachePath(uri string) string {
	name := path.Base(uri)
	if !hexName.MatchString(name) {
		h := sha256.Sum256([]byte(uri))
		name = hex.EncodeToString(h[:])
	}
	return filepath.Join(s.cacheDir, name)
}

// commit moves a fully written temp file into the cache if there is room.
func (s *Store) commit(tmpPath, cachePath string, size int64) {
	if !s.hasSpace(size) {
		os.Remove(tmpPath)
		s.logger.Debug("cache full, not caching", "size", size)
		return
	}
	if _, err := os.Stat(cachePath); err == nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("failed to move temp file to cache", "error", err)
		return
	}
	s.updateCacheSize(size)
	s.logger.Debug("cached body", "path", cachePath, "size", size)
}

// cacheAndRead returns a reader that fills the cache as it is consumed.
func (s *Store) cacheAndRead(source io.ReadCloser, cachePath string) io.ReadCloser {
	tmpFile, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		s.logger.Warn("failed to create temp file for caching", "error", err)
		return source
	}
	return &cachingReader{
		source:    source,
		tmpFile:   tmpFile,
		cachePath: cachePath,
		store:     s,
	}
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

// Write never fails so that a cache write error cannot abort an upload.
func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err == nil {
		n, err := c.w.Write(p)
		c.n += int64(n)
		c.err = err
	}
	return len(p), nil
}

// cachingReader reads from source while writing to a temp file. The temp
// file is only promoted if the source was read to EOF.
type cachingReader struct {
	source    io.ReadCloser
	tmpFile   *os.File
	cachePath string
	store     *Store
	size      int64
	eof       bool
	failed    bool
	closed    bool
}

func (r *cachingReader) Read(p []byte) (n int, err error) {
	n, err = r.source.Read(p)
	if n > 0 && !r.failed {
		if _, writeErr := r.tmpFile.Write(p[:n]); writeErr != nil {
			r.store.logger.Warn("failed to write to cache", "error", writeErr)
			r.failed = true
		}
		r.size += int64(n)
	}
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

func (r *cachingReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	sourceErr := r.source.Close()
	if err := r.tmpFile.Close(); err != nil || !r.eof || r.failed {
		os.Remove(r.tmpFile.Name())
		return sourceErr
	}
	r.store.commit(r.tmpFile.Name(), r.cachePath, r.size)
	return sourceErr
}

func (s *Store) hasSpace(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize+size <= s.maxSize
}

func (s *Store) updateCacheSize(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSize = max(s.cacheSize+delta, 0)
}

func (s *Store) calculateCacheSize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if err := filepath.Walk(s.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	}); err != nil {
		s.logger.Warn("failed to calculate cache size", "error", err)
	}
	s.cacheSize = size
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired cache entries.
func (s *Store) cleanupExpired() {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir for cleanup", "error", err)
		return
	}

	now := time.Now()
	var removed int
	var freedBytes int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.ttl {
			if err := os.Remove(filepath.Join(s.cacheDir, entry.Name())); err == nil {
				removed++
				freedBytes += info.Size()
			}
		}
	}

	if removed > 0 {
		s.updateCacheSize(-freedBytes)
		s.logger.Info("cache cleanup completed", "removed", removed, "freed_bytes", freedBytes)
	}
}
