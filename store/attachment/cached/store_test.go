package cached

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/store/memory"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func newTestStore(t *testing.T, opts ...Option) (*Store, *memory.FileStore) {
	t.Helper()
	backend := memory.NewFileStore()
	s, err := New(backend, append([]Option{WithCacheDir(t.TempDir())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, backend
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestUploadWarmsCache(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	uri, err := s.Upload(ctx, testHash, "text/plain", strings.NewReader("hello body"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := s.Size(); got != int64(len("hello body")) {
		t.Errorf("Size() = %d, want %d", got, len("hello body"))
	}

	// Remove from the backend only; the cache still serves the body.
	if err := backend.Delete(ctx, uri); err != nil {
		t.Fatalf("backend Delete: %v", err)
	}
	rc, err := s.Load(ctx, uri)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := readAll(t, rc); got != "hello body" {
		t.Errorf("Load = %q", got)
	}
}

func TestUploadFailureNotCached(t *testing.T) {
	s, backend := newTestStore(t)
	backend.FailUploads(errors.New("backend down"))

	if _, err := s.Upload(context.Background(), testHash, "text/plain", strings.NewReader("x")); err == nil {
		t.Fatal("expected upload error")
	}
	if got := s.Size(); got != 0 {
		t.Errorf("Size() = %d after failed upload, want 0", got)
	}
}

func TestLoadFillsCache(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	uri, err := backend.Upload(ctx, testHash, "text/plain", strings.NewReader("from backend"))
	if err != nil {
		t.Fatalf("backend Upload: %v", err)
	}

	t.Run("partial read is not cached", func(t *testing.T) {
		rc, err := s.Load(ctx, uri)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		buf := make([]byte, 4)
		if _, err := rc.Read(buf); err != nil {
			t.Fatalf("Read: %v", err)
		}
		rc.Close()
		if got := s.Size(); got != 0 {
			t.Errorf("Size() = %d, want 0", got)
		}
	})

	t.Run("full read is cached", func(t *testing.T) {
		rc, err := s.Load(ctx, uri)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := readAll(t, rc); got != "from backend" {
			t.Errorf("Load = %q", got)
		}
		if got := s.Size(); got != int64(len("from backend")) {
			t.Errorf("Size() = %d", got)
		}
	})
}

func TestDeleteRemovesBoth(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	uri, err := s.Upload(ctx, testHash, "text/plain", strings.NewReader("gone soon"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if backend.Len() != 0 {
		t.Errorf("backend has %d files after Delete", backend.Len())
	}
	if _, err := s.Load(ctx, uri); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrNotFound", err)
	}
	if got := s.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
}

func TestMaxSize(t *testing.T) {
	s, _ := newTestStore(t, WithMaxSize(4))

	if _, err := s.Upload(context.Background(), testHash, "text/plain", strings.NewReader("too large")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := s.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0 when body exceeds max size", got)
	}
}

func TestCachePath(t *testing.T) {
	s, _ := newTestStore(t)

	if got := s.cachePath("s3://bucket/bodies/9f/" + testHash); !strings.HasSuffix(got, testHash) {
		t.Errorf("cachePath = %q, want hash name", got)
	}
	named := testHash + "-0b9e2f4c-5d1a-4e7b-9c3f-2a6d8e1f4b70"
	if got := s.cachePath("s3://bucket/bodies/9f/" + named); !strings.HasSuffix(got, named) {
		t.Errorf("cachePath = %q, want object name", got)
	}
	a := s.cachePath("s3://bucket/other/name.bin")
	b := s.cachePath("s3://bucket/other2/name.bin")
	if a == b {
		t.Error("non-hash URIs must not collide")
	}
}
