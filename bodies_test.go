package mailhost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/store/memory"
)

// gatedFiles holds the first Delete until release is closed.
type gatedFiles struct {
	*memory.FileStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFiles() *gatedFiles {
	return &gatedFiles{
		FileStore: memory.NewFileStore(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedFiles) Delete(ctx context.Context, uri string) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.FileStore.Delete(ctx, uri)
}

// brokenFiles fails every Delete.
type brokenFiles struct {
	*memory.FileStore
}

func (brokenFiles) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

// rejectingMetadata fails CreateAttachment with a non-duplicate error.
type rejectingMetadata struct {
	*memory.Store
}

func (rejectingMetadata) CreateAttachment(context.Context, *store.AttachmentMetadata) error {
	return errors.New("write conflict")
}

func connectedMemory(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	if err := st.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return st
}

func TestBodyReleaseRacingReupload(t *testing.T) {
	ctx := context.Background()
	meta := connectedMemory(t)
	files := newGatedFiles()
	bodies := NewBodyStore(meta, files, discardLogger())
	node := NodeBody{ContentType: "application/octet-stream", Body: []byte("shared payload")}

	first, err := bodies.StoreNodeBodies(ctx, []NodeBody{node}, 11)
	if err != nil {
		t.Fatalf("StoreNodeBodies: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- bodies.DeleteMany(ctx, first.Hashes, 11) }()
	<-files.entered

	// The metadata row is gone but its object is not deleted yet.
	second, err := bodies.StoreNodeBodies(ctx, []NodeBody{node}, 22)
	if err != nil {
		t.Fatalf("StoreNodeBodies again: %v", err)
	}
	if second.Uploaded != 1 {
		t.Errorf("uploaded = %d, want a fresh upload", second.Uploaded)
	}

	close(files.release)
	if err := <-done; err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}

	meta2, err := meta.GetAttachmentByHash(ctx, second.Hashes[0])
	if err != nil {
		t.Fatalf("GetAttachmentByHash: %v", err)
	}
	if meta2.RefCount != 1 {
		t.Errorf("refcount = %d, want 1", meta2.RefCount)
	}
	rc, err := bodies.Load(ctx, second.Hashes[0])
	if err != nil {
		t.Fatalf("referenced body lost: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, node.Body) {
		t.Errorf("body = %q", got)
	}
	if files.Len() != 1 {
		t.Errorf("file store holds %d objects, want 1", files.Len())
	}
}

func TestBodyUploadsUseDistinctObjects(t *testing.T) {
	a, b := ObjectName("abcd"), ObjectName("abcd")
	if a == b {
		t.Errorf("object names repeat: %q", a)
	}
	if !strings.HasPrefix(a, "abcd-") {
		t.Errorf("object name %q does not start with the hash", a)
	}
}

func TestBodyOrphanCleanupFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	meta := rejectingMetadata{Store: connectedMemory(t)}
	bodies := NewBodyStore(meta, brokenFiles{memory.NewFileStore()}, logger)

	_, err := bodies.StoreNodeBodies(context.Background(), []NodeBody{{Body: []byte("x")}}, 1)
	if err == nil {
		t.Fatal("expected metadata error")
	}
	out := buf.String()
	if !strings.Contains(out, "attachment storage needs cleanup") || !strings.Contains(out, "alert=true") {
		t.Errorf("orphan cleanup failure not logged: %s", out)
	}
}
