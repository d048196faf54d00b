package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailhost"
	"github.com/rbaliyan/mailhost/retry"
	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/store/memory"
	"github.com/rbaliyan/mailhost/wsp"
)

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <hello-1@example.com>\r\n" +
	"Date: Mon, 02 Jan 2026 15:04:05 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob,\r\nsee you tomorrow.\r\n"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFirer struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeFirer) Fire(_ context.Context, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, owner)
}

func (f *fakeFirer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

type env struct {
	worker *Worker
	store  *memory.Store
	firer  *fakeFirer
	inbox  *store.Mailbox
	ing    *mailhost.LocalIngestor
	client *wsp.Client
	front  *mailhost.DelegatingIngestor
}

func setup(t *testing.T, opts ...mailhost.Option) *env {
	t.Helper()
	ctx := context.Background()

	ms := memory.New()
	ms.PutOwner(&store.Owner{ID: "owner1", DomainID: "dom1"})

	firer := &fakeFirer{}
	w, err := New(t.TempDir(), ms, WithLogger(discard), WithFirer(firer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ing, err := mailhost.NewLocalIngestor(append([]mailhost.Option{
		mailhost.WithStore(ms),
		mailhost.WithBodyFiles(memory.NewFileStore()),
		mailhost.WithSizeRefresher(w),
		mailhost.WithLogger(discard),
	}, opts...)...)
	if err != nil {
		t.Fatalf("NewLocalIngestor: %v", err)
	}
	if err := ing.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ing.Close(context.Background()) })

	inbox := &store.Mailbox{Owner: "owner1", Path: "INBOX"}
	if err := ms.CreateMailbox(ctx, inbox); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	srv := wsp.NewServer(wsp.WithServerLogger(discard), wsp.WithObserver(w.Metrics().Observe))
	w.Register(srv, ing)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	client := wsp.NewClient("ws"+strings.TrimPrefix(hs.URL, "http"),
		wsp.WithClientLogger(discard),
		wsp.WithDialPolicy(retry.Policy{Attempts: 1}))
	t.Cleanup(func() { client.Close() })

	front, err := mailhost.NewDelegatingIngestor(client, mailhost.WithLogger(discard))
	if err != nil {
		t.Fatalf("NewDelegatingIngestor: %v", err)
	}

	return &env{worker: w, store: ms, firer: firer, inbox: inbox, ing: ing, client: client, front: front}
}

func session(id string) *mailhost.Session {
	return &mailhost.Session{
		ID:            id,
		RemoteAddress: "192.0.2.1",
		User:          &mailhost.User{AliasID: "owner1", DomainID: "dom1", Username: "bob"},
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSize(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	dir := e.worker.dataDir

	writeFile(t, filepath.Join(dir, "owner1.sqlite"), 100)
	writeFile(t, filepath.Join(dir, "owner1.sqlite-wal"), 50)
	writeFile(t, filepath.Join(dir, "owner1-tmp.sqlite"), 10)
	writeFile(t, filepath.Join(dir, "owner1-tmp.sqlite-shm"), 5)
	writeFile(t, filepath.Join(dir, "owner1-staged.sqlite"), 1000)
	writeFile(t, filepath.Join(dir, "owner2.sqlite"), 1000)

	used, err := e.worker.Size(ctx, "owner1")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if used != 165 {
		t.Errorf("Size = %d, want 165", used)
	}
	owner, err := e.store.GetOwner(ctx, "owner1")
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if owner.StorageUsed != 165 {
		t.Errorf("StorageUsed = %d, want 165", owner.StorageUsed)
	}
}

func TestQuotaFillsThroughWorker(t *testing.T) {
	const ceiling = 200 << 10
	e := setup(t, mailhost.WithMaxQuota(ceiling))
	ctx := context.Background()
	body := strings.Repeat("quota filler line\r\n", 3000) // about 57 KiB

	appended := 0
	var err error
	for i := range 6 {
		raw := fmt.Sprintf("From: alice@example.com\r\nTo: bob@example.com\r\n"+
			"Subject: Fill %d\r\nMessage-ID: <fill-%d@example.com>\r\n\r\n%s", i, i, body)
		_, err = e.front.Append(ctx, session("s1"), mailhost.AppendRequest{Path: "INBOX", Raw: []byte(raw)})
		if err != nil {
			break
		}
		appended++
		// The ingestor refreshes in the background; measure now so the
		// next append sees the new total.
		if err := e.worker.RefreshSize(ctx, "owner1"); err != nil {
			t.Fatalf("RefreshSize: %v", err)
		}
	}
	if !mailhost.IsOverQuota(err) {
		t.Fatalf("error after %d appends = %v, want OVERQUOTA", appended, err)
	}
	if appended != 3 {
		t.Errorf("appended %d messages before OVERQUOTA, want 3", appended)
	}

	stored, err := e.store.SumMessageSize(ctx, "owner1")
	if err != nil {
		t.Fatalf("SumMessageSize: %v", err)
	}
	owner, _ := e.store.GetOwner(ctx, "owner1")
	if owner.StorageUsed < stored {
		t.Errorf("StorageUsed = %d, below stored message bytes %d", owner.StorageUsed, stored)
	}
}

func TestInvalidOwner(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc", "a/b", "owner 1", strings.Repeat("x", 200)} {
		t.Run(id, func(t *testing.T) {
			if _, err := e.worker.Size(ctx, id); !errors.Is(err, ErrInvalidOwner) {
				t.Errorf("Size(%q) error = %v, want ErrInvalidOwner", id, err)
			}
			if err := e.worker.Setup(ctx, id); !errors.Is(err, ErrInvalidOwner) {
				t.Errorf("Setup(%q) error = %v, want ErrInvalidOwner", id, err)
			}
		})
	}

	_, err := e.client.Call(ctx, &wsp.Request{Action: wsp.ActionSize, AliasID: "../x"})
	var werr *wsp.Error
	if !errors.As(err, &werr) || werr.Code != wsp.CodeBadRequest {
		t.Errorf("size over wsp error = %v, want BADREQUEST", err)
	}
}

func TestSetupAndReset(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for range 2 {
		if err := e.worker.Setup(ctx, "owner1"); err != nil {
			t.Fatalf("Setup: %v", err)
		}
	}
	if _, err := os.Stat(e.worker.dbPath("owner1")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	used, err := e.worker.Size(ctx, "owner1")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if used == 0 {
		t.Error("expected a non-empty database")
	}

	if _, err := e.client.Call(ctx, &wsp.Request{Action: wsp.ActionReset, AliasID: "owner1"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := os.Stat(e.worker.dbPath("owner1")); !os.IsNotExist(err) {
		t.Errorf("database still present after reset: %v", err)
	}
	owner, _ := e.store.GetOwner(ctx, "owner1")
	if owner.StorageUsed != 0 {
		t.Errorf("StorageUsed after reset = %d, want 0", owner.StorageUsed)
	}
}

func TestStageAndReplay(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	resp, err := e.client.Call(ctx, &wsp.Request{
		Action:  wsp.ActionTmp,
		AliasID: "owner1",
		Flags:   []string{`\Seen`},
		Raw:     []byte(testMessage),
	})
	if err != nil {
		t.Fatalf("tmp: %v", err)
	}
	if len(resp.Data) == 0 {
		t.Fatal("tmp returned no data")
	}

	staged, err := e.worker.ListStaged(ctx, "owner1")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 1 || staged[0].Path != "INBOX" || string(staged[0].Raw) != testMessage {
		t.Fatalf("staged = %+v", staged)
	}
	if len(staged[0].Flags) != 1 || staged[0].Flags[0] != `\Seen` {
		t.Errorf("staged flags = %v", staged[0].Flags)
	}

	sess := session("s1")
	_, err = e.client.Call(ctx, &wsp.Request{
		Action:  wsp.ActionSetup,
		Session: &wsp.Session{ID: sess.ID, User: &wsp.User{AliasID: "owner1", DomainID: "dom1"}},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if got := e.store.MessageCount(); got != 1 {
		t.Errorf("messages after replay = %d, want 1", got)
	}
	staged, err = e.worker.ListStaged(ctx, "owner1")
	if err != nil {
		t.Fatalf("ListStaged after replay: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("staged after replay = %d, want 0", len(staged))
	}
}

func TestDelegatedAppend(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	sess := session("s1")
	sess.Selected = e.inbox.ID

	res, err := e.front.Append(ctx, sess, mailhost.AppendRequest{Path: "INBOX", Raw: []byte(testMessage)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.UID != 1 || res.Mailbox != e.inbox.ID || res.Status != mailhost.StatusNew {
		t.Errorf("result = %+v", res)
	}
	if len(res.SideEffects) != 1 || res.SideEffects[0].Command != store.CommandExists || res.SideEffects[0].UID != 1 {
		t.Errorf("SideEffects = %+v, want one EXISTS for uid 1", res.SideEffects)
	}

	t.Run("missing mailbox keeps its response code", func(t *testing.T) {
		_, err := e.front.Append(ctx, session("s2"), mailhost.AppendRequest{Path: "Nope", Raw: []byte(testMessage)})
		if !mailhost.IsTryCreate(err) {
			t.Errorf("error = %v, want TRYCREATE", err)
		}
	})

	t.Run("quota", func(t *testing.T) {
		qr, err := e.front.GetQuotaRoot(ctx, session("s3"), "INBOX")
		if err != nil {
			t.Fatalf("GetQuotaRoot: %v", err)
		}
		if qr.Root != "" || qr.Quota != mailhost.DefaultMaxQuota {
			t.Errorf("quota root = %+v", qr)
		}
		if _, err := e.front.GetQuota(ctx, session("s3"), "other"); !mailhost.IsNonexistent(err) {
			t.Errorf("GetQuota(other) error = %v, want NONEXISTENT", err)
		}
	})
}

func TestSync(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	ws := &wsp.Session{ID: "s1", User: &wsp.User{AliasID: "owner1"}}

	if _, err := e.client.Call(ctx, &wsp.Request{Action: wsp.ActionSync, Session: ws}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := e.worker.Sessions("owner1"); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("Sessions = %+v", got)
	}
	if got := e.firer.calls(); len(got) != 1 || got[0] != "owner1" {
		t.Errorf("fired = %v", got)
	}

	_, err := e.client.Call(ctx, &wsp.Request{Action: wsp.ActionSync, Session: ws, Data: []byte(`{"closed":true}`)})
	if err != nil {
		t.Fatalf("sync close: %v", err)
	}
	if got := e.worker.Sessions("owner1"); len(got) != 0 {
		t.Errorf("Sessions after close = %+v", got)
	}

	_, err = e.client.Call(ctx, &wsp.Request{Action: wsp.ActionSync})
	var werr *wsp.Error
	if !errors.As(err, &werr) || werr.Code != wsp.CodeBadRequest {
		t.Errorf("sync without session error = %v, want BADREQUEST", err)
	}
}

func TestRekeyUnsupported(t *testing.T) {
	e := setup(t)
	_, err := e.client.Call(context.Background(), &wsp.Request{Action: wsp.ActionRekey, AliasID: "owner1"})
	var werr *wsp.Error
	if !errors.As(err, &werr) || werr.Code != mailhost.CodeUnsupported {
		t.Errorf("rekey error = %v, want UNSUPPORTED", err)
	}
}
