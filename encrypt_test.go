package mailhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"github.com/rbaliyan/mailhost/mailer"
	"github.com/rbaliyan/mailhost/store"
)

type fakeMailer struct {
	mu      sync.Mutex
	notices []mailer.Notice
	err     error
}

func (m *fakeMailer) Send(_ context.Context, n mailer.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notices = append(m.notices, n)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notices)
}

// markEncrypted prepends a header so tests can tell encrypted copies apart.
func markEncrypted(_ string, raw []byte) ([]byte, error) {
	return append([]byte("X-Test-Encrypted: yes\r\n"), raw...), nil
}

func failEncrypt(string, []byte) ([]byte, error) {
	return nil, errors.New("unusable public key")
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func pgpSession() *Session {
	sess := testSession()
	sess.User.HasPGP = true
	sess.User.PublicKey = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	return sess
}

func hasHeader(msg *store.Message, key string) bool {
	for _, h := range msg.Headers {
		if h.Key == key {
			return true
		}
	}
	return false
}

func appendAndWait(t *testing.T, env *testEnv, sess *Session, req AppendRequest) *store.Message {
	t.Helper()
	ctx := context.Background()
	res, err := env.ing.Append(ctx, sess, req)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := env.ing.waitBackground(ctx); err != nil {
		t.Fatalf("waitBackground: %v", err)
	}
	msg, err := env.store.GetMessage(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	return msg
}

func TestEncryptionApplied(t *testing.T) {
	env := setupIngestor(t, nil, WithEncryptFunc(markEncrypted))

	msg := appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if !hasHeader(msg, "x-test-encrypted") {
		t.Error("message stored without encryption")
	}
	if msg.Size != int64(len(plainMessage(1))+len("X-Test-Encrypted: yes\r\n")) {
		t.Errorf("size = %d, want encrypted size", msg.Size)
	}
}

func armoredPublicKey(t *testing.T) string {
	t.Helper()
	entity, err := openpgp.NewEntity("Alice", "", "alice@example.com", nil)
	if err != nil {
		t.Fatalf("new entity: %v", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	w.Close()
	return buf.String()
}

// storedContent collects the inline and body-store bytes of a mime tree.
func storedContent(t *testing.T, env *testEnv, node *store.MimeNode) []byte {
	t.Helper()
	var out []byte
	out = append(out, node.Body...)
	if node.Attachment != "" {
		rc, err := env.ing.Bodies().Load(context.Background(), node.Attachment)
		if err != nil {
			t.Fatalf("Load %s: %v", node.Attachment, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out = append(out, b...)
	}
	for _, c := range node.Children {
		out = append(out, storedContent(t, env, c)...)
	}
	return out
}

func TestEncryptionWithRealKey(t *testing.T) {
	env := setupIngestor(t, nil)
	sess := testSession()
	sess.User.HasPGP = true
	sess.User.PublicKey = armoredPublicKey(t)

	msg := appendAndWait(t, env, sess, AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if msg.MimeTree == nil || msg.MimeTree.ContentType != "multipart/encrypted" {
		t.Fatalf("stored mime tree = %+v, want multipart/encrypted", msg.MimeTree)
	}
	if got := msg.MimeTree.Params["protocol"]; got != "application/pgp-encrypted" {
		t.Errorf("protocol = %q", got)
	}
	if msg.Subject != "note 1" {
		t.Errorf("subject = %q, want it kept in the clear", msg.Subject)
	}
	plaintext := []byte("hello number 1")
	if bytes.Contains(storedContent(t, env, msg.MimeTree), plaintext) || strings.Contains(msg.Text, string(plaintext)) {
		t.Error("plaintext body stored")
	}
}

func TestEncryptedRetryDeduplicated(t *testing.T) {
	ctx := context.Background()
	var runs atomic.Int32
	// Every run yields different bytes, like real PGP output.
	salted := func(_ string, raw []byte) ([]byte, error) {
		n := runs.Add(1)
		return append([]byte(fmt.Sprintf("X-Test-Encrypted: run-%d\r\n", n)), raw...), nil
	}
	env := setupIngestor(t, nil, WithEncryptFunc(salted))

	first, err := env.ing.Append(ctx, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := env.ing.Append(ctx, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if err != nil {
		t.Fatalf("retry Append: %v", err)
	}
	if second.ID != first.ID || second.UID != first.UID {
		t.Errorf("retry stored again: first=%+v second=%+v", first, second)
	}
	if env.store.MessageCount() != 1 {
		t.Errorf("message count = %d, want 1", env.store.MessageCount())
	}
}

func TestEncryptionSkipped(t *testing.T) {
	env := setupIngestor(t, nil, WithEncryptFunc(markEncrypted))

	tests := []struct {
		name  string
		sess  *Session
		flags []string
	}{
		{name: "draft", sess: pgpSession(), flags: []string{FlagDraft}},
		{name: "pgp disabled", sess: testSession()},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := appendAndWait(t, env, tt.sess, AppendRequest{Path: "INBOX", Flags: tt.flags, Raw: plainMessage(i)})
			if hasHeader(msg, "x-test-encrypted") {
				t.Error("message was encrypted")
			}
		})
	}
}

func TestEncryptionSuccessClearsMarker(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env := setupIngestor(t, nil, WithEncryptFunc(markEncrypted), WithClock(clock.Now))

	old := clock.Now().Add(-2 * time.Hour)
	env.store.PutOwner(&store.Owner{ID: testOwner, HasPGP: true, PGPErrorSentAt: &old})

	appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})

	owner, err := env.store.GetOwner(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if owner.PGPErrorSentAt != nil {
		t.Errorf("marker still set: %v", owner.PGPErrorSentAt)
	}
}

func TestEncryptionFailureNotice(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := &fakeMailer{}
	env := setupIngestor(t, nil,
		WithEncryptFunc(failEncrypt),
		WithMailer(m),
		WithNoticeFrom("postmaster@example.com"),
		WithClock(clock.Now),
		WithPGPNoticeWindow(24*time.Hour),
	)

	msg := appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if msg.Size != int64(len(plainMessage(1))) {
		t.Errorf("message not stored as received: size %d", msg.Size)
	}
	if m.count() != 1 {
		t.Fatalf("notices = %d, want 1", m.count())
	}
	n := m.notices[0]
	if n.Subject != NoticeSubject || n.To[0] != "alice@example.com" || n.Cc[0] != "postmaster@example.com" {
		t.Errorf("notice = %+v", n)
	}
	if !strings.Contains(n.Text, "unusable public key") {
		t.Errorf("notice text does not name the error: %q", n.Text)
	}

	owner, _ := env.store.GetOwner(ctx, testOwner)
	if owner.PGPErrorSentAt == nil {
		t.Fatal("notice marker not set")
	}

	clock.Advance(time.Hour)
	appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(2)})
	if m.count() != 1 {
		t.Errorf("notice repeated inside the window: %d", m.count())
	}

	clock.Advance(24 * time.Hour)
	appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(3)})
	if m.count() != 2 {
		t.Errorf("notices after window = %d, want 2", m.count())
	}
}

func TestEncryptionNoticeSendFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	m := &fakeMailer{err: errors.New("relay refused")}
	env := setupIngestor(t, nil, WithEncryptFunc(failEncrypt), WithMailer(m))

	appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})

	owner, _ := env.store.GetOwner(ctx, testOwner)
	if owner.PGPErrorSentAt != nil {
		t.Errorf("claim kept after failed send: %v", owner.PGPErrorSentAt)
	}

	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(2)})
	if m.count() != 1 {
		t.Errorf("notices after recovery = %d, want 1", m.count())
	}
}

func TestEncryptionPanicSendsNoNotice(t *testing.T) {
	m := &fakeMailer{}
	env := setupIngestor(t, nil, WithMailer(m), WithEncryptFunc(func(string, []byte) ([]byte, error) {
		panic("nil key ring")
	}))

	msg := appendAndWait(t, env, pgpSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
	if msg.Size != int64(len(plainMessage(1))) {
		t.Errorf("size = %d", msg.Size)
	}
	if m.count() != 0 {
		t.Errorf("notice sent for a crash: %d", m.count())
	}
}
