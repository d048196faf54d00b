package pgp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

const plainMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Secret plans\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Meet at noon.\r\n"

func newKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	e, err := openpgp.NewEntity("Bob", "", "bob@example.com", nil)
	if err != nil {
		t.Fatalf("new entity: %v", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	w.Close()
	return e, buf.String()
}

func parse(t *testing.T, raw []byte) (textproto.Header, []byte) {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	body, _ := io.ReadAll(br)
	return h, body
}

func TestEncrypt(t *testing.T) {
	entity, pub := newKey(t)

	out, err := Encrypt(pub, []byte(plainMessage))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	h, body := parse(t, out)
	if got := h.Get("Subject"); got != "Secret plans" {
		t.Errorf("subject = %q, want it preserved", got)
	}
	if !IsEncrypted(h, body) {
		t.Fatalf("output is not recognized as encrypted: %s", h.Get("Content-Type"))
	}
	if bytes.Contains(out, []byte("Meet at noon")) {
		t.Fatal("plaintext leaked into the output")
	}
	if !bytes.Contains(body, []byte("Version: 1")) {
		t.Error("missing PGP/MIME version part")
	}

	start := bytes.Index(body, []byte(armorBegin))
	end := bytes.Index(body, []byte("-----END PGP MESSAGE-----"))
	if start < 0 || end < 0 {
		t.Fatal("armored block not found")
	}
	block, err := armor.Decode(bytes.NewReader(body[start : end+len("-----END PGP MESSAGE-----")]))
	if err != nil {
		t.Fatalf("armor decode: %v", err)
	}
	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{entity}, nil, nil)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		t.Fatalf("read plaintext: %v", err)
	}
	if !strings.Contains(string(plain), "Content-Type: text/plain; charset=utf-8") {
		t.Errorf("inner entity lost its content type: %q", plain)
	}
	if !strings.Contains(string(plain), "Meet at noon.") {
		t.Errorf("inner entity lost its body: %q", plain)
	}
}

func TestEncryptIdempotent(t *testing.T) {
	_, pub := newKey(t)

	once, err := Encrypt(pub, []byte(plainMessage))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	twice, err := Encrypt(pub, once)
	if err != nil {
		t.Fatalf("encrypt again: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Error("encrypting an encrypted message changed it")
	}

	inline := []byte("Subject: x\r\n\r\n" + armorBegin + "\r\nabc\r\n-----END PGP MESSAGE-----\r\n")
	got, err := Encrypt(pub, inline)
	if err != nil {
		t.Fatalf("encrypt inline: %v", err)
	}
	if !bytes.Equal(got, inline) {
		t.Error("inline armored message was re-encrypted")
	}
}

func TestEncryptErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		raw  string
		want error
	}{
		{"bad key", "not a key", plainMessage, ErrNoKey},
		{"empty key", "", plainMessage, ErrNoKey},
		{"bad header", "irrelevant", "no colon here\r\nstill none", ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encrypt(tt.key, []byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
