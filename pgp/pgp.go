// Package pgp encrypts messages to a recipient's public key as PGP/MIME
// (RFC 3156).
package pgp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	_ "golang.org/x/crypto/ripemd160"
)

// Errors returned by Encrypt.
var (
	ErrNoKey         = errors.New("pgp: no usable public key")
	ErrInvalidHeader = errors.New("pgp: invalid message header")
)

const armorBegin = "-----BEGIN PGP MESSAGE-----"

// Encrypt returns raw encrypted to armoredKey as a multipart/encrypted
// message. Top-level header fields other than Content-* are kept on the
// outer message; the Content-* fields move into the encrypted entity.
// Messages that are already encrypted are returned unchanged.
func Encrypt(armoredKey string, raw []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if IsEncrypted(h, body) {
		return raw, nil
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	if len(keyring) == 0 {
		return nil, ErrNoKey
	}

	// Inner entity: the content fields plus the original body.
	var inner textproto.Header
	outer := h.Copy()
	for f := h.Fields(); f.Next(); {
		if isContentField(f.Key()) {
			inner.Add(f.Key(), f.Value())
		}
	}
	for f := outer.Fields(); f.Next(); {
		if isContentField(f.Key()) {
			f.Del()
		}
	}
	if !inner.Has("Content-Type") {
		inner.Set("Content-Type", "text/plain; charset=us-ascii")
	}

	var plain bytes.Buffer
	if err := textproto.WriteHeader(&plain, inner); err != nil {
		return nil, fmt.Errorf("write inner header: %w", err)
	}
	plain.Write(body)

	ciphertext, err := seal(keyring, plain.Bytes())
	if err != nil {
		return nil, err
	}

	return compose(outer, ciphertext)
}

func seal(keyring openpgp.EntityList, plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("armor: %w", err)
	}
	w, err := openpgp.Encrypt(aw, keyring, nil, &openpgp.FileHints{IsBinary: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("armor: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func compose(outer textproto.Header, ciphertext []byte) ([]byte, error) {
	mh := message.Header{Header: outer}
	mh.Set("MIME-Version", "1.0")
	mh.SetContentType("multipart/encrypted", map[string]string{
		"protocol": "application/pgp-encrypted",
	})

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, mh)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	var control message.Header
	control.SetContentType("application/pgp-encrypted", nil)
	control.Set("Content-Description", "PGP/MIME version identification")
	pw, err := mw.CreatePart(control)
	if err != nil {
		return nil, fmt.Errorf("create control part: %w", err)
	}
	if _, err := io.WriteString(pw, "Version: 1\r\n"); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}

	var data message.Header
	data.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	data.SetContentDisposition("inline", map[string]string{"filename": "encrypted.asc"})
	data.Set("Content-Description", "OpenPGP encrypted message")
	pw, err = mw.CreatePart(data)
	if err != nil {
		return nil, fmt.Errorf("create data part: %w", err)
	}
	if _, err := pw.Write(ciphertext); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// IsEncrypted reports whether a message is PGP/MIME encrypted or carries
// an inline armored PGP message as its body.
func IsEncrypted(h textproto.Header, body []byte) bool {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err == nil && mediaType == "multipart/encrypted" &&
		strings.EqualFold(params["protocol"], "application/pgp-encrypted") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte(armorBegin))
}

func isContentField(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "content-")
}
