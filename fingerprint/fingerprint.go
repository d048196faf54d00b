// Package fingerprint derives the deduplication key of an ingested message.
//
// Two deliveries of the same message produce the same fingerprint, so a
// retried delivery can be answered with the already stored message instead
// of a second copy. The key covers the identifying header fields and the
// raw body. Strict fingerprints also bind the delivery to the connecting
// peer, which is only meaningful for trusted relays.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Fields are the header fields covered by a fingerprint, in hashing order.
var Fields = []string{
	"message-id",
	"date",
	"from",
	"to",
	"cc",
	"subject",
	"in-reply-to",
	"references",
}

// Source identifies the peer that delivered a message.
type Source struct {
	RemoteAddress  string
	ClientHostname string
}

// Compute returns the hex SHA-256 fingerprint of a message.
//
// Missing header fields hash as empty values, so a message without a
// Message-ID still has a stable fingerprint. When strict is true the
// source address and hostname are mixed in as well.
func Compute(h textproto.Header, body []byte, src Source, strict bool) string {
	sum := sha256.New()
	for _, key := range Fields {
		values := h.Values(key)
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		writeField(sum, key, strings.Join(values, "\n"))
	}
	if strict {
		writeField(sum, "remote-address", src.RemoteAddress)
		writeField(sum, "client-hostname", src.ClientHostname)
	}
	sum.Write([]byte("\x00body\x00"))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func writeField(w io.Writer, key, value string) {
	w.Write([]byte(key))
	w.Write([]byte{0})
	w.Write([]byte(value))
	w.Write([]byte{0})
}

// Valid reports whether s looks like a fingerprint produced by Compute.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
