package store

import (
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// Protocol commands recorded in the journal.
const (
	CommandExists  = "EXISTS"
	CommandExpunge = "EXPUNGE"
	CommandFetch   = "FETCH"
)

// Special-use attributes (RFC 6154) that change how messages are stored.
const (
	SpecialUseInbox  = "\\Inbox"
	SpecialUseDrafts = "\\Drafts"
	SpecialUseJunk   = "\\Junk"
	SpecialUseSent   = "\\Sent"
	SpecialUseTrash  = "\\Trash"
)

// Mailbox is a named folder of one owner.
type Mailbox struct {
	ID    string
	Owner string
	Path  string

	// UIDValidity changes only if the mailbox identity is recreated.
	UIDValidity uint32
	// UIDNext is the next UID to assign. Never reused within a UIDValidity epoch.
	UIDNext uint32
	// ModifyIndex is the highest modseq handed out so far.
	ModifyIndex uint64

	SpecialUse string
	// Retention is how long messages are kept. Zero keeps them forever.
	Retention time.Duration

	Created time.Time
}

// Header is a single message header field. Keys are lower-cased.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MimeNode is one node of a parsed message. Leaf bodies are either kept
// inline (small text) or stored in the body store under Attachment.
type MimeNode struct {
	ContentType string            `json:"content_type"`
	Params      map[string]string `json:"params,omitempty"`
	Disposition string            `json:"disposition,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	Encoding    string            `json:"encoding,omitempty"`

	// Header is the raw header block of this node, including the final CRLF.
	Header []byte `json:"header"`
	// Size is the raw (transfer-encoded) body size in bytes.
	Size  int64 `json:"size"`
	Lines int64 `json:"lines"`

	Body       []byte      `json:"body,omitempty"`
	Attachment string      `json:"attachment,omitempty"`
	Children   []*MimeNode `json:"children,omitempty"`
}

// IsMultipart reports whether the node is a multipart container.
func (n *MimeNode) IsMultipart() bool {
	return len(n.Children) > 0 || strings.HasPrefix(n.ContentType, "multipart/")
}

// Walk calls fn for n and each descendant in depth-first order.
func (n *MimeNode) Walk(fn func(*MimeNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Message is one stored email.
type Message struct {
	// ID is derived from owner, mailbox path, UIDValidity and UID.
	ID      string
	Root    string
	Owner   string
	Mailbox string
	UID     uint32
	ModSeq  uint64

	Fingerprint string
	// Magic is added to every referenced body's magic counter and removed
	// again when the reference is released.
	Magic int64

	Size  int64
	Flags []string

	Headers       []Header
	Envelope      *imap.Envelope
	BodyStructure *imap.BodyStructure
	MimeTree      *MimeNode

	MsgID   string
	Subject string
	Thread  string
	// Text is a plain text excerpt for lightweight search.
	Text string
	// Attachments lists the hashes of bodies in the body store.
	Attachments []string

	Searchable bool
	Junk       bool
	Draft      bool
	Unseen     bool
	Flagged    bool
	Undeleted  bool

	IDate time.Time
	HDate time.Time
	Exp   bool
	RDate time.Time

	Copied        bool
	RemoteAddress string
	Transaction   string
	Created       time.Time
}

// Thread groups messages of one conversation.
type Thread struct {
	ID      string
	Owner   string
	Subject string
	// IDs are reference keys (normalized message-ids) seen in this thread.
	IDs []string
}

// JournalEntry is an append-only change record.
type JournalEntry struct {
	ID      string
	Owner   string
	Mailbox string
	Message string
	Thread  string
	Path    string
	UID     uint32
	ModSeq  uint64
	Command string
	// Ignore is the session that caused the change. That session is not
	// notified of its own change.
	Ignore  string
	Unseen  bool
	IDate   time.Time
	Junk    bool
	Flags   []string
	Created time.Time
}

// Owner is the mailbox-holding identity (alias). Owners are managed by
// the account application; this module only reads them and updates
// storage accounting and the PGP notice marker.
type Owner struct {
	ID       string
	DomainID string
	Username string
	Locale   string

	HasPGP    bool
	PublicKey string
	// PGPErrorSentAt is set while an encryption error notice is throttled.
	PGPErrorSentAt *time.Time

	StorageUsed int64
}
