package mailhost

import (
	"context"
	"time"

	"github.com/rbaliyan/mailhost/mailer"
	"github.com/rbaliyan/mailhost/store"
)

// Ingestor stores incoming messages and answers quota queries.
//
// There are two variants, picked at construction time: LocalIngestor does
// the work against the document store, DelegatingIngestor forwards each
// call to the owner's storage worker.
type Ingestor interface {
	// Append stores raw into the mailbox at req.Path for the session's owner.
	Append(ctx context.Context, sess *Session, req AppendRequest) (*AppendResult, error)
	// GetQuota answers GETQUOTA for root. Only the root "" exists.
	GetQuota(ctx context.Context, sess *Session, root string) (*QuotaRoot, error)
	// GetQuotaRoot answers GETQUOTAROOT for a mailbox path.
	GetQuotaRoot(ctx context.Context, sess *Session, path string) (*QuotaRoot, error)
}

// User is the authenticated owner identity of a session.
type User struct {
	AliasID  string `json:"alias_id"`
	DomainID string `json:"domain_id"`
	Username string `json:"username"`
	// Email is where owner notices are sent.
	Email  string `json:"email,omitempty"`
	Locale string `json:"locale,omitempty"`

	HasPGP    bool   `json:"has_pgp,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// Session is one authenticated protocol connection.
type Session struct {
	ID             string
	RemoteAddress  string
	ClientHostname string
	User           *User

	// Selected is the ID of the currently selected mailbox, if any.
	Selected string

	// Writer receives untagged responses caused by this session's own
	// commands. When nil they are returned as AppendResult.SideEffects.
	Writer ResponseWriter
}

// Response is an untagged protocol response such as EXISTS. UID names the
// message; the protocol layer maps it to the session's sequence number.
type Response struct {
	Command string `json:"command"`
	UID     uint32 `json:"uid"`
}

// ResponseWriter sends untagged responses to the client of a session.
type ResponseWriter interface {
	WriteResponse(Response) error
}

// AppendRequest is one APPEND command.
type AppendRequest struct {
	Path  string
	Flags []string
	// Date is the internal date. Zero means now.
	Date time.Time
	Raw  []byte
}

// Status values of AppendResult.
const (
	StatusNew = "new"
)

// AppendResult identifies the stored message.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
	ID          string
	Mailbox     string
	MailboxPath string
	Size        int64
	Status      string

	// SideEffects are untagged responses the caller must write to the
	// client, in order, before the tagged response.
	SideEffects []Response
}

// QuotaRoot is the answer to GETQUOTA and GETQUOTAROOT.
type QuotaRoot struct {
	Root        string
	Quota       int64
	StorageUsed int64
}

// SizeRefresher recomputes an owner's accounted storage.
// wsp.Client implements it with the "size" action.
type SizeRefresher interface {
	RefreshSize(ctx context.Context, ownerID string) error
}

// ChangeNotifier records journal entries and wakes other sessions.
// notify.Notifier implements it.
type ChangeNotifier interface {
	AddEntries(ctx context.Context, mailboxID string, entries ...*store.JournalEntry) error
	Fire(ctx context.Context, owner string)
}

// ThreadResolver assigns a thread to a message.
// threading.Resolver implements it.
type ThreadResolver interface {
	Resolve(ctx context.Context, owner, subject string, refs []string) (string, error)
}

// Mailer sends notices to owners. mailer.Client implements it.
type Mailer interface {
	Send(ctx context.Context, n mailer.Notice) error
}

// EncryptFunc encrypts raw for the holder of an armored public key.
type EncryptFunc func(armoredKey string, raw []byte) ([]byte, error)
