// Package wsp is the request/response channel between the protocol front
// end and an owner's storage worker. Frames are JSON objects over a
// websocket; requests carry an id and the worker answers with the same id,
// so many requests share one connection.
package wsp

import (
	"encoding/json"
	"errors"
	"time"
)

// Actions understood by the storage worker.
const (
	ActionAppend       = "append"
	ActionGetQuota     = "get_quota"
	ActionGetQuotaRoot = "get_quota_root"
	ActionSize         = "size"
	ActionSync         = "sync"
	ActionTmp          = "tmp"
	ActionSetup        = "setup"
	ActionReset        = "reset"
	ActionRekey        = "rekey"
)

// Error codes set by the server itself. Handlers may use any other code.
const (
	CodeUnknownAction = "UNKNOWNACTION"
	CodeTimeout       = "TIMEOUT"
	CodeBadRequest    = "BADREQUEST"
)

// MaxFrameSize bounds a single frame. It fits a maximum size message
// after base64 expansion.
const MaxFrameSize = 96 * 1024 * 1024

// Sentinel errors.
var (
	// ErrTimeout is returned when no response arrived within the request timeout.
	ErrTimeout = errors.New("wsp: request timed out")

	// ErrClosed is returned when the connection closed before the response.
	ErrClosed = errors.New("wsp: connection closed")

	// ErrUnknownAction is returned by the server for unregistered actions.
	ErrUnknownAction = errors.New("wsp: unknown action")
)

// User is the owner identity carried by a session.
type User struct {
	AliasID   string `json:"alias_id"`
	DomainID  string `json:"domain_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	Locale    string `json:"locale,omitempty"`
	HasPGP    bool   `json:"has_pgp,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// Session is the protocol session a request is made for.
type Session struct {
	ID             string `json:"id"`
	User           *User  `json:"user,omitempty"`
	RemoteAddress  string `json:"remote_address,omitempty"`
	ClientHostname string `json:"client_hostname,omitempty"`
	Selected       string `json:"selected,omitempty"`
}

// Request is one call to the worker.
type Request struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Session   *Session        `json:"session,omitempty"`
	Path      string          `json:"path,omitempty"`
	Flags     []string        `json:"flags,omitempty"`
	Date      *time.Time      `json:"date,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	AliasID   string          `json:"alias_id,omitempty"`
	Root      string          `json:"root,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Owner returns the alias the request is about.
func (r *Request) Owner() string {
	if r.AliasID != "" {
		return r.AliasID
	}
	if r.Session != nil && r.Session.User != nil {
		return r.Session.User.AliasID
	}
	return ""
}

// Timeout returns the request timeout, or def when unset.
func (r *Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMS > 0 {
		return time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return def
}

// SideEffect is an untagged response produced while handling a request.
// The caller forwards side effects to its client in order.
type SideEffect struct {
	Command string `json:"command"`
	UID     uint32 `json:"uid"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID          string          `json:"id"`
	OK          bool            `json:"ok"`
	Data        json.RawMessage `json:"data,omitempty"`
	SideEffects []SideEffect    `json:"side_effects,omitempty"`
	Error       *Error          `json:"error,omitempty"`
}

// Error is a failed call. Code is a protocol response code when the
// failure maps to one.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "wsp: " + e.Message
	}
	return "wsp: [" + e.Code + "] " + e.Message
}

// AppendData is the payload of a successful append.
type AppendData struct {
	UIDValidity uint32 `json:"uid_validity"`
	UID         uint32 `json:"uid"`
	ID          string `json:"id"`
	Mailbox     string `json:"mailbox"`
	MailboxPath string `json:"mailbox_path"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
}

// QuotaData is the payload of get_quota and get_quota_root.
type QuotaData struct {
	Root        string `json:"root"`
	Quota       int64  `json:"quota"`
	StorageUsed int64  `json:"storage_used"`
}

// SizeData is the payload of size.
type SizeData struct {
	StorageUsed int64 `json:"storage_used"`
}

// SyncData is the payload of a sync request. Closed removes the session.
type SyncData struct {
	Closed bool `json:"closed,omitempty"`
}

// StageData is the payload of a successful tmp request.
type StageData struct {
	ID string `json:"id"`
}

// SetupData is the payload of a successful setup request.
type SetupData struct {
	// Replayed counts staged messages moved into the new mailbox store.
	Replayed int `json:"replayed"`
}
