package store

import "errors"

// Sentinel errors returned by every store implementation. Backends map
// their driver errors onto these so the ingestor never inspects driver
// types.
var (
	// ErrNotFound: no mailbox, message, thread, owner or body matched.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID: an ID was empty or malformed for the backend.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry: a unique key rejected the write. For messages the
	// keys are (mailbox, uid) and (owner, fingerprint); for bodies the hash.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	ErrNotConnected     = errors.New("store: not connected")
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrTransactionFailed: a multi-statement write was rolled back.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDuplicateEntry reports whether err is or wraps ErrDuplicateEntry.
func IsDuplicateEntry(err error) bool { return errors.Is(err, ErrDuplicateEntry) }

// IsNotConnected reports whether err is or wraps ErrNotConnected.
func IsNotConnected(err error) bool { return errors.Is(err, ErrNotConnected) }
