package mailhost

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation limits for append requests.
const (
	MaxPathLength = 1024 // Maximum mailbox path length in bytes
	MaxFlagLength = 256  // Maximum length of a single flag
	MaxFlagCount  = 128  // Maximum number of flags on one message
)

// ValidatePath checks a mailbox path.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return &ValidationError{Field: "path", Message: "must not be empty"}
	}
	if len(path) > MaxPathLength {
		return &ValidationError{Field: "path", Message: fmt.Sprintf("length %d exceeds max %d", len(path), MaxPathLength)}
	}
	if !utf8.ValidString(path) {
		return &ValidationError{Field: "path", Message: "contains invalid UTF-8"}
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "path", Message: "contains control characters"}
		}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return &ValidationError{Field: "path", Message: "contains an empty segment"}
		}
	}
	return nil
}

// ValidateFlags checks a flag list. System flags must be known; keywords
// must be IMAP atoms.
func ValidateFlags(flags []string) error {
	if len(flags) > MaxFlagCount {
		return &ValidationError{Field: "flags", Message: fmt.Sprintf("too many flags (%d > %d)", len(flags), MaxFlagCount)}
	}
	for _, f := range flags {
		if err := validateFlag(f); err != nil {
			return err
		}
	}
	return nil
}

func validateFlag(flag string) error {
	if flag == "" {
		return &ValidationError{Field: "flags", Message: "empty flag"}
	}
	if len(flag) > MaxFlagLength {
		return &ValidationError{Field: "flags", Message: fmt.Sprintf("flag exceeds max length %d", MaxFlagLength)}
	}
	if strings.HasPrefix(flag, "\\") {
		if !isSystemFlag(canonicalFlag(flag)) {
			return &ValidationError{Field: "flags", Message: fmt.Sprintf("unknown system flag %q", flag)}
		}
		return nil
	}
	for _, r := range flag {
		if !isAtomChar(r) {
			return &ValidationError{Field: "flags", Message: fmt.Sprintf("keyword %q is not an atom", flag)}
		}
	}
	return nil
}

// isAtomChar reports whether r may appear in an IMAP atom (RFC 3501).
func isAtomChar(r rune) bool {
	if r <= 0x20 || r >= 0x7f {
		return false
	}
	switch r {
	case '(', ')', '{', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

// validateAppend checks an append request before anything is stored.
func validateAppend(req *AppendRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Message: "must not be nil"}
	}
	if len(req.Raw) == 0 {
		return &ValidationError{Field: "raw", Message: "message is empty"}
	}
	if err := ValidatePath(req.Path); err != nil {
		return err
	}
	return ValidateFlags(req.Flags)
}

// checkMessageSize returns MESSAGETOOLARGE for raw messages over the limit.
func checkMessageSize(size int) error {
	if size > MaxMessageSize {
		return &ResponseError{
			Code:    CodeMessageTooLarge,
			Message: fmt.Sprintf("message size %d exceeds limit %d", size, MaxMessageSize),
		}
	}
	return nil
}

// validateSession checks that a request carries an authenticated owner.
func validateSession(sess *Session) error {
	if sess == nil || sess.User == nil || sess.User.AliasID == "" {
		return ErrSessionRequired
	}
	return nil
}
