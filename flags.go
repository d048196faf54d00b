package mailhost

import (
	"slices"
	"strings"

	"github.com/emersion/go-imap"
)

// System flags understood by the ingestion core.
const (
	FlagSeen     = imap.SeenFlag
	FlagAnswered = imap.AnsweredFlag
	FlagFlagged  = imap.FlaggedFlag
	FlagDeleted  = imap.DeletedFlag
	FlagDraft    = imap.DraftFlag
	FlagRecent   = imap.RecentFlag
)

var systemFlags = []string{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent}

// isSystemFlag reports whether flag is one of the RFC 3501 system flags.
// flag must already be canonical.
func isSystemFlag(flag string) bool {
	return slices.Contains(systemFlags, flag)
}

// canonicalFlag returns the RFC 3501 spelling of a system flag. Keywords
// are returned unchanged.
func canonicalFlag(flag string) string {
	for _, f := range systemFlags {
		if strings.EqualFold(f, flag) {
			return f
		}
	}
	return flag
}

// normalizeFlags canonicalizes system flags, drops \Recent (session
// state, never stored) and removes duplicates. Order is preserved.
func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = canonicalFlag(f)
		if f == FlagRecent || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// hasFlag reports whether flags contains flag.
func hasFlag(flags []string, flag string) bool {
	return slices.Contains(flags, flag)
}

// withFlag returns flags with flag added if missing.
func withFlag(flags []string, flag string) []string {
	if hasFlag(flags, flag) {
		return flags
	}
	return append(flags, flag)
}

// flagState is the denormalized view of a flag set stored on a message.
type flagState struct {
	unseen    bool
	flagged   bool
	undeleted bool
	draft     bool
}

func flagStateOf(flags []string) flagState {
	return flagState{
		unseen:    !hasFlag(flags, FlagSeen),
		flagged:   hasFlag(flags, FlagFlagged),
		undeleted: !hasFlag(flags, FlagDeleted),
		draft:     hasFlag(flags, FlagDraft),
	}
}
