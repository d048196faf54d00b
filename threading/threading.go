// Package threading assigns messages to conversation threads.
//
// A message joins an existing thread of its owner when the normalized
// subjects match and the message shares at least one reference key
// (a normalized Message-ID from In-Reply-To, References or its own
// Message-ID) with the thread. Otherwise a new thread is created.
package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-message/mail"
	"github.com/rbaliyan/mailhost/store"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Resolver finds or creates the thread of a message.
type Resolver struct {
	store  store.ThreadStore
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Resolver backed by ts.
func New(ts store.ThreadStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  ts,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the thread id for a message of owner with the given raw
// subject and reference message-ids. Resolving the same input twice yields
// the same thread.
func (r *Resolver) Resolve(ctx context.Context, owner, subject string, refs []string) (string, error) {
	subj := NormalizeSubject(subject)

	keys := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		k := NormalizeMessageID(ref)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		keys = []string{subj}
	}

	thread, err := r.store.FindThread(ctx, owner, subj, keys)
	switch {
	case err == nil:
		if err := r.store.AddThreadRefs(ctx, thread.ID, keys); err != nil {
			return "", fmt.Errorf("add thread refs: %w", err)
		}
		return thread.ID, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", fmt.Errorf("find thread: %w", err)
	}

	thread = &store.Thread{Owner: owner, Subject: subj, IDs: keys}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	r.logger.Debug("created thread", "owner", owner, "thread", thread.ID, "refs", len(keys))
	return thread.ID, nil
}

// NormalizeSubject strips reply and forward prefixes, then folds case,
// composes to NFC and collapses whitespace.
func NormalizeSubject(subject string) string {
	base, _ := sortthread.GetBaseSubject(subject)
	base = norm.NFC.String(base)
	// Casers are stateful and not safe for concurrent use.
	base = cases.Fold().String(base)
	return strings.Join(strings.Fields(base), " ")
}

// NormalizeMessageID trims angle brackets and whitespace and lower-cases
// the id so that equivalent ids compare equal.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// ReferenceKeys returns the message-ids a message refers to, followed by
// its own Message-ID.
func ReferenceKeys(h mail.Header) []string {
	var out []string
	for _, key := range []string{"In-Reply-To", "References", "Message-Id"} {
		ids, err := h.MsgIDList(key)
		if err != nil {
			// Malformed lists still carry usable ids more often than not.
			ids = strings.Fields(h.Get(key))
		}
		for _, id := range ids {
			if k := NormalizeMessageID(id); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}
