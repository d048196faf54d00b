// Package notify records mailbox changes in the journal and wakes up
// sessions that are waiting for them.
//
// Writers call AddEntries to append journal entries and then Fire to
// dispatch a wake-up for the owner. Fire never blocks the writer and never
// returns dispatch errors; listeners that miss a wake-up still see the
// change on their next Changes call.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/mailhost/store"
)

// Default configuration values.
const (
	DefaultFireTimeout = 5 * time.Second
)

// Broadcaster delivers a wake-up for an owner.
type Broadcaster interface {
	Broadcast(ctx context.Context, owner string) error
}

// Notifier appends journal entries and dispatches wake-ups.
type Notifier struct {
	journal      store.JournalStore
	broadcasters []Broadcaster
	logger       *slog.Logger
	timeout      time.Duration

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithBroadcaster adds a wake-up target. Targets are invoked concurrently.
func WithBroadcaster(b Broadcaster) Option {
	return func(n *Notifier) {
		if b != nil {
			n.broadcasters = append(n.broadcasters, b)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithFireTimeout bounds every broadcast. Default is 5 seconds.
func WithFireTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// New creates a Notifier writing to journal.
func New(journal store.JournalStore, opts ...Option) *Notifier {
	n := &Notifier{
		journal: journal,
		logger:  slog.Default(),
		timeout: DefaultFireTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddEntries appends entries to the journal of mailboxID. Commands are
// stored upper-cased.
func (n *Notifier) AddEntries(ctx context.Context, mailboxID string, entries ...*store.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		e.Mailbox = mailboxID
		e.Command = strings.ToUpper(e.Command)
	}
	if err := n.journal.AppendJournal(ctx, entries...); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Fire wakes up listeners of owner on every broadcaster. It returns
// immediately; broadcasts run on a context detached from ctx.
func (n *Notifier) Fire(ctx context.Context, owner string) {
	base := context.WithoutCancel(ctx)
	for _, b := range n.broadcasters {
		n.wg.Add(1)
		go func(b Broadcaster) {
			defer n.wg.Done()
			fctx, cancel := context.WithTimeout(base, n.timeout)
			defer cancel()
			if err := b.Broadcast(fctx, owner); err != nil {
				n.logger.Error("failed to broadcast change", "owner", owner, "broadcaster", fmt.Sprintf("%T", b), "error", err)
			}
		}(b)
	}
}

// Changes returns journal entries of mailboxID newer than sinceModSeq,
// skipping entries caused by sessionID itself.
func (n *Notifier) Changes(ctx context.Context, sessionID, mailboxID string, sinceModSeq uint64) ([]*store.JournalEntry, error) {
	entries, err := n.journal.ListJournal(ctx, mailboxID, sinceModSeq)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	if sessionID == "" {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Ignore != sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Wait blocks until all in-flight broadcasts have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
