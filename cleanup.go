package mailhost

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailhost/store"
)

// CleanupResult contains the result of a retention cleanup.
type CleanupResult struct {
	// DeletedCount is the number of messages deleted.
	DeletedCount int
	// Interrupted indicates the cleanup stopped because ctx ended.
	Interrupted bool
}

// CleanupExpired deletes messages whose mailbox retention has run out,
// releases their bodies and journals an EXPUNGE for each.
//
// The ingestor does not schedule cleanup itself; call it periodically:
//
//	go func() {
//	    ticker := time.NewTicker(time.Hour)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        if res, err := ing.CleanupExpired(ctx); err != nil {
//	            log.Printf("retention cleanup: %v", err)
//	        } else if res.DeletedCount > 0 {
//	            log.Printf("removed %d expired messages", res.DeletedCount)
//	        }
//	    }
//	}()
func (s *LocalIngestor) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	cutoff := s.opts.clock()
	owners := make(map[string]struct{})
	defer func() {
		for owner := range owners {
			s.notifier.Fire(ctx, owner)
		}
	}()

	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			return result, ctx.Err()
		}

		batch, err := s.store.ListExpiredMessages(ctx, cutoff, s.opts.cleanupBatchSize)
		if err != nil {
			return result, fmt.Errorf("list expired messages: %w", err)
		}

		for _, msg := range batch {
			deleted, err := s.store.DeleteMessage(ctx, msg.ID)
			if err != nil {
				return result, fmt.Errorf("delete message %s: %w", msg.ID, err)
			}
			if !deleted {
				// Removed concurrently; whoever removed it released the bodies.
				continue
			}
			result.DeletedCount++
			owners[msg.Owner] = struct{}{}

			s.releaseBodies(ctx, msg.Attachments, msg.Magic, msg.Owner)

			s.journalExpunge(ctx, msg)
		}

		if len(batch) < s.opts.cleanupBatchSize {
			break
		}
	}

	if result.DeletedCount > 0 {
		s.logger.Debug("deleted expired messages", "count", result.DeletedCount)
	}
	return result, nil
}

// journalExpunge records the removal of msg under a fresh modseq so
// sessions synced past the message's own modseq still see it.
func (s *LocalIngestor) journalExpunge(ctx context.Context, msg *store.Message) {
	modSeq, err := s.store.ReserveModSeq(ctx, msg.Mailbox)
	if err != nil {
		if !store.IsNotFound(err) {
			s.logger.Error("failed to reserve modseq for expunge", "owner", msg.Owner, "mailbox", msg.Mailbox, "uid", msg.UID, "error", err)
		}
		return
	}
	entry := &store.JournalEntry{
		Owner:   msg.Owner,
		Message: msg.ID,
		Thread:  msg.Thread,
		UID:     msg.UID,
		ModSeq:  modSeq,
		Command: store.CommandExpunge,
		Unseen:  msg.Unseen,
		IDate:   msg.IDate,
		Junk:    msg.Junk,
	}
	if err := s.notifier.AddEntries(ctx, msg.Mailbox, entry); err != nil {
		s.logger.Error("failed to record expunge", "owner", msg.Owner, "mailbox", msg.Mailbox, "uid", msg.UID, "error", err)
	}
}
