package mailhost

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for ingestion events.
const (
	EventNameMessageAppended  = "mailhost.message.appended"
	EventNameQuotaExceeded    = "mailhost.quota.exceeded"
	EventNameEncryptionFailed = "mailhost.encryption.failed"
)

// MessageAppendedEvent is published after a message has been stored.
type MessageAppendedEvent struct {
	MessageID  string    `json:"message_id"`
	Owner      string    `json:"owner"`
	Mailbox    string    `json:"mailbox"`
	UID        uint32    `json:"uid"`
	ModSeq     uint64    `json:"modseq"`
	Size       int64     `json:"size"`
	Thread     string    `json:"thread"`
	AppendedAt time.Time `json:"appended_at"`
}

// QuotaExceededEvent is published when an owner's write is rejected for
// quota. Operators use it to contact the owner.
type QuotaExceededEvent struct {
	Owner       string    `json:"owner"`
	DomainID    string    `json:"domain_id"`
	StorageUsed int64     `json:"storage_used"`
	Additional  int64     `json:"additional"`
	Quota       int64     `json:"quota"`
	At          time.Time `json:"at"`
}

// EncryptionFailedEvent is published when a message could not be encrypted
// and was stored as received.
type EncryptionFailedEvent struct {
	Owner      string    `json:"owner"`
	Error      string    `json:"error"`
	NoticeSent bool      `json:"notice_sent"`
	At         time.Time `json:"at"`
}

// IngestorEvents provides access to per-ingestor event instances.
// Each ingestor creates its own events bound to its own event bus.
//
//	ing.Events().MessageAppended.Subscribe(ctx, handler)
type IngestorEvents struct {
	MessageAppended  event.Event[MessageAppendedEvent]
	QuotaExceeded    event.Event[QuotaExceededEvent]
	EncryptionFailed event.Event[EncryptionFailedEvent]
}

// newIngestorEvents creates per-ingestor event instances with a unique name prefix.
func newIngestorEvents(namePrefix string) *IngestorEvents {
	return &IngestorEvents{
		MessageAppended:  event.New[MessageAppendedEvent](namePrefix + "." + EventNameMessageAppended),
		QuotaExceeded:    event.New[QuotaExceededEvent](namePrefix + "." + EventNameQuotaExceeded),
		EncryptionFailed: event.New[EncryptionFailedEvent](namePrefix + "." + EventNameEncryptionFailed),
	}
}

// registerIngestorEvents registers per-ingestor events with the given bus.
func registerIngestorEvents(ctx context.Context, bus *event.Bus, events *IngestorEvents) error {
	if err := event.Register(ctx, bus, events.MessageAppended); err != nil {
		return fmt.Errorf("register MessageAppended: %w", err)
	}
	if err := event.Register(ctx, bus, events.QuotaExceeded); err != nil {
		return fmt.Errorf("register QuotaExceeded: %w", err)
	}
	if err := event.Register(ctx, bus, events.EncryptionFailed); err != nil {
		return fmt.Errorf("register EncryptionFailed: %w", err)
	}
	return nil
}

// publish sends data on ev and reports failures to the configured handler.
func publish[T any](ctx context.Context, opts *options, ev event.Event[T], name string, data T) {
	if err := ev.Publish(ctx, data); err != nil {
		opts.safeEventPublishFailure(name, err)
	}
}
