// Package mailhost is the ingestion and storage core of a mail host.
//
// It takes raw RFC 5322 messages from APPEND (and from delivery agents
// that speak the same interface), stores them into an owner's mailbox and
// answers quota queries. Each stored message gets a UID that is never
// reused within its mailbox epoch, a modseq, a thread, and a journal
// entry that wakes up the owner's other sessions.
//
// # Basic Usage
//
//	st := memory.New()
//	ing, err := mailhost.NewLocalIngestor(
//	    mailhost.WithStore(st),
//	    mailhost.WithBodyFiles(memory.NewFileStore()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ing.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ing.Close(ctx)
//
//	res, err := ing.Append(ctx, sess, mailhost.AppendRequest{
//	    Path:  "INBOX",
//	    Flags: []string{mailhost.FlagSeen},
//	    Raw:   raw,
//	})
//
// # Ingestion
//
// Append runs these steps in order:
//   - size, session and request checks (nothing is stored on failure)
//   - a quota pre-check, then mailbox lookup (TRYCREATE if missing)
//   - optional PGP encryption for owners with a public key
//   - parsing into headers, envelope, body structure and a mime tree
//   - fingerprint deduplication against the owner's stored messages
//   - an exact quota check with the parsed size
//   - content-addressed body storage with reference counts
//   - UID and modseq reservation, threading, and the message insert
//   - the EXISTS journal entry and a change notification
//
// Any failure after bodies were stored releases them again, so a body is
// only kept while some message references it.
//
// # Ingestors
//
// LocalIngestor works against the document store directly. The storage
// worker (cmd/mailhost-worker) runs one per host. Protocol front ends use
// DelegatingIngestor, which forwards each call to the owner's worker over
// the wsp channel and replays the untagged responses it returns.
//
// # Storage Backends
//
// The store package defines the persistence interfaces, with
// implementations for:
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - In-memory (store/memory) - for testing
//
// Bodies live in an AttachmentFileStore: S3 (store/attachment/s3), GCS
// (store/attachment/gcs), a local disk cache in front of either
// (store/attachment/cached), and an OpenTelemetry wrapper
// (store/attachment/otel).
//
// # Events
//
// Ingestors publish typed events through github.com/rbaliyan/event/v3.
// Pass WithRedisClient or WithEventTransport to deliver them; without
// either the bus uses a noop transport.
//
//	events := ing.Events()
//	events.MessageAppended.Subscribe(ctx, handler)
//
// Available events:
//   - MessageAppended - after a message was stored
//   - QuotaExceeded - when a write is rejected for quota
//   - EncryptionFailed - when a message was stored unencrypted after a PGP failure
package mailhost
