package mongo

import (
	"time"

	"github.com/emersion/go-imap"

	"github.com/rbaliyan/mailhost/store"
)

// mailboxDoc is the MongoDB document for a mailbox.
type mailboxDoc struct {
	ID          string        `bson:"_id"`
	Owner       string        `bson:"owner"`
	Path        string        `bson:"path"`
	UIDValidity uint32        `bson:"uid_validity"`
	UIDNext     uint32        `bson:"uid_next"`
	ModifyIndex uint64        `bson:"modify_index"`
	SpecialUse  string        `bson:"special_use,omitempty"`
	Retention   time.Duration `bson:"retention,omitempty"`
	Created     time.Time     `bson:"created"`
}

func mailboxToDoc(m *store.Mailbox) *mailboxDoc {
	return &mailboxDoc{
		ID:          m.ID,
		Owner:       m.Owner,
		Path:        m.Path,
		UIDValidity: m.UIDValidity,
		UIDNext:     m.UIDNext,
		ModifyIndex: m.ModifyIndex,
		SpecialUse:  m.SpecialUse,
		Retention:   m.Retention,
		Created:     m.Created,
	}
}

func docToMailbox(d *mailboxDoc) *store.Mailbox {
	return &store.Mailbox{
		ID:          d.ID,
		Owner:       d.Owner,
		Path:        d.Path,
		UIDValidity: d.UIDValidity,
		UIDNext:     d.UIDNext,
		ModifyIndex: d.ModifyIndex,
		SpecialUse:  d.SpecialUse,
		Retention:   d.Retention,
		Created:     d.Created,
	}
}

// messageDoc is the MongoDB document for a message.
type messageDoc struct {
	ID            string              `bson:"_id"`
	Root          string              `bson:"root"`
	Owner         string              `bson:"owner"`
	Mailbox       string              `bson:"mailbox"`
	UID           uint32              `bson:"uid"`
	ModSeq        uint64              `bson:"modseq"`
	Fingerprint   string              `bson:"fingerprint,omitempty"`
	Magic         int64               `bson:"magic"`
	Size          int64               `bson:"size"`
	Flags         []string            `bson:"flags"`
	Headers       []store.Header      `bson:"headers"`
	Envelope      *imap.Envelope      `bson:"envelope,omitempty"`
	BodyStructure *imap.BodyStructure `bson:"bodystructure,omitempty"`
	MimeTree      *store.MimeNode     `bson:"mime_tree,omitempty"`
	MsgID         string              `bson:"msgid"`
	Subject       string              `bson:"subject"`
	Thread        string              `bson:"thread"`
	Text          string              `bson:"text"`
	Attachments   []string            `bson:"attachments"`
	Searchable    bool                `bson:"searchable"`
	Junk          bool                `bson:"junk"`
	Draft         bool                `bson:"draft"`
	Unseen        bool                `bson:"unseen"`
	Flagged       bool                `bson:"flagged"`
	Undeleted     bool                `bson:"undeleted"`
	IDate         time.Time           `bson:"idate"`
	HDate         time.Time           `bson:"hdate"`
	Exp           bool                `bson:"exp"`
	RDate         time.Time           `bson:"rdate,omitempty"`
	Copied        bool                `bson:"copied"`
	RemoteAddress string              `bson:"remote_address,omitempty"`
	Transaction   string              `bson:"transaction"`
	Created       time.Time           `bson:"created"`
}

func messageToDoc(m *store.Message) *messageDoc {
	return &messageDoc{
		ID:            m.ID,
		Root:          m.Root,
		Owner:         m.Owner,
		Mailbox:       m.Mailbox,
		UID:           m.UID,
		ModSeq:        m.ModSeq,
		Fingerprint:   m.Fingerprint,
		Magic:         m.Magic,
		Size:          m.Size,
		Flags:         m.Flags,
		Headers:       m.Headers,
		Envelope:      m.Envelope,
		BodyStructure: m.BodyStructure,
		MimeTree:      m.MimeTree,
		MsgID:         m.MsgID,
		Subject:       m.Subject,
		Thread:        m.Thread,
		Text:          m.Text,
		Attachments:   m.Attachments,
		Searchable:    m.Searchable,
		Junk:          m.Junk,
		Draft:         m.Draft,
		Unseen:        m.Unseen,
		Flagged:       m.Flagged,
		Undeleted:     m.Undeleted,
		IDate:         m.IDate,
		HDate:         m.HDate,
		Exp:           m.Exp,
		RDate:         m.RDate,
		Copied:        m.Copied,
		RemoteAddress: m.RemoteAddress,
		Transaction:   m.Transaction,
		Created:       m.Created,
	}
}

func docToMessage(d *messageDoc) *store.Message {
	return &store.Message{
		ID:            d.ID,
		Root:          d.Root,
		Owner:         d.Owner,
		Mailbox:       d.Mailbox,
		UID:           d.UID,
		ModSeq:        d.ModSeq,
		Fingerprint:   d.Fingerprint,
		Magic:         d.Magic,
		Size:          d.Size,
		Flags:         d.Flags,
		Headers:       d.Headers,
		Envelope:      d.Envelope,
		BodyStructure: d.BodyStructure,
		MimeTree:      d.MimeTree,
		MsgID:         d.MsgID,
		Subject:       d.Subject,
		Thread:        d.Thread,
		Text:          d.Text,
		Attachments:   d.Attachments,
		Searchable:    d.Searchable,
		Junk:          d.Junk,
		Draft:         d.Draft,
		Unseen:        d.Unseen,
		Flagged:       d.Flagged,
		Undeleted:     d.Undeleted,
		IDate:         d.IDate,
		HDate:         d.HDate,
		Exp:           d.Exp,
		RDate:         d.RDate,
		Copied:        d.Copied,
		RemoteAddress: d.RemoteAddress,
		Transaction:   d.Transaction,
		Created:       d.Created,
	}
}

// threadDoc is the MongoDB document for a thread.
type threadDoc struct {
	ID      string   `bson:"_id"`
	Owner   string   `bson:"owner"`
	Subject string   `bson:"subject"`
	IDs     []string `bson:"ids"`
}

// journalDoc is the MongoDB document for a journal entry.
type journalDoc struct {
	ID      string    `bson:"_id"`
	Owner   string    `bson:"owner"`
	Mailbox string    `bson:"mailbox"`
	Message string    `bson:"message,omitempty"`
	Thread  string    `bson:"thread,omitempty"`
	Path    string    `bson:"path,omitempty"`
	UID     uint32    `bson:"uid"`
	ModSeq  uint64    `bson:"modseq"`
	Command string    `bson:"command"`
	Ignore  string    `bson:"ignore,omitempty"`
	Unseen  bool      `bson:"unseen"`
	IDate   time.Time `bson:"idate"`
	Junk    bool      `bson:"junk"`
	Flags   []string  `bson:"flags,omitempty"`
	Created time.Time `bson:"created"`
}

func journalToDoc(e *store.JournalEntry) *journalDoc {
	return &journalDoc{
		ID:      e.ID,
		Owner:   e.Owner,
		Mailbox: e.Mailbox,
		Message: e.Message,
		Thread:  e.Thread,
		Path:    e.Path,
		UID:     e.UID,
		ModSeq:  e.ModSeq,
		Command: e.Command,
		Ignore:  e.Ignore,
		Unseen:  e.Unseen,
		IDate:   e.IDate,
		Junk:    e.Junk,
		Flags:   e.Flags,
		Created: e.Created,
	}
}

func docToJournal(d *journalDoc) *store.JournalEntry {
	return &store.JournalEntry{
		ID:      d.ID,
		Owner:   d.Owner,
		Mailbox: d.Mailbox,
		Message: d.Message,
		Thread:  d.Thread,
		Path:    d.Path,
		UID:     d.UID,
		ModSeq:  d.ModSeq,
		Command: d.Command,
		Ignore:  d.Ignore,
		Unseen:  d.Unseen,
		IDate:   d.IDate,
		Junk:    d.Junk,
		Flags:   d.Flags,
		Created: d.Created,
	}
}

// ownerDoc is the alias document. Only the fields this module reads or
// writes are mapped; the account application owns the rest.
type ownerDoc struct {
	ID             string     `bson:"_id"`
	DomainID       string     `bson:"domain"`
	Username       string     `bson:"name"`
	Locale         string     `bson:"locale,omitempty"`
	HasPGP         bool       `bson:"has_pgp"`
	PublicKey      string     `bson:"public_key,omitempty"`
	PGPErrorSentAt *time.Time `bson:"pgp_error_sent_at,omitempty"`
	StorageUsed    int64      `bson:"storage_used"`
}

func docToOwner(d *ownerDoc) *store.Owner {
	return &store.Owner{
		ID:             d.ID,
		DomainID:       d.DomainID,
		Username:       d.Username,
		Locale:         d.Locale,
		HasPGP:         d.HasPGP,
		PublicKey:      d.PublicKey,
		PGPErrorSentAt: d.PGPErrorSentAt,
		StorageUsed:    d.StorageUsed,
	}
}

// attachmentDoc is the MongoDB document for body metadata.
type attachmentDoc struct {
	ID          string    `bson:"_id"`
	Hash        string    `bson:"hash"`
	URI         string    `bson:"uri"`
	ContentType string    `bson:"content_type"`
	Size        int64     `bson:"size"`
	RefCount    int64     `bson:"ref_count"`
	Magic       int64     `bson:"magic"`
	Created     time.Time `bson:"created"`
}

func docToAttachment(d *attachmentDoc) *store.AttachmentMetadata {
	return &store.AttachmentMetadata{
		ID:          d.ID,
		Hash:        d.Hash,
		URI:         d.URI,
		ContentType: d.ContentType,
		Size:        d.Size,
		RefCount:    d.RefCount,
		Magic:       d.Magic,
		Created:     d.Created,
	}
}
