package mailhost

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/event/v3/transport/noop"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailhost/fingerprint"
	"github.com/rbaliyan/mailhost/notify"
	"github.com/rbaliyan/mailhost/pgp"
	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/threading"
)

// Connection states for the ingestor.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// TransactionAppend marks messages created by APPEND.
const TransactionAppend = "APPEND"

// LocalIngestor runs ingestion against the document store directly.
type LocalIngestor struct {
	store    store.Store
	bodies   *BodyStore
	quota    *QuotaAccountant
	crypt    *Encryptor
	notifier ChangeNotifier
	threads  ThreadResolver
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins  *pluginRegistry
	otel     *otelInstrumentation
	tasks    *semaphore.Weighted // Bounds background side tasks
	eventBus *event.Bus
	events   *IngestorEvents
}

var _ Ingestor = (*LocalIngestor)(nil)

// NewLocalIngestor creates a local ingestor.
// Call Connect() before use.
func NewLocalIngestor(opts ...Option) (*LocalIngestor, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.files == nil {
		return nil, ErrBodyStoreUnavailable
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	if o.notifier == nil {
		o.notifier = notify.New(o.store, notify.WithLogger(o.logger))
	}
	if o.threads == nil {
		o.threads = threading.New(o.store, threading.WithLogger(o.logger))
	}
	if o.encrypt == nil {
		o.encrypt = pgp.Encrypt
	}

	s := &LocalIngestor{
		store:    o.store,
		bodies:   NewBodyStore(o.store, o.files, o.logger),
		quota:    NewQuotaAccountant(o.store, o.maxQuota, o.logger),
		notifier: o.notifier,
		threads:  o.threads,
		logger:   o.logger,
		opts:     o,
		plugins:  plugins,
		otel:     otelInstr,
		tasks:    semaphore.NewWeighted(int64(o.maxBackgroundTasks)),
	}
	s.quota.onExceeded = s.quotaExceeded
	s.crypt = &Encryptor{
		owners:    o.store,
		encrypt:   o.encrypt,
		mailer:    o.mailer,
		from:      o.noticeFrom,
		window:    o.pgpNoticeWindow,
		clearAge:  o.pgpNoticeClearAge,
		clock:     o.clock,
		logger:    o.logger,
		spawn:     s.goBackground,
		onFailure: s.encryptionFailed,
	}
	return s, nil
}

// Events returns per-ingestor event instances. Nil before Connect.
func (s *LocalIngestor) Events() *IngestorEvents {
	return s.events
}

// Bodies returns the body store.
func (s *LocalIngestor) Bodies() *BodyStore {
	return s.bodies
}

// Quota returns the quota accountant.
func (s *LocalIngestor) Quota() *QuotaAccountant {
	return s.quota
}

// IsConnected returns true if the ingestor is connected and ready.
func (s *LocalIngestor) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect connects the store, the event bus and the plugins.
func (s *LocalIngestor) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		s.eventBus.Close(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mailhost ingestor connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

func (s *LocalIngestor) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "mailhost"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newIngestorEvents(busName)
	if err := registerIngestorEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register ingestor events: %w", err)
	}
	return nil
}

// Close waits for background tasks, then closes plugins, the event bus
// and the store.
func (s *LocalIngestor) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	s.logger.Info("waiting for background tasks to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.waitBackground(shutdownCtx); err != nil {
		s.logger.Warn("timeout waiting for background tasks, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

func (s *LocalIngestor) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// goBackground runs fn on a context detached from ctx's cancellation.
// Returns false if the task limit is reached; the task is then dropped.
func (s *LocalIngestor) goBackground(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	if !s.tasks.TryAcquire(1) {
		s.logger.Warn("background task limit reached, skipping", "task", name)
		return false
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.tasks.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in background task", "task", name, "panic", r)
			}
		}()
		fn(bg)
	}()
	return true
}

// waitBackground blocks until no background task is running.
func (s *LocalIngestor) waitBackground(ctx context.Context) error {
	n := int64(s.opts.maxBackgroundTasks)
	if err := s.tasks.Acquire(ctx, n); err != nil {
		return err
	}
	s.tasks.Release(n)
	return nil
}

// Append stores a message. See Ingestor.
func (s *LocalIngestor) Append(ctx context.Context, sess *Session, req AppendRequest) (res *AppendResult, err error) {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "mailhost.Append",
		attribute.String("mailbox.path", req.Path),
		attribute.Int("message.size", len(req.Raw)),
	)
	defer func() {
		endSpan(err)
		s.otel.recordAppend(ctx, time.Since(start), err)
		if err != nil {
			s.logAppendError(sess, req.Path, err)
		}
	}()

	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateSession(sess); err != nil {
		return nil, err
	}
	// No partial storage for oversized messages.
	if err := checkMessageSize(len(req.Raw)); err != nil {
		return nil, err
	}
	if err := validateAppend(&req); err != nil {
		return nil, err
	}
	req.Flags = normalizeFlags(req.Flags)
	if err := s.plugins.beforeAppend(ctx, sess, &req); err != nil {
		return nil, err
	}

	user := sess.User
	if err := s.quota.check(ctx, user, 0); err != nil {
		if IsOverQuota(err) {
			s.otel.recordQuotaRejection(ctx, "precheck")
		}
		return nil, err
	}

	mbox, err := s.store.FindMailboxByPath(ctx, user.AliasID, req.Path)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, tryCreate(req.Path)
		}
		return nil, internalError("find mailbox", err)
	}

	raw := s.crypt.Apply(ctx, user, req.Flags, req.Raw)

	idate := req.Date
	if idate.IsZero() {
		idate = s.opts.clock()
	}
	parsed, err := parseMessage(raw, s.opts.inlineTextLimit, idate)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, internalError("parse message", err)
	}

	// Encryption output differs on every run, so retries are recognised
	// by the message as received.
	fpHeader, fpBody, err := splitMessage(req.Raw)
	if err != nil {
		return nil, err
	}
	fp := fingerprint.Compute(fpHeader, fpBody, fingerprint.Source{
		RemoteAddress:  sess.RemoteAddress,
		ClientHostname: sess.ClientHostname,
	}, false)

	existing, err := s.store.FindMessageByFingerprint(ctx, user.AliasID, fp)
	switch {
	case err == nil:
		s.otel.recordDuplicate(ctx)
		return s.duplicateResult(ctx, existing)
	case !store.IsNotFound(err):
		return nil, internalError("fingerprint lookup", err)
	}

	if err := s.quota.check(ctx, user, parsed.size); err != nil {
		if IsOverQuota(err) {
			s.otel.recordQuotaRejection(ctx, "exact")
		}
		return nil, err
	}

	magic := newMagic()
	stored, err := s.bodies.StoreNodeBodies(ctx, parsed.bodies, magic)
	if err != nil {
		return nil, internalError("store bodies", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.releaseBodies(ctx, stored.Hashes, magic, user.AliasID)
		}
	}()

	before, err := s.store.ReserveUID(ctx, mbox.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, tryCreate(req.Path)
		}
		return nil, internalError("reserve uid", err)
	}

	msg := s.newMessage(user.AliasID, before, parsed, req.Flags, idate)
	msg.Fingerprint = fp
	msg.Magic = magic
	msg.Attachments = stored.Hashes
	msg.RemoteAddress = sess.RemoteAddress

	msg.Thread, err = s.threads.Resolve(ctx, user.AliasID, parsed.subject, parsed.refs)
	if err != nil {
		return nil, internalError("resolve thread", err)
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if store.IsDuplicateEntry(err) {
			return nil, &ResponseError{Code: CodeAlreadyExists, Message: "Message already exists", Err: err}
		}
		return nil, internalError("create message", err)
	}
	committed = true

	s.refreshSize(ctx, user.AliasID)

	res = &AppendResult{
		UIDValidity: before.UIDValidity,
		UID:         msg.UID,
		ID:          msg.ID,
		Mailbox:     mbox.ID,
		MailboxPath: mbox.Path,
		Size:        msg.Size,
		Status:      StatusNew,
	}

	var ignore string
	if sess.Selected == mbox.ID {
		ignore = sess.ID
		exists := Response{Command: store.CommandExists, UID: msg.UID}
		if sess.Writer != nil {
			if err := sess.Writer.WriteResponse(exists); err != nil {
				s.logger.Warn("failed to write EXISTS", "session", sess.ID, "error", err)
			}
		} else {
			res.SideEffects = append(res.SideEffects, exists)
		}
	}

	entry := &store.JournalEntry{
		Owner:   user.AliasID,
		Message: msg.ID,
		Thread:  msg.Thread,
		Path:    mbox.Path,
		UID:     msg.UID,
		ModSeq:  msg.ModSeq,
		Command: store.CommandExists,
		Ignore:  ignore,
		Unseen:  msg.Unseen,
		IDate:   msg.IDate,
		Junk:    msg.Junk,
		Flags:   msg.Flags,
	}
	if err := s.notifier.AddEntries(ctx, mbox.ID, entry); err != nil {
		s.logger.Error("failed to record journal entry", "owner", user.AliasID, "mailbox", mbox.ID, "uid", msg.UID, "error", err)
	}
	s.notifier.Fire(ctx, user.AliasID)

	if err := s.plugins.afterAppend(ctx, sess, msg); err != nil {
		s.logger.Error("after-append hook failed", "owner", user.AliasID, "message", msg.ID, "error", err)
	}
	if s.events != nil {
		publish(ctx, s.opts, s.events.MessageAppended, EventNameMessageAppended, MessageAppendedEvent{
			MessageID:  msg.ID,
			Owner:      user.AliasID,
			Mailbox:    mbox.ID,
			UID:        msg.UID,
			ModSeq:     msg.ModSeq,
			Size:       msg.Size,
			Thread:     msg.Thread,
			AppendedAt: msg.Created,
		})
	}

	s.logger.Debug("message appended",
		"owner", user.AliasID, "mailbox", mbox.ID, "uid", msg.UID, "modseq", msg.ModSeq, "size", msg.Size)
	return res, nil
}

// newMessage builds the record for a sequenced message. before is the
// mailbox as returned by ReserveUID.
func (s *LocalIngestor) newMessage(owner string, before *store.Mailbox, p *parsedMessage, flags []string, idate time.Time) *store.Message {
	flags = append([]string(nil), flags...)
	if before.SpecialUse == store.SpecialUseDrafts {
		flags = withFlag(flags, FlagDraft)
	}
	fs := flagStateOf(flags)
	now := s.opts.clock()

	msg := &store.Message{
		ID:            MessageID(owner, before.Path, before.UIDValidity, before.UIDNext),
		Root:          owner,
		Owner:         owner,
		Mailbox:       before.ID,
		UID:           before.UIDNext,
		ModSeq:        before.ModifyIndex + 1,
		Size:          p.size,
		Flags:         flags,
		Headers:       p.headers,
		Envelope:      p.envelope,
		BodyStructure: p.bodyStructure,
		MimeTree:      p.tree,
		MsgID:         p.msgID,
		Subject:       p.subject,
		Text:          p.text,
		Searchable:    fs.undeleted,
		Junk:          before.SpecialUse == store.SpecialUseJunk,
		Draft:         fs.draft,
		Unseen:        fs.unseen,
		Flagged:       fs.flagged,
		Undeleted:     fs.undeleted,
		IDate:         idate,
		HDate:         p.hdate,
		Transaction:   TransactionAppend,
		Created:       now,
	}
	if before.Retention > 0 {
		msg.Exp = true
		msg.RDate = now.Add(before.Retention)
	}
	return msg
}

// MessageID returns the stable external id of the message at uid in a
// mailbox epoch.
func MessageID(owner, path string, uidValidity, uid uint32) string {
	h := sha256.New()
	for _, part := range []string{
		owner,
		path,
		strconv.FormatUint(uint64(uidValidity), 10),
		strconv.FormatUint(uint64(uid), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func (s *LocalIngestor) duplicateResult(ctx context.Context, msg *store.Message) (*AppendResult, error) {
	mbox, err := s.store.GetMailbox(ctx, msg.Mailbox)
	if err != nil {
		return nil, internalError("load mailbox of duplicate", err)
	}
	s.logger.Debug("duplicate delivery answered with stored message",
		"owner", msg.Owner, "message", msg.ID, "mailbox", mbox.ID, "uid", msg.UID)
	return &AppendResult{
		UIDValidity: mbox.UIDValidity,
		UID:         msg.UID,
		ID:          msg.ID,
		Mailbox:     mbox.ID,
		MailboxPath: mbox.Path,
		Size:        msg.Size,
		Status:      StatusNew,
	}, nil
}

// releaseBodies undoes StoreNodeBodies for a message that was not
// persisted. Failures leave unreachable storage behind and are alerted.
func (s *LocalIngestor) releaseBodies(ctx context.Context, hashes []string, magic int64, owner string) {
	if len(hashes) == 0 {
		return
	}
	if err := s.bodies.DeleteMany(context.WithoutCancel(ctx), hashes, magic); err != nil {
		s.logger.Error("attachment storage needs cleanup",
			"alert", true,
			"owner", owner,
			"hashes", hashes,
			"magic", magic,
			"error", err)
	}
}

// refreshSize asks the storage worker to recompute the owner's usage.
// Failures only delay accounting and are logged.
func (s *LocalIngestor) refreshSize(ctx context.Context, owner string) {
	if s.opts.sizeRefresher == nil {
		return
	}
	s.goBackground(ctx, "size refresh", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.sizeRefreshTimeout)
		defer cancel()
		if err := s.opts.sizeRefresher.RefreshSize(ctx, owner); err != nil {
			s.logger.Warn("storage size refresh failed", "owner", owner, "error", err)
		}
	})
}

func (s *LocalIngestor) quotaExceeded(ctx context.Context, user *User, status QuotaStatus, additional int64) {
	if s.events == nil {
		return
	}
	publish(ctx, s.opts, s.events.QuotaExceeded, EventNameQuotaExceeded, QuotaExceededEvent{
		Owner:       user.AliasID,
		DomainID:    user.DomainID,
		StorageUsed: status.StorageUsed,
		Additional:  additional,
		Quota:       s.quota.Ceiling(),
		At:          s.opts.clock(),
	})
}

func (s *LocalIngestor) encryptionFailed(ctx context.Context, user *User, err error, noticeSent bool) {
	if s.events == nil {
		return
	}
	publish(ctx, s.opts, s.events.EncryptionFailed, EventNameEncryptionFailed, EncryptionFailedEvent{
		Owner:      user.AliasID,
		Error:      err.Error(),
		NoticeSent: noticeSent,
		At:         s.opts.clock(),
	})
}

func (s *LocalIngestor) logAppendError(sess *Session, path string, err error) {
	var owner, session string
	if sess != nil {
		session = sess.ID
		if sess.User != nil {
			owner = sess.User.AliasID
		}
	}
	if code := ResponseCode(err); code != "" {
		s.logger.Error("append rejected", "code", code, "owner", owner, "session", session, "path", path, "error", err)
		return
	}
	s.logger.Error("append failed", "owner", owner, "session", session, "path", path, "error", err)
}

// GetQuota answers GETQUOTA. Only the root "" exists.
func (s *LocalIngestor) GetQuota(ctx context.Context, sess *Session, root string) (*QuotaRoot, error) {
	start := time.Now()
	defer func() { s.otel.recordQuota(ctx, time.Since(start), "get_quota") }()

	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateSession(sess); err != nil {
		return nil, err
	}
	if root != "" {
		return nil, &ResponseError{Code: CodeNonexistent, Message: "No such quota root"}
	}
	return s.quotaRoot(ctx, sess.User)
}

// GetQuotaRoot answers GETQUOTAROOT for a mailbox path.
func (s *LocalIngestor) GetQuotaRoot(ctx context.Context, sess *Session, path string) (qr *QuotaRoot, err error) {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "mailhost.GetQuotaRoot", attribute.String("mailbox.path", path))
	defer func() {
		endSpan(err)
		s.otel.recordQuota(ctx, time.Since(start), "get_quota_root")
	}()

	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateSession(sess); err != nil {
		return nil, err
	}
	if _, err := s.store.FindMailboxByPath(ctx, sess.User.AliasID, path); err != nil {
		if store.IsNotFound(err) {
			return nil, &ResponseError{Code: CodeNonexistent, Message: "Selected mailbox does not exist", Err: err}
		}
		return nil, internalError("find mailbox", err)
	}
	return s.quotaRoot(ctx, sess.User)
}

func (s *LocalIngestor) quotaRoot(ctx context.Context, user *User) (*QuotaRoot, error) {
	used, err := s.quota.GetStorageUsed(ctx, user)
	if err != nil {
		return nil, internalError("storage used", err)
	}
	return &QuotaRoot{Root: "", Quota: s.quota.Ceiling(), StorageUsed: used}, nil
}

func tryCreate(path string) error {
	return &ResponseError{
		Code:    CodeTryCreate,
		Message: fmt.Sprintf("Destination mailbox %q does not exist", path),
		Err:     ErrNotFound,
	}
}

// newMagic returns a random positive magic number for body references.
func newMagic() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano() & 0x7fffffff
	}
	return int64(binary.BigEndian.Uint64(b[:])&0x7fffffff) + 1
}
