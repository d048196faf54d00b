// Package worker is the storage worker. It owns the per-owner database
// files under a data directory and answers wsp requests for them. All
// writes for one owner pass through this process, one request at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rbaliyan/mailhost"
	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/wsp"
)

// Firer wakes an owner's idle sessions. notify.Notifier implements it.
type Firer interface {
	Fire(ctx context.Context, owner string)
}

// Accounts is the part of the document store the worker reads and
// updates when measuring an owner. store.Store implements it.
type Accounts interface {
	store.OwnerStore
	SumMessageSize(ctx context.Context, owner string) (int64, error)
}

// Worker handles storage actions for the owners in one data directory.
type Worker struct {
	dataDir string
	owners  Accounts
	logger  *slog.Logger
	metrics *Metrics
	firer   Firer
	clock   func() time.Time

	ingestor mailhost.Ingestor

	mu       sync.RWMutex
	sessions map[string]map[string]wsp.Session // owner -> session id -> session
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithFirer sets what sync requests wake.
func WithFirer(f Firer) Option {
	return func(w *Worker) {
		if f != nil {
			w.firer = f
		}
	}
}

// WithClock sets the time source.
func WithClock(fn func() time.Time) Option {
	return func(w *Worker) {
		if fn != nil {
			w.clock = fn
		}
	}
}

// New creates a worker for dataDir, creating the directory if needed.
func New(dataDir string, owners Accounts, opts ...Option) (*Worker, error) {
	if dataDir == "" {
		return nil, errors.New("worker: data directory is required")
	}
	if owners == nil {
		return nil, errors.New("worker: owner store is required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	w := &Worker{
		dataDir:  dataDir,
		owners:   owners,
		logger:   slog.Default(),
		metrics:  NewMetrics(),
		clock:    time.Now,
		sessions: make(map[string]map[string]wsp.Session),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Metrics returns the worker's collectors.
func (w *Worker) Metrics() *Metrics {
	return w.metrics
}

// Register installs the worker's handlers on srv. ing runs append and
// quota requests; it is usually a LocalIngestor built with this worker
// as its SizeRefresher.
func (w *Worker) Register(srv *wsp.Server, ing mailhost.Ingestor) {
	w.ingestor = ing
	srv.Handle(wsp.ActionAppend, w.handleAppend)
	srv.Handle(wsp.ActionGetQuota, w.handleGetQuota)
	srv.Handle(wsp.ActionGetQuotaRoot, w.handleGetQuotaRoot)
	srv.Handle(wsp.ActionSize, w.handleSize)
	srv.Handle(wsp.ActionSync, w.handleSync)
	srv.Handle(wsp.ActionTmp, w.handleTmp)
	srv.Handle(wsp.ActionSetup, w.handleSetup)
	srv.Handle(wsp.ActionReset, w.handleReset)
	srv.Handle(wsp.ActionRekey, w.handleRekey)
}

// RefreshSize measures the owner and stores the result.
// It makes Worker a mailhost.SizeRefresher.
func (w *Worker) RefreshSize(ctx context.Context, owner string) error {
	_, err := w.Size(ctx, owner)
	return err
}

// Size adds the owner's stored message bytes to the size of the owner's
// database files, stores the total as the owner's storage_used and
// returns it.
func (w *Worker) Size(ctx context.Context, owner string) (int64, error) {
	if err := checkOwner(owner); err != nil {
		return 0, err
	}
	files, err := diskUsage(ctx, w.accountedFiles(owner))
	if err != nil {
		return 0, fmt.Errorf("measure storage: %w", err)
	}
	messages, err := w.owners.SumMessageSize(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("sum message size: %w", err)
	}
	used := files + messages
	if err := w.owners.SetStorageUsed(ctx, owner, used); err != nil {
		return 0, fmt.Errorf("set storage used: %w", err)
	}
	w.metrics.ownerBytes.Observe(float64(used))
	w.logger.Debug("storage size refreshed", "owner", owner, "bytes", used, "message_bytes", messages)
	return used, nil
}

// Sessions returns the sessions last synced for owner.
func (w *Worker) Sessions(owner string) []wsp.Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]wsp.Session, 0, len(w.sessions[owner]))
	for _, s := range w.sessions[owner] {
		out = append(out, s)
	}
	return out
}

// Reset removes every file of the owner and recomputes its accounting.
func (w *Worker) Reset(ctx context.Context, owner string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	files := append(w.accountedFiles(owner), sqliteFamily(w.stagedPath(owner))...)
	if err := removeFiles(files); err != nil {
		return fmt.Errorf("remove owner files: %w", err)
	}
	w.mu.Lock()
	delete(w.sessions, owner)
	w.mu.Unlock()
	return w.RefreshSize(ctx, owner)
}

func (w *Worker) handleAppend(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	if w.ingestor == nil {
		return nil, errors.New("no ingestor registered")
	}
	ar := mailhost.AppendRequest{Path: req.Path, Flags: req.Flags, Raw: req.Raw}
	if req.Date != nil {
		ar.Date = *req.Date
	}
	res, err := w.ingestor.Append(ctx, mailhost.SessionFromWire(req.Session), ar)
	if err != nil {
		return nil, mailhost.WireError(err)
	}
	out := &wsp.Result{Data: wsp.AppendData{
		UIDValidity: res.UIDValidity,
		UID:         res.UID,
		ID:          res.ID,
		Mailbox:     res.Mailbox,
		MailboxPath: res.MailboxPath,
		Size:        res.Size,
		Status:      res.Status,
	}}
	for _, r := range res.SideEffects {
		out.SideEffects = append(out.SideEffects, wsp.SideEffect{Command: r.Command, UID: r.UID})
	}
	return out, nil
}

func (w *Worker) handleGetQuota(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	if w.ingestor == nil {
		return nil, errors.New("no ingestor registered")
	}
	qr, err := w.ingestor.GetQuota(ctx, mailhost.SessionFromWire(req.Session), req.Root)
	if err != nil {
		return nil, mailhost.WireError(err)
	}
	return &wsp.Result{Data: wsp.QuotaData{Root: qr.Root, Quota: qr.Quota, StorageUsed: qr.StorageUsed}}, nil
}

func (w *Worker) handleGetQuotaRoot(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	if w.ingestor == nil {
		return nil, errors.New("no ingestor registered")
	}
	qr, err := w.ingestor.GetQuotaRoot(ctx, mailhost.SessionFromWire(req.Session), req.Path)
	if err != nil {
		return nil, mailhost.WireError(err)
	}
	return &wsp.Result{Data: wsp.QuotaData{Root: qr.Root, Quota: qr.Quota, StorageUsed: qr.StorageUsed}}, nil
}

func (w *Worker) handleSize(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	used, err := w.Size(ctx, req.Owner())
	if err != nil {
		return nil, badRequest(err)
	}
	return &wsp.Result{Data: wsp.SizeData{StorageUsed: used}}, nil
}

func (w *Worker) handleSync(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	if req.Session == nil || req.Session.User == nil || req.Session.ID == "" {
		return nil, &wsp.Error{Code: wsp.CodeBadRequest, Message: "sync requires a session with a user"}
	}
	var data wsp.SyncData
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return nil, &wsp.Error{Code: wsp.CodeBadRequest, Message: "invalid sync data: " + err.Error()}
		}
	}
	owner := req.Session.User.AliasID

	w.mu.Lock()
	if data.Closed {
		delete(w.sessions[owner], req.Session.ID)
		if len(w.sessions[owner]) == 0 {
			delete(w.sessions, owner)
		}
	} else {
		if w.sessions[owner] == nil {
			w.sessions[owner] = make(map[string]wsp.Session)
		}
		w.sessions[owner][req.Session.ID] = *req.Session
	}
	w.mu.Unlock()

	if w.firer != nil && !data.Closed {
		w.firer.Fire(ctx, owner)
	}
	return &wsp.Result{}, nil
}

func (w *Worker) handleTmp(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	owner := req.Owner()
	if len(req.Raw) == 0 {
		return nil, &wsp.Error{Code: wsp.CodeBadRequest, Message: "raw message is required"}
	}
	if len(req.Raw) > mailhost.MaxMessageSize {
		return nil, &wsp.Error{Code: mailhost.CodeMessageTooLarge, Message: "message exceeds maximum size"}
	}
	msg := StagedMessage{Path: req.Path, Raw: req.Raw}
	if msg.Path == "" {
		msg.Path = "INBOX"
	}
	msg.Flags = req.Flags
	if req.Date != nil {
		msg.IDate = *req.Date
	}
	id, err := w.Stage(ctx, owner, msg)
	if err != nil {
		return nil, badRequest(err)
	}
	return &wsp.Result{Data: wsp.StageData{ID: id}}, nil
}

func (w *Worker) handleSetup(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	owner := req.Owner()
	if err := w.Setup(ctx, owner); err != nil {
		return nil, badRequest(err)
	}
	replayed := 0
	if req.Session != nil && req.Session.User != nil && w.ingestor != nil {
		n, err := w.replayStaged(ctx, mailhost.SessionFromWire(req.Session))
		if err != nil {
			w.logger.Warn("staged messages not fully replayed", "owner", owner, "replayed", n, "error", err)
		}
		replayed = n
	}
	if err := w.RefreshSize(ctx, owner); err != nil {
		w.logger.Warn("storage size refresh failed", "owner", owner, "error", err)
	}
	return &wsp.Result{Data: wsp.SetupData{Replayed: replayed}}, nil
}

func (w *Worker) handleReset(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	if err := w.Reset(ctx, req.Owner()); err != nil {
		return nil, badRequest(err)
	}
	return &wsp.Result{}, nil
}

func (w *Worker) handleRekey(ctx context.Context, req *wsp.Request) (*wsp.Result, error) {
	return nil, &wsp.Error{Code: mailhost.CodeUnsupported, Message: "rekey is not supported by this worker"}
}

func badRequest(err error) error {
	if errors.Is(err, ErrInvalidOwner) {
		return &wsp.Error{Code: wsp.CodeBadRequest, Message: err.Error()}
	}
	return err
}
