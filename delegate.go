package mailhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/mailhost/wsp"
)

// WorkerClient sends requests to an owner's storage worker.
// wsp.Client implements it.
type WorkerClient interface {
	Call(ctx context.Context, req *wsp.Request) (*wsp.Response, error)
}

// DelegatingIngestor forwards every call to the storage worker, which runs
// a LocalIngestor of its own. Used by the protocol front end.
type DelegatingIngestor struct {
	client  WorkerClient
	logger  *slog.Logger
	otel    *otelInstrumentation
	timeout time.Duration
}

var _ Ingestor = (*DelegatingIngestor)(nil)

// NewDelegatingIngestor creates an ingestor that delegates to client.
// Store options are ignored.
func NewDelegatingIngestor(client WorkerClient, opts ...Option) (*DelegatingIngestor, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	o := newOptions(opts...)
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	return &DelegatingIngestor{
		client:  client,
		logger:  o.logger,
		otel:    otelInstr,
		timeout: wsp.DefaultTimeout,
	}, nil
}

// Append forwards the message to the worker. Untagged responses produced
// by the worker are written to sess.Writer in order, or returned in
// SideEffects when the session has no writer.
func (d *DelegatingIngestor) Append(ctx context.Context, sess *Session, req AppendRequest) (res *AppendResult, err error) {
	start := time.Now()
	ctx, endSpan := d.otel.startSpan(ctx, "mailhost.DelegatedAppend",
		attribute.String("mailbox.path", req.Path),
		attribute.Int("message.size", len(req.Raw)),
	)
	defer func() {
		endSpan(err)
		d.otel.recordAppend(ctx, time.Since(start), err)
	}()

	if err := validateSession(sess); err != nil {
		return nil, err
	}
	// Rejected here so an oversized message never crosses the channel.
	if err := checkMessageSize(len(req.Raw)); err != nil {
		return nil, err
	}

	wreq := &wsp.Request{
		Action:    wsp.ActionAppend,
		TimeoutMS: d.timeout.Milliseconds(),
		Session:   toWireSession(sess),
		Path:      req.Path,
		Flags:     req.Flags,
		Raw:       req.Raw,
	}
	if !req.Date.IsZero() {
		date := req.Date
		wreq.Date = &date
	}

	resp, err := d.client.Call(ctx, wreq)
	if err != nil {
		return nil, d.mapError("append", err)
	}

	var data wsp.AppendData
	if err := decodeData(resp, &data); err != nil {
		return nil, internalError("decode append result", err)
	}
	res = &AppendResult{
		UIDValidity: data.UIDValidity,
		UID:         data.UID,
		ID:          data.ID,
		Mailbox:     data.Mailbox,
		MailboxPath: data.MailboxPath,
		Size:        data.Size,
		Status:      data.Status,
	}
	for _, se := range resp.SideEffects {
		r := Response{Command: se.Command, UID: se.UID}
		if sess.Writer == nil {
			res.SideEffects = append(res.SideEffects, r)
			continue
		}
		if err := sess.Writer.WriteResponse(r); err != nil {
			d.logger.Warn("failed to write side effect", "session", sess.ID, "command", se.Command, "error", err)
		}
	}
	return res, nil
}

// GetQuota forwards GETQUOTA.
func (d *DelegatingIngestor) GetQuota(ctx context.Context, sess *Session, root string) (*QuotaRoot, error) {
	if err := validateSession(sess); err != nil {
		return nil, err
	}
	return d.quota(ctx, &wsp.Request{
		Action:  wsp.ActionGetQuota,
		Session: toWireSession(sess),
		Root:    root,
	})
}

// GetQuotaRoot forwards GETQUOTAROOT.
func (d *DelegatingIngestor) GetQuotaRoot(ctx context.Context, sess *Session, path string) (*QuotaRoot, error) {
	if err := validateSession(sess); err != nil {
		return nil, err
	}
	return d.quota(ctx, &wsp.Request{
		Action:  wsp.ActionGetQuotaRoot,
		Session: toWireSession(sess),
		Path:    path,
	})
}

func (d *DelegatingIngestor) quota(ctx context.Context, req *wsp.Request) (*QuotaRoot, error) {
	start := time.Now()
	defer func() { d.otel.recordQuota(ctx, time.Since(start), req.Action) }()

	req.TimeoutMS = d.timeout.Milliseconds()
	resp, err := d.client.Call(ctx, req)
	if err != nil {
		return nil, d.mapError(req.Action, err)
	}
	var data wsp.QuotaData
	if err := decodeData(resp, &data); err != nil {
		return nil, internalError("decode quota", err)
	}
	return &QuotaRoot{Root: data.Root, Quota: data.Quota, StorageUsed: data.StorageUsed}, nil
}

// Close closes the client if it can be closed.
func (d *DelegatingIngestor) Close(ctx context.Context) error {
	if c, ok := d.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// mapError turns worker failures into the package's error taxonomy.
// Response codes survive the hop; everything else is internal.
func (d *DelegatingIngestor) mapError(op string, err error) error {
	var werr *wsp.Error
	if errors.As(err, &werr) && isResponseCode(werr.Code) {
		return &ResponseError{Code: werr.Code, Message: werr.Message, Err: err}
	}
	d.logger.Error("storage worker call failed", "action", op, "error", err)
	return internalError("worker "+op, err)
}

func isResponseCode(code string) bool {
	switch code {
	case CodeOverQuota, CodeTryCreate, CodeNonexistent, CodeAlreadyExists, CodeMessageTooLarge, CodeUnsupported:
		return true
	}
	return false
}

func decodeData(resp *wsp.Response, v any) error {
	if resp == nil || len(resp.Data) == 0 {
		return errors.New("empty response data")
	}
	return json.Unmarshal(resp.Data, v)
}

func toWireSession(sess *Session) *wsp.Session {
	ws := &wsp.Session{
		ID:             sess.ID,
		RemoteAddress:  sess.RemoteAddress,
		ClientHostname: sess.ClientHostname,
		Selected:       sess.Selected,
	}
	if u := sess.User; u != nil {
		ws.User = &wsp.User{
			AliasID:   u.AliasID,
			DomainID:  u.DomainID,
			Username:  u.Username,
			Email:     u.Email,
			Locale:    u.Locale,
			HasPGP:    u.HasPGP,
			PublicKey: u.PublicKey,
		}
	}
	return ws
}

// SessionFromWire rebuilds a session received by the storage worker.
// The writer is left nil so untagged responses become side effects.
func SessionFromWire(ws *wsp.Session) *Session {
	if ws == nil {
		return nil
	}
	sess := &Session{
		ID:             ws.ID,
		RemoteAddress:  ws.RemoteAddress,
		ClientHostname: ws.ClientHostname,
		Selected:       ws.Selected,
	}
	if u := ws.User; u != nil {
		sess.User = &User{
			AliasID:   u.AliasID,
			DomainID:  u.DomainID,
			Username:  u.Username,
			Email:     u.Email,
			Locale:    u.Locale,
			HasPGP:    u.HasPGP,
			PublicKey: u.PublicKey,
		}
	}
	return sess
}

// WireError converts err for a worker response. Response codes are kept
// so the front end can rebuild the ResponseError.
func WireError(err error) error {
	var re *ResponseError
	if errors.As(err, &re) {
		msg := re.Message
		if msg == "" {
			msg = re.Code
		}
		return &wsp.Error{Code: re.Code, Message: msg}
	}
	return err
}
