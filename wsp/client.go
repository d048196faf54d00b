package wsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rbaliyan/mailhost/retry"
)

// Default client settings.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultSizeTimeout = 5 * time.Second
)

// Client calls a storage worker. It dials lazily on the first call and
// redials after the connection breaks. Safe for concurrent use.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *clientConn
	closed bool
}

// clientConn is one websocket connection and its in-flight calls.
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	dead    chan struct{}
	err     error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHeader sets headers sent with the websocket handshake.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.header = h
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithDialPolicy sets the retry policy for dialing.
func WithDialPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithTimeout sets the timeout of requests that do not set their own.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the worker at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		policy:  retry.DefaultPolicy(),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req and waits for its response. The wait is bounded by the
// request timeout. A response with OK=false is returned together with its
// *Error.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	timeout := req.Timeout(c.timeout)
	req.TimeoutMS = timeout.Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cc, err := c.connect(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: dial: %v", ErrTimeout, req.Action, err)
		}
		return nil, err
	}

	ch := make(chan *Response, 1)
	if !cc.register(req.ID, ch) {
		return nil, fmt.Errorf("%w: %v", ErrClosed, cc.err)
	}
	defer cc.unregister(req.ID)

	cc.writeMu.Lock()
	if d, ok := ctx.Deadline(); ok {
		cc.ws.SetWriteDeadline(d)
	}
	err = cc.ws.WriteJSON(req)
	cc.writeMu.Unlock()
	if err != nil {
		c.drop(cc, err)
		return nil, fmt.Errorf("%w: write %s: %v", ErrClosed, req.Action, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error == nil {
				resp.Error = &Error{Message: "request failed"}
			}
			return resp, resp.Error
		}
		return resp, nil
	case <-cc.dead:
		return nil, fmt.Errorf("%w: %s: %v", ErrClosed, req.Action, cc.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Action, timeout)
		}
		return nil, ctx.Err()
	}
}

// RefreshSize asks the worker to recompute and store the owner's usage.
func (c *Client) RefreshSize(ctx context.Context, aliasID string) error {
	_, err := c.Call(ctx, &Request{
		Action:    ActionSize,
		TimeoutMS: DefaultSizeTimeout.Milliseconds(),
		AliasID:   aliasID,
	})
	return err
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cc == nil {
		return nil
	}
	cc.fail(ErrClosed)
	return cc.ws.Close()
}

func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	policy := c.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("worker dial failed, retrying", "url", c.url, "attempt", attempt, "wait", wait, "error", err)
	}
	ws, err := retry.Value(ctx, policy, func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(fmt.Errorf("handshake status %d: %w", resp.StatusCode, err))
		}
		return ws, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial worker: %w", err)
	}
	ws.SetReadLimit(MaxFrameSize)

	cc := &clientConn{
		ws:      ws,
		pending: make(map[string]chan *Response),
		dead:    make(chan struct{}),
	}
	c.conn = cc
	go c.readLoop(cc)
	return cc, nil
}

func (c *Client) readLoop(cc *clientConn) {
	for {
		var resp Response
		if err := cc.ws.ReadJSON(&resp); err != nil {
			c.drop(cc, err)
			return
		}
		cc.mu.Lock()
		ch := cc.pending[resp.ID]
		delete(cc.pending, resp.ID)
		cc.mu.Unlock()
		if ch == nil {
			c.logger.Debug("response for unknown request", "id", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// drop forgets a broken connection so the next call redials.
func (c *Client) drop(cc *clientConn, err error) {
	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()
	if cc.fail(err) {
		cc.ws.Close()
	}
}

func (cc *clientConn) register(id string, ch chan *Response) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.err != nil {
		return false
	}
	cc.pending[id] = ch
	return true
}

func (cc *clientConn) unregister(id string) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

// fail marks the connection dead. Returns false if it already was.
func (cc *clientConn) fail(err error) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.err != nil {
		return false
	}
	cc.err = err
	close(cc.dead)
	return true
}
