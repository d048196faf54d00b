package wsp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// Result is what a handler returns on success.
type Result struct {
	Data        any
	SideEffects []SideEffect
}

// HandlerFunc handles one action. Return an *Error to send a response code.
type HandlerFunc func(ctx context.Context, req *Request) (*Result, error)

// ObserveFunc is called after every handled request.
type ObserveFunc func(action string, d time.Duration, err error)

// Server dispatches worker requests arriving over websockets. Requests
// for the same owner are handled one at a time; different owners run in
// parallel. A request's timeout runs from receipt, so time spent queued
// behind the owner's other requests counts against it.
type Server struct {
	upgrader websocket.Upgrader
	handlers map[string]HandlerFunc
	timeout  time.Duration
	observe  ObserveFunc
	logger   *slog.Logger

	owners sync.Map // owner -> *semaphore.Weighted
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets a callback for request metrics.
func WithObserver(fn ObserveFunc) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.observe = fn
		}
	}
}

// WithDefaultTimeout bounds requests that carry no timeout.
func WithDefaultTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCheckOrigin sets the handshake origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

// NewServer creates a server with no handlers.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for action. Must not be called while serving.
func (s *Server) Handle(action string, h HandlerFunc) {
	s.handlers[action] = h
}

// ServeHTTP upgrades the connection and serves requests until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(MaxFrameSize)
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteJSON(resp); err != nil {
			s.logger.Warn("failed to write response", "id", resp.ID, "error", err)
		}
	}

	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("worker connection closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		conns.Add(1)
		s.wg.Add(1)
		go func() {
			defer conns.Done()
			defer s.wg.Done()
			send(s.dispatch(ctx, &req))
		}()
	}
}

// Wait blocks until all in-flight requests are answered.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp, err := s.handle(ctx, req)
	if s.observe != nil {
		s.observe(req.Action, time.Since(start), err)
	}
	return resp
}

func (s *Server) handle(ctx context.Context, req *Request) (resp *Response, err error) {
	resp = &Response{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in worker handler", "action", req.Action, "panic", r)
			err = errors.New("internal error")
		}
		if err != nil {
			resp.OK = false
			resp.Data = nil
			resp.SideEffects = nil
			resp.Error = toError(err)
		}
	}()

	h, ok := s.handlers[req.Action]
	if !ok {
		return resp, &Error{Code: CodeUnknownAction, Message: ErrUnknownAction.Error() + ": " + req.Action}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout(s.timeout))
	defer cancel()

	if owner := req.Owner(); owner != "" {
		semAny, _ := s.owners.LoadOrStore(owner, semaphore.NewWeighted(1))
		sem := semAny.(*semaphore.Weighted)
		if err := sem.Acquire(ctx, 1); err != nil {
			return resp, &Error{Code: CodeTimeout, Message: "timed out waiting for owner " + owner + ": " + err.Error()}
		}
		defer sem.Release(1)
		// Acquire may win the race against an expired deadline.
		if err := ctx.Err(); err != nil {
			return resp, &Error{Code: CodeTimeout, Message: err.Error()}
		}
	}

	res, err := h(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return resp, &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return resp, err
	}

	resp.OK = true
	if res != nil {
		resp.SideEffects = res.SideEffects
		if res.Data != nil {
			data, err := json.Marshal(res.Data)
			if err != nil {
				return resp, err
			}
			resp.Data = data
		}
	}
	return resp, nil
}

func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Message: err.Error()}
}
