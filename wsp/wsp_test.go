package wsp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/mailhost/retry"
)

func fastDial(attempts int) retry.Policy {
	return retry.Policy{Attempts: attempts, Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newPair(t *testing.T, srv *Server, opts ...ClientOption) *Client {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	c := NewClient(wsURL(hs.URL), append([]ClientOption{WithDialPolicy(fastDial(1))}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	srv := NewServer()
	srv.Handle(ActionSize, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{
			Data:        SizeData{StorageUsed: int64(len(req.AliasID))},
			SideEffects: []SideEffect{{Command: "EXISTS", UID: 7}},
		}, nil
	})
	c := newPair(t, srv)

	resp, err := c.Call(context.Background(), &Request{Action: ActionSize, AliasID: "alias-1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected OK response")
	}
	var data SizeData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.StorageUsed != 7 {
		t.Errorf("StorageUsed = %d, want 7", data.StorageUsed)
	}
	if len(resp.SideEffects) != 1 || resp.SideEffects[0].Command != "EXISTS" || resp.SideEffects[0].UID != 7 {
		t.Errorf("SideEffects = %+v", resp.SideEffects)
	}
}

func TestCallErrors(t *testing.T) {
	srv := NewServer()
	srv.Handle(ActionAppend, func(ctx context.Context, req *Request) (*Result, error) {
		return nil, &Error{Code: "OVERQUOTA", Message: "quota exceeded"}
	})
	srv.Handle(ActionReset, func(ctx context.Context, req *Request) (*Result, error) {
		return nil, errors.New("disk on fire")
	})
	srv.Handle(ActionSetup, func(ctx context.Context, req *Request) (*Result, error) {
		panic("boom")
	})
	c := newPair(t, srv)

	tests := []struct {
		name     string
		action   string
		wantCode string
		wantMsg  string
	}{
		{"coded error", ActionAppend, "OVERQUOTA", "quota exceeded"},
		{"plain error", ActionReset, "", "disk on fire"},
		{"panic", ActionSetup, "", "internal error"},
		{"unknown action", "nope", CodeUnknownAction, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Call(context.Background(), &Request{Action: tt.action, AliasID: "a"})
			var werr *Error
			if !errors.As(err, &werr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if werr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", werr.Code, tt.wantCode)
			}
			if !strings.Contains(werr.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", werr.Message, tt.wantMsg)
			}
			if resp == nil || resp.OK {
				t.Errorf("resp = %+v, want failed response", resp)
			}
		})
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv := NewServer()
	srv.Handle(ActionSync, func(ctx context.Context, req *Request) (*Result, error) {
		<-release
		return nil, nil
	})
	c := newPair(t, srv)

	start := time.Now()
	_, err := c.Call(context.Background(), &Request{Action: ActionSync, TimeoutMS: 50})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %s", elapsed)
	}
}

func TestHandlerDeadline(t *testing.T) {
	srv := NewServer()
	srv.Handle(ActionSync, func(ctx context.Context, req *Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newPair(t, srv)

	// The handler context ends with the request timeout; the client may see
	// either the worker's TIMEOUT answer or its own deadline first.
	_, err := c.Call(context.Background(), &Request{Action: ActionSync, TimeoutMS: 30})
	var werr *Error
	if errors.As(err, &werr) {
		if werr.Code != CodeTimeout {
			t.Errorf("Code = %q, want %q", werr.Code, CodeTimeout)
		}
	} else if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestSameOwnerSerialized(t *testing.T) {
	var active, peak atomic.Int32
	srv := NewServer()
	srv.Handle(ActionAppend, func(ctx context.Context, req *Request) (*Result, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &Result{}, nil
	})
	c := newPair(t, srv)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), &Request{
				Action:  ActionAppend,
				Session: &Session{ID: "s1", User: &User{AliasID: "owner-1"}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency for one owner = %d, want 1", got)
	}
}

func TestQueuedRequestTimesOutWithoutRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32
	observed := make(chan error, 2)
	srv := NewServer(WithObserver(func(_ string, _ time.Duration, err error) { observed <- err }))
	srv.Handle(ActionAppend, func(ctx context.Context, req *Request) (*Result, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return &Result{}, nil
	})
	c := newPair(t, srv)
	owner := &Session{ID: "s1", User: &User{AliasID: "owner-1"}}

	first := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), &Request{Action: ActionAppend, Session: owner, TimeoutMS: 5000})
		first <- err
	}()
	<-started

	_, err := c.Call(context.Background(), &Request{Action: ActionAppend, Session: owner, TimeoutMS: 50})
	var werr *Error
	if errors.As(err, &werr) {
		if werr.Code != CodeTimeout {
			t.Errorf("Code = %q, want %q", werr.Code, CodeTimeout)
		}
	} else if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	// The worker must have answered the queued request before the owner
	// frees up.
	if err := <-observed; err == nil {
		t.Error("queued request reported success")
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Call: %v", err)
	}
	srv.Wait()
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1: the queued request ran after its deadline", got)
	}
}

func TestDifferentOwnersParallel(t *testing.T) {
	gate := make(chan struct{})
	var arrived atomic.Int32
	srv := NewServer()
	srv.Handle(ActionSize, func(ctx context.Context, req *Request) (*Result, error) {
		if arrived.Add(1) == 2 {
			close(gate)
		}
		select {
		case <-gate:
			return &Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	c := newPair(t, srv)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, owner := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Call(context.Background(), &Request{Action: ActionSize, AliasID: owner, TimeoutMS: 2000})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

func TestDialRetry(t *testing.T) {
	srv := NewServer()
	srv.Handle(ActionSize, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	})

	t.Run("retries unavailable worker", func(t *testing.T) {
		var attempts atomic.Int32
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				http.Error(w, "starting", http.StatusServiceUnavailable)
				return
			}
			srv.ServeHTTP(w, r)
		}))
		t.Cleanup(hs.Close)

		c := NewClient(wsURL(hs.URL), WithDialPolicy(fastDial(5)))
		t.Cleanup(func() { c.Close() })
		if _, err := c.Call(context.Background(), &Request{Action: ActionSize, AliasID: "a"}); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got := attempts.Load(); got != 3 {
			t.Errorf("handshake attempts = %d, want 3", got)
		}
	})

	t.Run("does not retry rejected handshake", func(t *testing.T) {
		var attempts atomic.Int32
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			http.Error(w, "forbidden", http.StatusForbidden)
		}))
		t.Cleanup(hs.Close)

		c := NewClient(wsURL(hs.URL), WithDialPolicy(fastDial(5)))
		t.Cleanup(func() { c.Close() })
		if _, err := c.Call(context.Background(), &Request{Action: ActionSize}); err == nil {
			t.Fatal("expected dial error")
		}
		if got := attempts.Load(); got != 1 {
			t.Errorf("handshake attempts = %d, want 1", got)
		}
	})
}

func TestClientClose(t *testing.T) {
	srv := NewServer()
	srv.Handle(ActionSize, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	})
	c := newPair(t, srv)

	if err := c.RefreshSize(context.Background(), "a"); err != nil {
		t.Fatalf("RefreshSize: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Call(context.Background(), &Request{Action: ActionSize}); !errors.Is(err, ErrClosed) {
		t.Errorf("error after Close = %v, want ErrClosed", err)
	}
}

func TestObserver(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	srv := NewServer(WithObserver(func(action string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			action += ":err"
		}
		seen[action]++
	}))
	srv.Handle(ActionSize, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	})
	c := newPair(t, srv)

	c.Call(context.Background(), &Request{Action: ActionSize})
	c.Call(context.Background(), &Request{Action: "missing"})
	srv.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen[ActionSize] != 1 || seen["missing:err"] != 1 {
		t.Errorf("observed = %v", seen)
	}
}
