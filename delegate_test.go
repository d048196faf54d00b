package mailhost

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailhost/wsp"
)

// workerFunc adapts a function to WorkerClient.
type workerFunc func(ctx context.Context, req *wsp.Request) (*wsp.Response, error)

func (f workerFunc) Call(ctx context.Context, req *wsp.Request) (*wsp.Response, error) {
	return f(ctx, req)
}

func jsonData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestNewDelegatingIngestorRequiresClient(t *testing.T) {
	if _, err := NewDelegatingIngestor(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("got %v, want ErrClientRequired", err)
	}
}

func TestDelegatedAppend(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var mu sync.Mutex
	var got *wsp.Request
	client := workerFunc(func(_ context.Context, req *wsp.Request) (*wsp.Response, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return &wsp.Response{
			ID: req.ID,
			OK: true,
			Data: jsonData(t, wsp.AppendData{
				UIDValidity: 7, UID: 3, ID: "m3", Mailbox: "mb1", MailboxPath: "INBOX", Size: 42, Status: StatusNew,
			}),
			SideEffects: []wsp.SideEffect{
				{Command: "EXISTS", UID: 3},
				{Command: "FETCH", UID: 2},
			},
		}, nil
	})

	d, err := NewDelegatingIngestor(client, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewDelegatingIngestor: %v", err)
	}

	t.Run("side effects returned", func(t *testing.T) {
		sess := testSession()
		sess.Selected = "mb1"
		res, err := d.Append(ctx, sess, AppendRequest{Path: "INBOX", Flags: []string{"\\Seen"}, Date: date, Raw: plainMessage(1)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if res.UID != 3 || res.UIDValidity != 7 || res.ID != "m3" || res.Size != 42 {
			t.Errorf("result = %+v", res)
		}
		want := []Response{{Command: "EXISTS", UID: 3}, {Command: "FETCH", UID: 2}}
		if len(res.SideEffects) != len(want) {
			t.Fatalf("side effects = %v", res.SideEffects)
		}
		for i := range want {
			if res.SideEffects[i] != want[i] {
				t.Errorf("side effect %d = %v, want %v", i, res.SideEffects[i], want[i])
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if got.Action != wsp.ActionAppend || got.Path != "INBOX" || got.Owner() != testOwner {
			t.Errorf("request = %+v", got)
		}
		if got.Session.Selected != "mb1" || got.Session.ID != sess.ID {
			t.Errorf("wire session = %+v", got.Session)
		}
		if got.Date == nil || !got.Date.Equal(date) {
			t.Errorf("date = %v", got.Date)
		}
		if got.TimeoutMS <= 0 {
			t.Errorf("timeout not propagated: %d", got.TimeoutMS)
		}
	})

	t.Run("side effects written in order", func(t *testing.T) {
		w := &recordingWriter{}
		sess := testSession()
		sess.Writer = w
		res, err := d.Append(ctx, sess, AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if len(res.SideEffects) != 0 {
			t.Errorf("side effects returned with a writer: %v", res.SideEffects)
		}
		if len(w.responses) != 2 || w.responses[0].Command != "EXISTS" || w.responses[1].Command != "FETCH" {
			t.Errorf("written = %v", w.responses)
		}
	})
}

func TestDelegatedAppendErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		callErr error
		check   func(error) bool
	}{
		{name: "over quota", callErr: &wsp.Error{Code: CodeOverQuota, Message: "Over quota"}, check: IsOverQuota},
		{name: "try create", callErr: &wsp.Error{Code: CodeTryCreate, Message: "missing"}, check: IsTryCreate},
		{name: "already exists", callErr: &wsp.Error{Code: CodeAlreadyExists, Message: "dup"}, check: IsAlreadyExists},
		{name: "worker failure", callErr: &wsp.Error{Message: "disk full"}, check: func(err error) bool { return errors.Is(err, ErrInternal) }},
		{name: "channel failure", callErr: errors.New("connection reset"), check: func(err error) bool { return errors.Is(err, ErrInternal) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := workerFunc(func(context.Context, *wsp.Request) (*wsp.Response, error) {
				return nil, tt.callErr
			})
			d, err := NewDelegatingIngestor(client, WithLogger(discardLogger()))
			if err != nil {
				t.Fatalf("NewDelegatingIngestor: %v", err)
			}
			_, err = d.Append(ctx, testSession(), AppendRequest{Path: "INBOX", Raw: plainMessage(1)})
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestDelegatedAppendTooLargeNotSent(t *testing.T) {
	calls := 0
	client := workerFunc(func(context.Context, *wsp.Request) (*wsp.Response, error) {
		calls++
		return nil, errors.New("unexpected call")
	})
	d, err := NewDelegatingIngestor(client)
	if err != nil {
		t.Fatalf("NewDelegatingIngestor: %v", err)
	}
	_, err = d.Append(context.Background(), testSession(), AppendRequest{Path: "INBOX", Raw: make([]byte, MaxMessageSize+1)})
	if !IsMessageTooLarge(err) {
		t.Errorf("got %v, want MESSAGETOOLARGE", err)
	}
	if calls != 0 {
		t.Errorf("worker called %d times", calls)
	}
}

func TestDelegatedQuota(t *testing.T) {
	ctx := context.Background()
	var actions []string
	client := workerFunc(func(_ context.Context, req *wsp.Request) (*wsp.Response, error) {
		actions = append(actions, req.Action)
		if req.Root != "" {
			return nil, &wsp.Error{Code: CodeNonexistent, Message: "No such quota root"}
		}
		return &wsp.Response{ID: req.ID, OK: true, Data: jsonData(t, wsp.QuotaData{Quota: 100, StorageUsed: 40})}, nil
	})
	d, err := NewDelegatingIngestor(client)
	if err != nil {
		t.Fatalf("NewDelegatingIngestor: %v", err)
	}

	qr, err := d.GetQuota(ctx, testSession(), "")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if qr.Quota != 100 || qr.StorageUsed != 40 {
		t.Errorf("quota = %+v", qr)
	}
	if _, err := d.GetQuota(ctx, testSession(), "x"); !IsNonexistent(err) {
		t.Errorf("got %v, want NONEXISTENT", err)
	}
	if _, err := d.GetQuotaRoot(ctx, testSession(), "INBOX"); err != nil {
		t.Errorf("GetQuotaRoot: %v", err)
	}
	want := []string{wsp.ActionGetQuota, wsp.ActionGetQuota, wsp.ActionGetQuotaRoot}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action %d = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestWireErrorRoundTrip(t *testing.T) {
	err := WireError(&ResponseError{Code: CodeTryCreate, Message: "Destination mailbox does not exist"})
	var werr *wsp.Error
	if !errors.As(err, &werr) {
		t.Fatalf("WireError returned %T", err)
	}
	if werr.Code != CodeTryCreate {
		t.Errorf("code = %q", werr.Code)
	}

	plain := errors.New("boom")
	if WireError(plain) != plain {
		t.Error("plain errors should pass through")
	}
}

func TestSessionFromWire(t *testing.T) {
	sess := pgpSession()
	sess.Selected = "mb1"
	back := SessionFromWire(toWireSession(sess))
	if back.ID != sess.ID || back.Selected != "mb1" || back.RemoteAddress != sess.RemoteAddress {
		t.Errorf("session = %+v", back)
	}
	if *back.User != *sess.User {
		t.Errorf("user = %+v, want %+v", back.User, sess.User)
	}
	if back.Writer != nil {
		t.Error("writer must not survive the hop")
	}
	if SessionFromWire(nil) != nil {
		t.Error("nil wire session")
	}
}
