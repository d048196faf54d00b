package mailer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/rbaliyan/mailhost/retry"
)

type received struct {
	from string
	to   []string
	data []byte
}

type backend struct {
	mu       sync.Mutex
	msgs     []received
	failures int
	failErr  *smtp.SMTPError
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{be: b}, nil
}

type session struct {
	be  *backend
	cur received
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.be.mu.Lock()
	defer s.be.mu.Unlock()
	if s.be.failures > 0 {
		s.be.failures--
		return s.be.failErr
	}
	s.cur.data = data
	s.be.msgs = append(s.be.msgs, s.cur)
	return nil
}

func (b *backend) snapshot() ([]received, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.msgs...), b.failures
}

func (s *session) Reset()        { s.cur = received{} }
func (s *session) Logout() error { return nil }

func startServer(t *testing.T, be *backend) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestSend(t *testing.T) {
	be := &backend{}
	addr := startServer(t, be)
	c := New(addr, "noreply@example.com", WithRetryPolicy(fastPolicy()))

	err := c.Send(context.Background(), Notice{
		To:      []string{"owner@example.com"},
		Cc:      []string{"noreply@example.com"},
		Subject: "PGP encryption error",
		Text:    "Your key could not be used.",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, _ := be.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.from != "noreply@example.com" {
		t.Errorf("from = %q", got.from)
	}
	if len(got.to) != 2 {
		t.Errorf("rcpts = %v, want owner and cc", got.to)
	}

	mr, err := mail.CreateReader(strings.NewReader(string(got.data)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	subject, _ := mr.Header.Subject()
	if subject != "PGP encryption error" {
		t.Errorf("subject = %q", subject)
	}
	if mr.Header.Get("Message-Id") == "" {
		t.Error("missing Message-Id")
	}
	p, err := mr.NextPart()
	if err != nil {
		t.Fatalf("next part: %v", err)
	}
	body, _ := io.ReadAll(bufio.NewReader(p.Body))
	if !strings.Contains(string(body), "Your key could not be used.") {
		t.Errorf("body = %q", body)
	}
}

func TestSendRetries(t *testing.T) {
	t.Run("temporary failure is retried", func(t *testing.T) {
		be := &backend{failures: 1, failErr: &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"}}
		addr := startServer(t, be)
		c := New(addr, "noreply@example.com", WithRetryPolicy(fastPolicy()))
		if err := c.Send(context.Background(), Notice{To: []string{"a@example.com"}, Subject: "x", Text: "y"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if msgs, _ := be.snapshot(); len(msgs) != 1 {
			t.Errorf("received %d messages, want 1", len(msgs))
		}
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		be := &backend{failures: 2, failErr: &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "rejected"}}
		addr := startServer(t, be)
		c := New(addr, "noreply@example.com", WithRetryPolicy(fastPolicy()))
		err := c.Send(context.Background(), Notice{To: []string{"a@example.com"}, Subject: "x", Text: "y"})
		if !errors.Is(err, retry.ErrPermanent) {
			t.Fatalf("got %v, want permanent failure", err)
		}
		if _, left := be.snapshot(); left != 1 {
			t.Errorf("server saw %d attempts, want 1", 2-left)
		}
	})
}

func TestSendNoRecipients(t *testing.T) {
	c := New("127.0.0.1:1", "noreply@example.com")
	if err := c.Send(context.Background(), Notice{Subject: "x"}); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("got %v, want ErrNoRecipients", err)
	}
}
