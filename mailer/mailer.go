// Package mailer sends operational notices to mailbox owners through an
// SMTP relay.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rbaliyan/mailhost/retry"
)

// ErrNoRecipients is returned when a notice has no To addresses.
var ErrNoRecipients = errors.New("mailer: no recipients")

// Notice is a plain text message to an owner.
type Notice struct {
	To      []string
	Cc      []string
	Subject string
	Text    string
}

// Client submits notices to an SMTP relay.
type Client struct {
	addr   string
	from   string
	auth   func() sasl.Client
	policy retry.Policy
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPlainAuth authenticates with SASL PLAIN.
func WithPlainAuth(username, password string) Option {
	return func(c *Client) {
		if username != "" {
			c.auth = func() sasl.Client { return sasl.NewPlainClient("", username, password) }
		}
	}
}

// WithRetryPolicy sets the submission retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client submitting to addr (host:port) as from.
func New(addr, from string, opts ...Option) *Client {
	c := &Client{
		addr:   addr,
		from:   from,
		policy: retry.DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = isTemporary
	}
	return c
}

// From returns the envelope sender.
func (c *Client) From() string {
	return c.from
}

// Send composes n and submits it, retrying transient relay failures.
func (c *Client) Send(ctx context.Context, n Notice) error {
	if len(n.To) == 0 {
		return ErrNoRecipients
	}
	raw, err := c.compose(n)
	if err != nil {
		return fmt.Errorf("compose notice: %w", err)
	}

	rcpts := append(append([]string(nil), n.To...), n.Cc...)
	policy := c.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("retrying notice submission", "attempt", attempt, "wait", wait, "error", err)
	}
	return policy.Do(ctx, func(context.Context) error {
		var auth sasl.Client
		if c.auth != nil {
			auth = c.auth()
		}
		return smtp.SendMail(c.addr, auth, c.from, rcpts, bytes.NewReader(raw))
	})
}

func (c *Client) compose(n Notice) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(n.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: c.from}})
	h.SetAddressList("To", addresses(n.To))
	if len(n.Cc) > 0 {
		h.SetAddressList("Cc", addresses(n.Cc))
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, n.Text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// isTemporary retries 4xx replies and connection failures, not 5xx replies.
func isTemporary(err error) bool {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return retry.IsTemporary(err)
}
