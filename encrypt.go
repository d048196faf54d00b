package mailhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailhost/mailer"
	"github.com/rbaliyan/mailhost/store"
)

// NoticeSubject is the subject of the owner notice sent when encryption fails.
const NoticeSubject = "PGP encryption error"

// errEncryptPanic marks a failure caused by a bug rather than by the key
// or the message. No notice is sent for those.
var errEncryptPanic = errors.New("mailhost: encryption panicked")

// Encryptor applies owner-configured PGP encryption to incoming messages.
// A failure never blocks ingestion: the message is kept as received and
// the owner is told at most once per notice window.
type Encryptor struct {
	owners   store.OwnerStore
	encrypt  EncryptFunc
	mailer   Mailer
	from     string
	window   time.Duration
	clearAge time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	// spawn runs fn in the background with a detached context.
	spawn func(ctx context.Context, name string, fn func(ctx context.Context)) bool
	// onFailure is called after a non-defect failure was handled.
	onFailure func(ctx context.Context, user *User, err error, noticeSent bool)
}

// Apply returns raw encrypted to the user's key when the user has PGP
// enabled and the message is not a draft. On failure raw is returned.
func (e *Encryptor) Apply(ctx context.Context, user *User, flags []string, raw []byte) []byte {
	if hasFlag(flags, FlagDraft) || !user.HasPGP || user.PublicKey == "" {
		return raw
	}

	out, err := e.safeEncrypt(user.PublicKey, raw)
	if err == nil {
		e.spawn(ctx, "clear pgp error", func(ctx context.Context) {
			cutoff := e.clock().Add(-e.clearAge)
			if err := e.owners.ClearPGPErrorBefore(ctx, user.AliasID, cutoff); err != nil {
				e.logger.Warn("failed to clear pgp error marker", "owner", user.AliasID, "error", err)
			}
		})
		return out
	}

	if errors.Is(err, errEncryptPanic) {
		e.logger.Error("pgp encryption crashed", "owner", user.AliasID, "error", err)
		return raw
	}

	e.logger.Warn("pgp encryption failed, storing message as received", "owner", user.AliasID, "error", err)
	e.spawn(ctx, "pgp error notice", func(ctx context.Context) {
		sent := e.notify(ctx, user, err)
		if e.onFailure != nil {
			e.onFailure(ctx, user, err, sent)
		}
	})
	return raw
}

func (e *Encryptor) safeEncrypt(key string, raw []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errEncryptPanic, r)
		}
	}()
	return e.encrypt(key, raw)
}

// notify sends the throttled notice. Returns true if a notice went out.
func (e *Encryptor) notify(ctx context.Context, user *User, cause error) bool {
	to := user.Email
	if to == "" || e.mailer == nil {
		e.logger.Debug("no mailer or address for pgp notice", "owner", user.AliasID)
		return false
	}

	claimed := e.clock()
	ok, err := e.owners.ClaimPGPErrorNotice(ctx, user.AliasID, claimed, e.window)
	if err != nil {
		e.logger.Error("failed to claim pgp notice", "owner", user.AliasID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	n := mailer.Notice{
		To:      []string{to},
		Subject: NoticeSubject,
		Text: fmt.Sprintf("A message delivered to %s could not be encrypted with the public key "+
			"configured for this mailbox and was stored as received.\n\nError: %v\n\n"+
			"Check the key in your account settings. You will not be notified again for %s.\n",
			to, cause, e.window),
	}
	if e.from != "" {
		n.Cc = []string{e.from}
	}

	if err := e.mailer.Send(ctx, n); err != nil {
		e.logger.Error("failed to send pgp notice", "owner", user.AliasID, "error", err)
		if err := e.owners.ReleasePGPErrorNotice(ctx, user.AliasID, claimed); err != nil {
			e.logger.Error("failed to release pgp notice claim", "owner", user.AliasID, "error", err)
		}
		return false
	}
	if err := e.owners.SetPGPErrorSentAt(ctx, user.AliasID, e.clock()); err != nil {
		e.logger.Warn("failed to record pgp notice time", "owner", user.AliasID, "error", err)
	}
	return true
}
