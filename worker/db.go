package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rbaliyan/mailhost"
)

const ownerSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const stagedSchema = `
CREATE TABLE IF NOT EXISTS staged (
	id      TEXT PRIMARY KEY,
	path    TEXT NOT NULL,
	flags   TEXT NOT NULL,
	idate   INTEGER NOT NULL,
	raw     BLOB NOT NULL,
	created INTEGER NOT NULL
);
`

// StagedMessage is a message received for an owner whose database does
// not exist yet.
type StagedMessage struct {
	ID      string
	Path    string
	Flags   []string
	IDate   time.Time
	Raw     []byte
	Created time.Time
}

type stagedRow struct {
	ID      string `db:"id"`
	Path    string `db:"path"`
	Flags   string `db:"flags"`
	IDate   int64  `db:"idate"`
	Raw     []byte `db:"raw"`
	Created int64  `db:"created"`
}

func openSQLite(ctx context.Context, path, schema string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// Setup creates the owner's database in WAL mode. It is a no-op for an
// owner that is already set up.
func (w *Worker) Setup(ctx context.Context, owner string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	db, err := openSQLite(ctx, w.dbPath(owner), ownerSchema)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('created_at', ?) ON CONFLICT (key) DO NOTHING`,
		w.clock().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	w.logger.Info("owner database ready", "owner", owner)
	return nil
}

// Stage stores msg until the owner is set up and returns its id.
func (w *Worker) Stage(ctx context.Context, owner string, msg StagedMessage) (string, error) {
	if err := checkOwner(owner); err != nil {
		return "", err
	}
	db, err := openSQLite(ctx, w.stagedPath(owner), stagedSchema)
	if err != nil {
		return "", err
	}
	defer db.Close()

	flags, err := json.Marshal(msg.Flags)
	if err != nil {
		return "", fmt.Errorf("encode flags: %w", err)
	}
	idate := msg.IDate
	if idate.IsZero() {
		idate = w.clock()
	}
	row := stagedRow{
		ID:      uuid.NewString(),
		Path:    msg.Path,
		Flags:   string(flags),
		IDate:   idate.UnixMilli(),
		Raw:     msg.Raw,
		Created: w.clock().UnixMilli(),
	}
	_, err = db.NamedExecContext(ctx,
		`INSERT INTO staged (id, path, flags, idate, raw, created)
		 VALUES (:id, :path, :flags, :idate, :raw, :created)`, row)
	if err != nil {
		return "", fmt.Errorf("insert staged message: %w", err)
	}
	w.metrics.staged.Inc()
	return row.ID, nil
}

// ListStaged returns the owner's staged messages, oldest first.
func (w *Worker) ListStaged(ctx context.Context, owner string) ([]StagedMessage, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	if _, err := os.Stat(w.stagedPath(owner)); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	db, err := openSQLite(ctx, w.stagedPath(owner), stagedSchema)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rows []stagedRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM staged ORDER BY created, id`); err != nil {
		return nil, fmt.Errorf("list staged messages: %w", err)
	}
	out := make([]StagedMessage, 0, len(rows))
	for _, r := range rows {
		msg := StagedMessage{
			ID:      r.ID,
			Path:    r.Path,
			IDate:   time.UnixMilli(r.IDate),
			Raw:     r.Raw,
			Created: time.UnixMilli(r.Created),
		}
		if err := json.Unmarshal([]byte(r.Flags), &msg.Flags); err != nil {
			return nil, fmt.Errorf("decode flags of %s: %w", r.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// replayStaged appends the owner's staged messages through the ingestor
// and removes each one that was stored. The staged file is removed once
// it is empty.
func (w *Worker) replayStaged(ctx context.Context, sess *mailhost.Session) (int, error) {
	owner := sess.User.AliasID
	staged, err := w.ListStaged(ctx, owner)
	if err != nil || len(staged) == 0 {
		return 0, err
	}

	db, err := openSQLite(ctx, w.stagedPath(owner), stagedSchema)
	if err != nil {
		return 0, err
	}

	var errs []error
	replayed := 0
	for _, msg := range staged {
		_, err := w.ingestor.Append(ctx, sess, mailhost.AppendRequest{
			Path:  msg.Path,
			Flags: msg.Flags,
			Date:  msg.IDate,
			Raw:   msg.Raw,
		})
		if err != nil && !mailhost.IsAlreadyExists(err) {
			errs = append(errs, fmt.Errorf("replay %s: %w", msg.ID, err))
			continue
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM staged WHERE id = ?`, msg.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove staged %s: %w", msg.ID, err))
			continue
		}
		replayed++
	}
	db.Close()

	if replayed == len(staged) {
		if err := removeFiles(sqliteFamily(w.stagedPath(owner))); err != nil {
			errs = append(errs, err)
		}
	}
	return replayed, errors.Join(errs...)
}
