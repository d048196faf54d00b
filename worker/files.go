package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sync/errgroup"
)

// validOwnerID restricts owner ids to characters safe in a file name.
var validOwnerID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ErrInvalidOwner is returned for owner ids that cannot name a file.
var ErrInvalidOwner = errors.New("worker: invalid owner id")

func checkOwner(id string) error {
	if !validOwnerID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, id)
	}
	return nil
}

// dbPath is the owner's main database.
func (w *Worker) dbPath(owner string) string {
	return filepath.Join(w.dataDir, owner+".sqlite")
}

// tmpPath is the duplicate written while an owner's database is rekeyed.
func (w *Worker) tmpPath(owner string) string {
	return filepath.Join(w.dataDir, owner+"-tmp.sqlite")
}

// stagedPath holds messages received before the owner was set up.
func (w *Worker) stagedPath(owner string) string {
	return filepath.Join(w.dataDir, owner+"-staged.sqlite")
}

// sqliteFamily lists a database file with its WAL and shared memory files.
func sqliteFamily(path string) []string {
	return []string{path, path + "-wal", path + "-shm"}
}

// accountedFiles are the files counted against the owner's quota.
func (w *Worker) accountedFiles(owner string) []string {
	return append(sqliteFamily(w.dbPath(owner)), sqliteFamily(w.tmpPath(owner))...)
}

// diskUsage sums the sizes of files. Missing files count as zero.
func diskUsage(ctx context.Context, files []string) (int64, error) {
	sizes := make([]int64, len(files))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range files {
		g.Go(func() error {
			fi, err := os.Stat(name)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stat %s: %w", filepath.Base(name), err)
			}
			sizes[i] = fi.Size()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	return total, nil
}

// removeFiles deletes files, ignoring those that do not exist.
func removeFiles(files []string) error {
	var errs []error
	for _, name := range files {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
