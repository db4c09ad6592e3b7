package syncer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/alexjbarnes/s3sync/internal/state"
)

const (
	// localDirPerm is the permission mode for directories created by downloads.
	localDirPerm = 0o755

	// localFilePerm is the permission mode for files created by downloads.
	localFilePerm = 0o644
)

// Entry is one local file or directory in the same shape as a remote
// object.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// LocalTree is the sync root seen through afero. All names are sync
// keys; a BasePathFs keeps every operation inside the root.
type LocalTree struct {
	fs     afero.Fs
	root   string
	ignore []string
}

// NewLocalTree roots a tree at dir on the OS filesystem.
func NewLocalTree(dir string, ignore []string) (*LocalTree, error) {
	if dir == "" {
		return nil, fmt.Errorf("local dir must not be empty")
	}

	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	if err := os.MkdirAll(dir, localDirPerm); err != nil {
		return nil, fmt.Errorf("creating local dir: %w", err)
	}

	return newLocalTree(afero.NewOsFs(), dir, ignore), nil
}

func newLocalTree(base afero.Fs, dir string, ignore []string) *LocalTree {
	return &LocalTree{
		fs:     afero.NewBasePathFs(base, dir),
		root:   dir,
		ignore: ignore,
	}
}

// Root returns the absolute root directory.
func (t *LocalTree) Root() string {
	return t.root
}

// Abs returns the absolute OS path for key. Directory keys map to the
// directory path without a trailing separator, matching watcher events.
func (t *LocalTree) Abs(key string) string {
	return filepath.Join(t.root, filepath.FromSlash(BaseKey(key)))
}

// Key converts an absolute path under the root into a sync key.
func (t *LocalTree) Key(abs string, isDir bool) (string, error) {
	return keyFor(t.root, abs, isDir)
}

// Ignored reports whether key must never be synced.
func (t *LocalTree) Ignored(key string) bool {
	name := BaseKey(key)
	if name == state.LockFileName {
		return true
	}

	for _, p := range t.ignore {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}

	return false
}

// Stat returns file info for key. Directory keys stat the directory.
func (t *LocalTree) Stat(key string) (os.FileInfo, error) {
	return t.fs.Stat(name(key))
}

// Open opens the file for key for reading.
func (t *LocalTree) Open(key string) (afero.File, error) {
	return t.fs.Open(name(key))
}

// Write replaces the file at key with the contents of r, creating
// parent directories. It returns the number of bytes written.
func (t *LocalTree) Write(key string, r io.Reader) (int64, error) {
	n := name(key)

	if dir := filepath.Dir(n); dir != "." {
		if err := t.fs.MkdirAll(dir, localDirPerm); err != nil {
			return 0, fmt.Errorf("creating parent of %s: %w", key, err)
		}
	}

	f, err := t.fs.OpenFile(n, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, localFilePerm)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", key, err)
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return written, fmt.Errorf("writing %s: %w", key, err)
	}

	return written, nil
}

// Mkdir creates the directory for key and any missing parents.
func (t *LocalTree) Mkdir(key string) error {
	if err := t.fs.MkdirAll(name(key), localDirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", key, err)
	}

	return nil
}

// Chtimes sets both access and modification time of key to mtime.
func (t *LocalTree) Chtimes(key string, mtime time.Time) error {
	if err := t.fs.Chtimes(name(key), mtime, mtime); err != nil {
		return fmt.Errorf("setting mtime of %s: %w", key, err)
	}

	return nil
}

// Remove deletes key recursively. An absent key is not an error.
func (t *LocalTree) Remove(key string) error {
	err := t.fs.RemoveAll(name(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// Walk enumerates every non-ignored entry below the root. Directories
// get a trailing-slash key.
func (t *LocalTree) Walk() ([]Entry, error) {
	var entries []Entry

	err := afero.Walk(t.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			// Entries deleted mid-walk are simply absent.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if p == "." {
			return nil
		}

		key := normalizeKey(p)
		if info.IsDir() {
			key += "/"
		}

		if t.Ignored(key) {
			if info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		entry := Entry{Key: key, LastModified: info.ModTime()}
		if !info.IsDir() {
			entry.Size = info.Size()
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", t.root, err)
	}

	return entries, nil
}

// name converts a key to an afero name relative to the base path.
func name(key string) string {
	return filepath.FromSlash(BaseKey(key))
}
