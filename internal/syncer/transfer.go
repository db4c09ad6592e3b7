package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/s3sync/internal/objstore"
)

// errLocalNewer is returned when a download would replace a local entry
// of the other type that is newer than the remote one.
var errLocalNewer = errors.New("local entry of the other type is newer")

// Transfer moves data between the local tree and the bucket. After
// every transfer the local mtime equals the remote LastModified; the
// resulting filesystem event is suppressed through the ledger.
type Transfer struct {
	store  objstore.Store
	tree   *LocalTree
	ledger *Ledger
	logger *slog.Logger
}

// NewTransfer wires a transfer layer.
func NewTransfer(store objstore.Store, tree *LocalTree, ledger *Ledger, logger *slog.Logger) *Transfer {
	return &Transfer{
		store:  store,
		tree:   tree,
		ledger: ledger,
		logger: logger,
	}
}

// Upload streams the local entry for key to the bucket and returns the
// number of bytes sent. Directory keys upload a zero-byte marker.
func (t *Transfer) Upload(ctx context.Context, key string) (int64, error) {
	size, err := t.put(ctx, key)
	if err != nil {
		return 0, err
	}

	head, err := t.store.Head(ctx, key)
	if err != nil {
		return size, fmt.Errorf("reading back %s: %w", key, err)
	}

	if err := t.syncMtime(key, head.LastModified); err != nil {
		return size, err
	}

	t.logger.Debug("uploaded", slog.String("key", key), slog.Int64("size", size))

	return size, nil
}

func (t *Transfer) put(ctx context.Context, key string) (int64, error) {
	if IsDirKey(key) {
		if err := t.store.Put(ctx, key, bytes.NewReader(nil), 0); err != nil {
			return 0, err
		}

		return 0, nil
	}

	f, err := t.tree.Open(key)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() {
		return 0, fmt.Errorf("uploading %s: local entry is a directory", key)
	}

	if err := t.store.Put(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Download writes the remote object for key into the local tree and
// returns the number of bytes written. A local entry of the other type
// at the same path is replaced only when the remote one is newer.
func (t *Transfer) Download(ctx context.Context, key string) (int64, error) {
	abs := t.tree.Abs(key)

	if IsDirKey(key) {
		head, err := t.store.Head(ctx, key)
		if err != nil {
			return 0, err
		}

		if err := t.replaceOtherType(key, head.LastModified); err != nil {
			return 0, err
		}

		t.ledger.Suppress(OpSync, abs)

		if err := t.tree.Mkdir(key); err != nil {
			return 0, err
		}

		if err := t.syncMtime(key, head.LastModified); err != nil {
			return 0, err
		}

		t.logger.Debug("downloaded directory", slog.String("key", key))

		return 0, nil
	}

	obj, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer obj.Body.Close()

	if err := t.replaceOtherType(key, obj.LastModified); err != nil {
		return 0, err
	}

	t.ledger.Suppress(OpSync, abs)

	n, err := t.tree.Write(key, obj.Body)
	if err != nil {
		// Leave the entry armed: the partial write already produced
		// events that must not be uploaded.
		t.ledger.Suppress(OpSync, abs)
		return n, err
	}

	if err := t.syncMtime(key, obj.LastModified); err != nil {
		return n, err
	}

	t.logger.Debug("downloaded", slog.String("key", key), slog.Int64("size", n))

	return n, nil
}

// replaceOtherType handles file<->directory transitions at key's path.
func (t *Transfer) replaceOtherType(key string, remoteModified time.Time) error {
	info, err := t.tree.Stat(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	// A file sits where one of key's parent directories should be.
	if errors.Is(err, syscall.ENOTDIR) {
		return t.replaceFileParent(key, remoteModified)
	}

	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() == IsDirKey(key) {
		return nil
	}

	return t.replaceLocal(key, info, remoteModified)
}

// replaceFileParent removes the shallowest file found among key's
// parent directories when the remote entry is newer than it.
func (t *Transfer) replaceFileParent(key string, remoteModified time.Time) error {
	parts := strings.Split(BaseKey(key), "/")

	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], "/")

		info, err := t.tree.Stat(parent)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("stat %s: %w", parent, err)
		}

		if !info.IsDir() {
			return t.replaceLocal(parent, info, remoteModified)
		}
	}

	return nil
}

func (t *Transfer) replaceLocal(key string, info fs.FileInfo, remoteModified time.Time) error {
	if !remoteModified.After(info.ModTime()) {
		return fmt.Errorf("replacing %s: %w", key, errLocalNewer)
	}

	t.logger.Info("replacing local entry of the other type",
		slog.String("key", key),
		slog.Bool("local_is_dir", info.IsDir()),
	)

	abs := t.tree.Abs(key)
	t.ledger.Suppress(OpRemove, abs)

	if err := t.tree.Remove(key); err != nil {
		t.ledger.Forget(OpRemove, abs)
		return err
	}

	return nil
}

// syncMtime applies the remote timestamp under a fresh suppression
// entry. The entry is refreshed here, after the data is on disk, so a
// slow write cannot outlive it.
func (t *Transfer) syncMtime(key string, remoteModified time.Time) error {
	if remoteModified.IsZero() {
		return fmt.Errorf("syncing mtime of %s: store reported no last modified time", key)
	}

	abs := t.tree.Abs(key)
	t.ledger.Suppress(OpSync, abs)

	if err := t.tree.Chtimes(key, remoteModified); err != nil {
		t.ledger.Forget(OpSync, abs)
		return err
	}

	return nil
}

// DeleteRemote deletes key from the bucket. Directory keys delete every
// object below the prefix, deepest first, then the marker itself.
func (t *Transfer) DeleteRemote(ctx context.Context, key string) error {
	if !IsDirKey(key) {
		return t.store.Delete(ctx, key)
	}

	objects, err := t.store.List(ctx, key)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(objects)+1)
	for _, obj := range objects {
		if obj.Key != key {
			keys = append(keys, obj.Key)
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	keys = append(keys, key)

	for _, k := range keys {
		if err := t.store.Delete(ctx, k); err != nil {
			return err
		}
	}

	return nil
}

// RemoveLocal deletes key from the local tree recursively under
// suppression. An absent entry is not an error.
func (t *Transfer) RemoveLocal(key string) error {
	abs := t.tree.Abs(key)
	t.ledger.Suppress(OpRemove, abs)

	if err := t.tree.Remove(key); err != nil {
		t.ledger.Forget(OpRemove, abs)
		return err
	}

	return nil
}

// UpToDate reports whether the local and remote entries for key match.
// A missing or unreadable side is never up to date. Directories match
// on existence: their mtime follows their children and would otherwise
// never settle.
func (t *Transfer) UpToDate(ctx context.Context, key string) bool {
	head, err := t.store.Head(ctx, key)
	if err != nil {
		return false
	}

	info, err := t.tree.Stat(key)
	if err != nil {
		return false
	}

	if IsDirKey(key) {
		return info.IsDir()
	}

	return !info.IsDir() && info.ModTime().Equal(head.LastModified)
}
