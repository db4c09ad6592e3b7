package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/state"
)

// Engine applies live decisions: local intents from the watcher and
// remote records from the listener.
type Engine struct {
	store    objstore.Store
	tree     *LocalTree
	transfer *Transfer
	guard    *Guard
	status   *Status
	journal  journal
	clock    clockwork.Clock
	logger   *slog.Logger
	limit    int

	locks keyLocks
	fatal chan error
}

// EngineConfig holds the collaborators of an Engine. Journal may be nil.
type EngineConfig struct {
	Store       objstore.Store
	Tree        *LocalTree
	Transfer    *Transfer
	Guard       *Guard
	Status      *Status
	Journal     journal
	Clock       clockwork.Clock
	Concurrency int
}

func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	limit := cfg.Concurrency
	if limit < 1 {
		limit = 1
	}

	return &Engine{
		store:    cfg.Store,
		tree:     cfg.Tree,
		transfer: cfg.Transfer,
		guard:    cfg.Guard,
		status:   cfg.Status,
		journal:  cfg.Journal,
		clock:    cfg.Clock,
		logger:   logger,
		limit:    limit,
		locks:    keyLocks{locks: make(map[string]*keyLock)},
		fatal:    make(chan error, 1),
	}
}

// Run executes intents on a bounded worker group until ctx is done or
// an operation trips the runaway guard.
func (e *Engine) Run(ctx context.Context, intents <-chan Intent) error {
	var g errgroup.Group

	g.SetLimit(e.limit)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()

		case err := <-e.fatal:
			return err

		case in, ok := <-intents:
			if !ok {
				_ = g.Wait()
				return nil
			}

			g.Go(func() error {
				e.handle(ctx, in)
				return nil
			})
		}
	}
}

func (e *Engine) handle(ctx context.Context, in Intent) {
	var err error

	switch in.Kind {
	case OpSync:
		err = e.SyncLocal(ctx, in.Path)
	case OpRemove:
		err = e.RemoveRemote(ctx, in.Path, in.IsDir)
	}

	if err == nil {
		return
	}

	if errors.Is(err, apperrors.ErrRunaway) {
		select {
		case e.fatal <- err:
		default:
		}

		return
	}

	if ctx.Err() != nil {
		return
	}

	e.logger.Error("local change failed",
		slog.String("op", in.Kind.String()),
		slog.String("path", in.Path),
		slog.String("error", err.Error()),
	)
}

// SyncLocal uploads the entry at the absolute path unless the bucket
// already holds it with the same timestamp.
func (e *Engine) SyncLocal(ctx context.Context, path string) error {
	key, ok, err := e.localKey(path)
	if err != nil || !ok {
		return err
	}

	unlock := e.locks.lock(BaseKey(key))
	defer unlock()

	done := e.status.Begin()
	defer done()

	if e.transfer.UpToDate(ctx, key) {
		e.logger.Debug("already in sync", slog.String("key", key))
		return nil
	}

	size, err := e.transfer.Upload(ctx, key)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	e.logger.Info("uploaded", slog.String("key", key), slog.Int64("size", size))
	e.record(key, state.OpUpload, size)

	return e.guard.Record(key, &size)
}

// RemoveRemote deletes the bucket entry for a locally removed path. A
// key absent on the bucket, or a path that exists again locally, is
// left alone.
func (e *Engine) RemoveRemote(ctx context.Context, path string, isDir bool) error {
	key, err := e.tree.Key(path, isDir)
	if err != nil {
		return err
	}

	if e.tree.Ignored(key) {
		return nil
	}

	unlock := e.locks.lock(BaseKey(key))
	defer unlock()

	done := e.status.Begin()
	defer done()

	if _, err := e.tree.Stat(key); err == nil {
		e.logger.Debug("path exists again, keeping remote", slog.String("key", key))
		return nil
	}

	if _, err := e.store.Head(ctx, key); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			e.logger.Debug("already absent remotely", slog.String("key", key))
			return nil
		}

		return fmt.Errorf("checking %s: %w", key, err)
	}

	if err := e.transfer.DeleteRemote(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	e.logger.Info("deleted remote", slog.String("key", key))
	e.record(key, state.OpDeleteRemote, 0)

	return e.guard.Record(key, nil)
}

// DownloadFile applies a remote create notification for key.
func (e *Engine) DownloadFile(ctx context.Context, key string) error {
	if e.tree.Ignored(key) {
		return nil
	}

	unlock := e.locks.lock(BaseKey(key))
	defer unlock()

	done := e.status.Begin()
	defer done()

	if e.transfer.UpToDate(ctx, key) {
		e.logger.Debug("already in sync", slog.String("key", key))
		return nil
	}

	size, err := e.transfer.Download(ctx, key)

	switch {
	case errors.Is(err, objstore.ErrNotFound):
		e.logger.Debug("object gone before download", slog.String("key", key))
		return nil
	case errors.Is(err, errLocalNewer):
		e.logger.Info("keeping newer local entry", slog.String("key", key))
		return nil
	case err != nil:
		return fmt.Errorf("downloading %s: %w", key, err)
	}

	e.logger.Info("downloaded", slog.String("key", key), slog.Int64("size", size))
	e.record(key, state.OpDownload, size)

	return e.guard.Record(key, &size)
}

// RemoveLocalFile applies a remote remove notification for key. An
// entry that is absent or of the other type is left alone.
func (e *Engine) RemoveLocalFile(ctx context.Context, key string) error {
	if e.tree.Ignored(key) {
		return nil
	}

	unlock := e.locks.lock(BaseKey(key))
	defer unlock()

	done := e.status.Begin()
	defer done()

	info, err := e.tree.Stat(key)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() != IsDirKey(key) {
		e.logger.Debug("local entry has the other type, keeping", slog.String("key", key))
		return nil
	}

	if err := e.transfer.RemoveLocal(key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	e.logger.Info("removed local", slog.String("key", key))
	e.record(key, state.OpDeleteLocal, 0)

	return e.guard.Record(key, nil)
}

// localKey maps an absolute path to its key. ok is false for paths that
// vanished or are ignored.
func (e *Engine) localKey(path string) (string, bool, error) {
	key, err := e.tree.Key(path, false)
	if err != nil {
		return "", false, err
	}

	info, err := e.tree.Stat(key)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() {
		key = DirKey(key)
	} else if !info.Mode().IsRegular() {
		return "", false, nil
	}

	return key, !e.tree.Ignored(key), nil
}

func (e *Engine) record(key string, op state.Op, size int64) {
	if e.journal == nil {
		return
	}

	t := state.Transfer{Key: key, Op: op, Size: size, At: e.clock.Now()}

	// After a transfer the local mtime is the remote LastModified.
	if op == state.OpUpload || op == state.OpDownload {
		if info, err := e.tree.Stat(key); err == nil {
			t.RemoteModified = info.ModTime()
		}
	}

	if err := e.journal.RecordTransfer(t); err != nil {
		e.logger.Warn("recording transfer", slog.String("key", key), slog.String("error", err.Error()))
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks serializes operations per base key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}

	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		defer k.mu.Unlock()

		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
}
