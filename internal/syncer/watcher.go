package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

const (
	// intentChanSize buffers settled intents between the watcher loop
	// and the engine.
	intentChanSize = 256

	// firedChanSize buffers debounce expirations waiting for the loop.
	firedChanSize = 64
)

var errWatcherStopped = errors.New("watcher is not running")

// Intent is a settled local change: sync for create or modify, remove
// for delete.
type Intent struct {
	Kind  OpKind
	Path  string
	IsDir bool
}

type pendingTimer struct {
	timer clockwork.Timer
	gen   uint64
	isDir bool
}

type firedTimer struct {
	key ledgerKey
	gen uint64
}

type watchCtrl struct {
	suspend bool
	result  chan error
}

// Watcher observes the local tree and emits one Intent per (kind, path)
// once activity on that path has been quiet for the debounce window.
// All of its state is owned by the Watch loop; Suspend and Resume are
// requests into that loop.
type Watcher struct {
	tree     *LocalTree
	ledger   *Ledger
	clock    clockwork.Clock
	logger   *slog.Logger
	debounce time.Duration

	intents chan Intent
	fired   chan firedTimer
	ctrl    chan watchCtrl
	done    chan struct{}

	// Owned by the Watch loop.
	fsw     *fsnotify.Watcher
	pending map[ledgerKey]*pendingTimer
	dirs    map[string]struct{}
	gen     uint64
}

// NewWatcher creates a watcher for tree. Intents suppressed by ledger
// are dropped.
func NewWatcher(tree *LocalTree, ledger *Ledger, clock clockwork.Clock, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		tree:     tree,
		ledger:   ledger,
		clock:    clock,
		logger:   logger,
		debounce: debounce,
		intents:  make(chan Intent, intentChanSize),
		fired:    make(chan firedTimer, firedChanSize),
		ctrl:     make(chan watchCtrl),
		done:     make(chan struct{}),
		pending:  make(map[ledgerKey]*pendingTimer),
		dirs:     make(map[string]struct{}),
	}
}

// Intents returns the channel of settled intents.
func (w *Watcher) Intents() <-chan Intent {
	return w.intents
}

// Watch starts watching the tree recursively. It blocks until ctx is
// cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	defer close(w.done)

	if err := w.open(); err != nil {
		return err
	}
	defer w.close()

	w.logger.Info("file watcher started", slog.String("dir", w.tree.Root()))

	for {
		var (
			events <-chan fsnotify.Event
			errs   <-chan error
		)

		if w.fsw != nil {
			events, errs = w.fsw.Events, w.fsw.Errors
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(event)

		case err, ok := <-errs:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case f := <-w.fired:
			w.handleFired(ctx, f)

		case req := <-w.ctrl:
			if req.suspend {
				req.result <- w.suspend()
			} else {
				req.result <- w.resume()
			}
		}
	}
}

// Suspend stops observing the tree entirely and discards every pending
// debounce timer.
func (w *Watcher) Suspend(ctx context.Context) error {
	return w.request(ctx, true)
}

// Resume re-opens the watch on the whole tree.
func (w *Watcher) Resume(ctx context.Context) error {
	return w.request(ctx, false)
}

func (w *Watcher) request(ctx context.Context, suspend bool) error {
	req := watchCtrl{suspend: suspend, result: make(chan error, 1)}

	select {
	case w.ctrl <- req:
	case <-w.done:
		return errWatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) open() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.fsw = fsw

	if err := w.addRecursive(w.tree.Root(), false); err != nil {
		w.close()
		return fmt.Errorf("watching local dir: %w", err)
	}

	return nil
}

func (w *Watcher) close() {
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}

	for k, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, k)
	}

	clear(w.dirs)
}

func (w *Watcher) suspend() error {
	if w.fsw == nil {
		return nil
	}

	w.close()
	w.logger.Debug("file watcher suspended")

	return nil
}

func (w *Watcher) resume() error {
	if w.fsw != nil {
		return nil
	}

	if err := w.open(); err != nil {
		return err
	}

	w.logger.Debug("file watcher resumed")

	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	key, err := w.tree.Key(path, false)
	if err != nil || w.tree.Ignored(key) {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// For rename, fsnotify fires Rename on the old path and Create
		// on the new one.
		_, isDir := w.dirs[path]
		if isDir {
			w.forgetDir(path)
		}

		w.cancel(ledgerKey{OpSync, path})
		w.schedule(OpRemove, path, isDir)

		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Chmod) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil {
		// Gone again before we looked; the Remove event follows.
		return
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() && event.Has(fsnotify.Create) {
		// Files created inside a new directory before its watch was
		// added produce no events of their own.
		if err := w.addRecursive(path, true); err != nil {
			w.logger.Warn("watching new directory", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	w.schedule(OpSync, path, info.IsDir())
}

func (w *Watcher) handleFired(ctx context.Context, f firedTimer) {
	p, ok := w.pending[f.key]
	if !ok || p.gen != f.gen {
		return
	}

	delete(w.pending, f.key)

	if w.ledger.Consume(f.key.kind, f.key.path) {
		w.logger.Debug("suppressed own change",
			slog.String("op", f.key.kind.String()),
			slog.String("path", f.key.path),
		)

		return
	}

	select {
	case w.intents <- Intent{Kind: f.key.kind, Path: f.key.path, IsDir: p.isDir}:
	case <-ctx.Done():
	}
}

// schedule (re)starts the debounce timer for (kind, path).
func (w *Watcher) schedule(kind OpKind, path string, isDir bool) {
	k := ledgerKey{kind, path}

	// A removed directory reports Remove once from its parent's watch
	// and once from its own; only the first still knows it was a dir.
	if p, ok := w.pending[k]; ok && kind == OpRemove {
		isDir = isDir || p.isDir
	}

	w.cancel(k)

	w.gen++
	gen := w.gen
	done := w.done

	w.pending[k] = &pendingTimer{
		gen:   gen,
		isDir: isDir,
		timer: w.clock.AfterFunc(w.debounce, func() {
			select {
			case w.fired <- firedTimer{key: k, gen: gen}:
			case <-done:
			}
		}),
	}
}

func (w *Watcher) cancel(k ledgerKey) {
	if p, ok := w.pending[k]; ok {
		p.timer.Stop()
		delete(w.pending, k)
	}
}

// addRecursive watches dir and every directory below it. With emit set
// it also schedules a sync for every entry found, dir included.
func (w *Watcher) addRecursive(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if path != w.tree.Root() {
			key, kerr := w.tree.Key(path, d.IsDir())
			if kerr != nil {
				return nil
			}

			if w.tree.Ignored(key) {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return err
			}

			w.dirs[path] = struct{}{}
		}

		if emit {
			w.schedule(OpSync, path, d.IsDir())
		}

		return nil
	})
}

func (w *Watcher) forgetDir(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}

	// Watches on deleted directories vanish with them on Linux; other
	// platforms may leak without this.
	_ = w.fsw.Remove(dir)
}
