package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/state"
)

// Decision is what the diff pass does for one key.
type Decision int

const (
	// DecisionUpload sends the local entry to the bucket.
	DecisionUpload Decision = iota

	// DecisionDownload writes the remote entry locally.
	DecisionDownload

	// DecisionDeleteRemote removes a remote entry (recursively for
	// directories) before anything is transferred.
	DecisionDeleteRemote
)

func (d Decision) String() string {
	switch d {
	case DecisionUpload:
		return "upload"
	case DecisionDownload:
		return "download"
	default:
		return "delete_remote"
	}
}

// Task is one scheduled action of a reconciliation pass.
type Task struct {
	Decision Decision
	Key      string
}

// Result summarizes a pass. Skipped is set when another pass was
// already running.
type Result struct {
	Uploaded   int
	Downloaded int
	Deleted    int
	Failed     int
	Skipped    bool
	Errors     []error
}

// Scheduled returns the number of transfers and deletions the pass
// attempted.
func (r Result) Scheduled() int {
	return r.Uploaded + r.Downloaded + r.Deleted + r.Failed
}

// journal persists completed work. *state.Journal satisfies it.
type journal interface {
	RecordTransfer(t state.Transfer) error
	SetReconciliation(r state.Reconciliation) error
}

// Reconciler performs the full bidirectional inventory diff.
type Reconciler struct {
	store    objstore.Store
	tree     *LocalTree
	transfer *Transfer
	journal  journal
	clock    clockwork.Clock
	logger   *slog.Logger
	limit    int

	running sync.Mutex
}

// ReconcilerConfig holds the collaborators of a Reconciler. Journal may
// be nil.
type ReconcilerConfig struct {
	Store       objstore.Store
	Tree        *LocalTree
	Transfer    *Transfer
	Journal     journal
	Clock       clockwork.Clock
	Concurrency int
}

func NewReconciler(cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	limit := cfg.Concurrency
	if limit < 1 {
		limit = 1
	}

	return &Reconciler{
		store:    cfg.Store,
		tree:     cfg.Tree,
		transfer: cfg.Transfer,
		journal:  cfg.Journal,
		clock:    cfg.Clock,
		logger:   logger,
		limit:    limit,
	}
}

// Run executes one pass. A call made while a pass is in flight returns
// immediately with Result.Skipped set. The only error returned is
// fatal: listing failed or remote objects lack LastModified. Individual
// transfer failures are collected in the Result.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	if !r.running.TryLock() {
		r.logger.Debug("reconciliation already running, skipping")
		return Result{Skipped: true}, nil
	}
	defer r.running.Unlock()

	started := r.clock.Now()

	remote, err := r.store.List(ctx, "")
	if err != nil {
		return Result{}, fmt.Errorf("listing remote objects: %w", err)
	}

	if missing := missingLastModified(remote); len(missing) > 0 {
		r.logger.Error("remote objects have no last modified time; cannot reconcile",
			slog.Any("keys", missing),
		)

		return Result{}, fmt.Errorf("%w: %s", apperrors.ErrMissingLastModified, strings.Join(missing, ", "))
	}

	local, err := r.tree.Walk()
	if err != nil {
		return Result{}, fmt.Errorf("listing local entries: %w", err)
	}

	remote = r.withoutIgnored(remote)

	var res Result

	// Conflicts are repaired on the bucket before diffing so the diff
	// sees at most one remote entry per base key.
	deletes, remote := resolveConflicts(remote, r.logger)
	r.runDeletes(ctx, deletes, &res)

	tasks := Plan(local, remote)

	localKeys := make(map[string]bool, len(local))
	for _, e := range local {
		localKeys[e.Key] = true
	}

	// Downloads that replace a local entry of the other type run before
	// the rest, so nothing below a file being turned into a directory
	// is written while the file is still there.
	var replacing, transfers []Task
	for _, task := range tasks {
		switch {
		case task.Decision == DecisionDeleteRemote:
			r.runDeletes(ctx, []string{task.Key}, &res)
		case task.Decision == DecisionDownload && localKeys[otherForm(task.Key)]:
			replacing = append(replacing, task)
		default:
			transfers = append(transfers, task)
		}
	}

	r.runTransfers(ctx, replacing, &res)
	r.runTransfers(ctx, transfers, &res)

	r.logger.Info("reconciliation finished",
		slog.Int("uploaded", res.Uploaded),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", res.Failed),
		slog.Duration("took", r.clock.Since(started)),
	)

	if r.journal != nil {
		err := r.journal.SetReconciliation(state.Reconciliation{
			StartedAt:  started,
			Duration:   r.clock.Since(started),
			Uploaded:   res.Uploaded,
			Downloaded: res.Downloaded,
			Deleted:    res.Deleted,
			Failed:     res.Failed,
		})
		if err != nil {
			r.logger.Warn("recording reconciliation", slog.String("error", err.Error()))
		}
	}

	return res, nil
}

func (r *Reconciler) withoutIgnored(remote []objstore.Object) []objstore.Object {
	kept := remote[:0:0]
	for _, obj := range remote {
		if !r.tree.Ignored(obj.Key) {
			kept = append(kept, obj)
		}
	}

	return kept
}

func (r *Reconciler) runDeletes(ctx context.Context, keys []string, res *Result) {
	for _, key := range keys {
		if err := r.transfer.DeleteRemote(ctx, key); err != nil {
			r.fail(res, DecisionDeleteRemote, key, err)
			continue
		}

		res.Deleted++
		r.record(key, state.OpDeleteRemote, 0)
	}
}

func (r *Reconciler) runTransfers(ctx context.Context, tasks []Task, res *Result) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	g.SetLimit(r.limit)

	for _, task := range tasks {
		g.Go(func() error {
			var (
				size int64
				err  error
				op   state.Op
			)

			switch task.Decision {
			case DecisionUpload:
				op = state.OpUpload
				size, err = r.transfer.Upload(ctx, task.Key)
			case DecisionDownload:
				op = state.OpDownload
				size, err = r.transfer.Download(ctx, task.Key)
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				r.fail(res, task.Decision, task.Key, err)
				return nil
			}

			if task.Decision == DecisionUpload {
				res.Uploaded++
			} else {
				res.Downloaded++
			}

			r.record(task.Key, op, size)

			return nil
		})
	}

	_ = g.Wait()
}

func (r *Reconciler) fail(res *Result, d Decision, key string, err error) {
	res.Failed++
	res.Errors = append(res.Errors, fmt.Errorf("%s %s: %w", d, key, err))

	r.logger.Error("reconciliation transfer failed",
		slog.String("op", d.String()),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

func (r *Reconciler) record(key string, op state.Op, size int64) {
	if r.journal == nil {
		return
	}

	err := r.journal.RecordTransfer(state.Transfer{Key: key, Op: op, Size: size, At: r.clock.Now()})
	if err != nil {
		r.logger.Warn("recording transfer", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Err joins every collected transfer error.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// otherForm returns the key naming the same path as the other type.
func otherForm(key string) string {
	if IsDirKey(key) {
		return BaseKey(key)
	}

	return DirKey(key)
}

func missingLastModified(objects []objstore.Object) []string {
	var keys []string
	for _, obj := range objects {
		if obj.LastModified.IsZero() {
			keys = append(keys, obj.Key)
		}
	}

	sort.Strings(keys)

	return keys
}

// resolveConflicts finds base keys present on the bucket as both a file
// and a directory. The newer entry is kept; a tie keeps the directory.
// Groups of three or more entries (e.g. Unicode variants of the same
// name) are logged and left alone, and their base key is removed from
// the returned set so the diff does not touch it either. It returns the
// keys to delete and the remote set with those keys (and every object
// below a discarded directory) removed.
func resolveConflicts(remote []objstore.Object, logger *slog.Logger) ([]string, []objstore.Object) {
	groups := make(map[string][]objstore.Object)
	for _, obj := range remote {
		base := normalizeKey(BaseKey(obj.Key))
		groups[base] = append(groups[base], obj)
	}

	var (
		deletes   []string
		discarded = make(map[string]bool)
		skipped   = make(map[string]bool)
	)

	for base, group := range groups {
		if len(group) < 2 {
			continue
		}

		if len(group) > 2 || IsDirKey(group[0].Key) == IsDirKey(group[1].Key) {
			keys := make([]string, len(group))
			for i, obj := range group {
				keys[i] = obj.Key
			}

			logger.Warn("unresolvable name conflict on bucket, skipping",
				slog.String("base", base),
				slog.Any("keys", keys),
			)

			skipped[base] = true

			continue
		}

		file, dir := group[0], group[1]
		if IsDirKey(file.Key) {
			file, dir = dir, file
		}

		keep, loser := dir, file
		if file.LastModified.After(dir.LastModified) {
			keep, loser = file, dir
		}

		logger.Info("resolving file/directory conflict",
			slog.String("keep", keep.Key),
			slog.String("delete", loser.Key),
		)

		deletes = append(deletes, loser.Key)
		discarded[loser.Key] = true
	}

	sort.Strings(deletes)

	kept := make([]objstore.Object, 0, len(remote))

	for _, obj := range remote {
		if discarded[obj.Key] || skipped[normalizeKey(BaseKey(obj.Key))] || underDiscardedDir(obj.Key, discarded) {
			continue
		}

		kept = append(kept, obj)
	}

	return deletes, kept
}

func underDiscardedDir(key string, discarded map[string]bool) bool {
	for d := range discarded {
		if IsDirKey(d) && strings.HasPrefix(key, d) {
			return true
		}
	}

	return false
}

// Plan is the diff pass. Entries are matched by base key so a local
// file and a remote directory of the same name are compared as one
// entity:
//
//   - present on one side only: transfer it to the other side
//   - same type, files: the strictly newer side wins, equal is in sync
//   - same type, directories: existence is enough; a remote directory
//     also exists implicitly when any key lies below it
//   - different types: the newer side wins; when the local entry wins
//     the remote one is deleted first, and everything below a replaced
//     directory on the losing side is left out of the plan
//
// The result is sorted with deletions first, then by key.
func Plan(local []Entry, remote []objstore.Object) []Task {
	type pair struct {
		local  *Entry
		remote *objstore.Object
	}

	pairs := make(map[string]*pair)
	get := func(base string) *pair {
		p, ok := pairs[base]
		if !ok {
			p = &pair{}
			pairs[base] = p
		}

		return p
	}

	for i := range local {
		get(BaseKey(local[i].Key)).local = &local[i]
	}

	implied := make(map[string]bool)

	for i := range remote {
		key := normalizeKey(remote[i].Key)
		get(BaseKey(key)).remote = &remote[i]

		for dir := path.Dir(BaseKey(key)); dir != "."; dir = path.Dir(dir) {
			implied[dir+"/"] = true
		}
	}

	var (
		tasks []Task
		// Prefixes whose contents on one side are being replaced by a
		// file from the other side.
		shadowLocal  []string
		shadowRemote []string
	)

	for _, p := range pairs {
		l, r := p.local, p.remote
		if l == nil || r == nil || IsDirKey(l.Key) == IsDirKey(r.Key) {
			continue
		}

		switch {
		case r.LastModified.After(l.LastModified):
			tasks = append(tasks, Task{Decision: DecisionDownload, Key: r.Key})
			if IsDirKey(l.Key) {
				shadowLocal = append(shadowLocal, l.Key)
			}
		case l.LastModified.After(r.LastModified):
			tasks = append(tasks,
				Task{Decision: DecisionDeleteRemote, Key: r.Key},
				Task{Decision: DecisionUpload, Key: l.Key},
			)
			if IsDirKey(r.Key) {
				shadowRemote = append(shadowRemote, r.Key)
			}
		}
	}

	shadowed := func(key string, prefixes []string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				return true
			}
		}

		return false
	}

	for _, p := range pairs {
		l, r := p.local, p.remote

		if l != nil && shadowed(l.Key, shadowLocal) {
			l = nil
		}

		if r != nil && shadowed(r.Key, shadowRemote) {
			r = nil
		}

		switch {
		case l == nil && r == nil:
		case r == nil:
			if !implied[l.Key] {
				tasks = append(tasks, Task{Decision: DecisionUpload, Key: l.Key})
			}
		case l == nil:
			tasks = append(tasks, Task{Decision: DecisionDownload, Key: r.Key})
		case IsDirKey(l.Key) != IsDirKey(r.Key):
			// Handled above.
		case IsDirKey(l.Key):
		case l.LastModified.After(r.LastModified):
			tasks = append(tasks, Task{Decision: DecisionUpload, Key: l.Key})
		case r.LastModified.After(l.LastModified):
			tasks = append(tasks, Task{Decision: DecisionDownload, Key: r.Key})
		}
	}

	sort.SliceStable(tasks, func(a, b int) bool {
		da, db := tasks[a].Decision == DecisionDeleteRemote, tasks[b].Decision == DecisionDeleteRemote
		if da != db {
			return da
		}

		return tasks[a].Key < tasks[b].Key
	})

	return tasks
}
