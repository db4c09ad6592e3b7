package syncer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/state"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// baseTime is whole-second so local and remote timestamps compare equal.
var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

const testRoot = "/sync"

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// fixture is one client's view: an in-memory tree and a shared store.
type fixture struct {
	clock    *clockwork.FakeClock
	fs       afero.Fs
	tree     *LocalTree
	store    *objstore.Memory
	ledger   *Ledger
	transfer *Transfer
	journal  *memJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(baseTime)
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))

	tree := newLocalTree(fs, testRoot, []string{"**/*.swp"})
	store := objstore.NewMemory(clock)
	ledger := NewLedger(clock, time.Second)

	return &fixture{
		clock:    clock,
		fs:       fs,
		tree:     tree,
		store:    store,
		ledger:   ledger,
		transfer: NewTransfer(store, tree, ledger, testLogger),
		journal:  &memJournal{},
	}
}

// newDiskFixture is newFixture backed by a temp dir, for behavior that
// depends on real filesystem errors.
func newDiskFixture(t *testing.T) *fixture {
	t.Helper()

	f := newFixture(t)
	f.fs = afero.NewOsFs()
	f.tree = newLocalTree(f.fs, t.TempDir(), []string{"**/*.swp"})
	f.transfer = NewTransfer(f.store, f.tree, f.ledger, testLogger)

	return f
}

func (f *fixture) writeLocal(t *testing.T, key, content string, mtime time.Time) {
	t.Helper()

	_, err := f.tree.Write(key, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, f.tree.Chtimes(key, mtime))
}

func (f *fixture) mkdirLocal(t *testing.T, key string, mtime time.Time) {
	t.Helper()

	require.NoError(t, f.tree.Mkdir(key))
	require.NoError(t, f.tree.Chtimes(key, mtime))
}

func (f *fixture) readLocal(t *testing.T, key string) string {
	t.Helper()

	data, err := afero.ReadFile(f.tree.fs, name(key))
	require.NoError(t, err)

	return string(data)
}

func (f *fixture) localExists(key string) bool {
	_, err := f.tree.Stat(key)
	return err == nil
}

func (f *fixture) localModTime(t *testing.T, key string) time.Time {
	t.Helper()

	info, err := f.tree.Stat(key)
	require.NoError(t, err)

	return info.ModTime()
}

func (f *fixture) remoteData(t *testing.T, key string) string {
	t.Helper()

	data, ok := f.store.Data(key)
	require.True(t, ok, "remote object %s missing", key)

	return string(data)
}

func (f *fixture) remoteExists(key string) bool {
	_, ok := f.store.Data(key)
	return ok
}

func (f *fixture) remoteModTime(t *testing.T, key string) time.Time {
	t.Helper()

	head, err := f.store.Head(context.Background(), key)
	require.NoError(t, err)

	return head.LastModified
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Store:       f.store,
		Tree:        f.tree,
		Transfer:    f.transfer,
		Journal:     f.journal,
		Clock:       f.clock,
		Concurrency: 4,
	}, testLogger)
}

// memJournal records journal writes.
type memJournal struct {
	mu              sync.Mutex
	transfers       []state.Transfer
	reconciliations []state.Reconciliation
}

func (j *memJournal) RecordTransfer(t state.Transfer) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.transfers = append(j.transfers, t)

	return nil
}

func (j *memJournal) SetReconciliation(r state.Reconciliation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.reconciliations = append(j.reconciliations, r)

	return nil
}

func (j *memJournal) ops() []state.Op {
	j.mu.Lock()
	defer j.mu.Unlock()

	ops := make([]state.Op, len(j.transfers))
	for i, t := range j.transfers {
		ops[i] = t.Op
	}

	return ops
}

// recordingSink captures status transitions.
type recordingSink struct {
	mu     sync.Mutex
	states []State
}

func (s *recordingSink) SetStatus(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = append(s.states, st)
}

func (s *recordingSink) all() []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]State(nil), s.states...)
}
