package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/state"
)

var (
	older = baseTime.Add(-time.Hour)
	newer = baseTime.Add(time.Hour)
)

// --- Plan ---

func TestPlan(t *testing.T) {
	tests := []struct {
		name   string
		local  []Entry
		remote []objstore.Object
		want   []Task
	}{
		{
			name:  "local only uploads",
			local: []Entry{{Key: "a.txt", LastModified: baseTime}},
			want:  []Task{{DecisionUpload, "a.txt"}},
		},
		{
			name:   "remote only downloads",
			remote: []objstore.Object{{Key: "a.txt", LastModified: baseTime}},
			want:   []Task{{DecisionDownload, "a.txt"}},
		},
		{
			name:   "equal timestamps are in sync",
			local:  []Entry{{Key: "a.txt", LastModified: baseTime}},
			remote: []objstore.Object{{Key: "a.txt", LastModified: baseTime}},
		},
		{
			name:   "newer local uploads",
			local:  []Entry{{Key: "a.txt", LastModified: newer}},
			remote: []objstore.Object{{Key: "a.txt", LastModified: baseTime}},
			want:   []Task{{DecisionUpload, "a.txt"}},
		},
		{
			name:   "newer remote downloads",
			local:  []Entry{{Key: "a.txt", LastModified: older}},
			remote: []objstore.Object{{Key: "a.txt", LastModified: baseTime}},
			want:   []Task{{DecisionDownload, "a.txt"}},
		},
		{
			name:   "directories match on existence",
			local:  []Entry{{Key: "d/", LastModified: newer}},
			remote: []objstore.Object{{Key: "d/", LastModified: older}},
		},
		{
			name:   "implied remote directory is not uploaded",
			local:  []Entry{{Key: "d/", LastModified: newer}, {Key: "d/a.txt", LastModified: baseTime}},
			remote: []objstore.Object{{Key: "d/a.txt", LastModified: baseTime}},
		},
		{
			name:   "newer remote file replaces local directory and shadows its contents",
			local:  []Entry{{Key: "x/", LastModified: older}, {Key: "x/inner.txt", LastModified: older}},
			remote: []objstore.Object{{Key: "x", LastModified: baseTime}},
			want:   []Task{{DecisionDownload, "x"}},
		},
		{
			name:   "newer local file deletes remote directory first",
			local:  []Entry{{Key: "x", LastModified: newer}},
			remote: []objstore.Object{{Key: "x/", LastModified: baseTime}, {Key: "x/inner.txt", LastModified: baseTime}},
			want:   []Task{{DecisionDeleteRemote, "x/"}, {DecisionUpload, "x"}},
		},
		{
			name:   "newer local directory replaces remote file",
			local:  []Entry{{Key: "x/", LastModified: newer}, {Key: "x/new.txt", LastModified: newer}},
			remote: []objstore.Object{{Key: "x", LastModified: baseTime}},
			want: []Task{
				{DecisionDeleteRemote, "x"},
				{DecisionUpload, "x/"},
				{DecisionUpload, "x/new.txt"},
			},
		},
		{
			name:   "type conflict with equal timestamps is left alone",
			local:  []Entry{{Key: "x/", LastModified: baseTime}},
			remote: []objstore.Object{{Key: "x", LastModified: baseTime}},
		},
		{
			name:   "remote keys are compared in composed form",
			local:  []Entry{{Key: "caf\u00e9.txt", LastModified: baseTime}},
			remote: []objstore.Object{{Key: "cafe\u0301.txt", LastModified: baseTime}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.local, tt.remote))
		})
	}
}

// --- conflicts ---

func TestResolveConflicts_NewerDirectoryWins(t *testing.T) {
	remote := []objstore.Object{
		{Key: "x", LastModified: older},
		{Key: "x/", LastModified: baseTime},
		{Key: "x/a.txt", LastModified: baseTime},
	}

	deletes, kept := resolveConflicts(remote, testLogger)

	assert.Equal(t, []string{"x"}, deletes)
	assert.Equal(t, []objstore.Object{remote[1], remote[2]}, kept)
}

func TestResolveConflicts_NewerFileWins(t *testing.T) {
	remote := []objstore.Object{
		{Key: "x", LastModified: newer},
		{Key: "x/", LastModified: baseTime},
		{Key: "x/a.txt", LastModified: baseTime},
	}

	deletes, kept := resolveConflicts(remote, testLogger)

	assert.Equal(t, []string{"x/"}, deletes)
	assert.Equal(t, []objstore.Object{remote[0]}, kept)
}

func TestResolveConflicts_TieKeepsDirectory(t *testing.T) {
	remote := []objstore.Object{
		{Key: "x", LastModified: baseTime},
		{Key: "x/", LastModified: baseTime},
	}

	deletes, _ := resolveConflicts(remote, testLogger)

	assert.Equal(t, []string{"x"}, deletes)
}

func TestResolveConflicts_UnicodeVariantsAreSkipped(t *testing.T) {
	remote := []objstore.Object{
		{Key: "caf\u00e9", LastModified: baseTime},
		{Key: "cafe\u0301", LastModified: newer},
		{Key: "other.txt", LastModified: baseTime},
	}

	deletes, kept := resolveConflicts(remote, testLogger)

	assert.Empty(t, deletes)
	assert.Equal(t, []objstore.Object{remote[2]}, kept)
}

// --- Run ---

func TestReconciler_BidirectionalAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeLocal(t, "local-only.txt", "L", older)
	f.writeLocal(t, "both.txt", "local newer", newer)
	f.writeLocal(t, "stale.txt", "old", older)
	f.mkdirLocal(t, "empty/", older)

	f.store.PutAt("remote-only/r.txt", []byte("R"), baseTime)
	f.store.PutAt("both.txt", []byte("remote"), baseTime)
	f.store.PutAt("stale.txt", []byte("fresh"), baseTime)

	r := f.reconciler()

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, 3, res.Uploaded, "local-only.txt, both.txt, empty/")
	assert.Equal(t, 2, res.Downloaded, "remote-only/r.txt, stale.txt")
	assert.Zero(t, res.Failed)

	assert.Equal(t, "L", f.remoteData(t, "local-only.txt"))
	assert.Equal(t, "local newer", f.remoteData(t, "both.txt"))
	assert.Equal(t, "", f.remoteData(t, "empty/"))
	assert.Equal(t, "R", f.readLocal(t, "remote-only/r.txt"))
	assert.Equal(t, "fresh", f.readLocal(t, "stale.txt"))

	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Scheduled(), "second pass must schedule nothing")

	assert.Len(t, f.journal.reconciliations, 2)
	assert.ElementsMatch(t,
		[]state.Op{state.OpUpload, state.OpUpload, state.OpUpload, state.OpDownload, state.OpDownload},
		f.journal.ops(),
	)
}

func TestReconciler_RepairsBucketConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.PutAt("x", []byte("file"), newer)
	f.store.PutAt("x/", nil, baseTime)
	f.store.PutAt("x/a.txt", []byte("a"), baseTime)

	res, err := f.reconciler().Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Downloaded)
	assert.False(t, f.remoteExists("x/"))
	assert.False(t, f.remoteExists("x/a.txt"))
	assert.Equal(t, "file", f.readLocal(t, "x"))
}

func TestReconciler_LocalFileReplacesRemoteDirectory(t *testing.T) {
	f := newFixture(t)

	f.writeLocal(t, "x", "mine", newer)
	f.store.PutAt("x/", nil, baseTime)
	f.store.PutAt("x/inner.txt", []byte("theirs"), baseTime)

	res, err := f.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Uploaded)
	assert.Zero(t, res.Downloaded)
	assert.False(t, f.remoteExists("x/inner.txt"))
	assert.Equal(t, "mine", f.remoteData(t, "x"))
}

func TestReconciler_RemoteDirectoryReplacesOlderFileOnDisk(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newDiskFixture(t)

		f.writeLocal(t, "x", "was a file", older)
		f.store.PutAt("x/", nil, baseTime)
		f.store.PutAt("x/a", []byte("child"), baseTime)
		f.store.PutAt("x/deep/b", []byte("grandchild"), baseTime)

		res, err := f.reconciler().Run(context.Background())
		require.NoError(t, err)
		require.NoError(t, res.Err())
		assert.Equal(t, 3, res.Downloaded)

		info, err := f.tree.Stat("x/")
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, "child", f.readLocal(t, "x/a"))
		assert.Equal(t, "grandchild", f.readLocal(t, "x/deep/b"))

		again, err := f.reconciler().Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, again.Scheduled())
	}
}

func TestReconciler_IgnoredKeysUntouched(t *testing.T) {
	f := newFixture(t)

	f.writeLocal(t, "draft.swp", "local swap", baseTime)
	f.store.PutAt("remote.swp", []byte("remote swap"), baseTime)
	f.store.PutAt(state.LockFileName, nil, baseTime)

	res, err := f.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Scheduled())
	assert.False(t, f.remoteExists("draft.swp"))
	assert.False(t, f.localExists("remote.swp"))
}

func TestReconciler_MissingLastModifiedIsFatal(t *testing.T) {
	f := newFixture(t)

	f.store.PutAt("b.txt", []byte("b"), baseTime)
	f.store.PutAt("a.txt", []byte("a"), baseTime)
	f.store.SetLastModified("a.txt", time.Time{})
	f.store.SetLastModified("b.txt", time.Time{})
	f.writeLocal(t, "local.txt", "l", baseTime)

	_, err := f.reconciler().Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrMissingLastModified)
	assert.Contains(t, err.Error(), "a.txt, b.txt")

	assert.False(t, f.remoteExists("local.txt"), "nothing transferred")
}

func TestReconciler_ListErrorIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)

	store := objstore.NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any(), "").Return(nil, errors.New("access denied"))

	r := NewReconciler(ReconcilerConfig{
		Store:    store,
		Tree:     f.tree,
		Transfer: NewTransfer(store, f.tree, f.ledger, testLogger),
		Clock:    f.clock,
	}, testLogger)

	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "access denied")
}

func TestReconciler_PartialFailureContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)

	f.store.PutAt("good.txt", []byte("g"), baseTime)
	f.store.PutAt("bad.txt", []byte("b"), baseTime)

	objects, err := f.store.List(context.Background(), "")
	require.NoError(t, err)

	store := objstore.NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any(), "").Return(objects, nil)
	store.EXPECT().Get(gomock.Any(), "bad.txt").Return(nil, errors.New("boom"))
	store.EXPECT().Get(gomock.Any(), "good.txt").DoAndReturn(f.store.Get)

	r := NewReconciler(ReconcilerConfig{
		Store:       store,
		Tree:        f.tree,
		Transfer:    NewTransfer(store, f.tree, f.ledger, testLogger),
		Clock:       f.clock,
		Concurrency: 2,
	}, testLogger)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorContains(t, res.Err(), "boom")
	assert.Equal(t, "g", f.readLocal(t, "good.txt"))
}

func TestReconciler_ConcurrentRunIsSkipped(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	store := objstore.NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any(), "").DoAndReturn(func(context.Context, string) ([]objstore.Object, error) {
		close(entered)
		<-release

		return nil, nil
	})

	r := NewReconciler(ReconcilerConfig{
		Store:    store,
		Tree:     f.tree,
		Transfer: NewTransfer(store, f.tree, f.ledger, testLogger),
		Clock:    f.clock,
	}, testLogger)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, err := r.Run(context.Background())
		assert.NoError(t, err)
	}()

	<-entered

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	wg.Wait()
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "upload", DecisionUpload.String())
	assert.Equal(t, "download", DecisionDownload.String())
	assert.Equal(t, "delete_remote", DecisionDeleteRemote.String())
}
