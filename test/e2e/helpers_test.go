package e2e_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/relay"
	"github.com/alexjbarnes/s3sync/internal/s3event"
	"github.com/alexjbarnes/s3sync/internal/syncer"
)

const (
	debounce       = 100 * time.Millisecond
	suppressionTTL = 500 * time.Millisecond
	heartbeat      = time.Second
	settle         = debounce + suppressionTTL + 200*time.Millisecond
	propagation    = 10 * time.Second
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", msg)
}

// harness is a relay fed by an in-memory bucket. Every store mutation
// is delivered to relay clients as an SNS notification.
type harness struct {
	store *objstore.Memory
	hub   *relay.Hub
	srv   *httptest.Server

	mu      sync.Mutex
	created map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockwork.NewRealClock()
	store := objstore.NewMemory(clock)
	hub := relay.NewHub(clock, heartbeat, testLogger)

	h := &harness{store: store, hub: hub, created: make(map[string]int)}

	store.Subscribe(func(c objstore.Change) {
		kind := s3event.Created

		switch c.Event {
		case objstore.EventObjectCreated:
			h.mu.Lock()
			h.created[c.Key]++
			h.mu.Unlock()
		case objstore.EventObjectRemoved:
			kind = s3event.Removed
		}

		msg, err := s3event.Encode([]s3event.Record{{Kind: kind, Key: c.Key}})
		if err != nil {
			t.Errorf("encoding change: %v", err)
			return
		}

		hub.Broadcast(msg)
	})

	h.srv = httptest.NewServer(relay.NewServer(relay.ServerConfig{Hub: hub}, testLogger).Handler())

	t.Cleanup(func() {
		hub.Shutdown()
		h.srv.Close()
	})

	return h
}

// puts returns how many times key was written to the bucket.
func (h *harness) puts(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.created[key]
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

// client is one running sync process rooted at dir.
type client struct {
	dir    string
	status *syncer.Status
}

func (h *harness) startClient(t *testing.T) *client {
	t.Helper()

	// fsnotify reports resolved paths.
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	tree, err := syncer.NewLocalTree(dir, []string{"**/*.swp"})
	require.NoError(t, err)

	clock := clockwork.NewRealClock()
	ledger := syncer.NewLedger(clock, suppressionTTL)
	transfer := syncer.NewTransfer(h.store, tree, ledger, testLogger)
	status := syncer.NewStatus(clock, syncer.LogSink{Logger: testLogger}, syncer.DefaultIdleDelay)
	guard := syncer.NewGuard(clock, testLogger)

	reconciler := syncer.NewReconciler(syncer.ReconcilerConfig{
		Store:       h.store,
		Tree:        tree,
		Transfer:    transfer,
		Clock:       clock,
		Concurrency: 4,
	}, testLogger)

	engine := syncer.NewEngine(syncer.EngineConfig{
		Store:       h.store,
		Tree:        tree,
		Transfer:    transfer,
		Guard:       guard,
		Status:      status,
		Clock:       clock,
		Concurrency: 4,
	}, testLogger)

	watcher := syncer.NewWatcher(tree, ledger, clock, debounce, testLogger)

	listener := syncer.NewListener(syncer.ListenerConfig{
		URL:               h.wsURL(),
		ReconnectDelay:    100 * time.Millisecond,
		HeartbeatInterval: heartbeat,
		Dispatcher:        engine,
		Reconciler:        reconciler,
		Detector:          watcher,
		Ledger:            ledger,
		Status:            status,
		Clock:             clock,
	}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watcher.Watch(gctx) })
	g.Go(func() error { return engine.Run(gctx, watcher.Intents()) })
	g.Go(func() error { return listener.Run(gctx) })

	t.Cleanup(func() {
		cancel()

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("client stopped: %v", err)
		}

		guard.Stop()
	})

	select {
	case <-listener.Ready():
	case <-time.After(propagation):
		t.Fatal("client never completed its initial sync")
	}

	return &client{dir: dir, status: status}
}

func (c *client) path(key string) string {
	return filepath.Join(c.dir, filepath.FromSlash(key))
}

func (c *client) write(t *testing.T, key, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(c.path(key), []byte(content), 0o644))
}

func (c *client) read(key string) (string, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return "", false
	}

	return string(data), true
}

func (c *client) isDir(key string) bool {
	info, err := os.Lstat(c.path(key))
	return err == nil && info.IsDir()
}

func (c *client) exists(key string) bool {
	_, err := os.Lstat(c.path(key))
	return err == nil
}

func (c *client) idle() bool {
	return c.status.Current() == syncer.StateIdle
}
