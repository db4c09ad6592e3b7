package syncer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
)

const (
	// guardMaxOps is the number of operations on one key inside
	// guardWindow that is still considered normal.
	guardMaxOps = 10

	// guardWindow exceeds the watcher debounce so a user saving a file
	// repeatedly cannot reach guardMaxOps.
	guardWindow = 10 * time.Second

	// guardDistinctRatio is the largest fraction of distinct sizes that
	// still looks like the same bytes bouncing back and forth.
	guardDistinctRatio = 0.25

	// guardPruneMargin is kept beyond guardWindow when pruning history.
	guardPruneMargin = time.Second
)

type opRecord struct {
	at   time.Time
	size *int64
}

// Guard watches per-key operation history for the signature of a
// feedback loop: many operations in a short window moving the same
// number of bytes.
type Guard struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]opRecord
	timers  map[string]clockwork.Timer
}

// NewGuard creates a guard with empty history.
func NewGuard(clock clockwork.Clock, logger *slog.Logger) *Guard {
	return &Guard{
		clock:   clock,
		logger:  logger,
		history: make(map[string][]opRecord),
		timers:  make(map[string]clockwork.Timer),
	}
}

// Record appends a completed operation on key. Deletions pass a nil
// size. It returns ErrRunaway when the key's recent history looks like
// a loop; the caller must stop the process.
func (g *Guard) Record(key string, size *int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.history[key] = append(g.history[key], opRecord{at: now, size: size})

	if _, ok := g.timers[key]; !ok {
		g.schedulePruneLocked(key)
	}

	recent := g.recentLocked(key, now)
	if len(recent) <= guardMaxOps {
		return nil
	}

	sizes := mapset.NewThreadUnsafeSet[int64]()
	for _, op := range recent {
		if op.size != nil {
			sizes.Add(*op.size)
		}
	}

	ratio := float64(sizes.Cardinality()) / float64(len(recent))
	if ratio > guardDistinctRatio {
		return nil
	}

	g.logger.Error("unusually high number of operations on key",
		slog.String("key", key),
		slog.Int("operations", len(recent)),
		slog.Int("distinct_sizes", sizes.Cardinality()),
		slog.Any("history", formatHistory(g.history[key])),
	)

	return fmt.Errorf("%w: %d operations on %s within %s", apperrors.ErrRunaway, len(recent), key, guardWindow)
}

// Len returns the number of retained history entries for key.
func (g *Guard) Len(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.history[key])
}

// Stop cancels every pending prune timer.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, t := range g.timers {
		t.Stop()
		delete(g.timers, key)
	}
}

func (g *Guard) recentLocked(key string, now time.Time) []opRecord {
	ops := g.history[key]
	cutoff := now.Add(-guardWindow)

	for i, op := range ops {
		if op.at.After(cutoff) {
			return ops[i:]
		}
	}

	return nil
}

func (g *Guard) schedulePruneLocked(key string) {
	g.timers[key] = g.clock.AfterFunc(guardWindow+guardPruneMargin, func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		delete(g.timers, key)

		cutoff := g.clock.Now().Add(-(guardWindow + guardPruneMargin))
		kept := g.history[key][:0]

		for _, op := range g.history[key] {
			if op.at.After(cutoff) {
				kept = append(kept, op)
			}
		}

		if len(kept) == 0 {
			delete(g.history, key)
			return
		}

		g.history[key] = kept
		g.schedulePruneLocked(key)
	})
}

func formatHistory(ops []opRecord) []string {
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		size := "no size"
		if op.size != nil {
			size = humanize.Bytes(uint64(*op.size))
		}

		lines = append(lines, op.at.UTC().Format(time.RFC3339Nano)+": "+size)
	}

	return lines
}
