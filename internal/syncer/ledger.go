package syncer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// OpKind distinguishes the two intents the watcher can emit.
type OpKind int

const (
	OpSync OpKind = iota
	OpRemove
)

func (k OpKind) String() string {
	if k == OpRemove {
		return "remove"
	}

	return "sync"
}

type ledgerKey struct {
	kind OpKind
	path string
}

// Ledger records local mutations this process is about to perform so
// the watcher can drop their echo. An entry is consumed by the first
// matching intent and expires after ttl if that intent never arrives.
type Ledger struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[ledgerKey]time.Time
}

// NewLedger creates an empty ledger whose entries live for ttl.
func NewLedger(clock clockwork.Clock, ttl time.Duration) *Ledger {
	return &Ledger{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[ledgerKey]time.Time),
	}
}

// Suppress inserts or refreshes the entry for (kind, path).
func (l *Ledger) Suppress(kind OpKind, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)
	l.entries[ledgerKey{kind, path}] = now
}

// Consume reports whether a live entry exists for (kind, path) and
// removes it.
func (l *Ledger) Consume(kind OpKind, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := ledgerKey{kind, path}

	insertedAt, ok := l.entries[k]
	if !ok {
		return false
	}

	delete(l.entries, k)

	return l.clock.Since(insertedAt) < l.ttl
}

// Forget drops the entry for (kind, path) without consuming it.
func (l *Ledger) Forget(kind OpKind, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, ledgerKey{kind, path})
}

// Reset drops every entry. Called on each new relay connection.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.clock.Now())

	return len(l.entries)
}

func (l *Ledger) pruneLocked(now time.Time) {
	for k, insertedAt := range l.entries {
		if now.Sub(insertedAt) >= l.ttl {
			delete(l.entries, k)
		}
	}
}
