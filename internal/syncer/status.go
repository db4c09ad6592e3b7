package syncer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is what a tray or indicator shows.
type State int

// DefaultIdleDelay is how long Status waits after the last operation
// before reporting Idle.
const DefaultIdleDelay = 500 * time.Millisecond

const (
	StateDisconnected State = iota
	StateIdle
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "disconnected"
	}
}

// StatusSink receives every state transition.
type StatusSink interface {
	SetStatus(State)
}

// LogSink reports transitions through a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) SetStatus(st State) {
	s.Logger.Info("status changed", slog.String("status", st.String()))
}

// Status tracks in-flight operations and the relay connection. Busy
// and Disconnected apply at once; Idle is deferred by idleDelay so a
// burst of operations does not flicker the indicator.
type Status struct {
	clock     clockwork.Clock
	sink      StatusSink
	idleDelay time.Duration

	mu        sync.Mutex
	current   State
	connected bool
	inFlight  int
	idleTimer clockwork.Timer
	idleGen   uint64
}

// NewStatus starts in StateDisconnected.
func NewStatus(clock clockwork.Clock, sink StatusSink, idleDelay time.Duration) *Status {
	return &Status{
		clock:     clock,
		sink:      sink,
		idleDelay: idleDelay,
		current:   StateDisconnected,
	}
}

// Current returns the state last delivered to the sink.
func (s *Status) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// Begin marks an operation in flight. The returned func ends it and
// must be called exactly once.
func (s *Status) Begin() func() {
	s.mu.Lock()
	s.inFlight++
	s.setLocked(StateBusy)
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(s.end)
	}
}

func (s *Status) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if s.inFlight > 0 {
		return
	}

	if !s.connected {
		s.setLocked(StateDisconnected)
		return
	}

	s.scheduleIdleLocked()
}

// SetConnected records the relay connection state.
func (s *Status) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = connected

	switch {
	case s.inFlight > 0:
		s.setLocked(StateBusy)
	case !connected:
		s.setLocked(StateDisconnected)
	default:
		s.scheduleIdleLocked()
	}
}

func (s *Status) setLocked(st State) {
	s.cancelIdleLocked()

	if st == s.current {
		return
	}

	s.current = st
	s.sink.SetStatus(st)
}

func (s *Status) cancelIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	s.idleGen++
}

func (s *Status) scheduleIdleLocked() {
	s.cancelIdleLocked()

	if s.current == StateIdle {
		return
	}

	gen := s.idleGen
	s.idleTimer = s.clock.AfterFunc(s.idleDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if gen != s.idleGen || s.inFlight > 0 || !s.connected {
			return
		}

		s.idleTimer = nil
		s.current = StateIdle
		s.sink.SetStatus(StateIdle)
	})
}
