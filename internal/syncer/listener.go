package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
	"github.com/alexjbarnes/s3sync/internal/s3event"
)

const (
	// livenessFactor is the number of heartbeat intervals without a
	// ping or frame after which the relay is considered gone.
	livenessFactor = 3

	// closeTimeout bounds the close handshake on shutdown.
	closeTimeout = time.Second

	// readLimit caps a single relay frame. SNS messages are at most
	// 256KB; the envelope adds a little.
	readLimit = 1 << 20
)

var errHeartbeatTimeout = errors.New("relay heartbeat timeout")

//go:generate mockgen -source=listener.go -destination=mock_listener_test.go -package=syncer

// wsConn abstracts the websocket connection so the Listener can be
// tested without a relay. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, *http.Response, error)

func dialWebsocket(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// dispatcher applies remote records. *Engine satisfies it.
type dispatcher interface {
	DownloadFile(ctx context.Context, key string) error
	RemoveLocalFile(ctx context.Context, key string) error
}

// reconcileRunner is satisfied by *Reconciler.
type reconcileRunner interface {
	Run(ctx context.Context) (Result, error)
}

// detector is satisfied by *Watcher.
type detector interface {
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}

// ListenerConfig holds relay settings and collaborators.
type ListenerConfig struct {
	URL               string
	Token             string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration

	Dispatcher dispatcher
	Reconciler reconcileRunner
	Detector   detector
	Ledger     *Ledger
	Status     *Status
	Clock      clockwork.Clock
}

// Listener holds the relay connection. Each session clears the ledger,
// reconciles with the detector suspended, then applies notifications in
// arrival order until the connection drops.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger
	dial   dialFunc

	ready     chan struct{}
	readyOnce sync.Once
}

func NewListener(cfg ListenerConfig, logger *slog.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		logger: logger,
		dial:   dialWebsocket,
		ready:  make(chan struct{}),
	}
}

// Ready is closed after the first reconciliation completes.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run connects and reconnects until ctx is cancelled or a session ends
// with a fatal error.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)

		l.cfg.Status.SetConnected(false)
		l.cfg.Ledger.Reset()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isFatal(err) {
			return err
		}

		l.logger.Warn("relay connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", l.cfg.ReconnectDelay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.cfg.Clock.After(l.cfg.ReconnectDelay):
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, apperrors.ErrRunaway) ||
		errors.Is(err, apperrors.ErrMissingLastModified) ||
		errors.Is(err, apperrors.ErrUnauthorized)
}

func (l *Listener) session(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Relay pings are answered by the library inside Read; this only
	// observes them.
	pinged := make(chan struct{}, 1)

	opts := &websocket.DialOptions{
		OnPingReceived: func(context.Context, []byte) bool {
			select {
			case pinged <- struct{}{}:
			default:
			}

			return true
		},
	}

	if l.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.cfg.Token}}
	}

	conn, resp, err := l.dial(connCtx, l.cfg.URL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dialing relay: %w", apperrors.ErrUnauthorized)
		}

		return fmt.Errorf("dialing relay: %w", err)
	}
	defer l.closeConn(conn)

	conn.SetReadLimit(readLimit)
	l.logger.Info("connected to relay", slog.String("url", l.cfg.URL))

	l.cfg.Ledger.Reset()

	// Keep reading during reconciliation so keepalive pings are
	// answered; notifications queue up until the event loop starts.
	queue := newInboundQueue()
	go readLoop(connCtx, conn, queue)

	if err := l.cfg.Detector.Suspend(ctx); err != nil {
		return fmt.Errorf("suspending watcher: %w", err)
	}

	l.cfg.Status.SetConnected(true)

	done := l.cfg.Status.Begin()
	res, err := l.cfg.Reconciler.Run(ctx)
	done()

	if err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	if res.Failed > 0 {
		l.logger.Warn("reconciliation finished with failures", slog.Int("failed", res.Failed))
	}

	if err := l.cfg.Detector.Resume(ctx); err != nil {
		return fmt.Errorf("resuming watcher: %w", err)
	}

	l.readyOnce.Do(func() { close(l.ready) })

	return l.eventLoop(ctx, conn, queue, pinged)
}

// eventLoop processes inbound frames strictly in arrival order. It
// returns on read error, liveness timeout, fatal dispatch error or
// context cancellation.
func (l *Listener) eventLoop(ctx context.Context, conn wsConn, queue *inboundQueue, pinged <-chan struct{}) error {
	liveness := livenessFactor * l.cfg.HeartbeatInterval

	deadline := l.cfg.Clock.NewTimer(liveness)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pinged:
			deadline.Reset(liveness)

		case <-deadline.Chan():
			l.logger.Warn("no heartbeat from relay, closing", slog.Duration("after", liveness))
			_ = conn.CloseNow()

			return errHeartbeatTimeout

		case <-queue.signal:
			for {
				msg, ok := queue.pop()
				if !ok {
					break
				}

				if msg.err != nil {
					return fmt.Errorf("reading message: %w", msg.err)
				}

				deadline.Reset(liveness)

				if msg.typ == websocket.MessageBinary {
					l.logger.Warn("dropping binary frame", slog.Int("bytes", len(msg.data)))
					continue
				}

				if err := l.handleMessage(ctx, msg.data); err != nil {
					return err
				}
			}
		}
	}
}

// handleMessage applies every record of one notification in order.
// Only fatal errors are returned.
func (l *Listener) handleMessage(ctx context.Context, data []byte) error {
	records, err := s3event.Decode(data)
	if err != nil {
		l.logger.Warn("dropping malformed notification", slog.String("error", err.Error()))
		return nil
	}

	for _, rec := range records {
		var err error

		switch rec.Kind {
		case s3event.Created:
			err = l.cfg.Dispatcher.DownloadFile(ctx, rec.Key)
		case s3event.Removed:
			err = l.cfg.Dispatcher.RemoveLocalFile(ctx, rec.Key)
		}

		if err == nil {
			continue
		}

		if isFatal(err) {
			return err
		}

		l.logger.Error("remote change failed",
			slog.String("event", rec.Kind.String()),
			slog.String("key", rec.Key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// closeConn sends a normal closure and force-closes if the relay does
// not complete the handshake in time.
func (l *Listener) closeConn(conn wsConn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	select {
	case <-done:
	case <-l.cfg.Clock.After(closeTimeout):
		l.logger.Debug("close handshake timed out, forcing")
		_ = conn.CloseNow()
	}
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// inboundQueue is an unbounded FIFO between the reader goroutine and
// the event loop, so reading never stalls behind slow dispatch.
type inboundQueue struct {
	mu     sync.Mutex
	items  []inboundMsg
	signal chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{signal: make(chan struct{}, 1)}
}

func (q *inboundQueue) push(msg inboundMsg) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inboundQueue) pop() (inboundMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return inboundMsg{}, false
	}

	msg := q.items[0]
	q.items[0] = inboundMsg{}
	q.items = q.items[1:]

	return msg, true
}

// readLoop reads frames until the connection fails. The error is
// delivered as the final message.
func readLoop(ctx context.Context, conn wsConn, queue *inboundQueue) {
	for {
		typ, data, err := conn.Read(ctx)
		queue.push(inboundMsg{typ: typ, data: data, err: err})

		if err != nil {
			return
		}
	}
}
