// Package push maintains a websocket connection to the remote system's
// notification endpoint. Any frame received is treated as a wake-up
// signal; the payload is never interpreted, the subsequent pull fetches
// the actual changes.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldra/fleetsync"
	"github.com/veldra/fleetsync/logging"
)

// Config configures a Listener.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://fleet.example.com/notify.
	URL string

	// AuthToken, when set, is sent as a bearer token on the handshake.
	AuthToken string

	// Backoff is the reconnect schedule. Defaults to the engine-wide
	// exponential schedule.
	Backoff fleetsync.BackoffStrategy

	// HandshakeTimeout bounds each dial attempt. Default 10s.
	HandshakeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Backoff == nil {
		c.Backoff = fleetsync.DefaultBackoff()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Listener holds the websocket open and forwards wake-up signals. It
// reconnects with backoff on failure and can be forcibly redialed when
// the connectivity monitor suspects the channel went stale.
type Listener struct {
	config Config
	logger *logging.Logger
	wake   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	stop   chan struct{}
	closed bool
}

// NewListener creates a Listener. Run must be called to start it.
func NewListener(config Config) *Listener {
	config.setDefaults()
	return &Listener{
		config: config,
		logger: logging.WithComponent(logging.Component("push-listener")),
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns the wake-up channel. Signals are coalesced: a burst of
// frames while the consumer is busy delivers once.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Reset tears down the current connection so the run loop redials
// immediately. Used when the connectivity monitor declares the remote
// unreachable despite an open socket.
func (l *Listener) Reset() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		l.logger.Info("resetting realtime channel")
		conn.Close()
	}
}

// Run dials and reads until ctx is canceled or Close is called.
func (l *Listener) Run(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.stop != nil {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			delay := l.config.Backoff.NextDelay(attempt)
			attempt++
			l.logger.Warn("realtime dial failed",
				"url", l.config.URL, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		l.config.Backoff.Reset()
		l.logger.Info("realtime channel established", "url", l.config.URL)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.mu.Unlock()

		l.readLoop(conn)

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		conn.Close()
	}
}

// Close stops the listener and closes the connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: l.config.HandshakeTimeout}

	var header map[string][]string
	if l.config.AuthToken != "" {
		header = map[string][]string{"Authorization": {"Bearer " + l.config.AuthToken}}
	}

	conn, _, err := dialer.DialContext(ctx, l.config.URL, header)
	return conn, err
}

// readLoop drains frames until the connection drops. Every frame, of any
// type and content, produces at most one pending wake-up signal.
func (l *Listener) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			l.logger.Warn("realtime channel dropped", "error", err)
			return
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}
