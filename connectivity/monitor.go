// Package connectivity maintains the engine's online/offline signal.
//
// OS-level link state is a false-positive-prone input (captive portals,
// DNS-only connectivity), so a periodic liveness probe against the
// remote system augments it. Repeated probe failures downgrade the
// monitor to offline and reset stale realtime channels; local data is
// never touched.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/veldra/fleetsync/logging"
)

// Event is a connectivity transition delivered to subscribers exactly
// once per actual transition.
type Event string

const (
	EventOnline  Event = "online"
	EventOffline Event = "offline"
)

// Config configures a Monitor.
type Config struct {
	// Probe is the liveness check, typically the transport's Ping.
	Probe func(ctx context.Context) error

	// ProbeInterval is how often the probe runs. Default 30s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each probe call. Default 5s.
	ProbeTimeout time.Duration

	// FailureLimit is the number of consecutive probe failures after
	// which the monitor downgrades to offline even if the OS reports
	// connectivity. Default 3.
	FailureLimit int

	// ResetChannels is invoked when the monitor downgrades to offline
	// despite the link reporting up, so stale realtime channels can be
	// redialed. Optional.
	ResetChannels func()

	// AssumeOnline sets the initial state. Default false: the first
	// successful probe brings the monitor online.
	AssumeOnline bool
}

func (c *Config) setDefaults() {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureLimit == 0 {
		c.FailureLimit = 3
	}
}

// Monitor tracks network reachability and emits transition events.
type Monitor struct {
	config Config
	logger *logging.Logger

	mu          sync.Mutex
	online      bool
	linkUp      bool
	failures    int
	subscribers []func(Event)
	stop        chan struct{}
	closed      bool
}

// NewMonitor creates a Monitor. Run must be called to start probing.
func NewMonitor(config Config) *Monitor {
	config.setDefaults()
	return &Monitor{
		config: config,
		logger: logging.WithComponent(logging.Component("connectivity")),
		online: config.AssumeOnline,
		linkUp: true,
	}
}

// Online returns the current reachability belief.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition handler. Handlers run on the
// monitor's goroutine order but outside its lock.
func (m *Monitor) Subscribe(handler func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// SetLinkState feeds an OS-level connectivity signal. Link-down flips
// the monitor offline immediately; link-up is only a hint, confirmed by
// the next probe.
func (m *Monitor) SetLinkState(up bool) {
	m.mu.Lock()
	m.linkUp = up
	if !up {
		m.failures = 0
	}
	m.mu.Unlock()

	if !up {
		m.setOnline(false, "link down")
	} else {
		// Optimistic: probing confirms or reverts shortly.
		m.setOnline(true, "link up")
	}
}

// ProbeNow runs a single liveness probe and applies its result.
func (m *Monitor) ProbeNow(ctx context.Context) {
	if m.config.Probe == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := m.config.Probe(probeCtx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		m.setOnline(true, "probe succeeded")
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	linkUp := m.linkUp
	limit := m.config.FailureLimit
	m.mu.Unlock()

	m.logger.Warn("liveness probe failed", "failures", failures, "limit", limit, "error", err)

	if failures >= limit {
		// The OS may still report connectivity; trust the probe.
		m.setOnline(false, "probe failure limit reached")
		if linkUp && m.config.ResetChannels != nil {
			m.config.ResetChannels()
		}
	}
}

// Run drives the periodic probe until ctx is canceled or Close is
// called.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	// Establish state before the first tick.
	m.ProbeNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.ProbeNow(ctx)
		}
	}
}

// Close stops the probe loop.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	return nil
}

// setOnline applies a state change and notifies subscribers once per
// actual transition.
func (m *Monitor) setOnline(online bool, reason string) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subscribers := make([]func(Event), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	event := EventOffline
	if online {
		event = EventOnline
	}
	m.logger.Info("connectivity transition", "event", event, "reason", reason)

	for _, handler := range subscribers {
		func(h func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("subscriber panic recovered", "panic", r)
				}
			}()
			h(event)
		}(handler)
	}
}
