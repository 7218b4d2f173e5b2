package fleetsync

import (
	"context"
	"sync"
	"time"

	"github.com/veldra/fleetsync/connectivity"
	"github.com/veldra/fleetsync/logging"
)

// TriggerConfig configures the background sync trigger.
type TriggerConfig struct {
	// Interval is the periodic sync cadence while online. Default 5m.
	Interval time.Duration

	// Wake delivers external wake-up signals, typically from a realtime
	// push listener. Optional.
	Wake <-chan struct{}
}

func (c *TriggerConfig) setDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
}

// Trigger decides when sync cycles happen: on connectivity regained, on
// a periodic timer, on app resume, and on realtime wake-up signals. It
// only ever requests cycles through the engine's coalescing gate, so
// overlapping triggers collapse into at most one follow-up cycle.
type Trigger struct {
	engine  *Engine
	monitor *connectivity.Monitor
	config  TriggerConfig
	logger  *logging.Logger

	mu     sync.Mutex
	stop   chan struct{}
	resume chan struct{}
	closed bool
}

// NewTrigger creates a Trigger. Run must be called to start it.
func NewTrigger(engine *Engine, monitor *connectivity.Monitor, config TriggerConfig) *Trigger {
	config.setDefaults()
	return &Trigger{
		engine:  engine,
		monitor: monitor,
		config:  config,
		logger:  logging.WithComponent(logging.Component("trigger")),
		resume:  make(chan struct{}, 1),
	}
}

// Resume signals that the application returned to the foreground.
// Coalesced: repeated calls while a sync is pending are folded together.
func (t *Trigger) Resume() {
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// Run drives the trigger until ctx is canceled or Close is called. An
// offline-to-online transition, the periodic timer, an app resume, and a
// wake-up signal all request a sync cycle.
func (t *Trigger) Run(ctx context.Context) {
	t.mu.Lock()
	if t.closed || t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	if t.monitor != nil {
		t.monitor.Subscribe(func(event connectivity.Event) {
			if event != connectivity.EventOnline {
				return
			}
			// The subscription outlives the run loop; a closed trigger
			// must not request syncs on a dead context.
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Info("connectivity regained, requesting sync")
			t.engine.SyncNow(ctx)
		})
	}

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	// A nil wake channel blocks forever; a closed one is disarmed.
	wake := t.config.Wake

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.engine.SyncNow(ctx)
		case <-t.resume:
			t.logger.Debug("app resumed, requesting sync")
			t.engine.SyncNow(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			t.logger.Debug("wake-up signal received, requesting sync")
			t.engine.SyncNow(ctx)
		}
	}
}

// Close stops the trigger loop.
func (t *Trigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	return nil
}
