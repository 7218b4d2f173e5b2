package connectivity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects transition events from a Monitor.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestProbeSuccessBringsMonitorOnline(t *testing.T) {
	monitor := NewMonitor(Config{
		Probe: func(ctx context.Context) error { return nil },
	})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	assert.False(t, monitor.Online())
	monitor.ProbeNow(context.Background())
	assert.True(t, monitor.Online())
	assert.Equal(t, []Event{EventOnline}, recorder.all())
}

func TestConsecutiveFailuresDowngradeToOffline(t *testing.T) {
	failing := func(ctx context.Context) error { return fmt.Errorf("unreachable") }
	monitor := NewMonitor(Config{Probe: failing, FailureLimit: 3, AssumeOnline: true})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	ctx := context.Background()
	monitor.ProbeNow(ctx)
	monitor.ProbeNow(ctx)
	assert.True(t, monitor.Online(), "below the failure limit the monitor stays online")

	monitor.ProbeNow(ctx)
	assert.False(t, monitor.Online())
	assert.Equal(t, []Event{EventOffline}, recorder.all())
}

func TestProbeSuccessResetsFailureCount(t *testing.T) {
	var fail bool
	monitor := NewMonitor(Config{
		Probe: func(ctx context.Context) error {
			if fail {
				return fmt.Errorf("unreachable")
			}
			return nil
		},
		FailureLimit: 3,
		AssumeOnline: true,
	})

	ctx := context.Background()
	fail = true
	monitor.ProbeNow(ctx)
	monitor.ProbeNow(ctx)

	// A success between failures resets the count.
	fail = false
	monitor.ProbeNow(ctx)

	fail = true
	monitor.ProbeNow(ctx)
	monitor.ProbeNow(ctx)
	assert.True(t, monitor.Online())

	monitor.ProbeNow(ctx)
	assert.False(t, monitor.Online())
}

func TestDowngradeWithLinkUpResetsChannels(t *testing.T) {
	var resets int
	monitor := NewMonitor(Config{
		Probe:         func(ctx context.Context) error { return fmt.Errorf("unreachable") },
		FailureLimit:  1,
		AssumeOnline:  true,
		ResetChannels: func() { resets++ },
	})

	// The OS still reports a link; the probe disagrees, so realtime
	// channels are considered stale.
	monitor.ProbeNow(context.Background())
	assert.False(t, monitor.Online())
	assert.Equal(t, 1, resets)
}

func TestLinkDownSkipsChannelReset(t *testing.T) {
	var resets int
	monitor := NewMonitor(Config{
		Probe:         func(ctx context.Context) error { return fmt.Errorf("unreachable") },
		FailureLimit:  1,
		AssumeOnline:  true,
		ResetChannels: func() { resets++ },
	})

	monitor.SetLinkState(false)
	assert.False(t, monitor.Online())

	monitor.ProbeNow(context.Background())
	assert.Equal(t, 0, resets)
}

func TestTransitionsAreDeduplicated(t *testing.T) {
	monitor := NewMonitor(Config{
		Probe: func(ctx context.Context) error { return nil },
	})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	ctx := context.Background()
	monitor.ProbeNow(ctx)
	monitor.ProbeNow(ctx)
	monitor.ProbeNow(ctx)

	// Repeated successes produce exactly one transition.
	assert.Equal(t, []Event{EventOnline}, recorder.all())
}

func TestLinkStateTransitions(t *testing.T) {
	monitor := NewMonitor(Config{AssumeOnline: true})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	monitor.SetLinkState(false)
	require.False(t, monitor.Online())

	// Link-up is optimistic; the monitor goes online before probing.
	monitor.SetLinkState(true)
	assert.True(t, monitor.Online())
	assert.Equal(t, []Event{EventOffline, EventOnline}, recorder.all())
}

func TestSubscriberPanicDoesNotPropagate(t *testing.T) {
	monitor := NewMonitor(Config{
		Probe: func(ctx context.Context) error { return nil },
	})
	monitor.Subscribe(func(Event) { panic("subscriber bug") })
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	assert.NotPanics(t, func() {
		monitor.ProbeNow(context.Background())
	})
	assert.Equal(t, []Event{EventOnline}, recorder.all())
}
