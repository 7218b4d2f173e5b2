package fleetsync

import (
	"context"
	"sync"
	"time"
)

// statusBroadcaster owns the derived SyncStatus value and its
// subscription fan-out. Status is recomputed after every orchestrator
// step and connectivity transition; it is never persisted.
type statusBroadcaster struct {
	mu          sync.RWMutex
	status      SyncStatus
	subscribers []func(SyncStatus)
}

func (b *statusBroadcaster) current() SyncStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *statusBroadcaster) subscribe(handler func(SyncStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, handler)
}

// update applies fn to the status under lock and notifies subscribers
// when the visible value changed.
func (b *statusBroadcaster) update(fn func(*SyncStatus)) {
	b.mu.Lock()
	before := b.status
	fn(&b.status)
	changed := b.status != before
	status := b.status
	subscribers := make([]func(SyncStatus), len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, handler := range subscribers {
		func(h func(SyncStatus)) {
			defer func() {
				recover() // a panicking subscriber must not kill the engine
			}()
			h(status)
		}(handler)
	}
}

// refresh rebuilds the store-derived parts of the status.
func (e *Engine) refreshStatus(ctx context.Context) {
	pending, err := e.store.PendingCount(ctx)
	e.broadcaster.update(func(s *SyncStatus) {
		if err == nil {
			s.PendingCount = pending
		}
		if e.monitor != nil {
			s.Online = e.monitor.Online()
		}
	})
}

func (e *Engine) setSyncing(syncing bool) {
	e.broadcaster.update(func(s *SyncStatus) {
		s.Syncing = syncing
	})
}

func (e *Engine) setLastError(msg string) {
	e.broadcaster.update(func(s *SyncStatus) {
		s.LastError = msg
	})
}

func (e *Engine) markSyncComplete(at time.Time) {
	e.broadcaster.update(func(s *SyncStatus) {
		s.LastSync = at
	})
}
