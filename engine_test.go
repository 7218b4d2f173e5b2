package fleetsync_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldra/fleetsync"
	"github.com/veldra/fleetsync/cursor"
	syncErrors "github.com/veldra/fleetsync/errors"
	"github.com/veldra/fleetsync/storage/sqlite"
)

// scriptedTransport implements fleetsync.Transport for tests.
type scriptedTransport struct {
	mu      sync.Mutex
	applied []fleetsync.Mutation
	pulls   int
	version int64

	applyFn   func(m fleetsync.Mutation) (fleetsync.ApplyResult, error)
	changedFn func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error)
}

func (t *scriptedTransport) Apply(ctx context.Context, m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, m)
	if t.applyFn != nil {
		return t.applyFn(m)
	}
	t.version++
	return fleetsync.ApplyResult{NewVersion: t.version}, nil
}

func (t *scriptedTransport) ChangedSince(ctx context.Context, table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pulls++
	if t.changedFn != nil {
		return t.changedFn(table, since, limit)
	}
	return nil, nil, nil
}

func (t *scriptedTransport) Ping(ctx context.Context) error { return nil }
func (t *scriptedTransport) Close() error                   { return nil }

func (t *scriptedTransport) appliedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.applied))
	for i, m := range t.applied {
		ids[i] = m.ID
	}
	return ids
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *sqlite.Store, transport *scriptedTransport, options fleetsync.Options) *fleetsync.Engine {
	t.Helper()
	engine, err := fleetsync.NewEngine(store, transport, nil, options)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	return engine
}

func TestSubmitMutationVisibleToOptimisticRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, &scriptedTransport{}, fleetsync.Options{})

	_, err := store.UpsertRecord(ctx, fleetsync.Record{
		Table: "vehicles", ID: "v1", Version: 3,
		Fields: map[string]any{"status": "idle"},
	})
	require.NoError(t, err)

	m, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(3), m.BaseVersion)

	rec, err := engine.ReadRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Fields["status"])

	// The mirror itself is untouched until the push is acknowledged.
	mirror, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "idle", mirror.Fields["status"])

	assert.Equal(t, 1, engine.Status().PendingCount)
}

func TestSubmitMutationRejectsMalformed(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), &scriptedTransport{}, fleetsync.Options{})

	_, err := engine.SubmitMutation(context.Background(), fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
	})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindValidation, syncErrors.KindOf(err))
}

func TestRunCyclePushesInFIFOOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	first, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpCreate,
		Payload: map[string]any{"status": "new"},
	})
	require.NoError(t, err)
	second, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.MutationsPushed)
	assert.Equal(t, []string{first.ID, second.ID}, transport.appliedIDs())

	// The mirror now holds the acknowledged state at the acked version.
	mirror, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "active", mirror.Fields["status"])
	assert.Equal(t, int64(2), mirror.Version)

	assert.Equal(t, 0, engine.Status().PendingCount)
	assert.False(t, engine.Status().LastSync.IsZero())
}

func TestRunCyclePushMergesDisjointFieldEdits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{version: 1}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	_, err := store.UpsertRecord(ctx, fleetsync.Record{
		Table: "vehicles", ID: "v1", Version: 1,
		Fields: map[string]any{"status": "idle", "depot": "north"},
	})
	require.NoError(t, err)

	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)
	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"depot": "south"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.MutationsPushed)

	// Each ack merges onto the record's prior acknowledged effect, so the
	// second edit lands on top of the first instead of replacing it.
	mirror, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "active", mirror.Fields["status"])
	assert.Equal(t, "south", mirror.Fields["depot"])
	assert.Equal(t, int64(3), mirror.Version)
}

func TestRunCycleRetryableFailureBlocksRecordQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush, fmt.Errorf("connection refused"))
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	_, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpCreate,
		Payload: map[string]any{"status": "new"},
	})
	require.NoError(t, err)
	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MutationsPushed)
	assert.NotEmpty(t, result.Errors)

	// Only the head of the record's queue was attempted.
	assert.Len(t, transport.appliedIDs(), 1)

	// Both mutations survive; the head's backoff gate holds the whole
	// record back from the next fetch.
	assert.Equal(t, 2, engine.Status().PendingCount)
	next, err := store.NextPendingMutations(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.NotEmpty(t, engine.Status().LastError)
}

func TestRunCycleTerminalFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{}, syncErrors.NewPermissionError(syncErrors.OpPush, fmt.Errorf("forbidden"))
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	m, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpCreate,
		Payload: map[string]any{"status": "new"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MutationsPushed)

	// Terminal failures leave the ledger but stop counting as pending.
	assert.Equal(t, 0, engine.Status().PendingCount)
	pending, err := store.PendingForRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Retrying the same id is rejected; the entry is already failed.
	err = store.MarkMutationStatus(ctx, m.ID, fleetsync.MutationFailed, "permission")
	require.NoError(t, err)
}

func TestRunCycleDuplicateAckTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{NewVersion: 9, Duplicate: true}, nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	_, err := engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpCreate,
		Payload: map[string]any{"status": "new"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MutationsPushed)
	assert.Equal(t, 0, engine.Status().PendingCount)

	mirror, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), mirror.Version)
}

func TestRunCyclePullAppliesRemoteChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			if since != nil {
				return nil, since, nil
			}
			return []fleetsync.Record{
				{ID: "v1", Version: 4, Fields: map[string]any{"status": "active"}, UpdatedAt: time.Now().UTC()},
				{ID: "v2", Version: 5, Deleted: true, UpdatedAt: time.Now().UTC()},
			}, cursor.NewSequence(5), nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{Tables: []string{"vehicles"}})

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsPulled)
	assert.Equal(t, 0, result.ConflictsDetected)

	rec, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Fields["status"])

	tomb, err := store.GetRecord(ctx, "vehicles", "v2")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	wm, err := store.Watermark(ctx, "vehicles")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, cursor.NewSequence(5), wm)
}

func runCycleWithin(t *testing.T, engine *fleetsync.Engine, timeout time.Duration) *fleetsync.SyncResult {
	t.Helper()
	type outcome struct {
		result *fleetsync.SyncResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := engine.RunCycle(context.Background())
		done <- outcome{result, err}
	}()
	select {
	case out := <-done:
		require.NoError(t, out.err)
		return out.result
	case <-time.After(timeout):
		t.Fatal("sync cycle did not finish in time")
		return nil
	}
}

func TestRunCyclePullTerminatesOnFullPageWithoutCursor(t *testing.T) {
	store := newTestStore(t)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			// A limit-sized page whose listing carries no cursor. Servers
			// that omit next_cursor produce exactly this shape.
			return []fleetsync.Record{
				{ID: "v1", Version: 4, Fields: map[string]any{"status": "active"}, UpdatedAt: time.Now().UTC()},
				{ID: "v2", Version: 5, Fields: map[string]any{"status": "idle"}, UpdatedAt: time.Now().UTC()},
			}, nil, nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{
		Tables:    []string{"vehicles"},
		PullLimit: 2,
	})

	result := runCycleWithin(t, engine, 2*time.Second)
	assert.Equal(t, 2, result.RecordsPulled)

	transport.mu.Lock()
	pulls := transport.pulls
	transport.mu.Unlock()
	assert.Equal(t, 1, pulls)
}

func TestRunCyclePullStopsWhenCursorDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			// Full pages forever, but the cursor never moves past 5.
			return []fleetsync.Record{
				{ID: "v1", Version: 4, Fields: map[string]any{"status": "active"}, UpdatedAt: time.Now().UTC()},
				{ID: "v2", Version: 5, Fields: map[string]any{"status": "idle"}, UpdatedAt: time.Now().UTC()},
			}, cursor.NewSequence(5), nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{
		Tables:    []string{"vehicles"},
		PullLimit: 2,
	})

	runCycleWithin(t, engine, 2*time.Second)

	// One page advanced the watermark, the repeat ended paging.
	transport.mu.Lock()
	pulls := transport.pulls
	transport.mu.Unlock()
	assert.Equal(t, 2, pulls)

	wm, err := store.Watermark(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, cursor.NewSequence(5), wm)
}

func TestRunCycleDetectsUpdateUpdateConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush, fmt.Errorf("unreachable"))
		},
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			return []fleetsync.Record{
				{ID: "v1", Version: 7, Fields: map[string]any{"status": "maintenance"}, UpdatedAt: time.Now().UTC()},
			}, cursor.NewSequence(7), nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{Tables: []string{"vehicles"}})

	_, err := store.UpsertRecord(ctx, fleetsync.Record{
		Table: "vehicles", ID: "v1", Version: 3,
		Fields: map[string]any{"status": "idle"},
	})
	require.NoError(t, err)
	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsDetected)

	// remote_wins resolved it automatically; nothing awaits a decision.
	conflicts, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	rec, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", rec.Fields["status"])
	assert.Equal(t, int64(7), rec.Version)
}

func TestRunCycleManualConflictAwaitsResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush, fmt.Errorf("unreachable"))
		},
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			return []fleetsync.Record{
				{ID: "v1", Version: 7, Fields: map[string]any{"status": "maintenance"}, UpdatedAt: time.Now().UTC()},
			}, cursor.NewSequence(7), nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{
		Tables: []string{"vehicles"},
		Policies: fleetsync.NewPolicySet(fleetsync.DefaultPolicy(), map[string]fleetsync.Policy{
			"vehicles": {Default: fleetsync.StrategyManual},
		}),
	})

	_, err := store.UpsertRecord(ctx, fleetsync.Record{
		Table: "vehicles", ID: "v1", Version: 3,
		Fields: map[string]any{"status": "idle"},
	})
	require.NoError(t, err)
	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)

	_, err = engine.RunCycle(ctx)
	require.NoError(t, err)

	conflicts, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, fleetsync.ConflictUpdateUpdate, conflicts[0].Kind)

	// Mirror untouched while the conflict awaits a decision.
	rec, err := store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "idle", rec.Fields["status"])

	// Resolving local_wins restores the optimistic snapshot at the
	// remote version.
	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, fleetsync.StrategyLocalWins))

	conflicts, err = engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	rec, err = store.GetRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Fields["status"])
	assert.Equal(t, int64(7), rec.Version)
}

func TestResolveConflictLocalWinsQueuesPropagation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		applyFn: func(m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush, fmt.Errorf("unreachable"))
		},
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			return []fleetsync.Record{
				{ID: "v1", Version: 7, Fields: map[string]any{"status": "maintenance"}, UpdatedAt: time.Now().UTC()},
			}, cursor.NewSequence(7), nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{
		Tables: []string{"vehicles"},
		Policies: fleetsync.NewPolicySet(fleetsync.DefaultPolicy(), map[string]fleetsync.Policy{
			"vehicles": {Default: fleetsync.StrategyManual},
		}),
	})

	_, err := store.UpsertRecord(ctx, fleetsync.Record{
		Table: "vehicles", ID: "v1", Version: 3,
		Fields: map[string]any{"status": "idle"},
	})
	require.NoError(t, err)
	_, err = engine.SubmitMutation(ctx, fleetsync.Mutation{
		Table: "vehicles", RecordID: "v1", Op: fleetsync.OpUpdate,
		Payload: map[string]any{"status": "active"},
	})
	require.NoError(t, err)

	_, err = engine.RunCycle(ctx)
	require.NoError(t, err)

	conflicts, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, fleetsync.StrategyLocalWins))

	// The winning snapshot is queued for push so the remote converges on
	// the resolution instead of keeping its losing state.
	pending, err := store.PendingForRecord(ctx, "vehicles", "v1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fleetsync.OpUpdate, pending[0].Op)
	assert.Equal(t, "active", pending[0].Payload["status"])
	assert.Equal(t, int64(7), pending[0].BaseVersion)
	assert.Equal(t, 1, engine.Status().PendingCount)
}

func TestRunCycleWatermarkHeldOnListingFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			return nil, nil, syncErrors.NewNetworkError(syncErrors.OpPull, fmt.Errorf("gateway timeout"))
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{Tables: []string{"vehicles"}})

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Errors)

	wm, err := store.Watermark(ctx, "vehicles")
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestSyncNowCoalescesConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	release := make(chan struct{})
	started := make(chan struct{}, 16)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			started <- struct{}{}
			<-release
			return nil, nil, nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{Tables: []string{"vehicles"}})

	engine.SyncNow(ctx)
	<-started // first cycle is inside its pull

	// A burst of requests while a cycle runs coalesces into one trailing
	// cycle.
	for i := 0; i < 5; i++ {
		engine.SyncNow(ctx)
	}
	close(release)

	select {
	case <-started: // the single trailing cycle
	case <-time.After(2 * time.Second):
		t.Fatal("trailing cycle never ran")
	}

	// No further cycles may start.
	select {
	case <-started:
		t.Fatal("burst was not coalesced")
	case <-time.After(100 * time.Millisecond):
	}

	transport.mu.Lock()
	pulls := transport.pulls
	transport.mu.Unlock()
	assert.Equal(t, 2, pulls)
}

func TestRunCycleReturnsBusyDuringSyncNow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	transport := &scriptedTransport{
		changedFn: func(table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
			started <- struct{}{}
			<-release
			return nil, nil, nil
		},
	}
	engine := newTestEngine(t, store, transport, fleetsync.Options{Tables: []string{"vehicles"}})

	engine.SyncNow(ctx)
	<-started

	_, err := engine.RunCycle(ctx)
	assert.ErrorIs(t, err, fleetsync.ErrSyncInProgress)
	close(release)
}

func TestStartRequeuesInFlightMutations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := fleetsync.Mutation{
		ID: "m-crashed", Table: "vehicles", RecordID: "v1",
		Op: fleetsync.OpCreate, Payload: map[string]any{"status": "new"},
	}
	require.NoError(t, store.EnqueueMutation(ctx, m))
	require.NoError(t, store.MarkMutationStatus(ctx, m.ID, fleetsync.MutationInFlight, ""))

	transport := &scriptedTransport{}
	engine := newTestEngine(t, store, transport, fleetsync.Options{})

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MutationsPushed)
	assert.Equal(t, []string{"m-crashed"}, transport.appliedIDs())
	assert.Equal(t, 0, engine.Status().PendingCount)
}

func TestStatusSubscriberSeesTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, &scriptedTransport{}, fleetsync.Options{})

	var mu sync.Mutex
	var sawSyncing bool
	engine.SubscribeStatus(func(s fleetsync.SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		if s.Syncing {
			sawSyncing = true
		}
	})

	_, err := engine.RunCycle(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawSyncing)
}
