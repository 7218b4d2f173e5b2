package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veldra/fleetsync/connectivity"
	syncErrors "github.com/veldra/fleetsync/errors"
	"github.com/veldra/fleetsync/logging"
)

// ErrSyncInProgress is returned by RunCycle when a cycle is already
// running. SyncNow coalesces instead of returning this.
var ErrSyncInProgress = errors.New("sync cycle already in progress")

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Options configures an Engine.
type Options struct {
	// Tables lists the remote tables to pull. Push is table-agnostic;
	// it drains whatever the ledger holds.
	Tables []string

	// Policies maps tables to conflict resolution policies. Defaults to
	// remote_wins with preserved deletes for every table.
	Policies *PolicySet

	// PushLimit caps mutations pushed per cycle. Default 100.
	PushLimit int

	// PullLimit caps records fetched per changed-since page. Default 500.
	PullLimit int

	// RequestTimeout bounds each individual remote call. Default 15s.
	RequestTimeout time.Duration

	// Backoff is the retry schedule for transient push failures.
	Backoff BackoffStrategy

	// Metrics receives sync observations. Defaults to a no-op collector.
	Metrics MetricsCollector
}

func (o *Options) setDefaults() {
	if o.Policies == nil {
		o.Policies = NewPolicySet(DefaultPolicy(), nil)
	}
	if o.PushLimit <= 0 {
		o.PushLimit = 100
	}
	if o.PullLimit <= 0 {
		o.PullLimit = 500
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
}

// SyncResult summarizes one completed sync cycle.
type SyncResult struct {
	MutationsPushed   int
	RecordsPulled     int
	ConflictsDetected int
	Skipped           bool
	Errors            []error
	StartTime         time.Time
	Duration          time.Duration
}

// Engine is the sync orchestrator. It owns the push/pull cycle and
// guarantees at most one cycle runs at a time; requests arriving during
// a cycle coalesce into a single follow-up cycle.
type Engine struct {
	store     LocalStore
	transport Transport
	monitor   *connectivity.Monitor
	options   Options
	logger    *logging.Logger

	broadcaster statusBroadcaster

	mu         sync.Mutex
	syncing    bool
	pendingRun bool
	closed     bool
	done       chan struct{}
}

// NewEngine creates an Engine. The monitor is optional; without one the
// engine assumes connectivity and lets the transport's errors decide.
// Call Start before the first sync cycle.
func NewEngine(store LocalStore, transport Transport, monitor *connectivity.Monitor, options Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	options.setDefaults()

	e := &Engine{
		store:     store,
		transport: transport,
		monitor:   monitor,
		options:   options,
		logger:    logging.WithComponent(logging.Component("engine")),
	}
	e.broadcaster.status.Online = monitor == nil || monitor.Online()

	if monitor != nil {
		monitor.Subscribe(func(event connectivity.Event) {
			e.broadcaster.update(func(s *SyncStatus) {
				s.Online = event == connectivity.EventOnline
			})
		})
	}
	return e, nil
}

// Start recovers ledger state left behind by a previous run: mutations
// stranded in_flight by a crash are requeued, since remote writes are
// idempotent per mutation id.
func (e *Engine) Start(ctx context.Context) error {
	requeued, err := e.store.RequeueInFlight(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		e.logger.Info("requeued stranded mutations", "count", requeued)
	}
	e.refreshStatus(ctx)
	return nil
}

// Status returns the current derived sync status.
func (e *Engine) Status() SyncStatus {
	return e.broadcaster.current()
}

// SubscribeStatus registers a handler invoked on every status change.
func (e *Engine) SubscribeStatus(handler func(SyncStatus)) {
	e.broadcaster.subscribe(handler)
}

// ReadRecord returns the optimistic view of a record: mirror state with
// pending mutations applied.
func (e *Engine) ReadRecord(ctx context.Context, table, id string) (Record, error) {
	return e.store.ReadRecord(ctx, table, id)
}

// SubmitMutation records a local change intent in the ledger. The
// mutation becomes immediately visible to optimistic reads and is pushed
// on the next sync cycle. The mutation id is generated when absent and
// returned for tracking.
func (e *Engine) SubmitMutation(ctx context.Context, m Mutation) (Mutation, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Mutation{}, ErrEngineClosed
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = MutationQueued
	m.CreatedAt = time.Now().UTC()

	if err := m.Validate(); err != nil {
		return Mutation{}, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	// The base version is the mirror's current belief about the remote.
	// Pending mutations do not move it; only pulls and acks do.
	if rec, err := e.store.GetRecord(ctx, m.Table, m.RecordID); err == nil {
		m.BaseVersion = rec.Version
	} else if !errors.Is(err, ErrRecordNotFound) {
		return Mutation{}, err
	}

	if err := e.store.EnqueueMutation(ctx, m); err != nil {
		return Mutation{}, err
	}

	e.logger.Debug("mutation queued",
		"mutation_id", m.ID, "table", m.Table, "record_id", m.RecordID, "op", m.Op)
	e.refreshStatus(ctx)
	return m, nil
}

// ListUnresolvedConflicts returns conflicts awaiting a decision.
func (e *Engine) ListUnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	return e.store.ListUnresolvedConflicts(ctx)
}

// ResolveConflict applies a resolution strategy to an open conflict:
// local_wins rewrites the mirror from the local snapshot, remote_wins
// from the remote snapshot, preserve_delete tombstones the record. The
// manual strategy is not a resolution and is rejected.
func (e *Engine) ResolveConflict(ctx context.Context, id string, strategy Strategy) error {
	conflicts, err := e.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		return err
	}
	var conflict *Conflict
	for i := range conflicts {
		if conflicts[i].ID == id {
			conflict = &conflicts[i]
			break
		}
	}
	if conflict == nil {
		return ErrConflictNotFound
	}

	switch strategy {
	case StrategyLocalWins:
		if err := e.store.ResolveConflict(ctx, id, strategy, conflict.LocalSnapshot); err != nil {
			return err
		}
		// The locally won state must still reach the remote, or the two
		// sides stay divergent until the next remote edit.
		if len(conflict.LocalSnapshot) > 0 {
			m := Mutation{
				ID:          uuid.NewString(),
				Table:       conflict.Table,
				RecordID:    conflict.RecordID,
				Op:          OpUpdate,
				Payload:     conflict.LocalSnapshot,
				BaseVersion: conflict.RemoteVersion,
				Status:      MutationQueued,
				CreatedAt:   time.Now().UTC(),
			}
			if err := e.store.EnqueueMutation(ctx, m); err != nil {
				return err
			}
			e.refreshStatus(ctx)
		}
	case StrategyRemoteWins:
		if err := e.store.ResolveConflict(ctx, id, strategy, conflict.RemoteSnapshot); err != nil {
			return err
		}
	case StrategyPreserveDelete:
		if err := e.store.ResolveConflict(ctx, id, strategy, nil); err != nil {
			return err
		}
		if err := e.store.DeleteRecord(ctx, conflict.Table, conflict.RecordID, conflict.RemoteVersion); err != nil {
			return err
		}
	default:
		return syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("strategy %q cannot resolve a conflict", strategy))
	}

	e.logger.Info("conflict resolved",
		"conflict_id", id, "table", conflict.Table, "record_id", conflict.RecordID,
		"strategy", strategy)
	return nil
}

// SyncNow requests a sync cycle without blocking. If a cycle is already
// running, exactly one follow-up cycle is scheduled regardless of how
// many requests arrive in the meantime.
func (e *Engine) SyncNow(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.syncing {
		e.pendingRun = true
		e.mu.Unlock()
		return
	}
	e.syncing = true
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			if _, err := e.runCycle(ctx); err != nil {
				e.logger.Error("sync cycle failed", "error", err)
			}
			e.mu.Lock()
			if !e.pendingRun || e.closed {
				e.syncing = false
				e.mu.Unlock()
				return
			}
			e.pendingRun = false
			e.mu.Unlock()
		}
	}()
}

// RunCycle runs one blocking sync cycle. It shares the single-flight
// gate with SyncNow and returns ErrSyncInProgress when a cycle is
// already running.
func (e *Engine) RunCycle(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	result, err := e.runCycle(ctx)

	e.mu.Lock()
	e.syncing = false
	e.pendingRun = false
	e.mu.Unlock()
	return result, err
}

// Close stops the engine and releases the transport and store. A running
// cycle finishes first.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	done := e.done
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	return errors.Join(e.transport.Close(), e.store.Close())
}

// runCycle executes push, pull, and status reconciliation. Corruption
// halts the cycle; other failures abort only the remaining steps.
func (e *Engine) runCycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: time.Now().UTC()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		e.options.Metrics.RecordCycleDuration("cycle", result.Duration)
		e.options.Metrics.RecordSyncCounts(result.MutationsPushed, result.RecordsPulled)
	}()

	if e.monitor != nil && !e.monitor.Online() {
		result.Skipped = true
		e.logger.Debug("sync skipped: offline")
		return result, nil
	}

	e.setSyncing(true)
	defer e.setSyncing(false)
	e.logger.Info("sync cycle started")

	pushErr := e.push(ctx, result)
	if pushErr == nil {
		pushErr = e.pull(ctx, result)
	}

	e.refreshStatus(ctx)

	if pushErr != nil {
		e.setLastError(pushErr.Error())
		e.logger.Error("sync cycle aborted", "error", pushErr)
		return result, pushErr
	}

	if len(result.Errors) > 0 {
		e.setLastError(result.Errors[len(result.Errors)-1].Error())
	} else {
		e.setLastError("")
	}
	e.markSyncComplete(time.Now().UTC())

	e.logger.Info("sync cycle completed",
		"pushed", result.MutationsPushed,
		"pulled", result.RecordsPulled,
		"conflicts", result.ConflictsDetected,
		"errors", len(result.Errors),
		"duration", result.Duration)
	return result, nil
}

// push drains the ledger in FIFO order. A failed mutation blocks the
// rest of its record's queue for this cycle but not other records.
// Returns an error only for corruption, which halts the cycle.
func (e *Engine) push(ctx context.Context, result *SyncResult) error {
	start := time.Now()
	defer func() {
		e.options.Metrics.RecordCycleDuration("push", time.Since(start))
	}()

	mutations, err := e.store.NextPendingMutations(ctx, "", e.options.PushLimit)
	if err != nil {
		if syncErrors.IsCorruption(err) {
			return err
		}
		result.Errors = append(result.Errors, err)
		return nil
	}

	skip := make(map[string]bool)
	for _, m := range mutations {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			return nil
		}

		key := m.Table + "\x00" + m.RecordID
		if skip[key] {
			continue
		}

		if err := e.store.MarkMutationStatus(ctx, m.ID, MutationInFlight, ""); err != nil {
			if syncErrors.IsCorruption(err) {
				return err
			}
			result.Errors = append(result.Errors, err)
			skip[key] = true
			continue
		}

		applyCtx, cancel := context.WithTimeout(ctx, e.options.RequestTimeout)
		ack, applyErr := e.transport.Apply(applyCtx, m)
		cancel()

		switch {
		case applyErr == nil:
			if err := e.acknowledgeMutation(ctx, m, ack); err != nil {
				if syncErrors.IsCorruption(err) {
					return err
				}
				result.Errors = append(result.Errors, err)
				skip[key] = true
				continue
			}
			result.MutationsPushed++

		case syncErrors.IsRetryable(applyErr):
			delay := e.options.Backoff.NextDelay(m.RetryCount)
			notBefore := time.Now().UTC().Add(delay)
			if err := e.store.IncrementRetry(ctx, m.ID, notBefore); err != nil {
				result.Errors = append(result.Errors, err)
			}
			e.options.Metrics.RecordSyncErrors("push", string(syncErrors.KindOf(applyErr)))
			e.logger.Warn("push attempt failed, will retry",
				"mutation_id", m.ID, "table", m.Table, "record_id", m.RecordID,
				"retry_count", m.RetryCount+1, "not_before", notBefore, "error", applyErr)
			result.Errors = append(result.Errors, applyErr)
			skip[key] = true

		default:
			// Terminal: keep the mutation in the ledger, marked failed,
			// so nothing is silently dropped.
			reason := string(syncErrors.KindOf(applyErr))
			if reason == "" {
				reason = applyErr.Error()
			}
			if err := e.store.MarkMutationStatus(ctx, m.ID, MutationFailed, reason); err != nil {
				result.Errors = append(result.Errors, err)
			}
			e.options.Metrics.RecordSyncErrors("push", reason)
			e.logger.Error("push rejected terminally",
				"mutation_id", m.ID, "table", m.Table, "record_id", m.RecordID,
				"reason", reason, "error", applyErr)
			result.Errors = append(result.Errors, applyErr)
			skip[key] = true
		}
	}
	return nil
}

// acknowledgeMutation finalizes a pushed mutation: mark it acknowledged,
// move the mirror to the acknowledged state, and rebase any remaining
// pending mutations for the record onto the new version. A duplicate ack
// is handled identically since the remote already holds the change.
func (e *Engine) acknowledgeMutation(ctx context.Context, m Mutation, ack ApplyResult) error {
	if err := e.store.MarkMutationStatus(ctx, m.ID, MutationAcknowledged, ""); err != nil {
		return err
	}

	if m.Op == OpDelete {
		if err := e.store.DeleteRecord(ctx, m.Table, m.RecordID, ack.NewVersion); err != nil {
			return err
		}
	} else {
		var fields map[string]any
		if rec, err := e.store.GetRecord(ctx, m.Table, m.RecordID); err == nil && !rec.Deleted {
			fields = rec.Fields
		} else if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		fields, _ = ApplyToFields(fields, m)
		_, err := e.store.UpsertRecord(ctx, Record{
			Table:     m.Table,
			ID:        m.RecordID,
			Fields:    fields,
			Version:   ack.NewVersion,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	return e.store.RebaseMutations(ctx, m.Table, m.RecordID, ack.NewVersion)
}

// pull fetches remote changes per table and reconciles them against the
// ledger. The watermark advances only when every record of a page
// reconciled cleanly; a failed listing call aborts the remaining tables.
func (e *Engine) pull(ctx context.Context, result *SyncResult) error {
	start := time.Now()
	defer func() {
		e.options.Metrics.RecordCycleDuration("pull", time.Since(start))
	}()

	for _, table := range e.options.Tables {
		since, err := e.store.Watermark(ctx, table)
		if err != nil {
			if syncErrors.IsCorruption(err) {
				return err
			}
			result.Errors = append(result.Errors, err)
			continue
		}

		for {
			if err := ctx.Err(); err != nil {
				result.Errors = append(result.Errors, err)
				return nil
			}

			pullCtx, cancel := context.WithTimeout(ctx, e.options.RequestTimeout)
			records, next, err := e.transport.ChangedSince(pullCtx, table, since, e.options.PullLimit)
			cancel()
			if err != nil {
				e.options.Metrics.RecordSyncErrors("pull", string(syncErrors.KindOf(err)))
				result.Errors = append(result.Errors, err)
				e.logger.Warn("pull listing failed", "table", table, "error", err)
				return nil
			}

			clean := true
			for _, rec := range records {
				if err := e.reconcileRecord(ctx, table, rec, result); err != nil {
					if syncErrors.IsCorruption(err) {
						return err
					}
					clean = false
					result.Errors = append(result.Errors, err)
				}
			}
			result.RecordsPulled += len(records)

			// Advancing the watermark past an unreconciled record would
			// lose the change forever; the next cycle re-fetches the page.
			if !clean {
				break
			}
			advanced := next != nil && (since == nil || next.Compare(since) > 0)
			if next != nil {
				if err := e.store.SetWatermark(ctx, table, next); err != nil {
					result.Errors = append(result.Errors, err)
					break
				}
			}
			if advanced {
				since = next
			}
			if len(records) < e.options.PullLimit || !advanced {
				// A full page whose cursor did not move cannot be paged
				// further; the next cycle resumes from the stored mark.
				break
			}
		}
	}
	return nil
}

// reconcileRecord runs the resolution decision for one pulled record and
// applies its outcome to the store.
func (e *Engine) reconcileRecord(ctx context.Context, table string, rec Record, result *SyncResult) error {
	rec.Table = table

	pending, err := e.store.PendingForRecord(ctx, table, rec.ID)
	if err != nil {
		return err
	}

	var local *Record
	if stored, err := e.store.GetRecord(ctx, table, rec.ID); err == nil {
		local = &stored
	} else if !errors.Is(err, ErrRecordNotFound) {
		return err
	}

	outcome := Resolve(Input{
		Policy:  e.options.Policies.For(table),
		Local:   local,
		Pending: pending,
		Remote:  rec,
	})

	switch outcome.Action {
	case ActionApplyRemote:
		if rec.Deleted {
			if err := e.store.DeleteRecord(ctx, table, rec.ID, rec.Version); err != nil {
				return err
			}
		} else {
			if _, err := e.store.UpsertRecord(ctx, rec); err != nil {
				return err
			}
		}

	case ActionMerge:
		_, err := e.store.UpsertRecord(ctx, Record{
			Table:     table,
			ID:        rec.ID,
			Fields:    outcome.FinalFields,
			Version:   rec.Version,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

	case ActionKeepLocal:
		// Mirror untouched.
	}

	for _, failure := range outcome.FailMutations {
		if err := e.store.MarkMutationStatus(ctx, failure.ID, MutationFailed, failure.Reason); err != nil {
			return err
		}
	}
	if outcome.RebaseTo != 0 {
		if err := e.store.RebaseMutations(ctx, table, rec.ID, outcome.RebaseTo); err != nil {
			return err
		}
	}
	if outcome.Conflict != nil {
		if err := e.store.RecordConflict(ctx, *outcome.Conflict); err != nil {
			return err
		}
		result.ConflictsDetected++
		e.options.Metrics.RecordConflicts(1)
		e.logger.Warn("conflict detected",
			"conflict_id", outcome.Conflict.ID,
			"table", table, "record_id", rec.ID,
			"kind", outcome.Conflict.Kind,
			"status", outcome.Conflict.Status,
			"reasons", outcome.Reasons)
	}
	return nil
}
