// Package fleetsync implements an offline-first data synchronization engine:
// a durable local mirror of remote tables, a FIFO mutation ledger that keeps
// the application usable without connectivity, and a bidirectional sync
// protocol that reconciles local and remote state.
package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veldra/fleetsync/cursor"
)

// Sentinel errors shared by every LocalStore implementation.
var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrMutationNotFound = errors.New("mutation not found")
	ErrConflictNotFound = errors.New("conflict not found")
)

// Op is the kind of change a mutation applies to a record.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// MutationStatus tracks a mutation through the ledger.
type MutationStatus string

const (
	// MutationQueued means the mutation is waiting to be pushed.
	MutationQueued MutationStatus = "queued"

	// MutationInFlight means a push attempt is underway. Mutations left
	// in this state by a crash are requeued on startup; remote writes
	// are idempotent per mutation id, so at-least-once delivery is safe.
	MutationInFlight MutationStatus = "in_flight"

	// MutationFailed means a terminal error occurred. The mutation stays
	// in the ledger for inspection rather than being silently dropped.
	MutationFailed MutationStatus = "failed"

	// MutationAcknowledged means the remote accepted the mutation.
	MutationAcknowledged MutationStatus = "acknowledged"
)

// Record is an opaque table-scoped entity. Version is the remote system's
// monotonic marker (sequence counter or unix-nano timestamp).
type Record struct {
	Table     string         `json:"table"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Mutation is one not-yet-acknowledged local change. For a given
// (Table, RecordID) the ledger preserves FIFO application order.
type Mutation struct {
	ID       string `json:"id"`
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Op       Op     `json:"op"`

	// Payload holds the field map for create/update; nil for delete.
	Payload map[string]any `json:"payload,omitempty"`

	// BaseVersion is the remote version this mutation assumed when it
	// was queued. A pull that finds the remote version advanced past it
	// is a conflict.
	BaseVersion int64 `json:"base_version"`

	Status        MutationStatus `json:"status"`
	RetryCount    int            `json:"retry_count"`
	NotBefore     time.Time      `json:"not_before,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Validate checks the mutation is well formed for its declared op.
func (m Mutation) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("mutation %s: table is required", m.ID)
	}
	if m.RecordID == "" {
		return fmt.Errorf("mutation %s: record id is required", m.ID)
	}
	switch m.Op {
	case OpCreate, OpUpdate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("mutation %s: %s requires a payload", m.ID, m.Op)
		}
	case OpDelete:
		if m.Payload != nil {
			return fmt.Errorf("mutation %s: delete must not carry a payload", m.ID)
		}
	default:
		return fmt.Errorf("mutation %s: unknown op %q", m.ID, m.Op)
	}
	return nil
}

// ConflictKind classifies a detected divergence.
type ConflictKind string

const (
	ConflictUpdateUpdate ConflictKind = "update_update"
	ConflictUpdateDelete ConflictKind = "update_delete" // local update, remote delete
	ConflictDeleteUpdate ConflictKind = "delete_update" // local delete, remote update
)

// ConflictStatus is the resolution state of a conflict.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	StrategyRemoteWins     Strategy = "remote_wins"
	StrategyLocalWins      Strategy = "local_wins"
	StrategyPreserveDelete Strategy = "preserve_delete"
	StrategyManual         Strategy = "manual"
)

// Conflict records a divergence between a pending local mutation and the
// remote state discovered during a pull.
type Conflict struct {
	ID             string         `json:"id"`
	Table          string         `json:"table"`
	RecordID       string         `json:"record_id"`
	Kind           ConflictKind   `json:"kind"`
	LocalSnapshot  map[string]any `json:"local_snapshot"`
	RemoteSnapshot map[string]any `json:"remote_snapshot"`
	LocalVersion   int64          `json:"local_version"`
	RemoteVersion  int64          `json:"remote_version"`
	Status         ConflictStatus `json:"status"`
	Strategy       Strategy       `json:"strategy,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SyncStatus is the derived engine state exposed to the UI. It has no
// independent persistence; it is rebuilt from the store and the
// connectivity monitor.
type SyncStatus struct {
	Online       bool      `json:"online"`
	Syncing      bool      `json:"syncing"`
	PendingCount int       `json:"pending_count"`
	LastSync     time.Time `json:"last_sync"`
	LastError    string    `json:"last_error,omitempty"`
}

// LocalStore is the durable on-device mirror and mutation ledger: the
// single source of truth for what this device currently believes.
type LocalStore interface {
	// UpsertRecord writes the mirror copy. Idempotent: an incoming
	// version older than the stored one is a no-op. Returns the stored
	// record either way.
	UpsertRecord(ctx context.Context, rec Record) (Record, error)

	// GetRecord returns the raw mirror state, or ErrRecordNotFound.
	GetRecord(ctx context.Context, table, id string) (Record, error)

	// ReadRecord returns the optimistic view: the mirror state with all
	// still-queued mutations applied in FIFO order.
	ReadRecord(ctx context.Context, table, id string) (Record, error)

	// DeleteRecord tombstones the mirror copy at the given version.
	DeleteRecord(ctx context.Context, table, id string, version int64) error

	// EnqueueMutation appends to the ledger, preserving insertion order.
	EnqueueMutation(ctx context.Context, m Mutation) error

	// NextPendingMutations returns queued mutations in FIFO order. A
	// backoff gate holds back the gated mutation and everything queued
	// after it for the same record. Terminally failed mutations do not
	// gate their successors. An empty table selects all tables.
	NextPendingMutations(ctx context.Context, table string, limit int) ([]Mutation, error)

	// PendingForRecord returns queued and in-flight mutations for one
	// record in FIFO order.
	PendingForRecord(ctx context.Context, table, id string) ([]Mutation, error)

	// MarkMutationStatus transitions a mutation's status. Transitioning
	// to acknowledged removes it from pending accounting.
	MarkMutationStatus(ctx context.Context, id string, status MutationStatus, reason string) error

	// IncrementRetry bumps the retry counter and sets the backoff gate.
	IncrementRetry(ctx context.Context, id string, notBefore time.Time) error

	// RebaseMutations updates the assumed base version of a record's
	// still-pending mutations after a pull superseded their base
	// without conflict.
	RebaseMutations(ctx context.Context, table, id string, baseVersion int64) error

	// RequeueInFlight resets in_flight mutations to queued. Called once
	// at startup to recover from a crash mid-cycle.
	RequeueInFlight(ctx context.Context) (int, error)

	// PendingCount counts mutations that still await acknowledgement.
	PendingCount(ctx context.Context) (int, error)

	RecordConflict(ctx context.Context, c Conflict) error
	ListUnresolvedConflicts(ctx context.Context) ([]Conflict, error)

	// ResolveConflict marks a conflict resolved with the chosen strategy
	// and writes finalFields to the mirror when non-nil.
	ResolveConflict(ctx context.Context, id string, strategy Strategy, finalFields map[string]any) error

	// Watermark returns the pull cursor for a table, or nil when the
	// table has never completed a pull.
	Watermark(ctx context.Context, table string) (cursor.Cursor, error)
	SetWatermark(ctx context.Context, table string, c cursor.Cursor) error

	Close() error
}

// ApplyResult is the remote acknowledgement of one mutation.
type ApplyResult struct {
	// NewVersion is the record's version after the mutation.
	NewVersion int64

	// Duplicate reports that the remote had already applied a mutation
	// with this id and treated the resubmission as a no-op.
	Duplicate bool
}

// Transport is the narrow interface to the remote record-oriented API.
// The remote must treat duplicate mutation ids as no-ops and must return
// version markers monotonic under concurrent writes.
type Transport interface {
	// Apply submits one mutation and returns the acknowledged version.
	Apply(ctx context.Context, m Mutation) (ApplyResult, error)

	// ChangedSince returns records changed after the cursor, plus the
	// cursor to resume from. A nil cursor requests a full table scan.
	ChangedSince(ctx context.Context, table string, since cursor.Cursor, limit int) ([]Record, cursor.Cursor, error)

	// Ping is a lightweight liveness check used by the connectivity
	// monitor's probe.
	Ping(ctx context.Context) error

	Close() error
}

// ApplyToFields applies a mutation's payload on top of the given field
// map, returning the resulting optimistic state. The input map is not
// modified.
func ApplyToFields(fields map[string]any, m Mutation) (map[string]any, bool) {
	switch m.Op {
	case OpDelete:
		return nil, true
	case OpCreate:
		out := make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			out[k] = v
		}
		return out, false
	default:
		out := make(map[string]any, len(fields)+len(m.Payload))
		for k, v := range fields {
			out[k] = v
		}
		for k, v := range m.Payload {
			out[k] = v
		}
		return out, false
	}
}
