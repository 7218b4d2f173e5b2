package fleetsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the verdict a resolution reaches about the local mirror.
type Action string

const (
	// ActionApplyRemote writes the remote record (or tombstone) to the
	// mirror as-is.
	ActionApplyRemote Action = "apply_remote"

	// ActionKeepLocal leaves the mirror untouched; the local view stays
	// authoritative on this device.
	ActionKeepLocal Action = "keep_local"

	// ActionMerge writes FinalFields to the mirror at the remote
	// version.
	ActionMerge Action = "merge"
)

// MutationFailure names a pending mutation the resolution supersedes.
type MutationFailure struct {
	ID     string
	Reason string
}

// Outcome is a resolution decision. The resolver never touches storage;
// the orchestrator applies the outcome.
type Outcome struct {
	Action      Action
	FinalFields map[string]any

	// Conflict is non-nil when a divergence was detected. Its Status
	// says whether a strategy resolved it automatically.
	Conflict *Conflict

	// FailMutations lists pending mutations superseded by the decision.
	FailMutations []MutationFailure

	// RebaseTo, when non-zero, is the remote version the record's
	// surviving pending mutations should assume as their new base.
	RebaseTo int64

	Reasons []string
}

// Input carries everything a resolution needs: the mirror state, the
// record's pending mutations in FIFO order, and the remote record as
// returned by the changed-since pull.
type Input struct {
	Policy  Policy
	Local   *Record
	Pending []Mutation
	Remote  Record
}

// Resolve is the pure decision function from (local state, mutation
// history, remote state) to a resolution outcome. It never returns an
// error: a remote payload it cannot make sense of degrades to an
// unresolved conflict rather than corrupting the mirror.
func Resolve(in Input) Outcome {
	policy := in.Policy.withDefaults()
	pending := activeMutations(in.Pending)

	// No pending local change: remote state applies directly.
	if len(pending) == 0 {
		return Outcome{Action: ActionApplyRemote, Reasons: []string{"no pending local mutation"}}
	}

	base := pending[0].BaseVersion

	// Remote still at (or behind) the version the queue assumed: no
	// divergence, the queued mutations will replay on top.
	if in.Remote.Version <= base {
		return Outcome{Action: ActionKeepLocal, Reasons: []string{"remote at assumed base"}}
	}

	// Remote advanced past the assumed base.
	localDeleted := hasOp(pending, OpDelete)
	localCreated := pending[0].Op == OpCreate

	// A non-deleted remote record must carry a decodable field map. If
	// it does not, surface an unresolved conflict and leave the mirror
	// alone.
	if !in.Remote.Deleted && in.Remote.Fields == nil {
		c := newConflict(in, ConflictUpdateUpdate)
		c.Status = ConflictUnresolved
		return Outcome{
			Action:   ActionKeepLocal,
			Conflict: &c,
			Reasons:  []string{"malformed remote payload"},
		}
	}

	switch {
	case in.Remote.Deleted && localDeleted:
		// Both sides deleted: nothing diverges, accept the tombstone
		// and retire the local delete intent.
		return Outcome{
			Action:        ActionApplyRemote,
			FailMutations: failAll(pending, "superseded_by_delete"),
			Reasons:       []string{"deleted on both sides"},
		}

	case in.Remote.Deleted:
		return resolveUpdateDelete(in, policy, pending)

	case localDeleted:
		return resolveDeleteUpdate(in, policy, pending)

	case localCreated:
		// Duplicate create: the id already exists remotely. Remote wins
		// identity; the local create intent is discarded.
		c := newConflict(in, ConflictUpdateUpdate)
		c.Status = ConflictResolved
		c.Strategy = StrategyRemoteWins
		return Outcome{
			Action:        ActionApplyRemote,
			Conflict:      &c,
			FailMutations: failAll(pending, "duplicate_create"),
			Reasons:       []string{"duplicate create, remote wins identity"},
		}

	default:
		return resolveUpdateUpdate(in, policy, pending)
	}
}

func resolveUpdateUpdate(in Input, policy Policy, pending []Mutation) Outcome {
	// A conflict only exists when both sides touched overlapping
	// fields. Disjoint edits coexist: the remote state lands in the
	// mirror and the queue replays on top of the new base.
	if !fieldsOverlap(pending, in.Remote, in.Local) {
		return Outcome{
			Action:   ActionApplyRemote,
			RebaseTo: in.Remote.Version,
			Reasons:  []string{"disjoint fields, rebased pending mutations"},
		}
	}

	c := newConflict(in, ConflictUpdateUpdate)

	switch policy.Default {
	case StrategyLocalWins:
		c.Status = ConflictResolved
		c.Strategy = StrategyLocalWins
		return Outcome{
			Action:   ActionKeepLocal,
			Conflict: &c,
			RebaseTo: in.Remote.Version,
			Reasons:  []string{"update_update: local wins by policy"},
		}

	case StrategyManual:
		c.Status = ConflictUnresolved
		return Outcome{
			Action:        ActionKeepLocal,
			Conflict:      &c,
			FailMutations: failAll(pending, "awaiting_manual_resolution"),
			Reasons:       []string{"update_update: manual resolution required"},
		}

	default: // remote_wins
		final := make(map[string]any, len(in.Remote.Fields))
		for k, v := range in.Remote.Fields {
			final[k] = v
		}
		// Client-only fields survive from the local snapshot.
		for k, v := range c.LocalSnapshot {
			if policy.isLocalField(k) {
				final[k] = v
			}
		}
		c.Status = ConflictResolved
		c.Strategy = StrategyRemoteWins
		return Outcome{
			Action:        ActionMerge,
			FinalFields:   final,
			Conflict:      &c,
			FailMutations: failAll(pending, "superseded_by_remote"),
			Reasons:       []string{"update_update: remote wins by policy"},
		}
	}
}

func resolveUpdateDelete(in Input, policy Policy, pending []Mutation) Outcome {
	c := newConflict(in, ConflictUpdateDelete)

	if policy.OnDelete == StrategyLocalWins {
		c.Status = ConflictResolved
		c.Strategy = StrategyLocalWins
		return Outcome{
			Action:   ActionKeepLocal,
			Conflict: &c,
			RebaseTo: in.Remote.Version,
			Reasons:  []string{"update_delete: local update preserved by override"},
		}
	}

	c.Status = ConflictResolved
	c.Strategy = StrategyPreserveDelete
	return Outcome{
		Action:        ActionApplyRemote,
		Conflict:      &c,
		FailMutations: failAll(pending, "superseded_by_delete"),
		Reasons:       []string{"update_delete: delete preserved"},
	}
}

func resolveDeleteUpdate(in Input, policy Policy, pending []Mutation) Outcome {
	c := newConflict(in, ConflictDeleteUpdate)

	if policy.OnDelete == StrategyRemoteWins {
		c.Status = ConflictResolved
		c.Strategy = StrategyRemoteWins
		return Outcome{
			Action:        ActionApplyRemote,
			Conflict:      &c,
			FailMutations: failAll(pending, "superseded_by_remote"),
			Reasons:       []string{"delete_update: remote update preserved by override"},
		}
	}

	c.Status = ConflictResolved
	c.Strategy = StrategyPreserveDelete
	return Outcome{
		Action:   ActionKeepLocal,
		Conflict: &c,
		RebaseTo: in.Remote.Version,
		Reasons:  []string{"delete_update: local delete preserved"},
	}
}

// newConflict builds a Conflict from the input. The local snapshot is
// the optimistic view: mirror state with pending mutations applied.
func newConflict(in Input, kind ConflictKind) Conflict {
	var localFields map[string]any
	var localVersion int64
	if in.Local != nil {
		localFields = in.Local.Fields
		localVersion = in.Local.Version
	}
	for _, m := range activeMutations(in.Pending) {
		if next, deleted := ApplyToFields(localFields, m); deleted {
			localFields = nil
		} else {
			localFields = next
		}
	}

	return Conflict{
		ID:             uuid.NewString(),
		Table:          in.Remote.Table,
		RecordID:       in.Remote.ID,
		Kind:           kind,
		LocalSnapshot:  localFields,
		RemoteSnapshot: in.Remote.Fields,
		LocalVersion:   localVersion,
		RemoteVersion:  in.Remote.Version,
		CreatedAt:      time.Now().UTC(),
	}
}

// activeMutations filters the ledger view to mutations that still await
// acknowledgement and have not terminally failed.
func activeMutations(pending []Mutation) []Mutation {
	out := make([]Mutation, 0, len(pending))
	for _, m := range pending {
		if m.Status == MutationQueued || m.Status == MutationInFlight {
			out = append(out, m)
		}
	}
	return out
}

func hasOp(pending []Mutation, op Op) bool {
	for _, m := range pending {
		if m.Op == op {
			return true
		}
	}
	return false
}

func failAll(pending []Mutation, reason string) []MutationFailure {
	out := make([]MutationFailure, 0, len(pending))
	for _, m := range pending {
		out = append(out, MutationFailure{ID: m.ID, Reason: reason})
	}
	return out
}

// fieldsOverlap reports whether any pending payload touches a field the
// remote side also changed relative to the mirror copy.
func fieldsOverlap(pending []Mutation, remote Record, local *Record) bool {
	remoteChanged := make(map[string]bool, len(remote.Fields))
	for k, v := range remote.Fields {
		if local == nil || local.Fields == nil {
			remoteChanged[k] = true
			continue
		}
		if prev, ok := local.Fields[k]; !ok || !equalValues(prev, v) {
			remoteChanged[k] = true
		}
	}
	// A field removed remotely counts as changed remotely.
	if local != nil {
		for k := range local.Fields {
			if _, ok := remote.Fields[k]; !ok {
				remoteChanged[k] = true
			}
		}
	}

	for _, m := range pending {
		for k := range m.Payload {
			if remoteChanged[k] {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b any) bool {
	// Field values pass through JSON, so string comparison of their
	// canonical forms is sufficient here.
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case nil:
		return "nil"
	default:
		return canonicalJSON(v)
	}
}

func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
