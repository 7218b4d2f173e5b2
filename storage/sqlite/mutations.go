package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veldra/fleetsync"
	syncErrors "github.com/veldra/fleetsync/errors"
)

// EnqueueMutation appends a mutation to the ledger, preserving insertion
// order for its (table, record_id).
func (s *Store) EnqueueMutation(ctx context.Context, m fleetsync.Mutation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return syncErrors.NewValidationError(opEnqueue, err)
	}
	if m.ID == "" {
		return syncErrors.NewValidationError(opEnqueue, fmt.Errorf("mutation id is required"))
	}
	if m.Status == "" {
		m.Status = fleetsync.MutationQueued
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var payloadJSON any
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return syncErrors.NewValidationError(opEnqueue, err)
		}
		payloadJSON = string(data)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO pending_mutations
            (id, tbl, record_id, op, payload, base_version, status, retry_count, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Table, m.RecordID, string(m.Op), payloadJSON,
		m.BaseVersion, string(m.Status), m.RetryCount, m.CreatedAt)
	if err != nil {
		return syncErrors.NewStorageError(opEnqueue, err)
	}
	return nil
}

// NextPendingMutations returns queued mutations in FIFO order. A backoff
// gate on any mutation holds back that mutation and everything queued
// after it for the same record, so per-record order is never violated.
// Terminally failed mutations do not hold back their successors: failed
// entries stay in the ledger for inspection only, and gating on them
// would strand every later edit of the record behind an entry that will
// never be retried. An empty table selects all tables.
func (s *Store) NextPendingMutations(ctx context.Context, table string, limit int) ([]fleetsync.Mutation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT m.id, m.tbl, m.record_id, m.op, m.payload, m.base_version, m.status,
               m.retry_count, m.not_before, m.failure_reason, m.created_at
        FROM pending_mutations m
        WHERE m.status = 'queued'
          AND NOT EXISTS (
            SELECT 1 FROM pending_mutations p
            WHERE p.tbl = m.tbl AND p.record_id = m.record_id
              AND p.status IN ('queued', 'in_flight')
              AND p.seq <= m.seq
              AND p.not_before IS NOT NULL AND p.not_before > ?
          )`
	args := []any{time.Now().UTC()}
	if table != "" {
		query += ` AND m.tbl = ?`
		args = append(args, table)
	}
	query += ` ORDER BY m.seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewStorageError(opNext, err)
	}
	defer rows.Close()

	return s.scanMutations(rows)
}

// PendingForRecord returns queued and in-flight mutations for one record
// in FIFO order, regardless of backoff gates.
func (s *Store) PendingForRecord(ctx context.Context, table, id string) ([]fleetsync.Mutation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tbl, record_id, op, payload, base_version, status,
               retry_count, not_before, failure_reason, created_at
        FROM pending_mutations
        WHERE tbl = ? AND record_id = ? AND status IN ('queued', 'in_flight')
        ORDER BY seq ASC`,
		table, id)
	if err != nil {
		return nil, syncErrors.NewStorageError(opNext, err)
	}
	defer rows.Close()

	return s.scanMutations(rows)
}

// MarkMutationStatus transitions a mutation's status. Acknowledged is a
// final state; transitions out of it are rejected.
func (s *Store) MarkMutationStatus(ctx context.Context, id string, status fleetsync.MutationStatus, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	switch status {
	case fleetsync.MutationQueued, fleetsync.MutationInFlight,
		fleetsync.MutationFailed, fleetsync.MutationAcknowledged:
	default:
		return syncErrors.NewValidationError(opMark, fmt.Errorf("unknown status %q", status))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
        UPDATE pending_mutations
        SET status = ?, failure_reason = ?
        WHERE id = ? AND status != 'acknowledged'`,
		string(status), nullableString(reason), id)
	if err != nil {
		return syncErrors.NewStorageError(opMark, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return syncErrors.NewStorageError(opMark, err)
	}
	if affected == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter, requeues the mutation, and
// sets the backoff gate.
func (s *Store) IncrementRetry(ctx context.Context, id string, notBefore time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
        UPDATE pending_mutations
        SET retry_count = retry_count + 1, status = 'queued', not_before = ?
        WHERE id = ? AND status IN ('queued', 'in_flight')`,
		notBefore.UTC(), id)
	if err != nil {
		return syncErrors.NewStorageError(opMark, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return syncErrors.NewStorageError(opMark, err)
	}
	if affected == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// RebaseMutations moves the assumed base version of a record's pending
// mutations forward after a pull superseded their base without conflict.
func (s *Store) RebaseMutations(ctx context.Context, table, id string, baseVersion int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        UPDATE pending_mutations
        SET base_version = ?
        WHERE tbl = ? AND record_id = ? AND status IN ('queued', 'in_flight')`,
		baseVersion, table, id)
	if err != nil {
		return syncErrors.NewStorageError(opMark, err)
	}
	return nil
}

// RequeueInFlight resets mutations stranded in_flight by a crash back to
// queued. Returns the number recovered.
func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_mutations SET status = 'queued' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, syncErrors.NewStorageError(opMark, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, syncErrors.NewStorageError(opMark, err)
	}
	return int(affected), nil
}

// PendingCount counts mutations that still await acknowledgement.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_mutations WHERE status IN ('queued', 'in_flight')`).
		Scan(&count)
	if err != nil {
		return 0, syncErrors.NewStorageError(opNext, err)
	}
	return count, nil
}

func (s *Store) scanMutations(rows *sql.Rows) ([]fleetsync.Mutation, error) {
	var mutations []fleetsync.Mutation
	for rows.Next() {
		var m fleetsync.Mutation
		var op, status string
		var payload, reason sql.NullString
		var notBefore sql.NullTime

		err := rows.Scan(&m.ID, &m.Table, &m.RecordID, &op, &payload,
			&m.BaseVersion, &status, &m.RetryCount, &notBefore, &reason, &m.CreatedAt)
		if err != nil {
			return nil, syncErrors.NewStorageError(opNext, err)
		}

		m.Op = fleetsync.Op(op)
		m.Status = fleetsync.MutationStatus(status)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				return nil, syncErrors.NewCorruptionError(opNext,
					fmt.Errorf("mutation %s has undecodable payload: %w", m.ID, err))
			}
		}
		if notBefore.Valid {
			m.NotBefore = notBefore.Time
		}
		if reason.Valid {
			m.FailureReason = reason.String
		}
		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(opNext, err)
	}
	return mutations, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
