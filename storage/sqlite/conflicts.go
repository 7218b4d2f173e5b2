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

// RecordConflict persists a detected divergence.
func (s *Store) RecordConflict(ctx context.Context, c fleetsync.Conflict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if c.ID == "" {
		return syncErrors.NewValidationError(opConflict, fmt.Errorf("conflict id is required"))
	}
	if c.Status == "" {
		c.Status = fleetsync.ConflictUnresolved
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	localJSON, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return syncErrors.NewValidationError(opConflict, err)
	}
	remoteJSON, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return syncErrors.NewValidationError(opConflict, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO conflicts
            (id, tbl, record_id, kind, local_snapshot, remote_snapshot,
             local_version, remote_version, status, strategy, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Table, c.RecordID, string(c.Kind), string(localJSON), string(remoteJSON),
		c.LocalVersion, c.RemoteVersion, string(c.Status),
		nullableString(string(c.Strategy)), c.CreatedAt)
	if err != nil {
		return syncErrors.NewStorageError(opConflict, err)
	}
	return nil
}

// ListUnresolvedConflicts returns open conflicts, oldest first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context) ([]fleetsync.Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tbl, record_id, kind, local_snapshot, remote_snapshot,
               local_version, remote_version, status, strategy, created_at
        FROM conflicts
        WHERE status = 'unresolved'
        ORDER BY created_at ASC`)
	if err != nil {
		return nil, syncErrors.NewStorageError(opConflict, err)
	}
	defer rows.Close()

	var conflicts []fleetsync.Conflict
	for rows.Next() {
		var c fleetsync.Conflict
		var kind, status string
		var localJSON, remoteJSON, strategy sql.NullString

		err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &kind, &localJSON, &remoteJSON,
			&c.LocalVersion, &c.RemoteVersion, &status, &strategy, &c.CreatedAt)
		if err != nil {
			return nil, syncErrors.NewStorageError(opConflict, err)
		}

		c.Kind = fleetsync.ConflictKind(kind)
		c.Status = fleetsync.ConflictStatus(status)
		if strategy.Valid {
			c.Strategy = fleetsync.Strategy(strategy.String)
		}
		if localJSON.Valid && localJSON.String != "" && localJSON.String != "null" {
			if err := json.Unmarshal([]byte(localJSON.String), &c.LocalSnapshot); err != nil {
				return nil, syncErrors.NewCorruptionError(opConflict,
					fmt.Errorf("conflict %s has undecodable local snapshot: %w", c.ID, err))
			}
		}
		if remoteJSON.Valid && remoteJSON.String != "" && remoteJSON.String != "null" {
			if err := json.Unmarshal([]byte(remoteJSON.String), &c.RemoteSnapshot); err != nil {
				return nil, syncErrors.NewCorruptionError(opConflict,
					fmt.Errorf("conflict %s has undecodable remote snapshot: %w", c.ID, err))
			}
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(opConflict, err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with the chosen strategy.
// When finalFields is non-nil the mirror copy is rewritten with them at
// the conflict's remote version, all in one transaction.
func (s *Store) ResolveConflict(ctx context.Context, id string, strategy fleetsync.Strategy, finalFields map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(opResolve, err)
	}
	defer tx.Rollback()

	var table, recordID string
	var remoteVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT tbl, record_id, remote_version FROM conflicts WHERE id = ? AND status = 'unresolved'`,
		id).Scan(&table, &recordID, &remoteVersion)
	if err == sql.ErrNoRows {
		return ErrConflictNotFound
	}
	if err != nil {
		return syncErrors.NewStorageError(opResolve, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conflicts SET status = 'resolved', strategy = ? WHERE id = ?`,
		string(strategy), id)
	if err != nil {
		return syncErrors.NewStorageError(opResolve, err)
	}

	if finalFields != nil {
		fieldsJSON, err := json.Marshal(finalFields)
		if err != nil {
			return syncErrors.NewValidationError(opResolve, err)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO records_mirror (tbl, id, version, fields, deleted, updated_at)
            VALUES (?, ?, ?, ?, 0, ?)
            ON CONFLICT (tbl, id) DO UPDATE SET
                version = excluded.version,
                fields = excluded.fields,
                deleted = 0,
                updated_at = excluded.updated_at`,
			table, recordID, remoteVersion, string(fieldsJSON), time.Now().UTC())
		if err != nil {
			return syncErrors.NewStorageError(opResolve, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(opResolve, err)
	}
	return nil
}
