package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexisync/lexisync/internal/model"
)

// ApplyLocalMutation writes a locally mutated record and its sync-queue entry
// in one transaction. The record's version guard enforces serialized writers:
// if another write already advanced the same record, nothing is written and
// [ErrConflict] is returned.
//
// Queue coalescing happens here because it must be atomic with the record
// write: an unsent operation for the same record is replaced by the newer
// payload but keeps its enqueue timestamp. A delete of a record that was
// never pushed cancels out entirely: the row and its pending create are
// purged and the remote store never hears about either.
func (s *Store) ApplyLocalMutation(ctx context.Context, rec *model.Record, op *model.Operation) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Delete of a never-synced record: purge locally, push nothing.
	if op.Kind == model.OpDelete && rec.RemoteID == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE local_id = ?`, rec.LocalID); err != nil {
			return fmt.Errorf("purging queued op for %q: %w", rec.LocalID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, rec.LocalID); err != nil {
			return fmt.Errorf("purging record %q: %w", rec.LocalID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing purge of %q: %w", rec.LocalID, err)
		}
		s.notifier.notify(rec.EntityType)
		return nil
	}

	if err := s.writeRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.enqueueTx(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mutation of %q: %w", rec.LocalID, err)
	}
	s.notifier.notify(rec.EntityType)
	return nil
}

// writeRecordTx inserts the record at version 1 or advances it from
// version-1 to version. Zero rows affected on update means a concurrent
// writer got there first.
func (s *Store) writeRecordTx(ctx context.Context, tx *sql.Tx, rec *model.Record) error {
	refs, err := marshalRefs(rec.Refs)
	if err != nil {
		return err
	}
	candidate, err := marshalCandidate(rec.RemoteCandidate)
	if err != nil {
		return err
	}

	if rec.Version == 1 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records
			    (local_id, entity_type, remote_id, payload, refs, version, etag,
			     sync_status, modified_at, created_at, last_synced_at, deleted_at,
			     remote_candidate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.LocalID, rec.EntityType, rec.RemoteID, string(rec.Payload), refs,
			rec.Version, rec.ETag, string(rec.Status),
			formatTime(rec.ModifiedAt), formatTime(rec.CreatedAt),
			formatTime(rec.LastSyncedAt), formatTime(rec.DeletedAt), candidate,
		)
		if err != nil {
			return fmt.Errorf("inserting record %q: %w", rec.LocalID, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET
		    payload = ?, refs = ?, version = ?, etag = ?, sync_status = ?,
		    modified_at = ?, deleted_at = ?, remote_candidate = ?
		WHERE local_id = ? AND version = ?`,
		string(rec.Payload), refs, rec.Version, rec.ETag, string(rec.Status),
		formatTime(rec.ModifiedAt), formatTime(rec.DeletedAt), candidate,
		rec.LocalID, rec.Version-1,
	)
	if err != nil {
		return fmt.Errorf("updating record %q: %w", rec.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating record %q: %w", rec.LocalID, err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM records WHERE local_id = ?)`, rec.LocalID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking record %q: %w", rec.LocalID, err)
		}
		if exists {
			return fmt.Errorf("record %q at version %d: %w", rec.LocalID, rec.Version, ErrConflict)
		}
		return fmt.Errorf("record %q: %w", rec.LocalID, ErrNotFound)
	}
	return nil
}

// enqueueTx inserts or coalesces the sync-queue entry for op's record.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, op *model.Operation) error {
	var existingID, existingKind string
	err := tx.QueryRowContext(ctx,
		`SELECT op_id, kind FROM sync_queue WHERE local_id = ?`, op.LocalID,
	).Scan(&existingID, &existingKind)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking queued op for %q: %w", op.LocalID, err)
	}

	refs, merr := marshalRefs(op.Refs)
	if merr != nil {
		return merr
	}

	if err == sql.ErrNoRows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue
			    (op_id, local_id, entity_type, kind, version, base_etag, payload,
			     refs, enqueued_at, attempts, next_attempt_at, last_error, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', 'pending')`,
			op.OpID, op.LocalID, op.EntityType, string(op.Kind), op.Version,
			op.BaseETag, string(op.Payload), refs, formatTime(op.EnqueuedAt),
		)
		if err != nil {
			return fmt.Errorf("enqueueing op for %q: %w", op.LocalID, err)
		}
		return nil
	}

	// Coalesce: a still-unsent create stays a create regardless of how many
	// edits pile onto it. OpID and enqueued_at are inherited so the retry
	// dedup key and queue fairness are preserved.
	kind := op.Kind
	if model.OpKind(existingKind) == model.OpCreate && kind == model.OpUpdate {
		kind = model.OpCreate
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue SET
		    kind = ?, version = ?, base_etag = ?, payload = ?, refs = ?,
		    attempts = 0, next_attempt_at = '', last_error = '', state = 'pending'
		WHERE op_id = ?`,
		string(kind), op.Version, op.BaseETag, string(op.Payload), refs, existingID,
	)
	if err != nil {
		return fmt.Errorf("coalescing op for %q: %w", op.LocalID, err)
	}
	return nil
}

// MarkOpAccepted records a successful push of op. The queue row is removed
// and the record stamped synced, unless a newer mutation coalesced into the
// queue while the push was in flight, in which case the record keeps its
// pending state and the surviving entry is rewritten as an update against the
// fresh etag under a new operation ID (the old ID has been consumed by the
// remote dedup guard).
//
// An accepted delete completes the soft-delete round-trip: the record row is
// purged.
func (s *Store) MarkOpAccepted(ctx context.Context, op *model.Operation, remoteID, etag string, now time.Time) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if op.Kind == model.OpDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id = ?`, op.OpID); err != nil {
			return fmt.Errorf("removing accepted delete op %q: %w", op.OpID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, op.LocalID); err != nil {
			return fmt.Errorf("purging deleted record %q: %w", op.LocalID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing accepted delete: %w", err)
		}
		s.notifier.notify(op.EntityType)
		return nil
	}

	var queuedVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sync_queue WHERE op_id = ?`, op.OpID,
	).Scan(&queuedVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking queued op %q: %w", op.OpID, err)
	}
	opGone := err == sql.ErrNoRows

	switch {
	case opGone:
		// The record (and its op) was purged while the push was in flight.
		// Nothing to update locally; the remote copy will be deleted by the
		// follow-up delete op, if any.

	case queuedVersion == op.Version:
		// Clean accept: queue entry done, record synced.
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id = ?`, op.OpID); err != nil {
			return fmt.Errorf("removing accepted op %q: %w", op.OpID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET
			    remote_id = ?, etag = ?, sync_status = ?, last_synced_at = ?
			WHERE local_id = ? AND version = ?`,
			remoteID, etag, string(model.StatusSynced), formatTime(now),
			op.LocalID, op.Version,
		)
		if err != nil {
			return fmt.Errorf("marking record %q synced: %w", op.LocalID, err)
		}

	default:
		// A newer mutation coalesced in mid-flight. Keep it queued as an
		// update carrying the remote identity we just learned.
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET op_id = ?, kind = ?, base_etag = ?
			WHERE op_id = ?`,
			uuid.NewString(), string(model.OpUpdate), etag, op.OpID,
		)
		if err != nil {
			return fmt.Errorf("rebasing queued op for %q: %w", op.LocalID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET remote_id = ?, etag = ?, last_synced_at = ?
			WHERE local_id = ?`,
			remoteID, etag, formatTime(now), op.LocalID,
		)
		if err != nil {
			return fmt.Errorf("recording remote identity for %q: %w", op.LocalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing accepted op: %w", err)
	}
	s.notifier.notify(op.EntityType)
	return nil
}

// MarkOpFailed records a failed push attempt. Terminal failures park the
// operation (state "failed") and surface on the record as [model.StatusFailed].
// They are never retried silently; a later local edit re-arms the entry.
func (s *Store) MarkOpFailed(ctx context.Context, op *model.Operation, cause string, nextAttempt time.Time, terminal bool) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if terminal {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET state = 'failed', attempts = attempts + 1, last_error = ?
			WHERE op_id = ?`, cause, op.OpID); err != nil {
			return fmt.Errorf("parking failed op %q: %w", op.OpID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET sync_status = ? WHERE local_id = ?`,
			string(model.StatusFailed), op.LocalID); err != nil {
			return fmt.Errorf("marking record %q failed: %w", op.LocalID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
			WHERE op_id = ?`, formatTime(nextAttempt), cause, op.OpID); err != nil {
			return fmt.Errorf("recording failed attempt for op %q: %w", op.OpID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing failed op: %w", err)
	}
	if terminal {
		s.notifier.notify(op.EntityType)
	}
	return nil
}
