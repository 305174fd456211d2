package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lexisync/lexisync/internal/model"
)

// RemoteChange is one reconciled remote delta to apply locally. Exactly one
// of the write effects applies per record; DropOp and Conflict ride along in
// the same transaction.
type RemoteChange struct {
	// Record is the full desired row state after applying the delta.
	Record *BaseRecord

	// Purge removes the record row entirely (remote-acknowledged deletion).
	Purge bool

	// DropOp removes any queued operation for the record. Set when the
	// remote side won a conflict or the record entered the conflicted state.
	DropOp bool

	// RebaseOp points any queued operation at the record's new etag. Set
	// when the local side won last-writer-wins: the pending push proceeds,
	// now against the latest remote state.
	RebaseOp bool

	// Conflict appends an entry to the conflict log.
	Conflict *ConflictEntry
}

// BaseRecord pairs the desired record state with the version the engine read
// it at, so a local mutation racing the sync cycle is never clobbered.
type BaseRecord struct {
	Rec *model.Record

	// BaseVersion is the record version the change was computed against.
	// Zero means the record did not exist locally.
	BaseVersion int64
}

// ConflictEntry is one row of the conflict audit log.
type ConflictEntry struct {
	LocalID        string
	EntityType     string
	LocalModified  time.Time
	RemoteModified time.Time

	// Resolution is "local" or "remote" for automatic last-writer-wins
	// decisions, empty for conflicts awaiting manual resolution.
	Resolution string

	DetectedAt time.Time
}

// ApplyRemoteBatch applies a list of reconciled remote changes in one
// all-or-nothing transaction and, when advance is set, persists the new pull
// checkpoint in the same transaction, so a crash mid-cycle either
// keeps both the deltas and the checkpoint or neither, and the next cycle
// re-pulls the same window.
//
// A change whose BaseVersion no longer matches (a local write raced the
// cycle) is skipped rather than clobbering the newer local state; the
// divergence resurfaces as a push conflict and is resolved there.
func (s *Store) ApplyRemoteBatch(ctx context.Context, changes []RemoteChange, checkpoint string, advance bool) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[string]bool)

	for _, ch := range changes {
		switch {
		case ch.Purge:
			if ch.Record == nil || ch.Record.Rec == nil {
				continue
			}
			id := ch.Record.Rec.LocalID
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ? AND version = ?`,
				id, ch.Record.BaseVersion); err != nil {
				return fmt.Errorf("purging record %q: %w", id, err)
			}
			if ch.DropOp {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE local_id = ?`, id); err != nil {
					return fmt.Errorf("dropping op for %q: %w", id, err)
				}
			}
			touched[ch.Record.Rec.EntityType] = true

		case ch.Record != nil:
			applied, err := s.applyRemoteRecordTx(ctx, tx, ch.Record)
			if err != nil {
				return err
			}
			if !applied {
				continue // local write raced in; leave it be
			}
			if ch.DropOp {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE local_id = ?`, ch.Record.Rec.LocalID); err != nil {
					return fmt.Errorf("dropping op for %q: %w", ch.Record.Rec.LocalID, err)
				}
			}
			if ch.RebaseOp {
				if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET base_etag = ? WHERE local_id = ?`,
					ch.Record.Rec.ETag, ch.Record.Rec.LocalID); err != nil {
					return fmt.Errorf("rebasing op for %q: %w", ch.Record.Rec.LocalID, err)
				}
			}
			touched[ch.Record.Rec.EntityType] = true
		}

		if ch.Conflict != nil {
			if err := insertConflictTx(ctx, tx, ch.Conflict); err != nil {
				return err
			}
		}
	}

	if advance {
		if _, err := tx.ExecContext(ctx,
			`UPDATE checkpoint SET token = ?, updated_at = ? WHERE id = 1`,
			checkpoint, formatTime(time.Now())); err != nil {
			return fmt.Errorf("persisting checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing remote batch: %w", err)
	}
	for et := range touched {
		s.notifier.notify(et)
	}
	return nil
}

// applyRemoteRecordTx upserts the desired state guarded by BaseVersion.
func (s *Store) applyRemoteRecordTx(ctx context.Context, tx *sql.Tx, br *BaseRecord) (bool, error) {
	rec := br.Rec
	refs, err := marshalRefs(rec.Refs)
	if err != nil {
		return false, err
	}
	candidate, err := marshalCandidate(rec.RemoteCandidate)
	if err != nil {
		return false, err
	}

	if br.BaseVersion == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO records
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
			return false, fmt.Errorf("inserting remote record %q: %w", rec.LocalID, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET
		    remote_id = ?, payload = ?, refs = ?, version = ?, etag = ?,
		    sync_status = ?, modified_at = ?, last_synced_at = ?, deleted_at = ?,
		    remote_candidate = ?
		WHERE local_id = ? AND version = ?`,
		rec.RemoteID, string(rec.Payload), refs, rec.Version, rec.ETag,
		string(rec.Status), formatTime(rec.ModifiedAt),
		formatTime(rec.LastSyncedAt), formatTime(rec.DeletedAt), candidate,
		rec.LocalID, br.BaseVersion,
	)
	if err != nil {
		return false, fmt.Errorf("applying remote record %q: %w", rec.LocalID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func insertConflictTx(ctx context.Context, tx *sql.Tx, c *ConflictEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflict_log
		    (local_id, entity_type, local_modified, remote_modified, resolution,
		     detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.LocalID, c.EntityType, formatTime(c.LocalModified),
		formatTime(c.RemoteModified), c.Resolution, formatTime(c.DetectedAt),
		resolvedAt(c.Resolution, c.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("logging conflict for %q: %w", c.LocalID, err)
	}
	return nil
}

// resolvedAt stamps automatic decisions as resolved immediately; manual
// conflicts stay open until MarkConflictResolved.
func resolvedAt(resolution string, detected time.Time) string {
	if resolution == "" {
		return ""
	}
	return formatTime(detected)
}

// MarkConflictResolved closes the open conflict-log entry for localID.
func (s *Store) MarkConflictResolved(ctx context.Context, localID, resolution string, now time.Time) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE conflict_log SET resolution = ?, resolved_at = ?
		WHERE local_id = ? AND resolved_at = ''`,
		resolution, formatTime(now), localID)
	if err != nil {
		return fmt.Errorf("closing conflict for %q: %w", localID, err)
	}
	return nil
}
