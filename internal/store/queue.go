package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lexisync/lexisync/internal/model"
)

const opCols = `op_id, local_id, entity_type, kind, version, base_etag,
       payload, refs, enqueued_at, attempts, next_attempt_at, last_error`

// PendingOps returns up to limit unsent operations whose retry time has
// passed, ordered by enqueue time. Dependency and ref rewriting are the
// queue package's business; this is the raw durable view.
func (s *Store) PendingOps(ctx context.Context, now time.Time, limit int) ([]*model.Operation, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+opCols+` FROM sync_queue
		WHERE state = 'pending' AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY enqueued_at
		LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending ops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// QueueStats summarizes the sync queue for status reporting.
type QueueStats struct {
	Pending int
	Failed  int

	// NextAttemptAt is the earliest future retry, zero if none is scheduled.
	NextAttemptAt time.Time
}

// Stats returns the current queue depth and retry horizon.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.read.QueryRowContext(ctx, `
		SELECT
		    COUNT(*) FILTER (WHERE state = 'pending'),
		    COUNT(*) FILTER (WHERE state = 'failed'),
		    COALESCE(MIN(next_attempt_at) FILTER (WHERE state = 'pending' AND next_attempt_at != ''), '')
		FROM sync_queue`).Scan(&st.Pending, &st.Failed, &timeScanner{&st.NextAttemptAt})
	if err != nil {
		return st, fmt.Errorf("querying queue stats: %w", err)
	}
	return st, nil
}

// RequeueOp re-arms a terminally failed operation for localID: the queue row
// goes back to pending with a clean retry slate and the record returns to
// [model.StatusPendingPush]. Returns an error when no failed operation is
// parked for that record.
func (s *Store) RequeueOp(ctx context.Context, localID string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET state = 'pending', attempts = 0, next_attempt_at = '', last_error = ''
		WHERE local_id = ? AND state = 'failed'`, localID)
	if err != nil {
		return fmt.Errorf("requeueing op for %q: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed operation for %q", localID)
	}

	var entityType string
	if err := tx.QueryRowContext(ctx,
		`SELECT entity_type FROM records WHERE local_id = ?`, localID,
	).Scan(&entityType); err != nil {
		return fmt.Errorf("loading record %q: %w", localID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET sync_status = ? WHERE local_id = ?`,
		string(model.StatusPendingPush), localID); err != nil {
		return fmt.Errorf("re-arming record %q: %w", localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing requeue: %w", err)
	}
	s.notifier.notify(entityType)
	return nil
}

// timeScanner parses an RFC3339 column into a time.Time during Scan.
type timeScanner struct{ t *time.Time }

func (ts *timeScanner) Scan(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		*ts.t = time.Time{}
		return nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	*ts.t = parsed
	return nil
}

func scanOp(sc scanner) (*model.Operation, error) {
	var op model.Operation
	var kind, refsJSON, enqueuedAt, nextAttemptAt string

	err := sc.Scan(
		&op.OpID,
		&op.LocalID,
		&op.EntityType,
		&kind,
		&op.Version,
		&op.BaseETag,
		&op.Payload,
		&refsJSON,
		&enqueuedAt,
		&op.Attempts,
		&nextAttemptAt,
		&op.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning op row: %w", err)
	}

	op.Kind = model.OpKind(kind)
	if refsJSON != "" && refsJSON != "{}" {
		if err := json.Unmarshal([]byte(refsJSON), &op.Refs); err != nil {
			return nil, fmt.Errorf("parsing refs for op %q: %w", op.OpID, err)
		}
	}
	op.EnqueuedAt, _ = parseTime(enqueuedAt)
	op.NextAttemptAt, _ = parseTime(nextAttemptAt)

	return &op, nil
}
