// Package queue implements the dequeue and retry policy over the durable
// sync-queue rows owned by the store: batch selection in enqueue order, the
// referenced-record dependency gate, and exponential retry backoff with a
// hard attempt ceiling. Durability (and enqueue coalescing, which must be
// atomic with the record write) lives in the store package.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/store"
)

// Config tunes retry behaviour. Zero values fall back to the documented
// defaults.
type Config struct {
	// MaxAttempts is the retry ceiling: once exceeded, an operation parks in
	// the failed state and is surfaced rather than retried forever.
	MaxAttempts int

	// RetryBase is the first retry delay; each further attempt doubles it.
	RetryBase time.Duration

	// RetryCap bounds the doubled delay.
	RetryCap time.Duration
}

const (
	defaultMaxAttempts = 5
	defaultRetryBase   = 2 * time.Second
	defaultRetryCap    = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBase == 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap == 0 {
		c.RetryCap = defaultRetryCap
	}
	return c
}

// Queue is the policy layer over the store's sync-queue rows.
type Queue struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Queue over the given store handle.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{store: st, cfg: cfg.withDefaults(), log: logger, now: time.Now}
}

// DequeueBatch returns up to maxSize operations ready to push, in enqueue
// order, with their refs rewritten to remote IDs.
//
// An operation referencing a record that has no RemoteID yet is skipped: it
// is queued behind its dependency's own push and picked up on a later cycle,
// so no record is ever pushed referencing an unresolved temporary ID. An
// operation whose referenced record no longer exists at all can never become
// ready; it is parked as failed instead of being skipped forever.
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int) ([]*model.Operation, error) {
	// Over-fetch so skipped dependents do not shrink the batch.
	ops, err := q.store.PendingOps(ctx, q.now().UTC(), maxSize*2)
	if err != nil {
		return nil, fmt.Errorf("loading pending ops: %w", err)
	}

	batch := make([]*model.Operation, 0, maxSize)
	for _, op := range ops {
		if len(batch) == maxSize {
			break
		}
		ready, gone, err := q.resolveRefs(ctx, op)
		if err != nil {
			return nil, err
		}
		if gone != "" {
			q.log.Warn("sync op references a purged record, parking as failed",
				"op", op.OpID, "local_id", op.LocalID, "ref", gone)
			cause := fmt.Sprintf("referenced record %q no longer exists", gone)
			if err := q.store.MarkOpFailed(ctx, op, cause, time.Time{}, true); err != nil {
				return nil, fmt.Errorf("parking orphaned op %q: %w", op.OpID, err)
			}
			continue
		}
		if !ready {
			q.log.Debug("op waiting on unsynced dependency", "op", op.OpID, "local_id", op.LocalID)
			continue
		}
		batch = append(batch, op)
	}
	return batch, nil
}

// resolveRefs fills op.RemoteID and op.RemoteRefs from the current record
// state. Returns ready=false when a required ref exists but has not synced
// yet, and a non-empty gone when a required ref was purged outright.
func (q *Queue) resolveRefs(ctx context.Context, op *model.Operation) (ready bool, gone string, err error) {
	// The record may have gained its RemoteID after the op was enqueued.
	if op.Kind != model.OpCreate {
		rec, err := q.store.Get(ctx, op.LocalID)
		if err != nil {
			return false, "", fmt.Errorf("loading record %q: %w", op.LocalID, err)
		}
		if rec == nil {
			return false, "", nil // purged mid-flight; row will be cleaned up
		}
		op.RemoteID = rec.RemoteID
	}

	if len(op.Refs) == 0 {
		return true, "", nil
	}
	op.RemoteRefs = make(map[string]string, len(op.Refs))
	for field, localID := range op.Refs {
		ref, err := q.store.Get(ctx, localID)
		if err != nil {
			return false, "", fmt.Errorf("loading ref %q of %q: %w", localID, op.LocalID, err)
		}
		if ref == nil {
			return false, localID, nil
		}
		if ref.RemoteID == "" {
			return false, "", nil
		}
		op.RemoteRefs[field] = ref.RemoteID
	}
	return true, "", nil
}

// MarkSent records the successful push of op.
func (q *Queue) MarkSent(ctx context.Context, op *model.Operation, remoteID, etag string) error {
	return q.store.MarkOpAccepted(ctx, op, remoteID, etag, q.now().UTC())
}

// MarkFailed records a failed attempt. Transient failures are rescheduled
// with exponential backoff (base << attempts, capped); once the attempt
// ceiling is reached, or immediately when permanent is set (e.g. the remote
// rejected the payload as invalid), the operation parks in the failed state
// and requires explicit caller action.
func (q *Queue) MarkFailed(ctx context.Context, op *model.Operation, cause error, permanent bool) error {
	attempt := op.Attempts + 1
	terminal := permanent || attempt >= q.cfg.MaxAttempts

	if terminal {
		q.log.Warn("sync op failed permanently",
			"op", op.OpID,
			"local_id", op.LocalID,
			"attempts", attempt,
			"error", cause,
		)
		return q.store.MarkOpFailed(ctx, op, cause.Error(), time.Time{}, true)
	}

	delay := q.cfg.RetryBase << op.Attempts
	if delay > q.cfg.RetryCap {
		delay = q.cfg.RetryCap
	}
	next := q.now().UTC().Add(delay)
	q.log.Debug("sync op rescheduled",
		"op", op.OpID,
		"attempt", attempt,
		"retry_in", delay,
		"error", cause,
	)
	return q.store.MarkOpFailed(ctx, op, cause.Error(), next, false)
}
