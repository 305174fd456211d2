package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/remote"
	"github.com/lexisync/lexisync/internal/resolve"
	"github.com/lexisync/lexisync/internal/store"
)

// cycle is one full pass: pull and reconcile remote deltas, then push a
// bounded batch of queued local operations. Errors from either phase abort
// the cycle; per-operation failures are contained and counted.
func (e *Engine) cycle(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := e.pullPhase(ctx, &stats); err != nil {
		return stats, fmt.Errorf("pull phase: %w", err)
	}
	if err := e.pushPhase(ctx, &stats); err != nil {
		return stats, fmt.Errorf("push phase: %w", err)
	}
	return stats, nil
}

// pullPhase fetches every remote change since the checkpoint, reconciles
// each delta, and applies the result together with the new checkpoint in one
// transaction. A crash between pull and apply simply re-pulls the same
// window next cycle.
func (e *Engine) pullPhase(ctx context.Context, stats *Stats) error {
	checkpoint, err := e.store.Checkpoint(ctx)
	if err != nil {
		return err
	}

	deltas, next, err := e.client.Pull(ctx, checkpoint)
	if err != nil {
		return err
	}
	if len(deltas) == 0 && next == checkpoint {
		return nil
	}

	changes := make([]store.RemoteChange, 0, len(deltas))
	for _, delta := range deltas {
		ch, s, err := e.reconcile(ctx, delta)
		if err != nil {
			return err
		}
		stats.add(s)
		if ch != nil {
			changes = append(changes, *ch)
		}
	}

	if err := e.store.ApplyRemoteBatch(ctx, changes, next, true); err != nil {
		return err
	}
	return nil
}

// reconcile turns one pulled delta into the local change to apply, if any.
func (e *Engine) reconcile(ctx context.Context, delta remote.Delta) (*store.RemoteChange, Stats, error) {
	var stats Stats

	local, err := e.store.GetByRemoteID(ctx, delta.RemoteID)
	if err != nil {
		return nil, stats, err
	}

	// hadPending: the local side also changed since the common etag, so any
	// automatic verdict is a resolved conflict, not a plain fast-forward.
	hadPending := local != nil &&
		(local.Status == model.StatusPendingPush || local.Status == model.StatusFailed)

	verdict := e.resolver.Decide(local, delta)

	switch verdict {
	case resolve.KeepLocal:
		if local == nil || local.ETag == delta.ETag {
			return nil, stats, nil // delta is stale or already known
		}
		// Local wins last-writer-wins: advance the base etag so the pending
		// push goes out against the latest remote state.
		stats.Conflicts++
		stats.Resolved++
		rec := local.Clone()
		rec.ETag = delta.ETag
		return &store.RemoteChange{
			Record:   &store.BaseRecord{Rec: rec, BaseVersion: local.Version},
			RebaseOp: true,
			Conflict: e.conflictEntry(local, delta, "local"),
		}, stats, nil

	case resolve.ApplyRemote:
		stats.Pulled++
		if hadPending {
			stats.Conflicts++
			stats.Resolved++
		}
		return e.applyRemoteChange(local, delta, hadPending), stats, nil

	case resolve.Conflict:
		stats.Conflicts++
		rec := local.Clone()
		rec.Status = model.StatusConflicted
		rec.RemoteCandidate = &model.Candidate{
			Payload:    delta.Payload,
			ETag:       delta.ETag,
			ModifiedAt: delta.ModifiedAt,
			Deleted:    delta.Deleted,
		}
		ch := &store.RemoteChange{
			Record: &store.BaseRecord{Rec: rec, BaseVersion: local.Version},
			DropOp: true,
		}
		// A refreshed candidate on an already-conflicted record is not a new
		// conflict.
		if local.Status != model.StatusConflicted {
			ch.Conflict = e.conflictEntry(local, delta, "")
		}
		return ch, stats, nil
	}
	return nil, stats, nil
}

// applyRemoteChange builds the fast-forward (or remote-wins) change for a
// delta.
func (e *Engine) applyRemoteChange(local *model.Record, delta remote.Delta, dropOp bool) *store.RemoteChange {
	now := e.now().UTC()

	if delta.Deleted {
		if local == nil {
			return nil // never seen locally; nothing to delete
		}
		return &store.RemoteChange{
			Record: &store.BaseRecord{Rec: local, BaseVersion: local.Version},
			Purge:  true,
			DropOp: dropOp,
		}
	}

	var ch store.RemoteChange
	if local == nil {
		rec := &model.Record{
			LocalID:      uuid.NewString(),
			EntityType:   delta.EntityType,
			RemoteID:     delta.RemoteID,
			Payload:      delta.Payload,
			Version:      1,
			ETag:         delta.ETag,
			Status:       model.StatusSynced,
			ModifiedAt:   delta.ModifiedAt,
			CreatedAt:    now,
			LastSyncedAt: now,
		}
		ch.Record = &store.BaseRecord{Rec: rec}
		return &ch
	}

	rec := local.Clone()
	rec.Payload = delta.Payload
	rec.Version = local.Version + 1
	rec.ETag = delta.ETag
	rec.Status = model.StatusSynced
	rec.ModifiedAt = delta.ModifiedAt
	rec.LastSyncedAt = now
	rec.RemoteCandidate = nil
	ch.Record = &store.BaseRecord{Rec: rec, BaseVersion: local.Version}
	ch.DropOp = dropOp
	return &ch
}

func (e *Engine) conflictEntry(local *model.Record, delta remote.Delta, resolution string) *store.ConflictEntry {
	return &store.ConflictEntry{
		LocalID:        local.LocalID,
		EntityType:     local.EntityType,
		LocalModified:  local.ModifiedAt,
		RemoteModified: delta.ModifiedAt,
		Resolution:     resolution,
		DetectedAt:     e.now().UTC(),
	}
}

// pushPhase drains one bounded batch from the sync queue. Push is
// at-least-once: an operation is only marked sent after the remote confirms
// it, and the remote dedups on operation ID, so a crash or cancellation
// between transmission and bookkeeping re-pushes harmlessly.
func (e *Engine) pushPhase(ctx context.Context, stats *Stats) error {
	batch, err := e.queue.DequeueBatch(ctx, e.cfg.PushBatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	// Push errors (including remote.ErrUnauthorized, which needs the caller
	// to re-authenticate) abort the cycle and surface via LastSyncError.
	results, err := e.client.Push(ctx, batch)
	if err != nil {
		return err
	}

	byID := make(map[string]*model.Operation, len(batch))
	for _, op := range batch {
		byID[op.OpID] = op
	}

	for _, res := range results {
		op, ok := byID[res.OpID]
		if !ok {
			e.log.Warn("push result for unknown op", "op", res.OpID)
			continue
		}
		if err := e.handlePushResult(ctx, op, res, stats); err != nil {
			e.log.Error("recording push result failed",
				"op", op.OpID,
				"local_id", op.LocalID,
				"error", err,
			)
			stats.Errors++
		}
	}
	return nil
}

func (e *Engine) handlePushResult(ctx context.Context, op *model.Operation, res remote.PushResult, stats *Stats) error {
	switch res.Status {
	case remote.PushAccepted:
		stats.Pushed++
		return e.queue.MarkSent(ctx, op, res.RemoteID, res.ETag)

	case remote.PushRejected:
		stats.Errors++
		return e.queue.MarkFailed(ctx, op,
			fmt.Errorf("%w: %s", remote.ErrRejected, res.Reason), true)

	case remote.PushConflict:
		if res.Remote == nil {
			return fmt.Errorf("conflict result for op %q without remote snapshot", op.OpID)
		}
		ch, s, err := e.reconcile(ctx, *res.Remote)
		stats.add(s)
		if err != nil {
			return err
		}
		if ch == nil {
			return nil
		}
		return e.store.ApplyRemoteBatch(ctx, []store.RemoteChange{*ch}, "", false)

	default:
		return fmt.Errorf("unknown push status %q for op %q", res.Status, op.OpID)
	}
}
