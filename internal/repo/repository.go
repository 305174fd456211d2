// Package repo is the repository façade: the only interface the rest of the
// application consumes. It composes the entity store, change tracker, and
// sync queue behind CRUD, query, and observe operations that are always
// local-first: writes land in the store and return immediately, and the
// sync engine propagates them in the background. Nothing here ever blocks
// on the network.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lexisync/lexisync/internal/entity"
	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/store"
	"github.com/lexisync/lexisync/internal/track"
)

// ErrConflicted is returned when a write targets a record with an unresolved
// conflict. The record has no single current value; the caller must resolve
// it first via [Repository.ResolveConflict].
var ErrConflicted = errors.New("repo: record has an unresolved conflict")

// Kicker nudges the sync engine after a local write so changes do not wait
// for the next poll. Implemented by [sync.Engine]; may be nil.
type Kicker interface {
	Kick()
}

// Repository wraps one store handle. The handle is passed in explicitly,
// not through a shared singleton, so tests run any number of isolated
// instances side by side.
type Repository struct {
	store   *store.Store
	tracker *track.Tracker
	kicker  Kicker
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Repository over st. kicker may be nil.
func New(st *store.Store, kicker Kicker, logger *slog.Logger) *Repository {
	return &Repository{
		store:   st,
		tracker: track.New(nil),
		kicker:  kicker,
		log:     logger,
		now:     time.Now,
	}
}

// Create writes a new record and returns it immediately, valid for local use
// while its push is queued. refs maps payload fields to the local IDs of
// required referenced records (they may themselves be unsynced; the queue
// orders the pushes).
func (r *Repository) Create(ctx context.Context, payload entity.Payload, refs map[string]string) (*model.Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", payload.EntityType(), err)
	}

	rec := &model.Record{
		LocalID:    uuid.NewString(),
		EntityType: payload.EntityType(),
		Payload:    raw,
		Refs:       refs,
	}
	op, err := r.tracker.Track(nil, rec)
	if err != nil {
		return nil, err
	}
	if err := r.store.ApplyLocalMutation(ctx, rec, op); err != nil {
		return nil, err
	}

	r.log.Debug("record created", "entity", rec.EntityType, "local_id", rec.LocalID)
	r.nudge()
	return rec, nil
}

// Update replaces the record's payload. Saving an identical payload is a
// no-op: no version bump, no queue entry.
func (r *Repository) Update(ctx context.Context, localID string, payload entity.Payload) (*model.Record, error) {
	before, err := r.loadForWrite(ctx, localID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", payload.EntityType(), err)
	}

	after := before.Clone()
	after.Payload = raw
	op, err := r.tracker.Track(before, after)
	if errors.Is(err, track.ErrNoChange) {
		return before, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.store.ApplyLocalMutation(ctx, after, op); err != nil {
		return nil, err
	}

	r.log.Debug("record updated", "entity", after.EntityType, "local_id", localID, "version", after.Version)
	r.nudge()
	return after, nil
}

// Delete soft-deletes the record. The row survives locally until the remote
// store acknowledges the deletion; a record that was never pushed is purged
// outright.
func (r *Repository) Delete(ctx context.Context, localID string) error {
	before, err := r.loadForWrite(ctx, localID)
	if err != nil {
		return err
	}

	after := before.Clone()
	after.DeletedAt = r.now().UTC()
	op, err := r.tracker.Track(before, after)
	if err != nil {
		return err
	}
	if err := r.store.ApplyLocalMutation(ctx, after, op); err != nil {
		return err
	}

	r.log.Debug("record deleted", "entity", after.EntityType, "local_id", localID)
	r.nudge()
	return nil
}

// Get returns one record, or (nil, nil) when it does not exist.
func (r *Repository) Get(ctx context.Context, localID string) (*model.Record, error) {
	return r.store.Get(ctx, localID)
}

// Find returns a snapshot matching q. Conflicted records are excluded
// unless q asks for them.
func (r *Repository) Find(ctx context.Context, q store.Query) ([]*model.Record, error) {
	return r.store.List(ctx, q)
}

// Conflicts returns every record awaiting manual conflict resolution, each
// carrying both the local state and the remote candidate.
func (r *Repository) Conflicts(ctx context.Context) ([]*model.Record, error) {
	return r.store.List(ctx, store.Query{
		Statuses:       []model.SyncStatus{model.StatusConflicted},
		IncludeDeleted: true,
	})
}

// Observe delivers the current snapshot for q and then a fresh snapshot
// after every committed change to the entity type, until ctx is cancelled.
// The channel is closed on cancellation. A slow consumer sees coalesced
// snapshots, never stale ones.
func (r *Repository) Observe(ctx context.Context, q store.Query) <-chan []*model.Record {
	out := make(chan []*model.Record, 1)
	signal, cancel := r.store.Subscribe(q.EntityType)

	go func() {
		defer cancel()
		defer close(out)

		send := func() bool {
			recs, err := r.store.List(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("observe query failed", "entity", q.EntityType, "error", err)
				}
				return false
			}
			// Replace a pending snapshot rather than block.
			select {
			case out <- recs:
			default:
				select {
				case <-out:
				default:
				}
				out <- recs
			}
			return true
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				if !send() {
					return
				}
			}
		}
	}()
	return out
}

// Resolution selects the surviving side of a conflicted record.
type Resolution struct {
	// KeepRemote applies the remote candidate and discards local changes.
	KeepRemote bool

	// Merged, when non-nil, resolves with a caller-merged payload pushed as
	// the new local state. Ignored when KeepRemote is set.
	Merged json.RawMessage
}

// ResolveConflict settles a conflicted record: keep the local payload
// (default), apply the remote candidate, or push a caller-merged payload.
// The surviving value is re-queued for push when the local side wins.
func (r *Repository) ResolveConflict(ctx context.Context, localID string, res Resolution) error {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record %q: %w", localID, store.ErrNotFound)
	}
	if rec.Status != model.StatusConflicted || rec.RemoteCandidate == nil {
		return fmt.Errorf("record %q is not conflicted", localID)
	}
	cand := rec.RemoteCandidate
	now := r.now().UTC()

	if res.KeepRemote {
		if err := r.applyCandidate(ctx, rec, cand, now); err != nil {
			return err
		}
		r.log.Info("conflict resolved", "local_id", localID, "winner", "remote")
		r.nudge()
		return r.store.MarkConflictResolved(ctx, localID, "remote", now)
	}

	// Local (or merged) wins: bump the version and queue a push based on the
	// candidate's etag, so the remote accepts it as the next state.
	after := rec.Clone()
	after.RemoteCandidate = nil
	after.Status = model.StatusPendingPush
	after.Version = rec.Version + 1
	after.ModifiedAt = now
	winner := "local"
	if res.Merged != nil {
		after.Payload = res.Merged
		winner = "merged"
	}

	kind := model.OpUpdate
	if after.Deleted() {
		kind = model.OpDelete
	}
	op := &model.Operation{
		OpID:       uuid.NewString(),
		Kind:       kind,
		LocalID:    after.LocalID,
		EntityType: after.EntityType,
		Version:    after.Version,
		BaseETag:   cand.ETag,
		Payload:    after.Payload,
		Refs:       after.Refs,
		EnqueuedAt: now,
	}
	// The record's etag advances to the candidate's so both sides agree on
	// the base state the push is made against.
	after.ETag = cand.ETag

	if err := r.store.ApplyLocalMutation(ctx, after, op); err != nil {
		return err
	}
	r.log.Info("conflict resolved", "local_id", localID, "winner", winner)
	r.nudge()
	return r.store.MarkConflictResolved(ctx, localID, winner, now)
}

// applyCandidate writes the remote candidate as the record's new state.
func (r *Repository) applyCandidate(ctx context.Context, rec *model.Record, cand *model.Candidate, now time.Time) error {
	if cand.Deleted {
		return r.store.ApplyRemoteBatch(ctx, []store.RemoteChange{{
			Record: &store.BaseRecord{Rec: rec, BaseVersion: rec.Version},
			Purge:  true,
			DropOp: true,
		}}, "", false)
	}

	resolved := rec.Clone()
	resolved.Payload = cand.Payload
	resolved.Version = rec.Version + 1
	resolved.ETag = cand.ETag
	resolved.Status = model.StatusSynced
	resolved.ModifiedAt = cand.ModifiedAt
	resolved.LastSyncedAt = now
	resolved.RemoteCandidate = nil
	return r.store.ApplyRemoteBatch(ctx, []store.RemoteChange{{
		Record: &store.BaseRecord{Rec: resolved, BaseVersion: rec.Version},
		DropOp: true,
	}}, "", false)
}

func (r *Repository) loadForWrite(ctx context.Context, localID string) (*model.Record, error) {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted() {
		return nil, fmt.Errorf("record %q: %w", localID, store.ErrNotFound)
	}
	if rec.Status == model.StatusConflicted {
		return nil, fmt.Errorf("record %q: %w", localID, ErrConflicted)
	}
	return rec, nil
}

func (r *Repository) nudge() {
	if r.kicker != nil {
		r.kicker.Kick()
	}
}
