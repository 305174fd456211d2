// Package track turns a before/after pair of record snapshots into the sync
// operation that propagates the change. It is a pure computation: no storage,
// no clock beyond the one injected for stamping mutation times.
package track

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexisync/lexisync/internal/model"
)

// ErrNoChange is returned when the after snapshot carries an identical
// payload: re-saving an unchanged record produces no operation and no
// needless network traffic.
var ErrNoChange = errors.New("track: payload unchanged")

// Tracker stamps versions and mutation times onto tracked changes.
type Tracker struct {
	now func() time.Time
}

// New creates a Tracker. now may be nil, in which case time.Now is used
// (tests inject a fixed clock).
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Track computes the operation that carries after's state to the remote
// store, mutating after in place with its new version, status, and mutation
// time. before is nil for a brand-new record.
//
// Version policy: first write of a never-stored record is version 1; every
// later mutation is previous+1. Identical payloads return [ErrNoChange].
func (t *Tracker) Track(before, after *model.Record) (*model.Operation, error) {
	now := t.now().UTC()

	if before == nil {
		after.Version = 1
		after.Status = model.StatusPendingPush
		after.ModifiedAt = now
		after.CreatedAt = now
		return t.operation(model.OpCreate, after, ""), nil
	}

	if before.LocalID != after.LocalID {
		return nil, fmt.Errorf("track: snapshot mismatch: %q vs %q", before.LocalID, after.LocalID)
	}
	if before.PayloadHash() == after.PayloadHash() {
		return nil, ErrNoChange
	}

	after.Version = before.Version + 1
	after.ModifiedAt = now
	after.CreatedAt = before.CreatedAt
	after.RemoteID = before.RemoteID
	after.ETag = before.ETag
	after.LastSyncedAt = before.LastSyncedAt

	kind := model.OpUpdate
	if after.Deleted() {
		kind = model.OpDelete
	}
	after.Status = model.StatusPendingPush
	return t.operation(kind, after, before.ETag), nil
}

func (t *Tracker) operation(kind model.OpKind, rec *model.Record, baseETag string) *model.Operation {
	return &model.Operation{
		OpID:       uuid.NewString(),
		Kind:       kind,
		LocalID:    rec.LocalID,
		EntityType: rec.EntityType,
		Version:    rec.Version,
		BaseETag:   baseETag,
		Payload:    rec.Payload,
		Refs:       rec.Refs,
		EnqueuedAt: t.now().UTC(),
	}
}
