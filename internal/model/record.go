// Package model defines the shared types used across the sync engine: the
// syncable record wrapper, the queued sync operation, and their status enums.
// Entity payloads are opaque JSON to everything in this package.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// SyncStatus tracks where a record stands relative to the remote store.
type SyncStatus string

const (
	// StatusSynced means local and remote agree as of the record's ETag.
	StatusSynced SyncStatus = "synced"
	// StatusPendingPush means a local mutation is queued for upload.
	StatusPendingPush SyncStatus = "pendingPush"
	// StatusPendingPull means a remote delta has arrived and is being applied.
	StatusPendingPull SyncStatus = "pendingPull"
	// StatusConflicted means both sides mutated since the last common ETag.
	// The record holds both candidates until explicitly resolved.
	StatusConflicted SyncStatus = "conflicted"
	// StatusFailed means the remote permanently rejected the last push.
	StatusFailed SyncStatus = "failed"
)

// Record is the generic syncable wrapper around an entity payload. One row in
// the records table per record; the engine never looks inside Payload.
type Record struct {
	// LocalID is the process-local stable identifier, assigned at creation
	// and never reused.
	LocalID string

	// EntityType names the payload's collection ("course", "lesson", ...).
	EntityType string

	// RemoteID is assigned by the remote store on first successful push.
	// Empty for records created offline and not yet pushed.
	RemoteID string

	// Payload holds the domain fields, opaque to the sync engine.
	Payload json.RawMessage

	// Refs maps payload field names to the LocalID of a required referenced
	// record. Refs are rewritten to RemoteIDs at push time; an operation is
	// never pushed while a referenced record still lacks its RemoteID.
	Refs map[string]string

	// Version increases by one on every local mutation, starting at 1.
	Version int64

	// ETag is the opaque remote-assigned token from the last successful
	// push or pull, used for optimistic-concurrency checks.
	ETag string

	Status SyncStatus

	// ModifiedAt is the wall-clock time of the last payload mutation.
	// Drives last-writer-wins conflict resolution.
	ModifiedAt time.Time

	CreatedAt time.Time

	// LastSyncedAt is zero for records that have never completed a round-trip.
	LastSyncedAt time.Time

	// DeletedAt marks a soft delete. The row is retained until the remote
	// store acknowledges the deletion, then purged.
	DeletedAt time.Time

	// RemoteCandidate retains the conflicting remote snapshot while the
	// record is in StatusConflicted, so callers can present both sides.
	RemoteCandidate *Candidate
}

// Candidate is the remote side of an unresolved conflict.
type Candidate struct {
	Payload    json.RawMessage `json:"payload"`
	ETag       string          `json:"etag"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted"`
}

// Deleted reports whether the record carries a soft-delete marker.
func (r *Record) Deleted() bool {
	return !r.DeletedAt.IsZero()
}

// PayloadHash returns a deterministic SHA-256 hex digest of the payload and
// refs. Used for change detection: identical hashes mean no mutation
// happened, so no sync operation is produced. ModifiedAt is intentionally
// excluded: it changes on every save and only matters for conflict
// resolution.
func (r *Record) PayloadHash() string {
	h := sha256.New()
	h.Write(r.Payload)
	h.Write([]byte("|"))
	// Refs in key order so the digest is stable across map iterations.
	keys := make([]string, 0, len(r.Refs))
	for k := range r.Refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(r.Refs[k]))
		h.Write([]byte(";"))
	}
	if r.Deleted() {
		h.Write([]byte("|deleted"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy. Store reads hand out clones so callers can
// mutate freely without racing the cache of another subscriber.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.Refs != nil {
		cp.Refs = make(map[string]string, len(r.Refs))
		for k, v := range r.Refs {
			cp.Refs[k] = v
		}
	}
	if r.RemoteCandidate != nil {
		cand := *r.RemoteCandidate
		cand.Payload = append(json.RawMessage(nil), r.RemoteCandidate.Payload...)
		cp.RemoteCandidate = &cand
	}
	return &cp
}
