// Package resolve decides the surviving value when local and remote copies
// of a record diverged since their last common etag.
//
// The policy is last-writer-wins by wall-clock mutation time, whole-record:
// when the two mutation times fall within a configurable skew window the
// resolver refuses to guess and marks the record conflicted, leaving both
// candidates for a manual decision. Field-level merge is deliberately not
// attempted; swapping this package is the single extension point if
// finer-grained merging is ever needed.
package resolve

import (
	"log/slog"
	"time"

	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/remote"
)

// Verdict is the resolver's decision for one local/remote pair.
type Verdict int

const (
	// KeepLocal: the remote delta is stale or loses last-writer-wins; local
	// state (and its pending push, if any) stands.
	KeepLocal Verdict = iota

	// ApplyRemote: the remote delta wins; local state is overwritten and any
	// pending push dropped.
	ApplyRemote

	// Conflict: both sides changed within the skew window. The record is
	// marked conflicted with both candidates retained for manual resolution.
	Conflict
)

func (v Verdict) String() string {
	switch v {
	case KeepLocal:
		return "keepLocal"
	case ApplyRemote:
		return "applyRemote"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// DefaultSkewWindow is the timestamp distance under which last-writer-wins
// is considered too close to call.
const DefaultSkewWindow = 3 * time.Second

// Resolver applies the last-writer-wins policy.
type Resolver struct {
	skew time.Duration
	log  *slog.Logger
}

// New creates a Resolver. A zero skew window falls back to
// [DefaultSkewWindow].
func New(skewWindow time.Duration, logger *slog.Logger) *Resolver {
	if skewWindow == 0 {
		skewWindow = DefaultSkewWindow
	}
	return &Resolver{skew: skewWindow, log: logger}
}

// Decide returns the verdict for a remote delta against the current local
// record (nil when the record is unknown locally).
//
// The decision depends only on the two snapshots, never on arrival order:
// given the same local and remote mutation times it always picks the same
// winner (the §8-style determinism the engine's tests pin down).
func (r *Resolver) Decide(local *model.Record, delta remote.Delta) Verdict {
	if local == nil {
		return ApplyRemote
	}

	// Same etag: the delta describes the state we already synced from.
	// Whatever is pending locally continues on the push path.
	if local.ETag == delta.ETag {
		return KeepLocal
	}

	// No local mutation since the last sync point: plain fast-forward.
	if local.Status == model.StatusSynced || local.Status == model.StatusPendingPull {
		return ApplyRemote
	}

	// Already conflicted: the new delta only refreshes the remote candidate.
	if local.Status == model.StatusConflicted {
		return Conflict
	}

	// Both sides changed since the common etag. Last writer wins, unless the
	// timestamps are too close to trust the clocks.
	diff := local.ModifiedAt.Sub(delta.ModifiedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff <= r.skew {
		r.log.Info("conflict within skew window",
			"local_id", local.LocalID,
			"local_modified", local.ModifiedAt,
			"remote_modified", delta.ModifiedAt,
			"skew", r.skew,
		)
		return Conflict
	}

	if local.ModifiedAt.After(delta.ModifiedAt) {
		r.log.Debug("conflict resolved: local wins",
			"local_id", local.LocalID,
			"local_modified", local.ModifiedAt,
			"remote_modified", delta.ModifiedAt,
		)
		return KeepLocal
	}
	r.log.Debug("conflict resolved: remote wins",
		"local_id", local.LocalID,
		"local_modified", local.ModifiedAt,
		"remote_modified", delta.ModifiedAt,
	)
	return ApplyRemote
}
