package model

import (
	"encoding/json"
	"time"
)

// OpKind is the mutation class of a queued sync operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one durable entry in the sync queue: a local mutation awaiting
// transmission to the remote store. At most one unsent operation exists per
// LocalID; newer mutations coalesce into it.
type Operation struct {
	// OpID identifies the operation across retries. The remote store dedups
	// on it, which makes at-least-once push safe.
	OpID string

	Kind       OpKind
	LocalID    string
	EntityType string

	// RemoteID of the target record, filled in at dequeue time (it may have
	// been assigned after the operation was enqueued). Empty for creates.
	RemoteID string

	// Version the operation will establish remotely.
	Version int64

	// BaseETag is the remote state this mutation was made against. Empty for
	// creates. The remote store reports a conflict when it no longer matches.
	BaseETag string

	Payload json.RawMessage

	// Refs maps payload fields to referenced LocalIDs (see Record.Refs).
	Refs map[string]string

	// RemoteRefs is Refs rewritten to RemoteIDs at dequeue time. Only
	// operations with every ref resolved are handed to the remote client.
	RemoteRefs map[string]string

	// EnqueuedAt orders the queue. Coalescing preserves the original
	// timestamp so a frequently edited record cannot starve others.
	EnqueuedAt time.Time

	// Retry bookkeeping.
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}
