// Package remote defines the boundary to the authoritative sync backend:
// the two-operation [Client] interface the engine drives, the wire types for
// push results and pulled deltas, and an HTTP implementation. Nothing else
// in the engine talks to the network; the whole engine runs against an
// in-memory fake of [Client] in tests.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lexisync/lexisync/internal/model"
)

// Errors surfaced to the engine. ErrUnauthorized is never retried: the
// credential must be refreshed by the application first.
var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrRejected     = errors.New("remote: operation rejected")
)

// Client is the abstract remote-store boundary. Push transmits queued local
// operations; Pull returns every remote-side change since the checkpoint
// together with the next checkpoint.
type Client interface {
	Push(ctx context.Context, ops []*model.Operation) ([]PushResult, error)
	Pull(ctx context.Context, checkpoint string) ([]Delta, string, error)
}

// CredentialProvider supplies a valid bearer credential. The engine does not
// acquire or refresh tokens; expiry surfaces as [ErrUnauthorized].
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider for a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// PushStatus classifies the remote's verdict on one operation.
type PushStatus string

const (
	// PushAccepted: the mutation was applied; RemoteID (for creates) and the
	// new ETag accompany it.
	PushAccepted PushStatus = "accepted"
	// PushRejected: the payload was refused (validation failure). Not
	// retryable; requires explicit caller action.
	PushRejected PushStatus = "rejected"
	// PushConflict: the base etag no longer matches; Remote carries the
	// current remote snapshot for conflict resolution.
	PushConflict PushStatus = "conflict"
)

// PushResult is the remote's per-operation response.
type PushResult struct {
	OpID   string     `json:"op_id"`
	Status PushStatus `json:"status"`

	RemoteID string `json:"remote_id,omitempty"`
	ETag     string `json:"etag,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Remote *Delta `json:"remote,omitempty"`
}

// Delta is one remote-side change, as pulled since a checkpoint or attached
// to a conflicting push result.
type Delta struct {
	RemoteID   string          `json:"remote_id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ETag       string          `json:"etag"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}
