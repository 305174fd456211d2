// Package sync implements the coordinator that drives the push/pull cycle
// between the local store and the remote backend. Each cycle pulls remote
// deltas since the last durable checkpoint and reconciles them through the
// conflict resolver, then drains a bounded batch of queued local operations
// through the remote client. Cycle failures back off; reachability gating
// keeps the engine from hammering a dead network.
//
// The package contains one main component: [Engine], created with [New] and
// started with [Engine.Run] (or driven manually via [Engine.RunOnce]).
package sync

import (
	"context"

	"github.com/lexisync/lexisync/internal/remote"
)

// Client is the remote boundary the engine drives. See [remote.Client]; the
// engine's tests run against an in-memory fake of it.
type Client = remote.Client

// Pinger is the optional cheap-reachability probe used while offline.
// Implemented by [remote.HTTPClient]. Without one, the engine discovers
// connectivity by attempting full cycles.
type Pinger interface {
	Ping(ctx context.Context) error
}
