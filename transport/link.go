// Package transport defines the Link boundary C12's session adapter is
// built against: a per-peer byte-stream carrier. The core never dials,
// listens, or knows about BLE, sockets, or any concrete medium — it only
// consumes this interface, mirroring the way the teacher's device.Device
// consumes conn.Bind and tun.Device rather than owning a socket itself.
package transport

import (
	"context"
	"errors"
)

// ErrLinkClosed is returned by Send/Recv once the Link has been closed.
var ErrLinkClosed = errors.New("transport: link closed")

// Link is one peer's byte-stream carrier, consumed (not owned) by the
// session adapter per spec.md §6 "Link adapter (consumed)".
type Link interface {
	// PeerID identifies the remote endpoint this Link talks to.
	PeerID() string
	// MTU returns the current maximum transmission unit. The fragmenter
	// must tolerate this changing between calls by using the lower
	// observed value per message (spec.md §6).
	MTU() int
	// Send transmits one opaque byte chunk (a single wire-encoded
	// fragment chunk, see package fragment) to the peer.
	Send(ctx context.Context, chunk []byte) error
	// Recv blocks until the next inbound chunk arrives, ctx is canceled,
	// or the link closes.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the link's resources. Idempotent.
	Close() error
}

// ConnectedEvent and DisconnectedEvent are link-layer liveness signals a
// Link implementation may deliver; concrete transports decide how (e.g.
// wslink watches the underlying websocket's close frame).
type ConnectedEvent struct{ PeerID string }
type DisconnectedEvent struct {
	PeerID string
	Reason error
}
