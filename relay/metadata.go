// Package relay implements C9: the store-and-forward relay engine that
// decides whether an incoming MeshRelay envelope should be delivered to
// this node, forwarded toward its recipient, dropped, or blocked.
package relay

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/driftmesh/core/queue"
)

// ErrRelayException is returned by Metadata.NextHop when advancing the
// message would violate the loop or TTL invariant (spec.md §4.9's
// RelayException).
var ErrRelayException = errors.New("relay: next_hop would violate loop or ttl invariant")

// Metadata is spec.md §3's RelayMetadata.
type Metadata struct {
	TTL            uint8
	HopCount       uint8
	RoutingPath    []string
	MessageHash    []byte
	Priority       queue.Priority
	RelayTimestamp time.Time
	OriginalSender string
	FinalRecipient string
}

// NewMetadata assembles the metadata for a freshly originated relay, per
// spec.md §4.9 create_outgoing_relay: hop_count=1, routing_path=[current].
// ttl is resolved by the caller against its configured priority_ttl_map
// (see Engine.ttlTable) rather than computed here, so the map stays a
// genuine runtime knob instead of a hardcoded constant.
func NewMetadata(current, originalSender, finalRecipient string, priority queue.Priority, ttl uint8, content []byte, originalMessageID string) Metadata {
	return Metadata{
		TTL:            ttl,
		HopCount:       1,
		RoutingPath:    []string{current},
		MessageHash:    MessageHash(content, originalMessageID),
		Priority:       priority,
		RelayTimestamp: time.Now(),
		OriginalSender: originalSender,
		FinalRecipient: finalRecipient,
	}
}

// MessageHash computes H(content || original_id) per spec.md §4.9.
func MessageHash(content []byte, originalMessageID string) []byte {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(originalMessageID))
	return h.Sum(nil)
}

func containsNode(path []string, node string) bool {
	for _, p := range path {
		if p == node {
			return true
		}
	}
	return false
}

// NextHop appends current to the routing path and increments hop_count,
// returning the advanced metadata. Fails if current is already in the
// path or the hop would exceed TTL.
func (m Metadata) NextHop(current string) (Metadata, error) {
	if containsNode(m.RoutingPath, current) {
		return Metadata{}, ErrRelayException
	}
	if int(m.HopCount)+1 > int(m.TTL) {
		return Metadata{}, ErrRelayException
	}
	next := m
	next.RoutingPath = append(append([]string(nil), m.RoutingPath...), current)
	next.HopCount = m.HopCount + 1
	return next, nil
}

// MeshRelayMessage is spec.md §3's MeshRelayMessage.
type MeshRelayMessage struct {
	OriginalMessageID string
	OriginalContent   []byte
	Metadata          Metadata
	RelayNodeID       string
	RelayedAt         time.Time
}
