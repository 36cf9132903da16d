// Package protocol implements C5: the wire envelope the session adapter
// fragments and sends (sealed for text and mesh-relay kinds, plain for
// the others) — a closed tagged union of message kinds, with optional
// deflate compression and a legacy-JSON decode fallback for backward
// compatibility.
package protocol

import "time"

// Kind identifies which ProtocolEnvelope variant is populated.
type Kind uint8

const (
	KindPing Kind = iota
	KindIdentity
	KindContactRequest
	KindTextMessage
	KindMeshRelay
	KindQueueSync
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindIdentity:
		return "identity"
	case KindContactRequest:
		return "contact_request"
	case KindTextMessage:
		return "text_message"
	case KindMeshRelay:
		return "mesh_relay"
	case KindQueueSync:
		return "queue_sync"
	default:
		return "unknown"
	}
}

// CurrentVersion is the envelope wire version this codec writes.
const CurrentVersion uint8 = 1

// Identity carries a node's long-term static key and a human display name.
type Identity struct {
	PublicKey   []byte `json:"public_key"`
	DisplayName string `json:"display_name"`
}

// ContactRequest carries no payload of its own; its presence in the
// envelope is the message (the sender's static key travels in the Noise
// handshake that follows, not here).
type ContactRequest struct{}

// TextMessage is a chat payload, optionally itself already end-to-end
// encrypted above this layer (EncryptedFlag records which).
type TextMessage struct {
	ID            string
	Content       []byte
	Recipient     string
	EncryptedFlag bool
}

// MeshRelay carries one hop of a store-and-forward relay (C9).
type MeshRelay struct {
	OriginalID             string
	Sender                 string
	Recipient              string
	Metadata               []byte // encoded RelayMetadata, opaque to this layer
	InnerPayload           []byte
	UseEphemeralAddressing bool
}

// QueueSyncKind distinguishes a sync request from its response.
type QueueSyncKind uint8

const (
	QueueSyncRequest QueueSyncKind = iota
	QueueSyncResponse
)

// QueueSync carries a queue reconciliation request or response (C11).
type QueueSync struct {
	Hash       []byte
	MessageIDs []string
	Timestamp  time.Time
	NodeID     string
	Kind       QueueSyncKind
}

// Envelope is the ProtocolEnvelope from spec.md §3: common framing fields
// plus exactly one populated variant selected by Kind.
type Envelope struct {
	Version             uint8
	Kind                Kind
	Timestamp           time.Time
	Signature           []byte // optional
	EphemeralSigningKey []byte // optional

	Ping           *struct{}
	Identity       *Identity
	ContactRequest *ContactRequest
	TextMessage    *TextMessage
	MeshRelay      *MeshRelay
	QueueSync      *QueueSync
}

// NewPing builds a minimal liveness envelope.
func NewPing() Envelope {
	return Envelope{Version: CurrentVersion, Kind: KindPing, Timestamp: time.Now(), Ping: &struct{}{}}
}
