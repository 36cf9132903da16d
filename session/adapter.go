// Package session implements C12: per-peer orchestration composing one
// Noise session, one fragmenter/reassembler, and one protocol codec over
// a transport.Link, dispatching decoded envelopes to the relay engine,
// queue sync manager, or local delivery — mirroring the way the teacher's
// device.Peer composes a Handshake, Keypairs, and queues around one
// conn.Endpoint.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftmesh/core/fragment"
	"github.com/driftmesh/core/metrics"
	"github.com/driftmesh/core/noise"
	"github.com/driftmesh/core/protocol"
	"github.com/driftmesh/core/queuesync"
	"github.com/driftmesh/core/relay"
	"github.com/driftmesh/core/transport"
)

// ErrMalformedFrame is returned when a reassembled payload's leading
// frame byte is missing or unrecognized.
var ErrMalformedFrame = errors.New("session: malformed frame")

const (
	frameKindPlain  byte = 0
	frameKindSealed byte = 1
)

// Dispatch holds the callbacks an Adapter invokes for decoded envelopes.
// All fields are optional; a nil callback means that envelope kind is
// accepted but silently dropped (spec.md §9's "Unknown variants decode
// safely and are dropped at the dispatcher, not panicked on" applies
// equally to kinds this particular adapter wasn't configured to handle).
type Dispatch struct {
	OnIdentity       func(fromPeer string, id protocol.Identity)
	OnContactRequest func(fromPeer string)
	OnText           func(fromPeer string, msg protocol.TextMessage)
	OnRelayDelivered func(originalSender string, content []byte)

	Relay             *relay.Engine
	AvailableNextHops func() []string

	QueueSync *queuesync.Manager
}

// KeepaliveInterval is how long an adapter waits without sending anything
// before emitting an idle Ping, the same idle-timer shape the teacher's
// Peer uses for persistentKeepaliveInterval (device/device.go).
const KeepaliveInterval = 25 * time.Second

// Adapter is the in-memory reference implementation of C12, scoped to a
// single peer.
type Adapter struct {
	link        transport.Link
	noiseSess   *noise.Session
	codec       *protocol.Codec
	reassembler *fragment.Reassembler
	dispatch    Dispatch
	log         *zap.SugaredLogger

	sendMu   sync.Mutex
	lastSend time.Time
}

// NewAdapter constructs an Adapter. A nil logger disables logging.
func NewAdapter(link transport.Link, noiseSess *noise.Session, codec *protocol.Codec, reassembler *fragment.Reassembler, dispatch Dispatch, log *zap.SugaredLogger) *Adapter {
	if codec == nil {
		codec = protocol.NewCodec(true, protocol.DefaultCompressThreshold)
	}
	if reassembler == nil {
		reassembler = fragment.NewReassembler(fragment.DefaultReassemblyTimeout, fragment.DefaultMaxPendingPerSender, log)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		link:        link,
		noiseSess:   noiseSess,
		codec:       codec,
		reassembler: reassembler,
		dispatch:    dispatch,
		log:         log,
	}
}

// Established reports whether the underlying Noise session has completed
// its handshake.
func (a *Adapter) Established() bool {
	return a.noiseSess.State() == noise.Established
}

// Run drives the handshake (speaking first if this side is the
// initiator), waits for the peer's static key once established, then
// blocks in the inbound receive loop until ctx is canceled or the link
// fails.
func (a *Adapter) Run(ctx context.Context) error {
	if a.noiseSess.Role() == noise.Initiator {
		res, err := a.noiseSess.ProcessHandshakeMessage(nil)
		if err != nil {
			return err
		}
		if err := a.transmitRaw(ctx, res.Output); err != nil {
			return err
		}
	}
	go a.keepaliveLoop(ctx)
	return a.receiveLoop(ctx)
}

// keepaliveLoop sends a Ping whenever this adapter has gone
// KeepaliveInterval without sending anything else, so an idle-but-live
// link still carries traffic. The receiving adapter drops the Ping
// without touching topology.
func (a *Adapter) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.Established() {
				continue
			}
			sent, age := a.noiseSess.SendCipherStats()
			metrics.CipherMessagesSent.WithLabelValues(a.noiseSess.PeerID()).Set(float64(sent))
			metrics.CipherAgeSeconds.WithLabelValues(a.noiseSess.PeerID()).Set(age.Seconds())

			a.sendMu.Lock()
			idle := time.Since(a.lastSend) >= KeepaliveInterval
			a.sendMu.Unlock()
			if idle {
				if err := a.SendPing(ctx); err != nil && ctx.Err() == nil {
					a.log.Warnw("keepalive ping failed", "peer", a.noiseSess.PeerID(), "err", err)
				}
			}
		}
	}
}

func (a *Adapter) receiveLoop(ctx context.Context) error {
	for {
		raw, err := a.link.Recv(ctx)
		if err != nil {
			return err
		}
		chunk, err := fragment.DecodeChunk(raw)
		if err != nil {
			a.log.Warnw("dropping undecodable chunk", "peer", a.noiseSess.PeerID(), "err", err)
			continue
		}
		payload, _, complete := a.reassembler.Accept(a.noiseSess.PeerID(), chunk)
		if !complete {
			continue
		}

		if a.noiseSess.State() == noise.HandshakeInProgress {
			if err := a.stepHandshake(ctx, payload); err != nil {
				return err
			}
			continue
		}

		env, err := a.unwrapInboundPayload(payload)
		if err != nil {
			a.log.Warnw("dropping undecodable envelope", "peer", a.noiseSess.PeerID(), "err", err)
			continue
		}
		a.dispatchEnvelope(ctx, env)
	}
}

func (a *Adapter) stepHandshake(ctx context.Context, buf []byte) error {
	res, err := a.noiseSess.ProcessHandshakeMessage(buf)
	if err != nil {
		return err
	}
	if res.Output != nil {
		if err := a.transmitRaw(ctx, res.Output); err != nil {
			return err
		}
	}
	if res.BecameEstablished {
		if _, err := WaitForRemoteStatic(ctx, a.noiseSess); err != nil {
			return err
		}
		metrics.HandshakesCompleted.WithLabelValues(roleLabel(a.noiseSess.Role())).Inc()
	}
	return nil
}

func roleLabel(r noise.Role) string {
	if r == noise.Initiator {
		return "initiator"
	}
	return "responder"
}

// sealRequired matches spec.md §4.12's outbound pipeline: only text and
// mesh-relay envelope bodies are sealed with the session's cipher state;
// ping/identity/contact_request/queue_sync travel as plain envelope
// bytes so relaying nodes that lack a session with the originator can
// still read routing-relevant fields.
func sealRequired(kind protocol.Kind) bool {
	return kind == protocol.KindTextMessage || kind == protocol.KindMeshRelay
}

func (a *Adapter) transmitEnvelope(ctx context.Context, env protocol.Envelope) error {
	body, err := a.codec.Encode(env)
	if err != nil {
		return err
	}

	var framed []byte
	if sealRequired(env.Kind) {
		counter, ciphertext, err := a.noiseSess.Encrypt(nil, body)
		if err != nil {
			return err
		}
		framed = make([]byte, 0, 1+8+len(ciphertext))
		framed = append(framed, frameKindSealed)
		var cb [8]byte
		binary.BigEndian.PutUint64(cb[:], counter)
		framed = append(framed, cb[:]...)
		framed = append(framed, ciphertext...)
	} else {
		framed = append([]byte{frameKindPlain}, body...)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.fragmentAndSendLocked(ctx, framed)
}

func (a *Adapter) unwrapInboundPayload(buf []byte) (protocol.Envelope, error) {
	if len(buf) < 1 {
		return protocol.Envelope{}, ErrMalformedFrame
	}
	switch buf[0] {
	case frameKindPlain:
		return a.codec.Decode(buf[1:])
	case frameKindSealed:
		if len(buf) < 9 {
			return protocol.Envelope{}, ErrMalformedFrame
		}
		counter := binary.BigEndian.Uint64(buf[1:9])
		plaintext, err := a.noiseSess.Decrypt(counter, nil, buf[9:])
		if err != nil {
			return protocol.Envelope{}, err
		}
		return a.codec.Decode(plaintext)
	default:
		return protocol.Envelope{}, ErrMalformedFrame
	}
}

func (a *Adapter) transmitRaw(ctx context.Context, buf []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.fragmentAndSendLocked(ctx, buf)
}

// fragmentAndSendLocked requires sendMu to already be held by the caller.
func (a *Adapter) fragmentAndSendLocked(ctx context.Context, buf []byte) error {
	chunks, err := fragment.Fragment(fragment.MessageID{}, false, buf, a.link.MTU())
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := a.link.Send(ctx, fragment.EncodeChunk(c)); err != nil {
			return err
		}
	}
	a.lastSend = time.Now()
	return nil
}

// SendPing emits a liveness envelope.
func (a *Adapter) SendPing(ctx context.Context) error {
	return a.transmitEnvelope(ctx, protocol.NewPing())
}

// SendIdentity emits this node's Identity envelope.
func (a *Adapter) SendIdentity(ctx context.Context, id protocol.Identity) error {
	return a.transmitEnvelope(ctx, protocol.Envelope{
		Version: protocol.CurrentVersion, Kind: protocol.KindIdentity, Timestamp: time.Now(), Identity: &id,
	})
}

// SendText seals and sends a TextMessage.
func (a *Adapter) SendText(ctx context.Context, msg protocol.TextMessage) error {
	return a.transmitEnvelope(ctx, protocol.Envelope{
		Version: protocol.CurrentVersion, Kind: protocol.KindTextMessage, Timestamp: time.Now(), TextMessage: &msg,
	})
}

// SendRelay seals and sends one hop of a MeshRelayMessage.
func (a *Adapter) SendRelay(ctx context.Context, msg relay.MeshRelayMessage) error {
	mdBytes, err := encodeRelayMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	return a.transmitEnvelope(ctx, protocol.Envelope{
		Version:   protocol.CurrentVersion,
		Kind:      protocol.KindMeshRelay,
		Timestamp: time.Now(),
		MeshRelay: &protocol.MeshRelay{
			OriginalID:   msg.OriginalMessageID,
			Sender:       msg.Metadata.OriginalSender,
			Recipient:    msg.Metadata.FinalRecipient,
			Metadata:     mdBytes,
			InnerPayload: msg.OriginalContent,
		},
	})
}

// SendQueueSyncRequest originates a reconciliation round with this
// adapter's peer (spec.md §4.11 step 1).
func (a *Adapter) SendQueueSyncRequest(ctx context.Context) error {
	if a.dispatch.QueueSync == nil {
		return nil
	}
	req, err := a.dispatch.QueueSync.BuildRequest(a.noiseSess.PeerID())
	if err != nil {
		return err
	}
	return a.sendQueueSync(ctx, req)
}

func (a *Adapter) sendQueueSync(ctx context.Context, qs protocol.QueueSync) error {
	return a.transmitEnvelope(ctx, protocol.Envelope{
		Version: protocol.CurrentVersion, Kind: protocol.KindQueueSync, Timestamp: time.Now(), QueueSync: &qs,
	})
}

func (a *Adapter) dispatchEnvelope(ctx context.Context, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindPing:
		// liveness only; no payload to dispatch.
	case protocol.KindIdentity:
		if a.dispatch.OnIdentity != nil && env.Identity != nil {
			a.dispatch.OnIdentity(a.noiseSess.PeerID(), *env.Identity)
		}
	case protocol.KindContactRequest:
		if a.dispatch.OnContactRequest != nil {
			a.dispatch.OnContactRequest(a.noiseSess.PeerID())
		}
	case protocol.KindTextMessage:
		if a.dispatch.OnText != nil && env.TextMessage != nil {
			a.dispatch.OnText(a.noiseSess.PeerID(), *env.TextMessage)
		}
	case protocol.KindMeshRelay:
		a.dispatchRelay(ctx, env)
	case protocol.KindQueueSync:
		a.dispatchQueueSync(ctx, env)
	default:
		a.log.Debugw("dropping unknown envelope kind", "peer", a.noiseSess.PeerID(), "kind", env.Kind)
	}
}

func (a *Adapter) dispatchRelay(ctx context.Context, env protocol.Envelope) {
	if a.dispatch.Relay == nil || env.MeshRelay == nil {
		return
	}
	md, err := decodeRelayMetadata(env.MeshRelay.Metadata)
	if err != nil {
		a.log.Warnw("dropping mesh relay with undecodable metadata", "peer", a.noiseSess.PeerID(), "err", err)
		return
	}
	msg := relay.MeshRelayMessage{
		OriginalMessageID: env.MeshRelay.OriginalID,
		OriginalContent:   env.MeshRelay.InnerPayload,
		Metadata:          md,
		RelayNodeID:       a.noiseSess.PeerID(),
		RelayedAt:         time.Now(),
	}
	var hops []string
	if a.dispatch.AvailableNextHops != nil {
		hops = a.dispatch.AvailableNextHops()
	}
	res := a.dispatch.Relay.ProcessIncomingRelay(msg, a.noiseSess.PeerID(), hops)
	metrics.RelayHops.WithLabelValues(relayOutcomeLabel(res.Outcome)).Inc()
	if res.Outcome == relay.OutcomeDelivered && a.dispatch.OnRelayDelivered != nil {
		a.dispatch.OnRelayDelivered(md.OriginalSender, res.Content)
	}
	_ = ctx
}

func relayOutcomeLabel(o relay.Outcome) string {
	switch o {
	case relay.OutcomeRelayed:
		return "relayed"
	case relay.OutcomeDelivered:
		return "delivered"
	case relay.OutcomeBlocked:
		return "blocked"
	default:
		return "dropped"
	}
}

func (a *Adapter) dispatchQueueSync(ctx context.Context, env protocol.Envelope) {
	if a.dispatch.QueueSync == nil || env.QueueSync == nil {
		return
	}
	qs := *env.QueueSync
	switch qs.Kind {
	case protocol.QueueSyncRequest:
		res := a.dispatch.QueueSync.HandleRequest(qs)
		_ = a.sendQueueSync(ctx, res.Response)
	case protocol.QueueSyncResponse:
		a.dispatch.QueueSync.HandleResponse(a.noiseSess.PeerID(), qs)
	}
}

func encodeRelayMetadata(md relay.Metadata) ([]byte, error) {
	return json.Marshal(md)
}

func decodeRelayMetadata(b []byte) (relay.Metadata, error) {
	var md relay.Metadata
	err := json.Unmarshal(b, &md)
	return md, err
}
