package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
)

// DefaultCompressThreshold matches spec.md §6 "(≈ 100 bytes)".
const DefaultCompressThreshold = 100

const (
	flagCompressed byte = 0x01
)

// ErrDecode covers any failure to decode an envelope, including legacy
// fallback exhaustion.
var ErrDecode = errors.New("protocol: unable to decode envelope")

// Codec encodes/decodes Envelopes to/from the wire form described in
// spec.md §4.5: a 1-byte flags prefix, optional deflate compression, and a
// JSON fallback for messages predating this flags prefix.
type Codec struct {
	EnableCompression bool
	CompressThreshold int
}

// NewCodec constructs a Codec with the given compression policy.
func NewCodec(enableCompression bool, compressThreshold int) *Codec {
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return &Codec{EnableCompression: enableCompression, CompressThreshold: compressThreshold}
}

// Encode renders env to its wire form, compressing the body when the
// codec's policy allows it and doing so actually shrinks the message.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	body, err := encodeBody(env)
	if err != nil {
		return nil, err
	}

	if c.EnableCompression && len(body) >= c.CompressThreshold {
		compressed, ok := deflate(body)
		if ok && len(compressed) < len(body) {
			out := make([]byte, 0, 1+2+len(compressed))
			out = append(out, flagCompressed)
			var sz [2]byte
			binary.BigEndian.PutUint16(sz[:], uint16(len(body)))
			out = append(out, sz[:]...)
			out = append(out, compressed...)
			return out, nil
		}
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, 0x00)
	out = append(out, body...)
	return out, nil
}

// Decode parses the wire form produced by Encode. On any failure to parse
// the flagged form it falls back to a legacy, flags-free JSON decode of
// the entire input, per spec.md's backward-compatibility requirement.
func (c *Codec) Decode(buf []byte) (Envelope, error) {
	if env, err := decodeFlagged(buf); err == nil {
		return env, nil
	}
	return decodeLegacyJSON(buf)
}

func decodeFlagged(buf []byte) (Envelope, error) {
	if len(buf) < 1 {
		return Envelope{}, ErrMalformedBody
	}
	flags := buf[0]
	rest := buf[1:]

	if flags&flagCompressed == 0 {
		return decodeBody(rest)
	}

	if len(rest) < 2 {
		return Envelope{}, ErrMalformedBody
	}
	originalSize := int(binary.BigEndian.Uint16(rest[:2]))
	compressed := rest[2:]

	body, err := inflate(compressed, originalSize)
	if err != nil {
		return Envelope{}, err
	}
	return decodeBody(body)
}

func deflate(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflate(compressed []byte, expectedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(expectedSize)+1))
	if err != nil {
		return nil, ErrMalformedBody
	}
	if len(out) != expectedSize {
		return nil, ErrMalformedBody
	}
	return out, nil
}

// legacyEnvelope is the pre-flags-prefix JSON shape this decoder still
// accepts. Field names mirror the variant structs; only one payload field
// is populated, selected by Kind.
type legacyEnvelope struct {
	Version             uint8        `json:"version"`
	Kind                string       `json:"kind"`
	Timestamp           int64        `json:"timestamp_ms"`
	Signature           []byte       `json:"signature,omitempty"`
	EphemeralSigningKey []byte       `json:"ephemeral_signing_key,omitempty"`
	Identity            *Identity    `json:"identity,omitempty"`
	TextMessage         *legacyText  `json:"text_message,omitempty"`
	MeshRelay           *legacyRelay `json:"mesh_relay,omitempty"`
	QueueSync           *legacySync  `json:"queue_sync,omitempty"`
}

type legacyText struct {
	ID            string `json:"id"`
	Content       []byte `json:"content"`
	Recipient     string `json:"recipient"`
	EncryptedFlag bool   `json:"encrypted_flag"`
}

type legacyRelay struct {
	OriginalID             string `json:"original_id"`
	Sender                 string `json:"sender"`
	Recipient              string `json:"recipient"`
	Metadata               []byte `json:"metadata"`
	InnerPayload           []byte `json:"inner_payload"`
	UseEphemeralAddressing bool   `json:"use_ephemeral_addressing"`
}

type legacySync struct {
	Hash       []byte   `json:"hash"`
	MessageIDs []string `json:"message_ids"`
	Timestamp  int64    `json:"timestamp_ms"`
	NodeID     string   `json:"node_id"`
	Kind       uint8    `json:"kind"`
}

func decodeLegacyJSON(buf []byte) (Envelope, error) {
	var legacy legacyEnvelope
	if err := json.Unmarshal(buf, &legacy); err != nil {
		return Envelope{}, ErrDecode
	}

	env := Envelope{
		Version:             legacy.Version,
		Timestamp:           time.UnixMilli(legacy.Timestamp).UTC(),
		Signature:           legacy.Signature,
		EphemeralSigningKey: legacy.EphemeralSigningKey,
	}

	switch legacy.Kind {
	case KindPing.String():
		env.Kind = KindPing
		env.Ping = &struct{}{}
	case KindIdentity.String():
		env.Kind = KindIdentity
		env.Identity = legacy.Identity
	case KindContactRequest.String():
		env.Kind = KindContactRequest
		env.ContactRequest = &ContactRequest{}
	case KindTextMessage.String():
		if legacy.TextMessage == nil {
			return Envelope{}, ErrDecode
		}
		env.Kind = KindTextMessage
		env.TextMessage = &TextMessage{
			ID:            legacy.TextMessage.ID,
			Content:       legacy.TextMessage.Content,
			Recipient:     legacy.TextMessage.Recipient,
			EncryptedFlag: legacy.TextMessage.EncryptedFlag,
		}
	case KindMeshRelay.String():
		if legacy.MeshRelay == nil {
			return Envelope{}, ErrDecode
		}
		env.Kind = KindMeshRelay
		env.MeshRelay = &MeshRelay{
			OriginalID:             legacy.MeshRelay.OriginalID,
			Sender:                 legacy.MeshRelay.Sender,
			Recipient:              legacy.MeshRelay.Recipient,
			Metadata:               legacy.MeshRelay.Metadata,
			InnerPayload:           legacy.MeshRelay.InnerPayload,
			UseEphemeralAddressing: legacy.MeshRelay.UseEphemeralAddressing,
		}
	case KindQueueSync.String():
		if legacy.QueueSync == nil {
			return Envelope{}, ErrDecode
		}
		env.Kind = KindQueueSync
		env.QueueSync = &QueueSync{
			Hash:       legacy.QueueSync.Hash,
			MessageIDs: legacy.QueueSync.MessageIDs,
			Timestamp:  time.UnixMilli(legacy.QueueSync.Timestamp).UTC(),
			NodeID:     legacy.QueueSync.NodeID,
			Kind:       QueueSyncKind(legacy.QueueSync.Kind),
		}
	default:
		return Envelope{}, ErrDecode
	}
	return env, nil
}
