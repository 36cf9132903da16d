package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePingRoundTrip(t *testing.T) {
	c := NewCodec(false, 0)
	env := NewPing()

	wire, err := c.Encode(env)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), wire[0])

	got, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, KindPing, got.Kind)
}

func TestEncodeDecodeTextMessageRoundTrip(t *testing.T) {
	c := NewCodec(false, 0)
	env := Envelope{
		Version:   CurrentVersion,
		Kind:      KindTextMessage,
		Timestamp: time.Now().Truncate(time.Millisecond).UTC(),
		TextMessage: &TextMessage{
			ID:            "msg-1",
			Content:       []byte("hello"),
			Recipient:     "bob",
			EncryptedFlag: true,
		},
	}

	wire, err := c.Encode(env)
	require.NoError(t, err)

	got, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, KindTextMessage, got.Kind)
	require.Equal(t, env.Timestamp, got.Timestamp)
	require.Equal(t, *env.TextMessage, *got.TextMessage)
}

func TestEncodeCompressesLargeCompressiblePayload(t *testing.T) {
	c := NewCodec(true, DefaultCompressThreshold)
	env := Envelope{
		Version:   CurrentVersion,
		Kind:      KindTextMessage,
		Timestamp: time.Now().Truncate(time.Millisecond).UTC(),
		TextMessage: &TextMessage{
			ID:        "msg-2",
			Content:   bytes.Repeat([]byte("a"), 500),
			Recipient: "bob",
		},
	}

	wire, err := c.Encode(env)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), wire[0])

	got, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, *env.TextMessage, *got.TextMessage)
}

func TestEncodeSkipsCompressionBelowThreshold(t *testing.T) {
	c := NewCodec(true, DefaultCompressThreshold)
	env := NewPing()

	wire, err := c.Encode(env)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), wire[0])
}

func TestDecodeFallsBackToLegacyJSON(t *testing.T) {
	c := NewCodec(false, 0)
	legacy := map[string]any{
		"version":      1,
		"kind":         "text_message",
		"timestamp_ms": time.Now().UnixMilli(),
		"text_message": map[string]any{
			"id":             "legacy-1",
			"content":        []byte("legacy body"),
			"recipient":      "carol",
			"encrypted_flag": false,
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)

	got, err := c.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindTextMessage, got.Kind)
	require.Equal(t, "legacy-1", got.TextMessage.ID)
	require.Equal(t, "carol", got.TextMessage.Recipient)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := NewCodec(false, 0)
	_, err := c.Decode([]byte("not an envelope at all, neither binary nor json"))
	require.ErrorIs(t, err, ErrDecode)
}

func TestMeshRelayAndQueueSyncRoundTrip(t *testing.T) {
	c := NewCodec(false, 0)

	relayEnv := Envelope{
		Version:   CurrentVersion,
		Kind:      KindMeshRelay,
		Timestamp: time.Now().Truncate(time.Millisecond).UTC(),
		MeshRelay: &MeshRelay{
			OriginalID:             "orig-1",
			Sender:                 "alice",
			Recipient:              "dave",
			Metadata:               []byte{1, 2, 3},
			InnerPayload:           []byte("encrypted-opaque-bytes"),
			UseEphemeralAddressing: true,
		},
	}
	wire, err := c.Encode(relayEnv)
	require.NoError(t, err)
	got, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, *relayEnv.MeshRelay, *got.MeshRelay)

	syncEnv := Envelope{
		Version:   CurrentVersion,
		Kind:      KindQueueSync,
		Timestamp: time.Now().Truncate(time.Millisecond).UTC(),
		QueueSync: &QueueSync{
			Hash:       []byte{9, 9, 9},
			MessageIDs: []string{"m1", "m2", "m3"},
			Timestamp:  time.Now().Truncate(time.Millisecond).UTC(),
			NodeID:     "node-a",
			Kind:       QueueSyncRequest,
		},
	}
	wire2, err := c.Encode(syncEnv)
	require.NoError(t, err)
	got2, err := c.Decode(wire2)
	require.NoError(t, err)
	require.Equal(t, *syncEnv.QueueSync, *got2.QueueSync)
}
