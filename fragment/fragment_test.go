package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFragmentSinglePayloadFitsOneChunk(t *testing.T) {
	chunks, err := Fragment(MessageID{}, false, []byte("short"), 200)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, uint16(1), chunks[0].Total)
	require.Equal(t, uint16(0), chunks[0].Index)
}

func TestFragmentSplitsAcrossChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 500)
	chunks, err := Fragment(MessageID{}, true, payload, 100)
	require.NoError(t, err)
	capacity, err := ChunkCapacity(100)
	require.NoError(t, err)
	wantTotal := (len(payload) + capacity - 1) / capacity
	require.Len(t, chunks, wantTotal)

	for i, c := range chunks {
		require.Equal(t, uint16(i), c.Index)
		require.Equal(t, uint16(wantTotal), c.Total)
		require.True(t, c.IsBinary)
	}

	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, c.Payload...)
	}
	require.Equal(t, payload, rebuilt)
}

func TestFragmentRejectsUndersizedMtu(t *testing.T) {
	_, err := Fragment(MessageID{}, false, []byte("x"), 5)
	require.ErrorIs(t, err, ErrMtuTooSmall)
}

func TestEncodeDecodeChunkRoundTrip(t *testing.T) {
	chunks, err := Fragment(MessageID{}, true, []byte("payload data"), 100)
	require.NoError(t, err)

	wire := EncodeChunk(chunks[0])
	decoded, err := DecodeChunk(wire)
	require.NoError(t, err)
	require.Equal(t, chunks[0].MessageID, decoded.MessageID)
	require.Equal(t, chunks[0].Index, decoded.Index)
	require.Equal(t, chunks[0].Total, decoded.Total)
	require.Equal(t, chunks[0].IsBinary, decoded.IsBinary)
	require.Equal(t, chunks[0].Payload, decoded.Payload)
}

func TestDecodeChunkRejectsTruncated(t *testing.T) {
	_, err := DecodeChunk([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeChunkRejectsInvalidIndex(t *testing.T) {
	chunks, err := Fragment(MessageID{}, false, []byte("short"), 200)
	require.NoError(t, err)
	wire := EncodeChunk(chunks[0])
	// total=1 at offset 18:20; set index (16:18) to 1, which is >= total.
	wire[17] = 1
	_, err = DecodeChunk(wire)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestReassemblerOutOfOrderAndDuplicates(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 100)
	chunks, err := Fragment(MessageID{}, false, payload, 64)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	r := NewReassembler(0, 0, nil)

	// Feed a duplicate of the first chunk before anything else.
	_, _, done := r.Accept("alice", chunks[0])
	require.False(t, done)
	_, _, done = r.Accept("alice", chunks[0])
	require.False(t, done)

	// Feed the rest in reverse order.
	var result []byte
	var gotDone bool
	for i := len(chunks) - 1; i >= 1; i-- {
		out, _, d := r.Accept("alice", chunks[i])
		if d {
			result = out
			gotDone = true
		}
	}
	require.True(t, gotDone)
	require.Equal(t, payload, result)
	require.Equal(t, 0, r.Pending("alice"))
}

func TestReassemblerInterleavedMessagesFromDifferentSenders(t *testing.T) {
	payloadA := bytes.Repeat([]byte("A"), 300)
	payloadB := bytes.Repeat([]byte("B"), 300)
	chunksA, err := Fragment(MessageID{}, false, payloadA, 64)
	require.NoError(t, err)
	chunksB, err := Fragment(MessageID{}, false, payloadB, 64)
	require.NoError(t, err)

	r := NewReassembler(0, 0, nil)

	var resultA, resultB []byte
	maxLen := len(chunksA)
	if len(chunksB) > maxLen {
		maxLen = len(chunksB)
	}
	for i := 0; i < maxLen; i++ {
		if i < len(chunksB) {
			if out, _, done := r.Accept("bob", chunksB[i]); done {
				resultB = out
			}
		}
		if i < len(chunksA) {
			if out, _, done := r.Accept("alice", chunksA[i]); done {
				resultA = out
			}
		}
	}
	require.Equal(t, payloadA, resultA)
	require.Equal(t, payloadB, resultB)
}

func TestReassemblerEvictsUnderPerSenderPressure(t *testing.T) {
	r := NewReassembler(0, 2, nil)

	payload := bytes.Repeat([]byte("z"), 300)
	for i := 0; i < 3; i++ {
		id, err := NewMessageID()
		require.NoError(t, err)
		chunks, err := Fragment(id, false, payload, 64)
		require.NoError(t, err)
		require.Greater(t, len(chunks), 1)
		// Feed only the first chunk so each message stays pending
		// (incomplete), exercising the per-sender LRU cap.
		_, _, done := r.Accept("carol", chunks[0])
		require.False(t, done)
	}
	require.LessOrEqual(t, r.Pending("carol"), 2)
}
