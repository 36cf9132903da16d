// Package fragment implements C4: splitting an outbound payload into
// link-MTU-sized chunks and reassembling inbound chunks back into the
// original payload, tolerant of out-of-order and duplicate delivery.
package fragment

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// headerOverhead is the fixed wire cost of a chunk header: 16-byte
// message_id, 2-byte index, 2-byte total, 1-byte is_binary flag.
const headerOverhead = 16 + 2 + 2 + 1

// ErrMtuTooSmall is returned by Fragment when the link MTU cannot even hold
// one chunk's header.
var ErrMtuTooSmall = errors.New("fragment: mtu too small for chunk header")

// MessageID identifies one fragmented message from one sender. Opaque to
// callers; always 16 bytes on the wire.
type MessageID [16]byte

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// Chunk is one piece of a fragmented message (MessageChunk in spec.md §3).
type Chunk struct {
	MessageID MessageID
	Index     uint16
	Total     uint16
	IsBinary  bool
	Payload   []byte
	CreatedAt time.Time
}

// ChunkCapacity returns the usable payload size per chunk for a given MTU.
func ChunkCapacity(mtu int) (int, error) {
	c := mtu - headerOverhead
	if c <= 0 {
		return 0, ErrMtuTooSmall
	}
	return c, nil
}

// NewMessageID generates a fresh message id: a random UUIDv4. The spec's
// "source-tagged timestamp" component is deliberately not wall-clock time
// (see DESIGN.md §C4 — randomness must not be seeded from wall time); a
// pure random 128-bit id already exceeds the required 64 bits of entropy.
func NewMessageID() (MessageID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return MessageID{}, err
	}
	return MessageID(u), nil
}

// Fragment splits payload into ordered chunks of at most chunk_capacity(mtu)
// bytes each. If id is the zero value, a fresh random id is generated.
func Fragment(id MessageID, isBinary bool, payload []byte, mtu int) ([]Chunk, error) {
	capacity, err := ChunkCapacity(mtu)
	if err != nil {
		return nil, err
	}
	if id == (MessageID{}) {
		id, err = NewMessageID()
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if len(payload) <= capacity {
		return []Chunk{{
			MessageID: id,
			Index:     0,
			Total:     1,
			IsBinary:  isBinary,
			Payload:   append([]byte(nil), payload...),
			CreatedAt: now,
		}}, nil
	}

	total := (len(payload) + capacity - 1) / capacity
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			MessageID: id,
			Index:     uint16(i),
			Total:     uint16(total),
			IsBinary:  isBinary,
			Payload:   append([]byte(nil), payload[start:end]...),
			CreatedAt: now,
		})
	}
	return chunks, nil
}

// EncodeChunk renders a Chunk to its wire form: message_id (16) || index_be
// (2) || total_be (2) || is_binary (1) || payload.
func EncodeChunk(c Chunk) []byte {
	out := make([]byte, headerOverhead+len(c.Payload))
	copy(out[:16], c.MessageID[:])
	binary.BigEndian.PutUint16(out[16:18], c.Index)
	binary.BigEndian.PutUint16(out[18:20], c.Total)
	if c.IsBinary {
		out[20] = 1
	}
	copy(out[headerOverhead:], c.Payload)
	return out
}

// ErrTruncated is returned by DecodeChunk when buf is shorter than the
// fixed header.
var ErrTruncated = errors.New("fragment: truncated chunk header")

// ErrInvalidIndex is returned when index >= total, violating the
// MessageChunk invariant.
var ErrInvalidIndex = errors.New("fragment: chunk index out of range")

// DecodeChunk parses the wire form produced by EncodeChunk.
func DecodeChunk(buf []byte) (Chunk, error) {
	if len(buf) < headerOverhead {
		return Chunk{}, ErrTruncated
	}
	var c Chunk
	copy(c.MessageID[:], buf[:16])
	c.Index = binary.BigEndian.Uint16(buf[16:18])
	c.Total = binary.BigEndian.Uint16(buf[18:20])
	c.IsBinary = buf[20] != 0
	c.Payload = append([]byte(nil), buf[headerOverhead:]...)
	c.CreatedAt = time.Now()
	if c.Total == 0 || c.Index >= c.Total {
		return Chunk{}, ErrInvalidIndex
	}
	return c, nil
}
