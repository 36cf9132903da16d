package protocol

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrMalformedBody is returned by decodeBody on any structural error
// (truncated field, unknown kind, bad length prefix).
var ErrMalformedBody = errors.New("protocol: malformed envelope body")

// bodyWriter accumulates length-prefixed fields in the declarative style
// SPEC_FULL.md calls for in place of reflection-driven serialization.
type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *bodyWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *bodyWriter) bytesField(b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, b...)
}

func (w *bodyWriter) stringField(s string) { w.bytesField([]byte(s)) }

func (w *bodyWriter) boolField(v bool) {
	if v {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *bodyWriter) stringSlice(ss []string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(ss)))
	w.buf = append(w.buf, n[:]...)
	for _, s := range ss {
		w.stringField(s)
	}
}

type bodyReader struct {
	buf []byte
	pos int
}

func (r *bodyReader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrMalformedBody
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *bodyReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrMalformedBody
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *bodyReader) bytesField() ([]byte, error) {
	if r.pos+4 > len(r.buf) {
		return nil, ErrMalformedBody
	}
	l := int(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	if l < 0 || r.pos+l > len(r.buf) {
		return nil, ErrMalformedBody
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+l]...)
	r.pos += l
	return b, nil
}

func (r *bodyReader) stringField() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *bodyReader) boolField() (bool, error) {
	b, err := r.byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *bodyReader) stringSlice() ([]string, error) {
	if r.pos+4 > len(r.buf) {
		return nil, ErrMalformedBody
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	if n < 0 {
		return nil, ErrMalformedBody
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.stringField()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *bodyReader) done() bool { return r.pos >= len(r.buf) }

// encodeBody renders the common framing fields plus the one populated
// variant into the canonical deterministic binary form.
func encodeBody(env Envelope) ([]byte, error) {
	w := &bodyWriter{}
	w.byte(env.Version)
	w.byte(byte(env.Kind))
	w.u64(uint64(env.Timestamp.UnixMilli()))
	w.bytesField(env.Signature)
	w.bytesField(env.EphemeralSigningKey)

	switch env.Kind {
	case KindPing:
		// no payload
	case KindIdentity:
		if env.Identity == nil {
			return nil, ErrMalformedBody
		}
		w.bytesField(env.Identity.PublicKey)
		w.stringField(env.Identity.DisplayName)
	case KindContactRequest:
		// no payload
	case KindTextMessage:
		if env.TextMessage == nil {
			return nil, ErrMalformedBody
		}
		m := env.TextMessage
		w.stringField(m.ID)
		w.bytesField(m.Content)
		w.stringField(m.Recipient)
		w.boolField(m.EncryptedFlag)
	case KindMeshRelay:
		if env.MeshRelay == nil {
			return nil, ErrMalformedBody
		}
		m := env.MeshRelay
		w.stringField(m.OriginalID)
		w.stringField(m.Sender)
		w.stringField(m.Recipient)
		w.bytesField(m.Metadata)
		w.bytesField(m.InnerPayload)
		w.boolField(m.UseEphemeralAddressing)
	case KindQueueSync:
		if env.QueueSync == nil {
			return nil, ErrMalformedBody
		}
		q := env.QueueSync
		w.bytesField(q.Hash)
		w.stringSlice(q.MessageIDs)
		w.u64(uint64(q.Timestamp.UnixMilli()))
		w.stringField(q.NodeID)
		w.byte(byte(q.Kind))
	default:
		return nil, ErrMalformedBody
	}
	return w.buf, nil
}

// decodeBody is the inverse of encodeBody.
func decodeBody(buf []byte) (Envelope, error) {
	r := &bodyReader{buf: buf}

	version, err := r.byte()
	if err != nil {
		return Envelope{}, err
	}
	kindByte, err := r.byte()
	if err != nil {
		return Envelope{}, err
	}
	tsMillis, err := r.u64()
	if err != nil {
		return Envelope{}, err
	}
	sig, err := r.bytesField()
	if err != nil {
		return Envelope{}, err
	}
	ephKey, err := r.bytesField()
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Version:             version,
		Kind:                Kind(kindByte),
		Timestamp:           time.UnixMilli(int64(tsMillis)).UTC(),
		Signature:           sig,
		EphemeralSigningKey: ephKey,
	}

	switch env.Kind {
	case KindPing:
		env.Ping = &struct{}{}
	case KindIdentity:
		pub, err := r.bytesField()
		if err != nil {
			return Envelope{}, err
		}
		name, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		env.Identity = &Identity{PublicKey: pub, DisplayName: name}
	case KindContactRequest:
		env.ContactRequest = &ContactRequest{}
	case KindTextMessage:
		id, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		content, err := r.bytesField()
		if err != nil {
			return Envelope{}, err
		}
		recipient, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		encrypted, err := r.boolField()
		if err != nil {
			return Envelope{}, err
		}
		env.TextMessage = &TextMessage{ID: id, Content: content, Recipient: recipient, EncryptedFlag: encrypted}
	case KindMeshRelay:
		originalID, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		sender, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		recipient, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		metadata, err := r.bytesField()
		if err != nil {
			return Envelope{}, err
		}
		inner, err := r.bytesField()
		if err != nil {
			return Envelope{}, err
		}
		ephemeral, err := r.boolField()
		if err != nil {
			return Envelope{}, err
		}
		env.MeshRelay = &MeshRelay{
			OriginalID:             originalID,
			Sender:                 sender,
			Recipient:              recipient,
			Metadata:               metadata,
			InnerPayload:           inner,
			UseEphemeralAddressing: ephemeral,
		}
	case KindQueueSync:
		hash, err := r.bytesField()
		if err != nil {
			return Envelope{}, err
		}
		ids, err := r.stringSlice()
		if err != nil {
			return Envelope{}, err
		}
		ts, err := r.u64()
		if err != nil {
			return Envelope{}, err
		}
		nodeID, err := r.stringField()
		if err != nil {
			return Envelope{}, err
		}
		kindByte, err := r.byte()
		if err != nil {
			return Envelope{}, err
		}
		env.QueueSync = &QueueSync{
			Hash:       hash,
			MessageIDs: ids,
			Timestamp:  time.UnixMilli(int64(ts)).UTC(),
			NodeID:     nodeID,
			Kind:       QueueSyncKind(kindByte),
		}
	default:
		return Envelope{}, ErrMalformedBody
	}

	if !r.done() {
		return Envelope{}, ErrMalformedBody
	}
	return env, nil
}
