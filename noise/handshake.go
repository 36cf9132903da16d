// Package noise implements C3: the Noise_XX and Noise_KK handshake
// patterns over X25519/ChaChaPoly/BLAKE2s, producing a pair of transport
// CipherStates and (for XX) the learned peer static key. The state machine
// and locking discipline follow the teacher's device/noise-protocol.go
// (Handshake struct, mixHash/mixKey helpers, explicit per-message
// functions) generalized from the teacher's single Noise_IKpsk2 pattern to
// the two patterns this spec requires.
package noise

import (
	"sync"
	"time"

	"github.com/driftmesh/core/aeadcipher"
)

// Pattern selects which Noise handshake this session speaks.
type Pattern int

const (
	// PatternXX is used on first contact: neither side knows the other's
	// static key in advance: both are exchanged (encrypted) during the
	// handshake.
	PatternXX Pattern = iota
	// PatternKK is used once two devices have already exchanged static
	// keys out of band (e.g. via a prior ContactRequest) — it shortcuts
	// the handshake to two messages.
	PatternKK
)

func (p Pattern) String() string {
	switch p {
	case PatternXX:
		return "XX"
	case PatternKK:
		return "KK"
	default:
		return "unknown"
	}
}

// Role is the handshake initiator or responder.
type Role int

const (
	Initiator Role = iota
	Responder
)

// State is the session lifecycle per spec.md §4.3.
type State int

const (
	HandshakeInProgress State = iota
	Established
	Failed
	Destroyed
)

func (s State) String() string {
	switch s {
	case HandshakeInProgress:
		return "handshake_in_progress"
	case Established:
		return "established"
	case Failed:
		return "failed"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// HandshakeResult is returned by ProcessHandshakeMessage.
type HandshakeResult struct {
	Output            []byte
	BecameEstablished bool
	RemoteStatic      *PublicKey
}

// Session is a NoiseSession (C3): one handshake, then a pair of transport
// cipher states, scoped to a single peer.
type Session struct {
	mu sync.Mutex // guards state/step/ss; handshake progression only

	pattern Pattern
	role    Role
	state   State
	peerID  string

	localStatic  *PrivateKey
	remoteStatic *PublicKey

	localEphemeral              *PrivateKey
	remoteEphemeralForHandshake *PublicKey
	pendingKey                  [32]byte
	ss                          *symmetricState
	step                        int

	sendMu  sync.Mutex
	recvMu  sync.Mutex
	send    *aeadcipher.CipherState
	receive *aeadcipher.CipherState

	rekeyPolicy aeadcipher.Policy
}

// NewXXSession creates a session that will run the Noise_XX pattern; the
// remote static key is unknown until the handshake completes.
func NewXXSession(role Role, localStatic *PrivateKey, peerID string, policy aeadcipher.Policy) *Session {
	return &Session{
		pattern:     PatternXX,
		role:        role,
		state:       HandshakeInProgress,
		peerID:      peerID,
		localStatic: localStatic,
		ss:          newSymmetricState(protocolNameXX),
		rekeyPolicy: policy,
	}
}

// NewKKSession creates a session that will run the Noise_KK pattern; the
// remote static key must already be known (e.g. from a prior contact
// exchange).
func NewKKSession(role Role, localStatic *PrivateKey, remoteStatic PublicKey, peerID string, policy aeadcipher.Policy) *Session {
	rs := remoteStatic
	return &Session{
		pattern:      PatternKK,
		role:         role,
		state:        HandshakeInProgress,
		peerID:       peerID,
		localStatic:  localStatic,
		remoteStatic: &rs,
		ss:           newSymmetricState(protocolNameKK),
		rekeyPolicy:  policy,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the peer identifier this session was constructed for.
func (s *Session) PeerID() string { return s.peerID }

// Role reports whether this session is the handshake initiator or
// responder, so an adapter can decide who speaks first.
func (s *Session) Role() Role { return s.role }

// SendCipherStats reports the outbound CipherState's message count and age,
// for adapter-level telemetry. Both are zero before the handshake
// completes.
func (s *Session) SendCipherStats() (messagesSent uint64, age time.Duration) {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return 0, 0
	}
	return send.MessagesSent(), send.Age()
}

// RemoteStatic returns the peer's static public key, available once known
// (immediately for KK, after the handshake for XX).
func (s *Session) RemoteStatic() (PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStatic == nil {
		return PublicKey{}, false
	}
	return *s.remoteStatic, true
}

func stepCount(p Pattern) int {
	if p == PatternKK {
		return 2
	}
	return 3
}

// writerIsInitiator reports, for the given pattern and zero-based step
// index, whether the initiator is the one producing that message.
func writerIsInitiator(p Pattern, step int) bool {
	if p == PatternKK {
		return step == 0 // msg1 initiator, msg2 responder
	}
	// XX: msg1 initiator, msg2 responder, msg3 initiator
	return step == 0 || step == 2
}

// ProcessHandshakeMessage drives the handshake one step. Call with a nil
// buffer when it is this session's turn to produce the next message (the
// very first call for whichever role writes message 1); call with the
// peer's bytes otherwise. See spec.md §4.3.
func (s *Session) ProcessHandshakeMessage(buf []byte) (HandshakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Destroyed {
		return HandshakeResult{}, ErrDestroyed
	}
	if s.state != HandshakeInProgress {
		return HandshakeResult{}, ErrWrongPattern
	}
	if s.step >= stepCount(s.pattern) {
		return HandshakeResult{}, ErrWrongPattern
	}

	total := stepCount(s.pattern)
	isWrite := writerIsInitiator(s.pattern, s.step) == (s.role == Initiator)

	var out []byte
	if isWrite {
		if buf != nil {
			return HandshakeResult{}, ErrWrongPattern
		}
		produced, err := s.produce()
		if err != nil {
			s.state = Failed
			return HandshakeResult{}, err
		}
		out = produced
		s.step++
	} else {
		if buf == nil {
			return HandshakeResult{}, ErrWrongPattern
		}
		if err := s.consume(buf); err != nil {
			s.state = Failed
			return HandshakeResult{}, err
		}
		s.step++

		// If it is immediately our turn to reply (the common case: we
		// just read message N and message N+1 is ours to write), chain
		// the write into this same call so the caller gets a single
		// "process and maybe reply" round trip.
		if s.step < total && writerIsInitiator(s.pattern, s.step) == (s.role == Initiator) {
			produced, err := s.produce()
			if err != nil {
				s.state = Failed
				return HandshakeResult{}, err
			}
			out = produced
			s.step++
		}
	}

	result := HandshakeResult{Output: out}
	if s.step == total {
		if err := s.completeLocked(); err != nil {
			s.state = Failed
			return HandshakeResult{}, err
		}
		s.state = Established
		result.BecameEstablished = true
	}
	if s.remoteStatic != nil {
		rs := *s.remoteStatic
		result.RemoteStatic = &rs
	}
	return result, nil
}

func (s *Session) completeLocked() error {
	c1, c2 := s.ss.split()
	var sendKey, recvKey [32]byte
	if s.role == Initiator {
		sendKey, recvKey = c1, c2
	} else {
		sendKey, recvKey = c2, c1
	}
	sendCS, err := aeadcipher.New(keyFromBytes(sendKey), s.rekeyPolicy)
	if err != nil {
		return err
	}
	recvCS, err := aeadcipher.New(keyFromBytes(recvKey), s.rekeyPolicy)
	if err != nil {
		return err
	}
	s.send = sendCS
	s.receive = recvCS
	s.localEphemeral = nil
	return nil
}

// produce dispatches to the pattern/step-specific message writer.
func (s *Session) produce() ([]byte, error) {
	switch s.pattern {
	case PatternXX:
		switch s.step {
		case 0:
			return s.xxWriteMsg1()
		case 1:
			return s.xxWriteMsg2()
		case 2:
			return s.xxWriteMsg3()
		}
	case PatternKK:
		switch s.step {
		case 0:
			return s.kkWriteMsg1()
		case 1:
			return s.kkWriteMsg2()
		}
	}
	return nil, ErrWrongPattern
}

// consume dispatches to the pattern/step-specific message reader.
func (s *Session) consume(buf []byte) error {
	switch s.pattern {
	case PatternXX:
		switch s.step {
		case 0:
			return s.xxReadMsg1(buf)
		case 1:
			return s.xxReadMsg2(buf)
		case 2:
			return s.xxReadMsg3(buf)
		}
	case PatternKK:
		switch s.step {
		case 0:
			return s.kkReadMsg1(buf)
		case 1:
			return s.kkReadMsg2(buf)
		}
	}
	return ErrWrongPattern
}

// Encrypt seals a transport message once the session is established. The
// returned counter must travel with the ciphertext (e.g. in the fragment
// header) so the peer's Decrypt can locate it in its replay window.
func (s *Session) Encrypt(associatedData, plaintext []byte) (counter uint64, ciphertext []byte, err error) {
	s.mu.Lock()
	send := s.send
	state := s.state
	s.mu.Unlock()
	if state == Destroyed {
		return 0, nil, ErrDestroyed
	}
	if state != Established {
		return 0, nil, ErrNotEstablished
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	counter = send.NextCounter()
	ciphertext, err = send.Seal(associatedData, plaintext)
	if err != nil {
		return 0, nil, err
	}
	return counter, ciphertext, nil
}

// Decrypt opens a transport message sealed under the given counter. Safe to
// call with counters arriving out of order, within the cipher state's
// replay window.
func (s *Session) Decrypt(counter uint64, associatedData, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	receive := s.receive
	state := s.state
	s.mu.Unlock()
	if state == Destroyed {
		return nil, ErrDestroyed
	}
	if state != Established {
		return nil, ErrNotEstablished
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return receive.Open(counter, associatedData, ciphertext)
}

// NeedsRekey reports whether either direction's cipher state has crossed
// its rekey threshold.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	send, recv := s.send, s.receive
	s.mu.Unlock()
	if send == nil || recv == nil {
		return false
	}
	return send.NeedsRekey() || recv.NeedsRekey()
}

// Destroy tears down cipher state and key material. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return
	}
	if s.send != nil {
		s.send.Destroy()
	}
	if s.receive != nil {
		s.receive.Destroy()
	}
	if s.localEphemeral != nil {
		s.localEphemeral.Destroy()
	}
	s.state = Destroyed
}

// handshakeAge returns the time elapsed since since. It is unexported and
// nothing in this package calls it.
func (s *Session) handshakeAge(since time.Time) time.Duration {
	return time.Since(since)
}
