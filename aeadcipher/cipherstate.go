// Package aeadcipher implements C2: a stateful ChaCha20-Poly1305 AEAD with a
// monotonic 64-bit nonce counter and a hard rekey policy. The nonce layout
// follows spec.md §4.2: 32 zero bits, then the 64-bit counter big-endian
// within its own 8 bytes.
package aeadcipher

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/driftmesh/core/securekey"
)

// Default rekey thresholds, per spec.md §6.
const (
	DefaultRekeyMsgLimit  = 10_000
	DefaultRekeyTimeLimit = time.Hour
)

var (
	// ErrRekeyRequired is returned by Seal when either rekey threshold has
	// been crossed; the session, not the caller, decides how to recover.
	ErrRekeyRequired = errors.New("aeadcipher: rekey required")
	// ErrAuthFailed is returned by Open on MAC verification failure.
	ErrAuthFailed = errors.New("aeadcipher: authentication failed")
	// ErrReplayed is returned by Open when the counter has already been
	// accepted, or has fallen outside the sliding replay window.
	ErrReplayed = errors.New("aeadcipher: replayed or stale counter")
	// ErrDestroyed is returned by Seal/Open once the cipher state has been destroyed.
	ErrDestroyed = errors.New("aeadcipher: cipher state destroyed")
)

// Policy bounds how long a single CipherState may be used before the owning
// session must rekey.
type Policy struct {
	RekeyMsgLimit  uint64
	RekeyTimeLimit time.Duration
}

// DefaultPolicy returns the spec.md §6 defaults.
func DefaultPolicy() Policy {
	return Policy{RekeyMsgLimit: DefaultRekeyMsgLimit, RekeyTimeLimit: DefaultRekeyTimeLimit}
}

// CipherState is one direction (send or receive) of a session's symmetric
// crypto. A NoiseSession owns a pair: one for sending, one for receiving.
type CipherState struct {
	mu           sync.Mutex
	key          *securekey.Key
	aead         chacha20poly1305ifc
	counter      uint64
	messagesSent uint64
	createdAt    time.Time
	policy       Policy
	destroyed    bool
	replay       replayWindow
}

// chacha20poly1305ifc narrows the stdlib cipher.AEAD down to the two calls
// we use, so tests can substitute a fake without importing crypto/cipher
// everywhere.
type chacha20poly1305ifc interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New constructs a CipherState from key material. The key is consumed: the
// CipherState becomes its owner and destroys it when Destroy is called.
func New(key *securekey.Key, policy Policy) (*CipherState, error) {
	view, err := key.View()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(view)
	if err != nil {
		return nil, err
	}
	return &CipherState{
		key:       key,
		aead:      aead,
		createdAt: time.Now(),
		policy:    policy,
	}, nil
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal encrypts plaintext under the next nonce, returning ciphertext||tag.
// The counter advances only when this call succeeds; a RekeyRequired or
// CipherError leaves it unchanged.
func (c *CipherState) Seal(associatedData, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}
	if c.needsRekeyLocked() {
		return nil, ErrRekeyRequired
	}

	nonce := nonceFor(c.counter)
	ciphertext := c.aead.Seal(nil, nonce[:], plaintext, associatedData)

	c.counter++
	c.messagesSent++
	return ciphertext, nil
}

// Open decrypts ciphertext sealed with the matching counter value supplied
// by the caller (the counter/sequence number travels in the 8-byte header
// of the session adapter's sealed frame, ahead of the ciphertext; see
// session.Adapter). AuthFailed never advances state.
func (c *CipherState) Open(counter uint64, associatedData, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}

	nonce := nonceFor(counter)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if !c.replay.validate(counter) {
		return nil, ErrReplayed
	}
	return plaintext, nil
}

// NextCounter returns the nonce that the next Seal call will consume,
// without reserving it. Used by callers (e.g. NoiseSession) that need to
// place the counter in an outgoing wire header before sealing.
func (c *CipherState) NextCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// MessagesSent reports how many successful Seal calls this state has made.
func (c *CipherState) MessagesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesSent
}

// Age reports how long ago this cipher state was created.
func (c *CipherState) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// NeedsRekey reports whether the next Seal would fail with RekeyRequired.
func (c *CipherState) NeedsRekey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsRekeyLocked()
}

func (c *CipherState) needsRekeyLocked() bool {
	if c.messagesSent >= c.policy.RekeyMsgLimit {
		return true
	}
	return time.Since(c.createdAt) >= c.policy.RekeyTimeLimit
}

// Destroy zeroes the owned key and marks this state unusable. Idempotent.
func (c *CipherState) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.key.Destroy()
	c.destroyed = true
}
