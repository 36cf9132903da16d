package noise

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/driftmesh/core/securekey"
)

// PublicKeySize is the X25519 public key length.
const PublicKeySize = 32

// PublicKey is a raw X25519 public key, safe to pass by value.
type PublicKey [PublicKeySize]byte

// PrivateKey owns an X25519 scalar behind a securekey.Key, so it zeroes on
// destruction like every other secret in this module.
type PrivateKey struct {
	key *securekey.Key
}

// GeneratePrivateKey creates a new X25519 private key from a CSPRNG,
// clamped per RFC 7748.
func GeneratePrivateKey() (*PrivateKey, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, err
	}
	clamp(&scalar)
	return &PrivateKey{key: securekey.New(scalar[:])}, nil
}

// PrivateKeyFromBytes wraps caller-provided scalar bytes (already clamped)
// into a PrivateKey, zeroing the caller's copy.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	return &PrivateKey{key: securekey.New(b)}
}

func clamp(scalar *[32]byte) {
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
}

// Public derives the matching public key.
func (p *PrivateKey) Public() (PublicKey, error) {
	view, err := p.key.View()
	if err != nil {
		return PublicKey{}, err
	}
	var pub PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(view))
	return pub, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret with a
// peer's public key.
func (p *PrivateKey) SharedSecret(peer PublicKey) ([32]byte, error) {
	view, err := p.key.View()
	if err != nil {
		return [32]byte{}, err
	}
	var secret [32]byte
	curve25519.ScalarMult(&secret, (*[32]byte)(view), (*[32]byte)(&peer))
	return secret, nil
}

// Destroy zeroes the private scalar. Idempotent.
func (p *PrivateKey) Destroy() {
	p.key.Destroy()
}

// ToHex renders the raw scalar as hex, for persisting a node identity to
// disk. Fails once the key has been destroyed.
func (p *PrivateKey) ToHex() (string, error) {
	return p.key.ToHex()
}

// keyFromBytes wraps a derived transport key (already in local memory, not
// caller-owned) into a securekey.Key for handoff to aeadcipher.
func keyFromBytes(b [32]byte) *securekey.Key {
	buf := make([]byte, 32)
	copy(buf, b[:])
	return securekey.New(buf)
}
