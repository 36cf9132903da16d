package noise

import (
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protocolName identifies the two patterns this package speaks, used to
// seed the initial chaining key/hash exactly like Noise_IKpsk2 does in the
// teacher's noise-protocol.go.
const (
	protocolNameXX = "Noise_XX_25519_ChaChaPoly_BLAKE2s"
	protocolNameKK = "Noise_KK_25519_ChaChaPoly_BLAKE2s"
)

var zeroNonce [chacha20poly1305.NonceSize]byte

// symmetricState tracks the running chaining key and transcript hash
// shared by every Noise message function, mirroring the teacher's
// Handshake.chainKey/Handshake.hash pair plus its mixKey/mixHash helpers.
type symmetricState struct {
	ck [blake2s.Size]byte
	h  [blake2s.Size]byte
}

func newSymmetricState(protocolName string) *symmetricState {
	s := &symmetricState{}
	name := []byte(protocolName)
	if len(name) <= blake2s.Size {
		copy(s.ck[:], name)
	} else {
		s.ck = blake2s.Sum256(name)
	}
	s.h = s.ck
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(s.h[:])
	hash.Write(data)
	hash.Sum(s.h[:0])
	hash.Reset()
}

// mixKey derives a fresh chaining key and encryption key from the current
// chaining key and new key material (a DH output), via HKDF over BLAKE2s —
// the ecosystem equivalent of the teacher's hand-rolled KDF2.
func (s *symmetricState) mixKey(inputKeyMaterial []byte) [chacha20poly1305.KeySize]byte {
	reader := hkdf.New(newBlake2s256, inputKeyMaterial, s.ck[:], nil)
	var newCK [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	mustRead(reader, newCK[:])
	mustRead(reader, key[:])
	s.ck = newCK
	return key
}

func newBlake2s256() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func mustRead(r io.Reader, b []byte) {
	if _, err := io.ReadFull(r, b); err != nil {
		panic("noise: hkdf expand exhausted: " + err.Error())
	}
}

// encryptAndHash seals plaintext under key (derived by the most recent
// mixKey call) with the running hash as associated data, then mixes the
// ciphertext into the hash.
func (s *symmetricState) encryptAndHash(key [chacha20poly1305.KeySize]byte, plaintext []byte) []byte {
	aead, _ := chacha20poly1305.New(key[:])
	ciphertext := aead.Seal(nil, zeroNonce[:], plaintext, s.h[:])
	s.mixHash(ciphertext)
	return ciphertext
}

// decryptAndHash is the inverse of encryptAndHash.
func (s *symmetricState) decryptAndHash(key [chacha20poly1305.KeySize]byte, ciphertext []byte) ([]byte, error) {
	aead, _ := chacha20poly1305.New(key[:])
	plaintext, err := aead.Open(nil, zeroNonce[:], ciphertext, s.h[:])
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the pair of transport keys from the final chaining key.
// First return value is "initiator sends with this, responder receives
// with it"; second is the reverse, exactly like Noise's Split().
func (s *symmetricState) split() (c1, c2 [chacha20poly1305.KeySize]byte) {
	reader := hkdf.New(newBlake2s256, nil, s.ck[:], nil)
	mustRead(reader, c1[:])
	mustRead(reader, c2[:])
	return
}
