// Package securekey owns key material end to end: construction zeroes the
// caller's buffer, and destruction zeroes internal storage so a dropped key
// cannot be recovered from memory. Every other component in this module
// references key bytes only through a Key value.
package securekey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrDestroyed is returned by any accessor once the key has been destroyed.
var ErrDestroyed = errors.New("securekey: key destroyed")

// ErrOddHex is returned by FromHex when given an odd-length string.
var ErrOddHex = errors.New("securekey: odd-length hex string")

// Key is a fixed-length secret buffer. The zero value is not usable; build
// one with New, Generate, or FromHex.
type Key struct {
	bytes     []byte
	destroyed bool
}

// New copies source into an internally owned buffer and zeroes source
// before returning, so the caller is left holding no live copy.
func New(source []byte) *Key {
	k := &Key{bytes: make([]byte, len(source))}
	copy(k.bytes, source)
	Zero(source)
	return k
}

// Generate returns a Key of n bytes read from a cryptographically secure
// source. Never seed this from wall-clock time.
func Generate(n int) (*Key, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return New(buf), nil
}

// FromHex decodes a hex string into a Key. An odd-length string is rejected
// before any allocation happens.
func FromHex(s string) (*Key, error) {
	if len(s)%2 != 0 {
		return nil, ErrOddHex
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return New(buf), nil
}

// View returns the key bytes. The returned slice aliases internal storage
// and must not be retained past the key's lifetime or mutated.
func (k *Key) View() ([]byte, error) {
	if k.destroyed {
		return nil, ErrDestroyed
	}
	return k.bytes, nil
}

// ToHex renders the key as a hex string. Fails once destroyed.
func (k *Key) ToHex() (string, error) {
	if k.destroyed {
		return "", ErrDestroyed
	}
	return hex.EncodeToString(k.bytes), nil
}

// Len reports the key length in bytes, 0 once destroyed.
func (k *Key) Len() int {
	if k.destroyed {
		return 0
	}
	return len(k.bytes)
}

// Destroyed reports whether Destroy has already run.
func (k *Key) Destroyed() bool {
	return k.destroyed
}

// Destroy zeroes internal storage. Safe to call more than once.
func (k *Key) Destroy() {
	if k.destroyed {
		return
	}
	Zero(k.bytes)
	k.destroyed = true
}

// Zero overwrites b with zeros, one byte at a time so the compiler cannot
// prove the writes are dead and elide them — the same concern the teacher
// flags for cipher key material (see device/keypair.go).
//
//go:noinline
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
