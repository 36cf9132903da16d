package noise

import "errors"

var (
	// ErrHandshakeFailed covers any handshake-message authentication or
	// protocol-order failure; per spec.md §7 these are local to the
	// session and never leak cipher internals to the caller.
	ErrHandshakeFailed = errors.New("noise: handshake failed")
	// ErrNotEstablished is returned by Encrypt/Decrypt outside the
	// established state.
	ErrNotEstablished = errors.New("noise: session not established")
	// ErrDestroyed is returned by any accessor once Destroy has run.
	ErrDestroyed = errors.New("noise: session destroyed")
	// ErrWrongPattern is returned when a handshake message doesn't match
	// the session's configured pattern/role/step.
	ErrWrongPattern = errors.New("noise: unexpected handshake message for pattern/role/state")
)
