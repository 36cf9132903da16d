package session

import (
	"context"
	"errors"
	"time"

	"github.com/driftmesh/core/noise"
)

// ErrHandshakeKeyWaitTimeout is returned by WaitForRemoteStatic when the
// peer's static key is still unavailable after the bounded retry budget
// (spec.md §4.12): no silent progression past this point is permitted.
var ErrHandshakeKeyWaitTimeout = errors.New("session: timed out waiting for remote static key")

// HandshakeKeyWaitBackoff is the fixed retry cadence from spec.md §6:
// 50ms, 100ms, 200ms, 400ms, 800ms — five attempts, 1.55s of waiting in
// all, which ends before the 3s HandshakeKeyWaitBudget ceiling is reached.
var HandshakeKeyWaitBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// HandshakeKeyWaitBudget bounds the whole retry loop regardless of how far
// through HandshakeKeyWaitBackoff it got.
const HandshakeKeyWaitBudget = 3 * time.Second

// WaitForRemoteStatic blocks, per spec.md §4.12, after sess has become
// established, until its RemoteStatic is available — bounded retry with
// exponential backoff, explicit failure on timeout. A caller-supplied ctx
// cancellation is honored as an immediate abort.
func WaitForRemoteStatic(ctx context.Context, sess *noise.Session) (noise.PublicKey, error) {
	if rs, ok := sess.RemoteStatic(); ok {
		return rs, nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, HandshakeKeyWaitBudget)
	defer cancel()

	for _, delay := range HandshakeKeyWaitBackoff {
		select {
		case <-budgetCtx.Done():
			return noise.PublicKey{}, ErrHandshakeKeyWaitTimeout
		case <-time.After(delay):
		}
		if rs, ok := sess.RemoteStatic(); ok {
			return rs, nil
		}
	}
	return noise.PublicKey{}, ErrHandshakeKeyWaitTimeout
}
