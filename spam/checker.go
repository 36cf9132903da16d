// Package spam implements C7: the ordered gauntlet of checks an incoming
// (or outgoing) relay must pass before this node will forward it.
package spam

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftmesh/core/metrics"
)

// Reason names why a relay was blocked or dropped; matches spec.md §6.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSize            Reason = "size"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonDuplicate       Reason = "duplicate"
	ReasonLowTrust        Reason = "low_trust"
	ReasonLoop            Reason = "loop"
	ReasonByteRateLimited Reason = "byte_rate_limited"
)

// Defaults per spec.md §4.7/§6.
const (
	DefaultMaxMessageSize    = 10 * 1024
	DefaultRelaysPerSecond   = 10
	DefaultDuplicateWindow   = time.Minute
	DefaultTrustThreshold    = 0.0
	DefaultTrustGoodDelta    = 0.05
	DefaultTrustBadDelta     = 0.25
	DefaultByteRatePerSecond = 1 << 20 // 1 MiB/s per source
)

// CheckResult is one entry in the ordered audit trail.
type CheckResult struct {
	Name   string
	Passed bool
}

// Verdict is the outcome of running the gauntlet.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Checks  []CheckResult
	// TrustScore is the source's trust score after this check, emitted
	// even when bypass forces Allowed=true (spec.md §4.7 "test-only
	// bypass... still emitting a synthetic score").
	TrustScore float64
}

// Config bounds the checker's thresholds.
type Config struct {
	MaxMessageSize    int
	RelaysPerSecond   rate.Limit
	DuplicateWindow   time.Duration
	TrustThreshold    float64
	TrustGoodDelta    float64
	TrustBadDelta     float64
	ByteRatePerSecond rate.Limit
	Bypass            bool
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    DefaultMaxMessageSize,
		RelaysPerSecond:   DefaultRelaysPerSecond,
		DuplicateWindow:   DefaultDuplicateWindow,
		TrustThreshold:    DefaultTrustThreshold,
		TrustGoodDelta:    DefaultTrustGoodDelta,
		TrustBadDelta:     DefaultTrustBadDelta,
		ByteRatePerSecond: DefaultByteRatePerSecond,
	}
}

type sourceState struct {
	limiter     *rate.Limiter
	byteLimiter *rate.Limiter
	trust       float64
}

type dupEntry struct {
	hash string
	seen time.Time
}

// Checker runs the ordered spam-prevention gauntlet per source node.
// BypassAllowAll constructs one in test-bypass mode (§4.7): every check
// still runs and is recorded, but Allowed is forced true.
type Checker struct {
	mu     sync.Mutex
	cfg    Config
	bypass bool

	sources map[string]*sourceState
	dups    []dupEntry
}

// NewChecker constructs a Checker with cfg.
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg, bypass: cfg.Bypass, sources: make(map[string]*sourceState)}
}

// BypassAllowAll constructs a checker in test-bypass mode per §4.7.
func BypassAllowAll() *Checker {
	cfg := DefaultConfig()
	cfg.Bypass = true
	return NewChecker(cfg)
}

func (c *Checker) stateFor(source string) *sourceState {
	st, ok := c.sources[source]
	if !ok {
		st = &sourceState{
			limiter:     rate.NewLimiter(c.cfg.RelaysPerSecond, int(c.cfg.RelaysPerSecond)+1),
			byteLimiter: rate.NewLimiter(c.cfg.ByteRatePerSecond, int(c.cfg.ByteRatePerSecond)+1),
			trust:       1.0,
		}
		c.sources[source] = st
	}
	return st
}

// CheckIncoming runs the full ordered gauntlet for a relay arriving from
// source, whose content hashes to hash, has size bytes, and whose
// routing path so far is routingPath. currentNode is this node's id, used
// for the loop check.
func (c *Checker) CheckIncoming(source, currentNode, hash string, size int, routingPath []string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(source)
	var checks []CheckResult
	blocked := false
	reason := ReasonNone

	record := func(name string, passed bool) {
		checks = append(checks, CheckResult{Name: name, Passed: passed})
		if !passed && !blocked {
			blocked = true
		}
	}

	sizeOK := size <= c.cfg.MaxMessageSize
	record("size", sizeOK)
	if !sizeOK && reason == ReasonNone {
		reason = ReasonSize
	}

	rateOK := st.limiter.Allow()
	record("rate", rateOK)
	if !rateOK && reason == ReasonNone {
		reason = ReasonRateLimited
	}

	dupOK := !c.isDuplicateLocked(hash)
	record("duplicate", dupOK)
	if !dupOK && reason == ReasonNone {
		reason = ReasonDuplicate
	}
	if dupOK {
		c.recordHashLocked(hash)
	}

	trustOK := st.trust >= c.cfg.TrustThreshold
	record("trust", trustOK)
	if !trustOK && reason == ReasonNone {
		reason = ReasonLowTrust
	}

	loopOK := !containsString(routingPath, currentNode)
	record("loop", loopOK)
	if !loopOK && reason == ReasonNone {
		reason = ReasonLoop
	}

	byteOK := st.byteLimiter.AllowN(time.Now(), size)
	record("byte_rate", byteOK)
	if !byteOK && reason == ReasonNone {
		reason = ReasonByteRateLimited
	}

	if !blocked {
		st.trust += c.cfg.TrustGoodDelta
	} else {
		st.trust -= c.cfg.TrustBadDelta
	}

	allowed := !blocked || c.bypass
	if c.bypass {
		reason = ReasonNone
	}
	if !allowed {
		metrics.SpamRejections.WithLabelValues(string(reason)).Inc()
	}
	return Verdict{Allowed: allowed, Reason: reason, Checks: checks, TrustScore: st.trust}
}

// CheckOutgoing runs the lighter gauntlet spec.md §4.7 describes for
// relays this node originates or forwards onward: own rate and size only.
func (c *Checker) CheckOutgoing(source string, size int) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(source)
	var checks []CheckResult
	blocked := false
	reason := ReasonNone

	sizeOK := size <= c.cfg.MaxMessageSize
	checks = append(checks, CheckResult{Name: "size", Passed: sizeOK})
	if !sizeOK {
		blocked = true
		reason = ReasonSize
	}

	rateOK := st.limiter.Allow()
	checks = append(checks, CheckResult{Name: "rate", Passed: rateOK})
	if !rateOK && reason == ReasonNone {
		blocked = true
		reason = ReasonRateLimited
	}

	allowed := !blocked || c.bypass
	if c.bypass {
		reason = ReasonNone
	}
	if !allowed {
		metrics.SpamRejections.WithLabelValues(string(reason)).Inc()
	}
	return Verdict{Allowed: allowed, Reason: reason, Checks: checks, TrustScore: st.trust}
}

func (c *Checker) isDuplicateLocked(hash string) bool {
	now := time.Now()
	for _, d := range c.dups {
		if now.Sub(d.seen) >= c.cfg.DuplicateWindow {
			continue
		}
		if d.hash == hash {
			return true
		}
	}
	return false
}

func (c *Checker) recordHashLocked(hash string) {
	now := time.Now()
	pruned := c.dups[:0]
	for _, d := range c.dups {
		if now.Sub(d.seen) < c.cfg.DuplicateWindow {
			pruned = append(pruned, d)
		}
	}
	c.dups = append(pruned, dupEntry{hash: hash, seen: now})
}

// TrustScore reports the current trust score for source (1.0 for an
// unseen source).
func (c *Checker) TrustScore(source string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateFor(source).trust
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
