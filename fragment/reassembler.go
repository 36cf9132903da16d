package fragment

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultReassemblyTimeout and DefaultMaxPendingPerSender match spec.md §6.
const (
	DefaultReassemblyTimeout   = 30 * time.Second
	DefaultMaxPendingPerSender = 100
)

// pendingKey identifies one in-flight reassembly: a (sender, message_id)
// pair, per spec.md's PendingMessage keying.
type pendingKey struct {
	sender    string
	messageID MessageID
}

// pendingMessage accumulates chunks for one (sender, message_id) pair.
type pendingMessage struct {
	chunks    map[uint16]Chunk
	total     uint16
	isBinary  bool
	firstSeen time.Time
}

// Reassembler rebuilds fragmented messages from out-of-order, possibly
// duplicated chunks, bounding memory via a per-sender LRU plus a timeout.
type Reassembler struct {
	mu           sync.Mutex
	timeout      time.Duration
	maxPerSender int
	log          *zap.SugaredLogger

	perSender map[string]*lru.Cache[MessageID, *pendingMessage]
}

// NewReassembler constructs a Reassembler. A nil logger disables eviction
// warnings.
func NewReassembler(timeout time.Duration, maxPerSender int, log *zap.SugaredLogger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if maxPerSender <= 0 {
		maxPerSender = DefaultMaxPendingPerSender
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reassembler{
		timeout:      timeout,
		maxPerSender: maxPerSender,
		log:          log,
		perSender:    make(map[string]*lru.Cache[MessageID, *pendingMessage]),
	}
}

// Accept ingests one chunk from sender. It returns (payload, isBinary, true)
// once every chunk for that (sender, message_id) has arrived; otherwise
// (nil, false, false). Duplicate (sender, message_id, index) chunks are
// silently ignored.
func (r *Reassembler) Accept(sender string, c Chunk) ([]byte, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.perSender[sender]
	if cache == nil {
		var err error
		cache, err = lru.NewWithEvict[MessageID, *pendingMessage](r.maxPerSender, func(id MessageID, _ *pendingMessage) {
			r.log.Warnw("evicting pending reassembly under per-sender pressure", "sender", sender, "message_id", id.String())
		})
		if err != nil {
			// maxPerSender is always > 0 here, so lru.New cannot fail; if it
			// somehow did, fall back to a cache of size 1 rather than
			// losing the chunk silently.
			cache, _ = lru.New[MessageID, *pendingMessage](1)
		}
		r.perSender[sender] = cache
	}

	pm, ok := cache.Get(c.MessageID)
	if !ok {
		pm = &pendingMessage{
			chunks:    make(map[uint16]Chunk, c.Total),
			total:     c.Total,
			isBinary:  c.IsBinary,
			firstSeen: time.Now(),
		}
		cache.Add(c.MessageID, pm)
	}

	if _, dup := pm.chunks[c.Index]; dup {
		return nil, false, false
	}
	pm.chunks[c.Index] = c

	if uint16(len(pm.chunks)) < pm.total {
		return nil, false, false
	}

	payload := make([]byte, 0)
	for i := uint16(0); i < pm.total; i++ {
		payload = append(payload, pm.chunks[i].Payload...)
	}
	cache.Remove(c.MessageID)
	return payload, pm.isBinary, true
}

// Maintain drops pending reassemblies whose oldest chunk predates the
// reassembly timeout. Intended to be called periodically (e.g. by a
// background ticker owned by the session/link adapter).
func (r *Reassembler) Maintain() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for sender, cache := range r.perSender {
		for _, id := range cache.Keys() {
			pm, ok := cache.Peek(id)
			if !ok {
				continue
			}
			if now.Sub(pm.firstSeen) >= r.timeout {
				cache.Remove(id)
				r.log.Debugw("reassembly timed out", "sender", sender, "message_id", id.String())
			}
		}
	}
}

// Pending reports how many in-flight reassemblies exist for sender, for
// tests and diagnostics.
func (r *Reassembler) Pending(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache := r.perSender[sender]
	if cache == nil {
		return 0
	}
	return cache.Len()
}
