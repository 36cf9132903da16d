// Package queuesync implements C11: hash-based reconciliation of the
// offline queue (C8) with a peer, so two nodes that have been
// disconnected exchange only the message ids they disagree on rather
// than their full queues.
package queuesync

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/driftmesh/core/metrics"
	"github.com/driftmesh/core/protocol"
	"github.com/driftmesh/core/queue"
)

// ErrRateLimited is returned when the process-wide sync token bucket is
// exhausted.
var ErrRateLimited = errors.New("queuesync: rate limited")

// ErrAlreadyInFlight is returned when a sync with the same peer is still
// outstanding.
var ErrAlreadyInFlight = errors.New("queuesync: sync already in flight for this peer")

// Defaults per spec.md §6.
const (
	DefaultMinSyncInterval = time.Second
	DefaultInFlightTimeout = 10 * time.Second
)

// PushPayload delivers one queued message to peer via the link layer.
// Injected at construction, mirroring relay.SendToNextHop, so this
// package never reaches into transport directly.
type PushPayload func(peer, messageID string) error

// Config holds the tunables spec.md §6 names for C11.
type Config struct {
	MinSyncInterval time.Duration
	InFlightTimeout time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{MinSyncInterval: DefaultMinSyncInterval, InFlightTimeout: DefaultInFlightTimeout}
}

// Stats is the supplemental statistics export SPEC_FULL.md calls for.
type Stats struct {
	RequestsSent    uint64
	RequestsHandled uint64
	AlreadySynced   uint64
	PayloadsPushed  uint64
	RateLimited     uint64
}

type inFlightSync struct {
	startedAt time.Time
	myIDs     []string
}

// HandleResult is HandleRequest's verdict: the response to send back to
// the requester, and the ids this node must push payloads for.
type HandleResult struct {
	Response      protocol.QueueSync
	PushToPeer    []string
	AlreadySynced bool
}

// ReconcileResult is HandleResponse's verdict for the node that initiated
// the request.
type ReconcileResult struct {
	AlreadySynced  bool
	PushToPeer     []string // ids this node has that the peer lacks
	ExpectFromPeer []string // ids the peer has that this node lacks
}

// Manager is the in-memory reference implementation of C11.
type Manager struct {
	mu     sync.Mutex
	nodeID string
	q      *queue.Queue
	cfg    Config

	limiter  *rate.Limiter
	sf       singleflight.Group
	inFlight map[string]inFlightSync
	push     PushPayload
	stats    Stats
}

// New constructs a Manager reconciling q with peers, pushing missing
// payloads via push.
func New(nodeID string, q *queue.Queue, cfg Config, push PushPayload) *Manager {
	if cfg.MinSyncInterval <= 0 {
		cfg.MinSyncInterval = DefaultMinSyncInterval
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = DefaultInFlightTimeout
	}
	return &Manager{
		nodeID:   nodeID,
		q:        q,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinSyncInterval), 1),
		inFlight: make(map[string]inFlightSync),
		push:     push,
	}
}

// idSet is this node's full reconciliation set: live plus tombstoned ids,
// so deletions propagate via the hash (spec.md §4.11).
func (m *Manager) idSet() []string {
	ids := append(append([]string(nil), m.q.LiveIDs()...), m.q.TombstoneIDs()...)
	sort.Strings(ids)
	return ids
}

func (m *Manager) expireInFlightLocked() {
	for peer, sy := range m.inFlight {
		if time.Since(sy.startedAt) > m.cfg.InFlightTimeout {
			delete(m.inFlight, peer)
		}
	}
}

// BuildRequest assembles the outbound QueueSync.request for peer,
// enforcing "at most one in-flight sync per peer" plus the process-wide
// token bucket. Callers needing fan-out should prefer SyncPeers.
func (m *Manager) BuildRequest(peer string) (protocol.QueueSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireInFlightLocked()
	if _, busy := m.inFlight[peer]; busy {
		m.stats.RateLimited++
		metrics.SyncRequests.WithLabelValues("rate_limited").Inc()
		return protocol.QueueSync{}, ErrAlreadyInFlight
	}
	if !m.limiter.Allow() {
		m.stats.RateLimited++
		metrics.SyncRequests.WithLabelValues("rate_limited").Inc()
		return protocol.QueueSync{}, ErrRateLimited
	}

	ids := m.idSet()
	m.inFlight[peer] = inFlightSync{startedAt: time.Now(), myIDs: ids}
	m.stats.RequestsSent++
	metrics.SyncRequests.WithLabelValues("sent").Inc()
	return protocol.QueueSync{
		Hash:       m.q.QueueHash(false),
		MessageIDs: ids,
		Timestamp:  time.Now(),
		NodeID:     m.nodeID,
		Kind:       protocol.QueueSyncRequest,
	}, nil
}

// diff returns the elements of a (sorted) that are not in b (sorted).
func diff(a, b []string) []string {
	bSet := make(map[string]struct{}, len(b))
	for _, id := range b {
		bSet[id] = struct{}{}
	}
	out := make([]string, 0)
	for _, id := range a {
		if _, ok := bSet[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// HandleRequest is node B's side of the procedure in spec.md §4.11 step 2:
// compare hashes, and if they differ, push payloads for ids B has that A
// doesn't, then build the response carrying B's full id set.
func (m *Manager) HandleRequest(req protocol.QueueSync) HandleResult {
	m.mu.Lock()
	m.stats.RequestsHandled++
	localHash := m.q.QueueHash(false)
	m.mu.Unlock()
	metrics.SyncRequests.WithLabelValues("handled").Inc()

	if bytes.Equal(localHash, req.Hash) {
		m.mu.Lock()
		m.stats.AlreadySynced++
		m.mu.Unlock()
		metrics.SyncRequests.WithLabelValues("already_synced").Inc()
		return HandleResult{
			AlreadySynced: true,
			Response: protocol.QueueSync{
				Hash:      localHash,
				NodeID:    m.nodeID,
				Timestamp: time.Now(),
				Kind:      protocol.QueueSyncResponse,
			},
		}
	}

	localIDs := m.idSet()
	missingForA := diff(localIDs, req.MessageIDs)

	for _, id := range missingForA {
		if m.push == nil {
			continue
		}
		if err := m.push(req.NodeID, id); err != nil {
			continue
		}
		m.mu.Lock()
		m.stats.PayloadsPushed++
		m.mu.Unlock()
		metrics.SyncRequests.WithLabelValues("pushed").Inc()
	}

	return HandleResult{
		PushToPeer: missingForA,
		Response: protocol.QueueSync{
			Hash:       localHash,
			MessageIDs: localIDs,
			NodeID:     m.nodeID,
			Timestamp:  time.Now(),
			Kind:       protocol.QueueSyncResponse,
		},
	}
}

// HandleResponse is node A's side of spec.md §4.11 step 3: reconcile the
// request this node sent (identified by peer) against B's response.
func (m *Manager) HandleResponse(peer string, resp protocol.QueueSync) ReconcileResult {
	m.mu.Lock()
	sy, had := m.inFlight[peer]
	delete(m.inFlight, peer)
	m.mu.Unlock()

	if !had {
		sy = inFlightSync{myIDs: m.idSet()}
	}

	if len(resp.MessageIDs) == 0 && bytes.Equal(resp.Hash, m.q.QueueHash(false)) {
		return ReconcileResult{AlreadySynced: true}
	}

	return ReconcileResult{
		PushToPeer:     diff(sy.myIDs, resp.MessageIDs),
		ExpectFromPeer: diff(resp.MessageIDs, sy.myIDs),
	}
}

// Transport sends req to peer and returns peer's response; injected so
// SyncPeer/SyncPeers never import the transport layer directly.
type Transport func(peer string, req protocol.QueueSync) (protocol.QueueSync, error)

// SyncPeer drives one full request/response round with peer, collapsing
// concurrent callers for the same peer into a single in-flight exchange.
func (m *Manager) SyncPeer(peer string, send Transport) (ReconcileResult, error) {
	v, err, _ := m.sf.Do(peer, func() (interface{}, error) {
		req, err := m.BuildRequest(peer)
		if err != nil {
			return ReconcileResult{}, err
		}
		resp, err := send(peer, req)
		if err != nil {
			m.mu.Lock()
			delete(m.inFlight, peer)
			m.mu.Unlock()
			return ReconcileResult{}, err
		}
		return m.HandleResponse(peer, resp), nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return v.(ReconcileResult), nil
}

// SyncPeers fans a sync round out across every peer concurrently, sharing
// ctx's cancellation; a single peer's failure does not abort the others.
func (m *Manager) SyncPeers(ctx context.Context, peers []string, send Transport) map[string]ReconcileResult {
	results := make(map[string]ReconcileResult, len(peers))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			res, err := m.SyncPeer(peer, send)
			if err != nil {
				return nil // a failed peer is left out of results; the others go on
			}
			mu.Lock()
			results[peer] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Statistics returns a snapshot of the running counters.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
