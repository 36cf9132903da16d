// Package meshcore is the "core context" spec.md §9's Design Notes call
// for: a single explicit root object owning every component that would
// otherwise be a process-wide singleton (queue, seen store, topology,
// session registry), constructed once at startup and passed down instead
// of reached for globally.
package meshcore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftmesh/core/config"
	"github.com/driftmesh/core/metrics"
	"github.com/driftmesh/core/protocol"
	"github.com/driftmesh/core/queue"
	"github.com/driftmesh/core/queuesync"
	"github.com/driftmesh/core/relay"
	"github.com/driftmesh/core/seen"
	"github.com/driftmesh/core/session"
	"github.com/driftmesh/core/spam"
	"github.com/driftmesh/core/topology"
)

// Core owns every singleton-shaped component for one running node and
// wires them together: the relay engine's injected callbacks resolve
// "next hop" and "transient forward" against Core's own session registry
// and queue, and the queue sync manager's payload push does the same —
// so relay and queuesync never import session, breaking the
// adapter↔relay↔queue cycle spec.md §9 calls out.
type Core struct {
	mu sync.Mutex

	NodeID string
	cfg    config.Config
	log    *zap.SugaredLogger

	Queue     *queue.Queue
	Seen      *seen.Tracker
	Topology  *topology.Graph
	Spam      *spam.Checker
	Relay     *relay.Engine
	QueueSync *queuesync.Manager

	sessions map[string]*session.Adapter
}

// New constructs a Core for nodeID, wiring every component per cfg.
func New(nodeID string, cfg config.Config, queueStore queue.Store, seenStore seen.Store, log *zap.SugaredLogger) (*Core, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	priorityTTL := queue.PriorityTTLTable{
		Low:    cfg.PriorityTTL.Low,
		Normal: cfg.PriorityTTL.Normal,
		High:   cfg.PriorityTTL.High,
		Urgent: cfg.PriorityTTL.Urgent,
	}
	q, err := queue.New(queueStore, log, queue.Config{
		MaxSize:     cfg.Queue.MaxSize,
		PriorityTTL: priorityTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("meshcore: init queue: %w", err)
	}
	seenTracker, err := seen.NewTracker(cfg.Seen.MaxEntriesPerKind, cfg.Seen.CacheTTL, seenStore)
	if err != nil {
		return nil, fmt.Errorf("meshcore: init seen tracker: %w", err)
	}
	topo := topology.New()
	spamChecker := spam.NewChecker(spam.Config{
		MaxMessageSize:    cfg.Spam.MaxMessageSize,
		RelaysPerSecond:   rate.Limit(cfg.Spam.RatePerSec),
		DuplicateWindow:   cfg.Spam.DuplicateWindow,
		TrustThreshold:    spam.DefaultTrustThreshold,
		TrustGoodDelta:    spam.DefaultTrustGoodDelta,
		TrustBadDelta:     spam.DefaultTrustBadDelta,
		ByteRatePerSecond: spam.DefaultByteRatePerSecond,
	})

	c := &Core{
		NodeID:   nodeID,
		cfg:      cfg,
		log:      log,
		Queue:    q,
		Seen:     seenTracker,
		Topology: topo,
		Spam:     spamChecker,
		sessions: make(map[string]*session.Adapter),
	}

	probTable := make([]relay.ProbabilityStep, len(cfg.RelayProbabilityTable))
	for i, step := range cfg.RelayProbabilityTable {
		probTable[i] = relay.ProbabilityStep{NetworkSizeMax: step.NetworkSizeMax, Probability: step.Probability}
	}
	c.Relay = relay.New(nodeID, topo, spamChecker, seenTracker, relay.Config{
		ProbabilityTable: probTable,
		PriorityTTL:      priorityTTL,
	}, c.sendToNextHop, c.enqueueTransientForward)
	c.QueueSync = queuesync.New(nodeID, q, queuesync.Config{
		MinSyncInterval: cfg.Sync.MinInterval,
		InFlightTimeout: cfg.Sync.InFlightTimeout,
	}, c.pushPayload)

	return c, nil
}

// AddSession registers an established adapter for peerID, making it
// reachable by the relay engine and sync manager's injected callbacks.
func (c *Core) AddSession(peerID string, adapter *session.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[peerID] = adapter
}

// RemoveSession drops peerID's adapter, e.g. on disconnect.
func (c *Core) RemoveSession(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, peerID)
}

// Session returns the adapter for peerID, if connected.
func (c *Core) Session(peerID string) (*session.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.sessions[peerID]
	return a, ok
}

// Peers lists every currently connected peer id, sorted — the stable,
// deterministic fallback ordering spec.md §9's Open Question permits.
func (c *Core) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch builds the session.Dispatch this Core's adapters should be
// constructed with, so every peer's inbound mesh-relay and queue-sync
// traffic lands on this Core's shared Relay/QueueSync instances.
func (c *Core) Dispatch() session.Dispatch {
	return session.Dispatch{
		Relay:             c.Relay,
		QueueSync:         c.QueueSync,
		AvailableNextHops: c.otherPeers,
	}
}

func (c *Core) otherPeers() []string {
	return c.Peers()
}

// sendToNextHop is injected into the relay engine: forward msg to
// nextHop's adapter, if connected.
func (c *Core) sendToNextHop(nextHop string, msg relay.MeshRelayMessage) error {
	a, ok := c.Session(nextHop)
	if !ok {
		return fmt.Errorf("meshcore: no session with next hop %s", nextHop)
	}
	return a.SendRelay(context.Background(), msg)
}

// enqueueTransientForward is injected into the relay engine: queue a
// relayed-but-not-yet-delivered message in memory for an offline next hop.
// Forwards are transient (Persist false), so they are not written to the
// store and do not survive a restart; only this node's own messages do.
func (c *Core) enqueueTransientForward(msg relay.MeshRelayMessage) error {
	_, err := c.Queue.Enqueue("", msg.OriginalContent, msg.Metadata.OriginalSender, msg.Metadata.FinalRecipient, msg.Metadata.Priority, queue.EnqueueOptions{
		RelayMetadata:     msg.Metadata,
		OriginalMessageID: msg.OriginalMessageID,
		Persist:           false,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.MessagesQueued.WithLabelValues("rejected_full").Inc()
		} else {
			metrics.MessagesQueued.WithLabelValues("rejected").Inc()
		}
		return err
	}
	metrics.MessagesQueued.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.Set(float64(len(c.Queue.LiveIDs())))
	return nil
}

// pushPayload is injected into the queue sync manager: transmit one
// queued message's content to peer over its live session, if connected.
func (c *Core) pushPayload(peer, messageID string) error {
	m, err := c.Queue.ByID(messageID)
	if err != nil {
		return err
	}
	a, ok := c.Session(peer)
	if !ok {
		return fmt.Errorf("meshcore: no session with %s to push %s", peer, messageID)
	}
	return a.SendText(context.Background(), protocol.TextMessage{
		ID:        m.ID,
		Content:   m.Content,
		Recipient: m.Recipient,
	})
}
