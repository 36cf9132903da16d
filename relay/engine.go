package relay

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/driftmesh/core/queue"
	"github.com/driftmesh/core/seen"
	"github.com/driftmesh/core/spam"
	"github.com/driftmesh/core/topology"
)

// Outcome classifies a RelayProcessingResult.
type Outcome int

const (
	OutcomeRelayed Outcome = iota
	OutcomeDelivered
	OutcomeDropped
	OutcomeBlocked
)

// Result is spec.md §4.9's RelayProcessingResult.
type Result struct {
	Outcome Outcome
	NextHop string
	Content []byte
	Reason  string
}

// Statistics is spec.md §4.9's RelayStatistics.
type Statistics struct {
	TotalRelayed            uint64
	TotalDeliveredToSelf    uint64
	TotalDropped            uint64
	TotalBlocked            uint64
	TotalProbabilisticSkip  uint64
	NetworkSize             uint32
	CurrentRelayProbability float64
	RelayEfficiency         float64
}

// SendToNextHop and EnqueueTransientForward are injected by the caller
// (meshcore.Core) so this package never reaches directly into
// the transport or queue layers, per SPEC_FULL.md's Design Note on
// breaking the adapter-relay-queue cycle.
type SendToNextHop func(nextHop string, msg MeshRelayMessage) error
type EnqueueTransientForward func(msg MeshRelayMessage) error

// ProbabilityStep is one row of spec.md §4.9's relay_probability step
// function: networks up to NetworkSizeMax relay with Probability. A table
// must be sorted ascending by NetworkSizeMax; the last row is the
// catch-all for every larger network.
type ProbabilityStep struct {
	NetworkSizeMax uint32
	Probability    float64
}

// DefaultProbabilityTable is spec.md §4.9's relay_probability step
// function.
func DefaultProbabilityTable() []ProbabilityStep {
	return []ProbabilityStep{
		{NetworkSizeMax: 10, Probability: 1.00},
		{NetworkSizeMax: 30, Probability: 0.85},
		{NetworkSizeMax: 50, Probability: 0.70},
		{NetworkSizeMax: 100, Probability: 0.55},
		{NetworkSizeMax: math.MaxUint32, Probability: 0.40},
	}
}

// Config bounds one Engine instance: the two knobs spec.md §6 names
// alongside the relay engine (relay_probability_table, priority_ttl_map),
// normally sourced from config.Config and copied in by the caller
// (meshcore.New) so this package never imports the top-level config
// package.
type Config struct {
	// ProbabilityTable overrides DefaultProbabilityTable when non-empty.
	ProbabilityTable []ProbabilityStep
	// PriorityTTL overrides queue.DefaultPriorityTTL when non-zero.
	PriorityTTL queue.PriorityTTLTable
}

// Engine is the in-memory reference implementation of C9.
type Engine struct {
	mu          sync.Mutex
	currentNode string

	topo *topology.Graph
	spam *spam.Checker
	seen *seen.Tracker

	probTable []ProbabilityStep
	ttlTable  queue.PriorityTTLTable

	sendToNextHop           SendToNextHop
	enqueueTransientForward EnqueueTransientForward

	stats Statistics
}

// New constructs an Engine (spec.md §4.9's initialize).
func New(currentNodeID string, topo *topology.Graph, spamChecker *spam.Checker, seenTracker *seen.Tracker, cfg Config, sendToNextHop SendToNextHop, enqueueTransientForward EnqueueTransientForward) *Engine {
	probTable := cfg.ProbabilityTable
	if len(probTable) == 0 {
		probTable = DefaultProbabilityTable()
	}
	ttlTable := cfg.PriorityTTL
	if ttlTable == (queue.PriorityTTLTable{}) {
		ttlTable = queue.DefaultPriorityTTL()
	}
	return &Engine{
		currentNode:             currentNodeID,
		topo:                    topo,
		spam:                    spamChecker,
		seen:                    seenTracker,
		probTable:               probTable,
		ttlTable:                ttlTable,
		sendToNextHop:           sendToNextHop,
		enqueueTransientForward: enqueueTransientForward,
	}
}

// CreateOutgoingRelay assembles a MeshRelayMessage for a message this node
// originates. Returns (msg, true) unless content or recipient are empty.
func (e *Engine) CreateOutgoingRelay(originalMessageID string, content []byte, finalRecipient string, priority queue.Priority) (MeshRelayMessage, bool) {
	if len(content) == 0 || finalRecipient == "" || originalMessageID == "" {
		return MeshRelayMessage{}, false
	}
	md := NewMetadata(e.currentNode, e.currentNode, finalRecipient, priority, e.ttlTable.TTLFor(priority), content, originalMessageID)
	return MeshRelayMessage{
		OriginalMessageID: originalMessageID,
		OriginalContent:   content,
		Metadata:          md,
		RelayNodeID:       e.currentNode,
		RelayedAt:         time.Now(),
	}, true
}

// relayProbability evaluates this Engine's configured step function from
// spec.md §4.9: the probability of the first row whose NetworkSizeMax is
// at least networkSize, or the last row's if networkSize exceeds every
// row (the table's catch-all).
func (e *Engine) relayProbability(networkSize uint32) float64 {
	for _, step := range e.probTable {
		if networkSize <= step.NetworkSizeMax {
			return step.Probability
		}
	}
	if len(e.probTable) == 0 {
		return 0
	}
	return e.probTable[len(e.probTable)-1].Probability
}

func randomUnitFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	// 53 bits of entropy into [0, 1), matching the precision of a float64
	// mantissa.
	v := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(v) / float64(uint64(1)<<53)
}

// ShouldAttemptDecryption reports whether this node should try to decrypt
// a relay's inner payload: true if it is the recipient, or it already has
// a session with the original sender.
func (e *Engine) ShouldAttemptDecryption(finalRecipient, originalSender string, haveSessionWith func(peer string) bool) bool {
	if finalRecipient == e.currentNode {
		return true
	}
	return haveSessionWith(originalSender)
}

// ProcessIncomingRelay implements spec.md §4.9's eleven-step decision
// order for an incoming MeshRelayMessage arriving from fromNodeID, with
// availableNextHops as the candidate forwarding targets.
func (e *Engine) ProcessIncomingRelay(msg MeshRelayMessage, fromNodeID string, availableNextHops []string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	md := msg.Metadata

	// 1. self-echo
	if md.OriginalSender == e.currentNode {
		e.stats.TotalDropped++
		return Result{Outcome: OutcomeDropped, Reason: "self-echo"}
	}

	// 2. field validation
	if len(msg.OriginalContent) == 0 || msg.OriginalMessageID == "" || md.FinalRecipient == "" {
		e.stats.TotalBlocked++
		return Result{Outcome: OutcomeBlocked, Reason: "invalid"}
	}

	// 3. seen-store duplicate check
	if e.seen != nil && e.seen.Has(msg.OriginalMessageID, seen.Delivered) {
		e.stats.TotalBlocked++
		return Result{Outcome: OutcomeBlocked, Reason: "duplicate"}
	}

	// 4. spam checks
	if e.spam != nil {
		v := e.spam.CheckIncoming(fromNodeID, e.currentNode, string(md.MessageHash), len(msg.OriginalContent), md.RoutingPath)
		if !v.Allowed {
			e.stats.TotalBlocked++
			return Result{Outcome: OutcomeBlocked, Reason: string(v.Reason)}
		}
	}

	// 5. loop check
	if containsNode(md.RoutingPath, e.currentNode) {
		e.stats.TotalBlocked++
		return Result{Outcome: OutcomeBlocked, Reason: "loop"}
	}

	// 6. delivery
	if md.FinalRecipient == e.currentNode {
		if e.seen != nil {
			_ = e.seen.Mark(msg.OriginalMessageID, seen.Delivered)
		}
		e.stats.TotalDeliveredToSelf++
		return Result{Outcome: OutcomeDelivered, Content: msg.OriginalContent}
	}

	// 7. hop/ttl check
	if int(md.HopCount)+1 > int(md.TTL) {
		e.stats.TotalDropped++
		return Result{Outcome: OutcomeDropped, Reason: "ttl_exceeded"}
	}

	// 8. no neighbors
	if len(availableNextHops) == 0 {
		e.stats.TotalDropped++
		return Result{Outcome: OutcomeDropped, Reason: "no_neighbors"}
	}

	// 9. probabilistic skip
	networkSize := uint32(0)
	if e.topo != nil {
		networkSize = e.topo.NetworkSize()
	}
	p := e.relayProbability(networkSize)
	if randomUnitFloat() > p {
		e.stats.TotalProbabilisticSkip++
		return Result{Outcome: OutcomeBlocked, Reason: "probabilistic_skip"}
	}

	// 10. choose next hop: first reachable toward recipient, stable order.
	nextHop := availableNextHops[0]
	advanced, err := md.NextHop(e.currentNode)
	if err != nil {
		e.stats.TotalDropped++
		return Result{Outcome: OutcomeDropped, Reason: "ttl_exceeded"}
	}

	// 11. mark seen, enqueue transient forward, relay.
	if e.seen != nil {
		_ = e.seen.Mark(msg.OriginalMessageID, seen.Delivered)
	}
	forward := MeshRelayMessage{
		OriginalMessageID: msg.OriginalMessageID,
		OriginalContent:   msg.OriginalContent,
		Metadata:          advanced,
		RelayNodeID:       e.currentNode,
		RelayedAt:         time.Now(),
	}
	if e.enqueueTransientForward != nil {
		_ = e.enqueueTransientForward(forward)
	}
	if e.sendToNextHop != nil {
		_ = e.sendToNextHop(nextHop, forward)
	}
	e.stats.TotalRelayed++
	return Result{Outcome: OutcomeRelayed, NextHop: nextHop}
}

// Statistics returns a snapshot of the running counters, with network size
// and relay efficiency filled in from the topology graph at call time.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	if e.topo != nil {
		s.NetworkSize = e.topo.NetworkSize()
	}
	s.CurrentRelayProbability = e.relayProbability(s.NetworkSize)
	total := s.TotalRelayed + s.TotalDropped + s.TotalBlocked
	if total > 0 {
		s.RelayEfficiency = float64(s.TotalRelayed) / float64(total)
	}
	return s
}

// ClearStatistics resets every counter to zero.
func (e *Engine) ClearStatistics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Statistics{}
}
