package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftmesh/core/queue"
	"github.com/driftmesh/core/seen"
	"github.com/driftmesh/core/spam"
	"github.com/driftmesh/core/topology"
)

func newTestEngine(t *testing.T, currentNode string) (*Engine, *seen.Tracker) {
	t.Helper()
	tr, err := seen.NewTracker(100, 0, nil)
	require.NoError(t, err)
	topo := topology.New()
	checker := spam.NewChecker(spam.DefaultConfig())
	e := New(currentNode, topo, checker, tr, Config{}, nil, nil)
	return e, tr
}

func TestCreateOutgoingRelayAssemblesMetadata(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	msg, ok := e.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)
	require.True(t, ok)
	require.Equal(t, uint8(1), msg.Metadata.HopCount)
	require.Equal(t, []string{"A"}, msg.Metadata.RoutingPath)
	require.Equal(t, queue.TTLForPriority(queue.PriorityNormal), msg.Metadata.TTL)
}

func TestProcessIncomingRelaySelfEcho(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	msg, ok := e.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)
	require.True(t, ok)

	res := e.ProcessIncomingRelay(msg, "B", []string{"C"})
	require.Equal(t, OutcomeDropped, res.Outcome)
	require.Equal(t, "self-echo", res.Reason)
}

func TestProcessIncomingRelayDelivers(t *testing.T) {
	eA, _ := newTestEngine(t, "A")
	msg, ok := eA.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)
	require.True(t, ok)

	eC, _ := newTestEngine(t, "C")
	res := eC.ProcessIncomingRelay(msg, "B", nil)
	require.Equal(t, OutcomeDelivered, res.Outcome)
	require.Equal(t, []byte("hello"), res.Content)
}

func TestProcessIncomingRelayForwards(t *testing.T) {
	eA, _ := newTestEngine(t, "A")
	msg, ok := eA.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)
	require.True(t, ok)

	eB, _ := newTestEngine(t, "B")
	res := eB.ProcessIncomingRelay(msg, "A", []string{"C"})
	require.Equal(t, OutcomeRelayed, res.Outcome)
	require.Equal(t, "C", res.NextHop)
}

func TestProcessIncomingRelayBlocksLoop(t *testing.T) {
	eA, _ := newTestEngine(t, "A")
	msg, ok := eA.CreateOutgoingRelay("orig-1", []byte("hello"), "D", queue.PriorityUrgent)
	require.True(t, ok)
	advanced, err := msg.Metadata.NextHop("B")
	require.NoError(t, err)
	msg.Metadata = advanced

	eB, _ := newTestEngine(t, "B")
	res := eB.ProcessIncomingRelay(msg, "A", []string{"D"})
	require.Equal(t, OutcomeBlocked, res.Outcome)
	require.Equal(t, "loop", res.Reason)
}

func TestProcessIncomingRelayDuplicateIsBlocked(t *testing.T) {
	eA, _ := newTestEngine(t, "A")
	msg, ok := eA.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)
	require.True(t, ok)

	eC, _ := newTestEngine(t, "C")
	first := eC.ProcessIncomingRelay(msg, "B", nil)
	require.Equal(t, OutcomeDelivered, first.Outcome)

	second := eC.ProcessIncomingRelay(msg, "B", nil)
	require.Equal(t, OutcomeBlocked, second.Outcome)
	require.Equal(t, "duplicate", second.Reason)
}

func TestNextHopRejectsTTLExceeded(t *testing.T) {
	md := Metadata{TTL: 2, HopCount: 2, RoutingPath: []string{"A", "B"}}
	_, err := md.NextHop("C")
	require.ErrorIs(t, err, ErrRelayException)
}

func TestNextHopRejectsLoop(t *testing.T) {
	md := Metadata{TTL: 5, HopCount: 1, RoutingPath: []string{"A"}}
	_, err := md.NextHop("A")
	require.ErrorIs(t, err, ErrRelayException)
}

func TestRelayProbabilityHonorsCustomTable(t *testing.T) {
	tr, err := seen.NewTracker(100, 0, nil)
	require.NoError(t, err)
	topo := topology.New()
	checker := spam.NewChecker(spam.DefaultConfig())
	e := New("A", topo, checker, tr, Config{
		ProbabilityTable: []ProbabilityStep{
			{NetworkSizeMax: 5, Probability: 1.0},
			{NetworkSizeMax: 1 << 31, Probability: 0.0},
		},
	}, nil, nil)

	require.Equal(t, 1.0, e.relayProbability(1))
	require.Equal(t, 0.0, e.relayProbability(6))
}

func TestRelayProbabilityDefaultsWhenTableUnset(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.Equal(t, DefaultProbabilityTable()[0].Probability, e.relayProbability(1))
}

func TestCreateOutgoingRelayHonorsCustomPriorityTTL(t *testing.T) {
	tr, err := seen.NewTracker(100, 0, nil)
	require.NoError(t, err)
	topo := topology.New()
	checker := spam.NewChecker(spam.DefaultConfig())
	e := New("A", topo, checker, tr, Config{
		PriorityTTL: queue.PriorityTTLTable{Low: 1, Normal: 2, High: 9, Urgent: 9},
	}, nil, nil)

	msg, ok := e.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityHigh)
	require.True(t, ok)
	require.Equal(t, uint8(9), msg.Metadata.TTL)
}

func TestStatisticsAndClear(t *testing.T) {
	eA, _ := newTestEngine(t, "A")
	msg, _ := eA.CreateOutgoingRelay("orig-1", []byte("hello"), "C", queue.PriorityNormal)

	eC, _ := newTestEngine(t, "C")
	eC.ProcessIncomingRelay(msg, "B", nil)

	stats := eC.Statistics()
	require.EqualValues(t, 1, stats.TotalDeliveredToSelf)

	eC.ClearStatistics()
	require.Zero(t, eC.Statistics().TotalDeliveredToSelf)
}
