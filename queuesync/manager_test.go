package queuesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftmesh/core/protocol"
	"github.com/driftmesh/core/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.NopStore{}, nil, queue.Config{})
	require.NoError(t, err)
	return q
}

func TestBuildRequestCarriesIDsAndHash(t *testing.T) {
	qA := newQueue(t)
	_, err := qA.Enqueue("chat", []byte("hi"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	mgr := New("A", qA, DefaultConfig(), nil)
	req, err := mgr.BuildRequest("B")
	require.NoError(t, err)
	require.Len(t, req.MessageIDs, 1)
	require.NotEmpty(t, req.Hash)
	require.Equal(t, protocol.QueueSyncRequest, req.Kind)
}

func TestBuildRequestRejectsSecondInFlight(t *testing.T) {
	qA := newQueue(t)
	mgr := New("A", qA, DefaultConfig(), nil)

	_, err := mgr.BuildRequest("B")
	require.NoError(t, err)
	_, err = mgr.BuildRequest("B")
	require.ErrorIs(t, err, ErrAlreadyInFlight)
}

func TestHandleRequestAlreadySynced(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)

	mgrA := New("A", qA, DefaultConfig(), nil)
	mgrB := New("B", qB, DefaultConfig(), nil)

	req, err := mgrA.BuildRequest("B")
	require.NoError(t, err)

	res := mgrB.HandleRequest(req)
	require.True(t, res.AlreadySynced)
	require.Equal(t, protocol.QueueSyncResponse, res.Response.Kind)
	require.Empty(t, res.PushToPeer)
}

func TestHandleRequestPushesMissingAndReturnsIDs(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)
	_, err := qB.Enqueue("chat", []byte("m2"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	var pushed []string
	mgrB := New("B", qB, DefaultConfig(), func(peer, id string) error {
		pushed = append(pushed, id)
		return nil
	})

	mgrA := New("A", qA, DefaultConfig(), nil)
	req, err := mgrA.BuildRequest("B")
	require.NoError(t, err)

	res := mgrB.HandleRequest(req)
	require.False(t, res.AlreadySynced)
	require.Len(t, res.PushToPeer, 1)
	require.Len(t, pushed, 1)
	require.ElementsMatch(t, res.PushToPeer, pushed)
	require.Len(t, res.Response.MessageIDs, 1)
}

func TestHandleResponseIdentifiesBothDirections(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)
	_, err := qA.Enqueue("chat", []byte("only-a"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = qB.Enqueue("chat", []byte("only-b"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	mgrA := New("A", qA, DefaultConfig(), nil)
	mgrB := New("B", qB, DefaultConfig(), nil)

	req, err := mgrA.BuildRequest("B")
	require.NoError(t, err)
	res := mgrB.HandleRequest(req)

	result := mgrA.HandleResponse("B", res.Response)
	require.False(t, result.AlreadySynced)
	require.Len(t, result.PushToPeer, 1)
	require.Len(t, result.ExpectFromPeer, 1)
}

func TestSyncPeerEndToEnd(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)
	_, err := qB.Enqueue("chat", []byte("b-only"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	mgrA := New("A", qA, DefaultConfig(), nil)
	mgrB := New("B", qB, DefaultConfig(), nil)

	send := func(peer string, req protocol.QueueSync) (protocol.QueueSync, error) {
		return mgrB.HandleRequest(req).Response, nil
	}

	result, err := mgrA.SyncPeer("B", send)
	require.NoError(t, err)
	require.Len(t, result.ExpectFromPeer, 1)
}

func TestSyncPeersFansOutAcrossPeers(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)
	qC := newQueue(t)
	_, err := qB.Enqueue("chat", []byte("b"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = qC.Enqueue("chat", []byte("c"), "A", "C", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	mgrA := New("A", qA, DefaultConfig(), nil)
	mgrB := New("B", qB, DefaultConfig(), nil)
	mgrC := New("C", qC, DefaultConfig(), nil)

	send := func(peer string, req protocol.QueueSync) (protocol.QueueSync, error) {
		switch peer {
		case "B":
			return mgrB.HandleRequest(req).Response, nil
		case "C":
			return mgrC.HandleRequest(req).Response, nil
		}
		return protocol.QueueSync{}, nil
	}

	results := mgrA.SyncPeers(context.Background(), []string{"B", "C"}, send)
	require.Len(t, results, 2)
	require.Len(t, results["B"].ExpectFromPeer, 1)
	require.Len(t, results["C"].ExpectFromPeer, 1)
}

func TestRateLimitedAfterBurst(t *testing.T) {
	qA := newQueue(t)
	mgr := New("A", qA, Config{MinSyncInterval: 0, InFlightTimeout: DefaultInFlightTimeout}, nil)
	// MinSyncInterval<=0 falls back to the 1/sec default, so a burst of
	// distinct peers should still hit the shared token bucket quickly.
	var lastErr error
	for i := 0; i < 5; i++ {
		_, err := mgr.BuildRequest(peerName(i))
		if err != nil {
			lastErr = err
		}
	}
	require.ErrorIs(t, lastErr, ErrRateLimited)
}

func peerName(i int) string {
	names := []string{"p0", "p1", "p2", "p3", "p4"}
	return names[i]
}

func TestStatisticsTracksRequestsAndSynced(t *testing.T) {
	qA := newQueue(t)
	qB := newQueue(t)

	mgrA := New("A", qA, DefaultConfig(), nil)
	mgrB := New("B", qB, DefaultConfig(), nil)

	req, err := mgrA.BuildRequest("B")
	require.NoError(t, err)
	res := mgrB.HandleRequest(req)
	require.True(t, res.AlreadySynced)

	require.EqualValues(t, 1, mgrA.Statistics().RequestsSent)
	require.EqualValues(t, 1, mgrB.Statistics().RequestsHandled)
	require.EqualValues(t, 1, mgrB.Statistics().AlreadySynced)
}
