package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftmesh/core/aeadcipher"
	"github.com/driftmesh/core/noise"
	"github.com/driftmesh/core/protocol"
	"github.com/driftmesh/core/queue"
	"github.com/driftmesh/core/queuesync"
)

// memLink is an in-memory transport.Link pairing two Adapters for tests,
// standing in for a real BLE/websocket carrier.
type memLink struct {
	peer string
	mtu  int
	out  chan []byte
	in   chan []byte
}

func (m *memLink) PeerID() string { return m.peer }
func (m *memLink) MTU() int       { return m.mtu }

func (m *memLink) Send(ctx context.Context, chunk []byte) error {
	select {
	case m.out <- append([]byte(nil), chunk...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memLink) Close() error { return nil }

func newLinkedPair() (*memLink, *memLink) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &memLink{peer: "B", mtu: 4096, out: ab, in: ba},
		&memLink{peer: "A", mtu: 4096, out: ba, in: ab}
}

func TestAdapterHandshakeAndTextRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	linkA, linkB := newLinkedPair()

	staticA, err := noise.GeneratePrivateKey()
	require.NoError(t, err)
	staticB, err := noise.GeneratePrivateKey()
	require.NoError(t, err)
	sessA := noise.NewXXSession(noise.Initiator, staticA, "B", aeadcipher.DefaultPolicy())
	sessB := noise.NewXXSession(noise.Responder, staticB, "A", aeadcipher.DefaultPolicy())

	received := make(chan protocol.TextMessage, 1)
	adapterA := NewAdapter(linkA, sessA, nil, nil, Dispatch{}, nil)
	adapterB := NewAdapter(linkB, sessB, nil, nil, Dispatch{
		OnText: func(fromPeer string, msg protocol.TextMessage) { received <- msg },
	}, nil)

	go adapterA.Run(ctx)
	go adapterB.Run(ctx)

	require.Eventually(t, func() bool {
		return adapterA.Established() && adapterB.Established()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, adapterA.SendText(ctx, protocol.TextMessage{
		ID: "m1", Content: []byte("hello"), Recipient: "B",
	}))

	select {
	case msg := <-received:
		require.Equal(t, "hello", string(msg.Content))
		require.Equal(t, "m1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for text message")
	}
}

func TestAdapterQueueSyncRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	linkA, linkB := newLinkedPair()

	staticA, err := noise.GeneratePrivateKey()
	require.NoError(t, err)
	staticB, err := noise.GeneratePrivateKey()
	require.NoError(t, err)
	sessA := noise.NewXXSession(noise.Initiator, staticA, "B", aeadcipher.DefaultPolicy())
	sessB := noise.NewXXSession(noise.Responder, staticB, "A", aeadcipher.DefaultPolicy())

	qA, err := queue.New(queue.NopStore{}, nil, queue.Config{})
	require.NoError(t, err)
	qB, err := queue.New(queue.NopStore{}, nil, queue.Config{})
	require.NoError(t, err)
	_, err = qB.Enqueue("chat", []byte("b-only"), "A", "B", queue.PriorityNormal, queue.EnqueueOptions{})
	require.NoError(t, err)

	mgrA := queuesync.New("A", qA, queuesync.DefaultConfig(), nil)
	mgrB := queuesync.New("B", qB, queuesync.DefaultConfig(), nil)

	adapterA := NewAdapter(linkA, sessA, nil, nil, Dispatch{QueueSync: mgrA}, nil)
	adapterB := NewAdapter(linkB, sessB, nil, nil, Dispatch{QueueSync: mgrB}, nil)

	go adapterA.Run(ctx)
	go adapterB.Run(ctx)

	require.Eventually(t, func() bool {
		return adapterA.Established() && adapterB.Established()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, adapterA.SendQueueSyncRequest(ctx))

	require.Eventually(t, func() bool {
		return mgrB.Statistics().RequestsHandled == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return mgrA.Statistics().RequestsSent == 1
	}, time.Second, 5*time.Millisecond)
}
