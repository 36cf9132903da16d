// Package wslink is a demo/test transport.Link implementation over
// gorilla/websocket. It exists so C12's session adapter can be exercised
// end-to-end in tests without a real BLE stack (SPEC_FULL.md's domain
// stack table); it makes no claim to be a production BLE transport.
package wslink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmesh/core/transport"
)

// DefaultMTU is a generous default for a websocket frame; real BLE links
// will report something far smaller via Link.MTU.
const DefaultMTU = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  DefaultMTU,
	WriteBufferSize: DefaultMTU,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Link adapts a *websocket.Conn to transport.Link.
type Link struct {
	peerID string
	mtu    int
	conn   *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Link = (*Link)(nil)

func newLink(peerID string, mtu int, conn *websocket.Conn) *Link {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Link{peerID: peerID, mtu: mtu, conn: conn, closed: make(chan struct{})}
}

// Dial opens an outbound websocket connection to url and wraps it as a
// Link for peerID.
func Dial(ctx context.Context, url, peerID string, mtu int) (*Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newLink(peerID, mtu, conn), nil
}

// Accept upgrades an inbound HTTP request to a websocket and wraps it as a
// Link for peerID (the caller is expected to have already authenticated
// the peer, e.g. during the Noise handshake that follows).
func Accept(w http.ResponseWriter, r *http.Request, peerID string, mtu int) (*Link, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newLink(peerID, mtu, conn), nil
}

// PeerID implements transport.Link.
func (l *Link) PeerID() string { return l.peerID }

// MTU implements transport.Link.
func (l *Link) MTU() int { return l.mtu }

// Send implements transport.Link.
func (l *Link) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-l.closed:
		return transport.ErrLinkClosed
	default:
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Recv implements transport.Link.
func (l *Link) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-l.closed:
		return nil, transport.ErrLinkClosed
	default:
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(dl)
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close implements transport.Link. Idempotent.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}
