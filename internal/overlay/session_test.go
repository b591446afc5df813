package overlay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webdht/internal/events"
	"webdht/internal/overlay"
)

// pipeTransport is an in-memory Transport connecting two endpoints directly,
// used in place of a real WebRTC data channel.
type pipeTransport struct {
	mu        sync.Mutex
	peer      *pipeTransport
	onMessage func([]byte)
	onClose   func()
	closed    bool
}

func newPipe() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{}
	b := &pipeTransport{}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Send(_ context.Context, data []byte) error {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return context.Canceled
	}
	peer.mu.Lock()
	handler := peer.onMessage
	peer.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (p *pipeTransport) SetOnMessage(h func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = h
}

func (p *pipeTransport) SetOnClose(h func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = h
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// pipeConnector hands out one fixed pipe end per Connect call, regardless of
// peer argument — enough to exercise SessionManager in isolation.
type pipeConnector struct {
	end *pipeTransport
}

func (c *pipeConnector) Connect(_ context.Context, _, _ string) (overlay.Transport, error) {
	return c.end, nil
}

func TestSessionManagerConnectSendReceive(t *testing.T) {
	clientEnd, serverEnd := newPipe()

	notifierA := events.NewNotifier()
	notifierB := events.NewNotifier()

	smA := overlay.NewSessionManager("A", &pipeConnector{end: clientEnd}, notifierA, nil, time.Second, 0)
	defer smA.Close()
	smB := overlay.NewSessionManager("B", &pipeConnector{end: serverEnd}, notifierB, nil, time.Second, 0)
	defer smB.Close()

	var received []byte
	done := make(chan struct{})
	smB.OnFrame(func(from string, data []byte) {
		received = data
		close(done)
	})

	var peerUpFired bool
	smA.OnPeerUp(func(peer string) { peerUpFired = true })

	require.NoError(t, smA.Connect(context.Background(), "B"))
	require.True(t, peerUpFired)
	require.True(t, smA.IsConnected("B"))

	require.NoError(t, smB.Connect(context.Background(), "A"))

	require.NoError(t, smA.Send(context.Background(), "B", []byte("hello")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	require.Equal(t, []byte("hello"), received)
}

func TestSessionManagerSendWithoutConnectFails(t *testing.T) {
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager("A", &pipeConnector{}, notifier, nil, time.Second, 0)
	defer sm.Close()

	err := sm.Send(context.Background(), "ghost", []byte("x"))
	require.Error(t, err)
}

func TestSessionManagerDisconnectFiresPeerDown(t *testing.T) {
	clientEnd, serverEnd := newPipe()
	_ = serverEnd

	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager("A", &pipeConnector{end: clientEnd}, notifier, nil, time.Second, 0)
	defer sm.Close()

	var peerDownFired bool
	down := make(chan struct{})
	sm.OnPeerDown(func(peer string) {
		peerDownFired = true
		close(down)
	})

	require.NoError(t, sm.Connect(context.Background(), "B"))
	sm.Disconnect("B")

	select {
	case <-down:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer down")
	}
	require.True(t, peerDownFired)
	require.False(t, sm.IsConnected("B"))
}
