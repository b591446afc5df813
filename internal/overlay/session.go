package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"webdht/internal/events"
	"webdht/internal/kverrors"
)

// State is the per-peer connection lifecycle (spec §4.1).
type State int

const (
	Connecting State = iota
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type peerConn struct {
	id          string
	state       State
	transport   Transport
	connectedAt time.Time
	lastActive  time.Time
}

// FrameHandler receives a raw frame payload from a peer.
type FrameHandler func(from string, data []byte)

// SessionManager tracks the set of currently-connected peers, their
// transport channels, and their liveness (spec §4.1).
type SessionManager struct {
	mu        sync.RWMutex
	selfID    string
	connector Connector
	peers     map[string]*peerConn
	handlers  []FrameHandler
	notifier  *events.Notifier
	logger    *zap.Logger

	connectTimeout  time.Duration
	refreshInterval time.Duration
	connectingTTL   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager creates a SessionManager. refreshInterval governs the
// liveness sweep grounded in the kbucket routing table's background
// ping/evict loop (SPEC_FULL.md's "Routing-table liveness refresh").
func NewSessionManager(selfID string, connector Connector, notifier *events.Notifier, logger *zap.Logger, connectTimeout, refreshInterval time.Duration) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := &SessionManager{
		selfID:          selfID,
		connector:       connector,
		peers:           make(map[string]*peerConn),
		notifier:        notifier,
		logger:          logger,
		connectTimeout:  connectTimeout,
		refreshInterval: refreshInterval,
		connectingTTL:   connectTimeout * 2,
		stopCh:          make(chan struct{}),
	}
	go sm.livenessLoop()
	return sm
}

// Connect establishes a bidirectional channel to peer via the injected
// Connector, failing with TransportError on timeout (spec §4.1).
func (sm *SessionManager) Connect(ctx context.Context, peer string) error {
	sm.mu.Lock()
	if pc, ok := sm.peers[peer]; ok && (pc.state == Connected || pc.state == Connecting) {
		sm.mu.Unlock()
		return nil
	}
	pc := &peerConn{id: peer, state: Connecting, connectedAt: time.Now()}
	sm.peers[peer] = pc
	sm.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, sm.connectTimeout)
	defer cancel()

	transport, err := sm.connector.Connect(dialCtx, sm.selfID, peer)
	if err != nil {
		sm.mu.Lock()
		delete(sm.peers, peer)
		sm.mu.Unlock()
		return kverrors.Wrap("overlay.Connect", kverrors.TransportError, err)
	}

	transport.SetOnMessage(func(data []byte) {
		sm.mu.Lock()
		if pc, ok := sm.peers[peer]; ok {
			pc.lastActive = time.Now()
		}
		sm.mu.Unlock()
		sm.dispatchFrame(peer, data)
	})
	transport.SetOnClose(func() {
		sm.transitionDown(peer)
	})

	sm.mu.Lock()
	pc.transport = transport
	pc.state = Connected
	pc.lastActive = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("peer connected", zap.String("peer", peer))
	sm.notifier.Emit(events.Event{Kind: events.PeerUp, Key: peer})
	return nil
}

// Adopt registers a transport some out-of-band process (an inbound WebRTC
// offer answered by webrtctransport.AcceptOffers, for instance) has already
// established to peer, without going through Connect's dial path.
func (sm *SessionManager) Adopt(peer string, transport Transport) {
	sm.mu.Lock()
	if pc, ok := sm.peers[peer]; ok && pc.state == Connected {
		sm.mu.Unlock()
		_ = transport.Close()
		return
	}
	pc := &peerConn{id: peer, state: Connected, transport: transport, connectedAt: time.Now(), lastActive: time.Now()}
	sm.peers[peer] = pc
	sm.mu.Unlock()

	transport.SetOnMessage(func(data []byte) {
		sm.mu.Lock()
		if pc, ok := sm.peers[peer]; ok {
			pc.lastActive = time.Now()
		}
		sm.mu.Unlock()
		sm.dispatchFrame(peer, data)
	})
	transport.SetOnClose(func() {
		sm.transitionDown(peer)
	})

	sm.logger.Info("peer adopted", zap.String("peer", peer))
	sm.notifier.Emit(events.Event{Kind: events.PeerUp, Key: peer})
}

// Send delivers frame bytes to peer, failing with NotConnected if the
// channel is absent or closed (spec §4.1).
func (sm *SessionManager) Send(ctx context.Context, peer string, frame []byte) error {
	sm.mu.RLock()
	pc, ok := sm.peers[peer]
	sm.mu.RUnlock()
	if !ok || pc.state != Connected || pc.transport == nil {
		return kverrors.New("overlay.Send", kverrors.NotConnected)
	}
	if err := pc.transport.Send(ctx, frame); err != nil {
		return kverrors.Wrap("overlay.Send", kverrors.TransportError, err)
	}
	return nil
}

// OnFrame registers a handler invoked for every inbound frame, across all
// peers.
func (sm *SessionManager) OnFrame(handler FrameHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// OnPeerUp registers a handler invoked when a peer transitions to Connected.
func (sm *SessionManager) OnPeerUp(handler func(peer string)) {
	sm.notifier.On(events.PeerUp, func(ev events.Event) { handler(ev.Key) })
}

// OnPeerDown registers a handler invoked when a peer transitions to Closed.
func (sm *SessionManager) OnPeerDown(handler func(peer string)) {
	sm.notifier.On(events.PeerDown, func(ev events.Event) { handler(ev.Key) })
}

// Peers returns the IDs of all currently-Connected peers, eligible for
// routing and replica duty (spec §4.1).
func (sm *SessionManager) Peers() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.peers))
	for id, pc := range sm.peers {
		if pc.state == Connected {
			out = append(out, id)
		}
	}
	return out
}

// IsConnected reports whether peer is currently Connected.
func (sm *SessionManager) IsConnected(peer string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	pc, ok := sm.peers[peer]
	return ok && pc.state == Connected
}

// Disconnect transitions peer through Closing to Closed, evicting it from
// routing and subscription destinations.
func (sm *SessionManager) Disconnect(peer string) {
	sm.mu.Lock()
	pc, ok := sm.peers[peer]
	if !ok {
		sm.mu.Unlock()
		return
	}
	pc.state = Closing
	transport := pc.transport
	sm.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	sm.transitionDown(peer)
}

func (sm *SessionManager) transitionDown(peer string) {
	sm.mu.Lock()
	pc, ok := sm.peers[peer]
	if !ok || pc.state == Closed {
		sm.mu.Unlock()
		return
	}
	pc.state = Closed
	delete(sm.peers, peer)
	sm.mu.Unlock()

	sm.logger.Info("peer disconnected", zap.String("peer", peer))
	sm.notifier.Emit(events.Event{Kind: events.PeerDown, Key: peer})
}

func (sm *SessionManager) dispatchFrame(from string, data []byte) {
	sm.mu.RLock()
	handlers := append([]FrameHandler(nil), sm.handlers...)
	sm.mu.RUnlock()
	for _, h := range handlers {
		h(from, data)
	}
}

// livenessLoop evicts peers stuck in Connecting past connectingTTL, grounded
// in go-libp2p-kbucket's background ping/evict sweep (SPEC_FULL.md).
func (sm *SessionManager) livenessLoop() {
	if sm.refreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(sm.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.sweepStuckConnecting()
		case <-sm.stopCh:
			return
		}
	}
}

func (sm *SessionManager) sweepStuckConnecting() {
	now := time.Now()
	var stuck []string
	sm.mu.RLock()
	for id, pc := range sm.peers {
		if pc.state == Connecting && now.Sub(pc.connectedAt) > sm.connectingTTL {
			stuck = append(stuck, id)
		}
	}
	sm.mu.RUnlock()

	for _, id := range stuck {
		sm.logger.Warn("evicting peer stuck mid-handshake", zap.String("peer", id))
		sm.mu.Lock()
		delete(sm.peers, id)
		sm.mu.Unlock()
	}
}

// Close stops the liveness loop and closes every transport.
func (sm *SessionManager) Close() error {
	sm.stopOnce.Do(func() { close(sm.stopCh) })

	sm.mu.Lock()
	peers := make([]*peerConn, 0, len(sm.peers))
	for _, pc := range sm.peers {
		peers = append(peers, pc)
	}
	sm.peers = make(map[string]*peerConn)
	sm.mu.Unlock()

	var firstErr error
	for _, pc := range peers {
		if pc.transport == nil {
			continue
		}
		if err := pc.transport.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("overlay: close transport for %s: %w", pc.id, err)
		}
	}
	return firstErr
}
