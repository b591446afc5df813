// Package webrtctransport adapts pion/webrtc/v4 data channels to the
// overlay.Transport/Connector interfaces, using a signaling.Signaling
// collaborator to exchange the offer/answer/ICE handshake. Grounded in the
// wingthing relay's PeerManager (offer/answer over a relay, one data
// channel per remote, connection-state-driven cleanup).
package webrtctransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"webdht/internal/overlay"
	"webdht/internal/signaling"
)

const dataChannelLabel = "webdht"

// Connector dials peers over WebRTC, rendezvousing through a Signaling
// channel for the SDP/ICE handshake.
type Connector struct {
	sig        signaling.Signaling
	iceServers []webrtc.ICEServer
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan webrtc.SessionDescription // peer -> answer waiter
}

// NewConnector wires sig as the rendezvous channel. iceServers may be nil
// for host-candidates-only (same-LAN) operation.
func NewConnector(sig signaling.Signaling, iceServers []webrtc.ICEServer, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connector{sig: sig, iceServers: iceServers, logger: logger, pending: make(map[string]chan webrtc.SessionDescription)}
	sig.OnMessage(c.handleSignal)
	return c
}

func (c *Connector) handleSignal(msg signaling.Message) {
	if msg.Type != signaling.Answer {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.From]
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
}

// Connect opens a new RTCPeerConnection to peer, creates the single data
// channel webdht traffic flows over, and blocks until that channel opens or
// ctx is done.
func (c *Connector) Connect(ctx context.Context, self, peer string) (overlay.Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: create data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()

	answerCh := make(chan webrtc.SessionDescription, 1)
	c.mu.Lock()
	c.pending[peer] = answerCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, peer)
		c.mu.Unlock()
	}()

	if err := c.sig.Send(ctx, signaling.Message{Type: signaling.Offer, From: self, To: peer, SDP: local.SDP}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: send offer: %w", err)
	}

	var answer webrtc.SessionDescription
	select {
	case answer = <-answerCh:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set remote description: %w", err)
	}

	t := newDataChannelTransport(pc, dc, c.logger)

	select {
	case <-t.opened:
		return t, nil
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

// dataChannelTransport adapts one pion DataChannel to overlay.Transport.
type dataChannelTransport struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *zap.Logger
	opened chan struct{}

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	closeOnce sync.Once
}

func newDataChannelTransport(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, logger *zap.Logger) *dataChannelTransport {
	t := &dataChannelTransport{pc: pc, dc: dc, logger: logger, opened: make(chan struct{})}

	dc.OnOpen(func() {
		select {
		case <-t.opened:
		default:
			close(t.opened)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
	dc.OnClose(func() { t.fireClose() })

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateDisconnected {
			t.fireClose()
		}
	})

	return t
}

func (t *dataChannelTransport) fireClose() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		onClose := t.onClose
		t.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}

func (t *dataChannelTransport) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if ok && time.Now().After(deadline) {
		return context.DeadlineExceeded
	}
	return t.dc.Send(data)
}

func (t *dataChannelTransport) SetOnMessage(h func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

func (t *dataChannelTransport) SetOnClose(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

func (t *dataChannelTransport) Close() error {
	err := t.dc.Close()
	_ = t.pc.Close()
	t.fireClose()
	return err
}

// AcceptOffers wires an inbound-offer handler onto sig so this peer answers
// RTCPeerConnections other peers initiate toward it. onTransport is called
// once the resulting data channel opens.
func AcceptOffers(self string, sig signaling.Signaling, iceServers []webrtc.ICEServer, logger *zap.Logger, onTransport func(peer string, t overlay.Transport)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sig.OnMessage(func(msg signaling.Message) {
		if msg.Type != signaling.Offer {
			return
		}
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			logger.Warn("webrtctransport: accept offer failed", zap.Error(err))
			return
		}

		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t := newDataChannelTransport(pc, dc, logger)
			go func() {
				<-t.opened
				onTransport(msg.From, t)
			}()
		})

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			pc.Close()
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			pc.Close()
			return
		}
		gatherComplete := webrtc.GatheringCompletePromise(pc)
		if err := pc.SetLocalDescription(answer); err != nil {
			pc.Close()
			return
		}
		<-gatherComplete

		local := pc.LocalDescription()
		_ = sig.Send(context.Background(), signaling.Message{Type: signaling.Answer, From: self, To: msg.From, SDP: local.SDP})
	})
}
