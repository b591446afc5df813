package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketSignaling relays Messages through a websocket rendezvous server.
// The wire shape is plain JSON, one Message per text frame; the server is
// expected to forward each message to the peer named in its To field and to
// tag inbound messages' From field itself (it need not trust client claims).
type WebSocketSignaling struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	selfID  string
	handler func(Message)
	dialer  *websocket.Dialer
	closed  bool
}

// NewWebSocketSignaling creates an adapter that will dial relayURL on
// Connect. logger may be nil.
func NewWebSocketSignaling(relayURL string, logger *zap.Logger) *WebSocketSignaling {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSignaling{url: relayURL, logger: logger, dialer: websocket.DefaultDialer}
}

func (s *WebSocketSignaling) Connect(ctx context.Context, selfID string) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.selfID = selfID
	s.mu.Unlock()

	if err := conn.WriteJSON(map[string]string{"register": selfID}); err != nil {
		conn.Close()
		return fmt.Errorf("signaling: register %s: %w", selfID, err)
	}

	go s.readLoop(conn)
	return nil
}

func (s *WebSocketSignaling) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("signaling read loop closed", zap.Error(err))
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("signaling: dropping malformed message", zap.Error(err))
			continue
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (s *WebSocketSignaling) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	conn := s.conn
	msg.From = s.selfID
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	return conn.WriteJSON(msg)
}

func (s *WebSocketSignaling) OnMessage(handler func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *WebSocketSignaling) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
