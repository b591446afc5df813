// Package overlay implements the Overlay Session Manager (spec §4.1): it
// knows who is reachable right now, brokers connection setup through an
// injected Connector, and delivers inbound frames and membership events to
// the DHT layer above it.
package overlay

import "context"

// Transport is the direct peer-to-peer bidirectional ordered reliable byte
// stream between two peer identifiers (spec §1, out of scope as a design —
// interface only). A concrete adapter (internal/webrtctransport) wraps a
// real data channel; tests use an in-memory pipe.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	SetOnMessage(func([]byte))
	SetOnClose(func())
	Close() error
}

// Connector establishes a Transport to a remote peer, using whatever
// rendezvous mechanism (signaling collaborator, or none for a direct/local
// dial) the concrete implementation requires.
type Connector interface {
	Connect(ctx context.Context, self, peer string) (Transport, error)
}
