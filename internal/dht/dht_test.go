package dht_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webdht/internal/config"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/overlay"
	"webdht/internal/persistence"
	"webdht/internal/record"
)

// meshTransport is an in-memory Transport wired to exactly one peer,
// delivering messages synchronously — enough to exercise frame round trips
// without a real network.
type meshTransport struct {
	mu        sync.Mutex
	peer      *meshTransport
	onMessage func([]byte)
	onClose   func()
}

func (t *meshTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	peer.mu.Lock()
	handler := peer.onMessage
	peer.mu.Unlock()
	if handler != nil {
		go handler(data)
	}
	return nil
}

func (t *meshTransport) SetOnMessage(h func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}
func (t *meshTransport) SetOnClose(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}
func (t *meshTransport) Close() error { return nil }

// meshConnector hands out a fixed pipe end per remote peer ID, so a small
// fully-connected mesh of DHT nodes can be built in a test.
type meshConnector struct {
	mu   sync.Mutex
	ends map[string]*meshTransport
}

func newMeshConnector() *meshConnector {
	return &meshConnector{ends: make(map[string]*meshTransport)}
}

func (c *meshConnector) Connect(_ context.Context, _, peer string) (overlay.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ends[peer]
	if !ok {
		return nil, fmt.Errorf("mesh: no link to %s", peer)
	}
	return t, nil
}

type testNode struct {
	id   identity.ID
	sm   *overlay.SessionManager
	dht  *dht.DHT
	conn *meshConnector
}

func newTestNode(t *testing.T, cfg config.Config) *testNode {
	id, err := identity.New()
	require.NoError(t, err)
	conn := newMeshConnector()
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager(id.String(), conn, notifier, nil, time.Second, 0)
	d := dht.New(id, sm, persistence.NewMemory(), notifier, nil, cfg)
	return &testNode{id: id, sm: sm, dht: d, conn: conn}
}

func linkNodes(a, b *testNode) {
	ta := &meshTransport{}
	tb := &meshTransport{}
	ta.peer, tb.peer = tb, ta
	a.conn.mu.Lock()
	a.conn.ends[b.id.String()] = ta
	a.conn.mu.Unlock()
	b.conn.mu.Lock()
	b.conn.ends[a.id.String()] = tb
	b.conn.mu.Unlock()
}

func connectAll(t *testing.T, nodes []*testNode) {
	for i := range nodes {
		for j := range nodes {
			if i == j {
				continue
			}
			require.NoError(t, nodes[i].sm.Connect(context.Background(), nodes[j].id.String()))
		}
	}
}

func TestDHTStoreAndGetAcrossMesh(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 3
	cfg.RPCTimeout = 2 * time.Second

	nodes := make([]*testNode, 4)
	for i := range nodes {
		nodes[i] = newTestNode(t, cfg)
	}
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			linkNodes(nodes[i], nodes[j])
		}
	}
	connectAll(t, nodes)

	rec := record.Record{
		Value: "hello-mesh",
		Metadata: record.Metadata{
			Key: "greeting", Space: record.Public, Owner: nodes[0].id.String(),
			Version: 1, UpdatedAt: time.Now().UnixMilli(), Type: "storage",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, nodes[0].dht.Store(ctx, "greeting", rec))

	got, found, err := nodes[1].dht.Get(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello-mesh", got.Value)
}

func TestDHTGetMissingKeyNotFound(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 2
	cfg.RPCTimeout = time.Second

	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	linkNodes(a, b)
	connectAll(t, []*testNode{a, b})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, found, err := a.dht.Get(ctx, "never-written")
	require.NoError(t, err)
	require.False(t, found)
}
