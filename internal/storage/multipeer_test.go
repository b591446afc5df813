package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webdht/internal/config"
	"webdht/internal/cryptoprim"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/overlay"
	"webdht/internal/persistence"
	"webdht/internal/record"
	"webdht/internal/storage"
)

// The single-node engine above is enough to exercise space enforcement and
// tombstoning, but every cross-peer concern — ACL-gated PRIVATE decryption,
// FROZEN's open-read policy, and CRDT merge initiated by a non-owner peer —
// only ever manifests once a write actually crosses the wire to a second
// replica. meshTransport/meshConnector/storagePeer below mirror the dht
// package's in-memory mesh harness, one layer up, with a real Storage Engine
// (and real NaCl keys) on each node instead of a bare DHT.

type meshTransport struct {
	mu        sync.Mutex
	peer      *meshTransport
	onMessage func([]byte)
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
func (t *meshTransport) SetOnClose(func()) {}
func (t *meshTransport) Close() error      { return nil }

type meshConnector struct {
	mu   sync.Mutex
	ends map[string]*meshTransport
}

func newMeshConnector() *meshConnector { return &meshConnector{ends: make(map[string]*meshTransport)} }

func (c *meshConnector) Connect(_ context.Context, _, peer string) (overlay.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ends[peer]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return t, nil
}

type storagePeer struct {
	id      identity.ID
	sm      *overlay.SessionManager
	engine  *storage.Engine
	keypair cryptoprim.KeyPair
	conn    *meshConnector
}

func (p *storagePeer) sessionConnect(ctx context.Context, peer string) error {
	return p.sm.Connect(ctx, peer)
}

func newStoragePeer(t *testing.T, cfg config.Config) *storagePeer {
	id, err := identity.New()
	require.NoError(t, err)
	conn := newMeshConnector()
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager(id.String(), conn, notifier, nil, time.Second, 0)
	d := dht.New(id, sm, persistence.NewMemory(), notifier, nil, cfg)

	crypto := cryptoprim.NewNaClBox()
	kp, err := crypto.GenerateRandomPair()
	require.NoError(t, err)

	eng := storage.New(id.String(), d, crypto, kp, persistence.NewMemory(), notifier, nil, cfg)
	return &storagePeer{id: id, sm: sm, engine: eng, keypair: kp, conn: conn}
}

func linkPeers(a, b *storagePeer) {
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

func meshOfPeers(t *testing.T, cfg config.Config, n int) []*storagePeer {
	peers := make([]*storagePeer, n)
	for i := range peers {
		peers[i] = newStoragePeer(t, cfg)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			linkPeers(peers[i], peers[j])
		}
	}
	// Seed the routing table: replicaSet only ever considers peers the
	// SessionManager has already dialed, same as a real peer that only
	// learns about others once it connects to them.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			require.NoError(t, peers[i].sessionConnect(context.Background(), peers[j].id.String()))
		}
	}
	return peers
}

func TestPrivateRecordDeniesThenGrantsCrossPeerAccess(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 2
	cfg.RPCTimeout = 2 * time.Second

	peers := meshOfPeers(t, cfg, 2)
	owner, other := peers[0], peers[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, owner.engine.Store(ctx, "diary:entry1", record.Private, map[string]any{"text": "secret"}, storage.StoreOptions{}))

	_, _, err := other.engine.Retrieve(ctx, "diary:entry1")
	require.Error(t, err)

	require.NoError(t, owner.engine.GrantAccess(ctx, "diary:entry1", other.id.String(), other.keypair.PublicKey))

	value, meta, err := other.engine.Retrieve(ctx, "diary:entry1")
	require.NoError(t, err)
	require.Equal(t, record.Private, meta.Space)
	require.Equal(t, map[string]any{"text": "secret"}, value)

	// Owner can still read its own record after the re-seal.
	value, _, err = owner.engine.Retrieve(ctx, "diary:entry1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"text": "secret"}, value)

	require.NoError(t, owner.engine.RevokeAccess(ctx, "diary:entry1", other.id.String()))
	_, _, err = other.engine.Retrieve(ctx, "diary:entry1")
	require.Error(t, err)
}

func TestFrozenRecordReadableByAnyPeerWithoutGrant(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 2
	cfg.RPCTimeout = 2 * time.Second

	peers := meshOfPeers(t, cfg, 2)
	owner, other := peers[0], peers[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, owner.engine.Store(ctx, "ledger:genesis", record.Frozen, "immutable-value", storage.StoreOptions{}))

	value, meta, err := other.engine.Retrieve(ctx, "ledger:genesis")
	require.NoError(t, err)
	require.Equal(t, record.Frozen, meta.Space)
	require.Equal(t, "immutable-value", value)

	require.Error(t, other.engine.Update(ctx, "ledger:genesis", "tampered", storage.UpdateOptions{}))
}

func TestCRDTMergeAcrossPeersRequiresForceFlag(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 2
	cfg.RPCTimeout = 2 * time.Second
	cfg.ConflictResolution = config.CRDTMerge

	peers := meshOfPeers(t, cfg, 2)
	owner, other := peers[0], peers[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enableCRDT := true
	require.NoError(t, owner.engine.Store(ctx, "doc:shared", record.Public,
		map[string]any{"title": "draft", "body": "v0"}, storage.StoreOptions{EnableCRDT: &enableCRDT}))

	// A non-owner collaborator may not simply overwrite without opting into
	// CRDT-merge semantics, even though the key has EnableCRDT set.
	err := other.engine.Update(ctx, "doc:shared", map[string]any{"body": "v1-bad"}, storage.UpdateOptions{})
	require.Error(t, err)

	require.NoError(t, other.engine.Update(ctx, "doc:shared",
		map[string]any{"body": "v1-from-other"}, storage.UpdateOptions{ForceCRDTMerge: true}))

	value, meta, err := owner.engine.Retrieve(ctx, "doc:shared")
	require.NoError(t, err)
	merged, ok := value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "v1-from-other", merged["body"])
	require.Equal(t, owner.id.String(), meta.Owner)

	history := other.engine.History("doc:shared")
	require.NotEmpty(t, history)
}
