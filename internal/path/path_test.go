package path_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webdht/internal/config"
	"webdht/internal/cryptoprim"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/overlay"
	"webdht/internal/path"
	"webdht/internal/persistence"
	"webdht/internal/record"
	"webdht/internal/storage"
)

type noopConnector struct{}

func (noopConnector) Connect(ctx context.Context, self, peer string) (overlay.Transport, error) {
	return nil, context.DeadlineExceeded
}

func newRoot(t *testing.T) *path.Path {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false

	id, err := identity.New()
	require.NoError(t, err)
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager(id.String(), noopConnector{}, notifier, nil, time.Second, 0)
	d := dht.New(id, sm, persistence.NewMemory(), notifier, nil, cfg)
	eng := storage.New(id.String(), d, nil, cryptoprim.KeyPair{}, persistence.NewMemory(), notifier, nil, cfg)
	return path.Root(eng, record.Public)
}

func TestPathPutGetValue(t *testing.T) {
	root := newRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node := root.Get("users").Get("alice")
	require.Equal(t, "users:alice", node.GetPath())

	require.NoError(t, node.Put(ctx, map[string]any{"name": "alice"}))

	value, err := node.Value(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "alice"}, value)

	exists, err := node.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPathKeysListsChildren(t *testing.T) {
	root := newRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, root.Get("users").Get("alice").Put(ctx, "a"))
	require.NoError(t, root.Get("users").Get("bob").Put(ctx, "b"))

	keys, err := root.Get("users").Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, keys)
}

func TestPathPutTwiceBumpsVersionInsteadOfResetting(t *testing.T) {
	root := newRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node := root.Get("counter")
	require.NoError(t, node.Put(ctx, 1))
	require.NoError(t, node.Put(ctx, 2))

	value, err := node.Value(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(2), value)
}

func TestPathExistsFalseForMissingKey(t *testing.T) {
	root := newRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exists, err := root.Get("ghost").Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)
}
