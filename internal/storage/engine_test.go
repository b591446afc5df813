package storage_test

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
	"webdht/internal/persistence"
	"webdht/internal/record"
	"webdht/internal/storage"
)

// loopbackConnector never actually connects anywhere; it's enough for a
// single-node engine whose replica set is always just itself.
type loopbackConnector struct{}

func (loopbackConnector) Connect(ctx context.Context, self, peer string) (overlay.Transport, error) {
	return nil, context.DeadlineExceeded
}

func newSingleNodeEngine(t *testing.T, cfg config.Config) (*storage.Engine, string) {
	id, err := identity.New()
	require.NoError(t, err)
	notifier := events.NewNotifier()
	sm := overlay.NewSessionManager(id.String(), loopbackConnector{}, notifier, nil, time.Second, 0)
	d := dht.New(id, sm, persistence.NewMemory(), notifier, nil, cfg)
	eng := storage.New(id.String(), d, nil, cryptoprim.KeyPair{}, persistence.NewMemory(), notifier, nil, cfg)
	return eng, id.String()
}

func TestStoreRetrieveUpdateDelete(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false

	eng, _ := newSingleNodeEngine(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, eng.Store(ctx, "profile:alice", record.Public, map[string]any{"name": "alice"}, storage.StoreOptions{}))

	value, meta, err := eng.Retrieve(ctx, "profile:alice")
	require.NoError(t, err)
	require.Equal(t, record.Public, meta.Space)
	require.NotNil(t, value)

	require.NoError(t, eng.Update(ctx, "profile:alice", map[string]any{"name": "alice2"}, storage.UpdateOptions{}))
	value, meta, err = eng.Retrieve(ctx, "profile:alice")
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.Version)
	require.Equal(t, map[string]any{"name": "alice2"}, value)

	require.NoError(t, eng.Delete(ctx, "profile:alice"))
	_, _, err = eng.Retrieve(ctx, "profile:alice")
	require.Error(t, err)
}

func TestDuplicateKeyInOtherSpaceRejected(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false

	eng, _ := newSingleNodeEngine(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, eng.Store(ctx, "shared-key", record.Public, "v1", storage.StoreOptions{}))
	err := eng.Store(ctx, "shared-key", record.Frozen, "v2", storage.StoreOptions{})
	require.Error(t, err)
}

func TestFrozenKeyRejectsUpdateAndDelete(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false

	eng, _ := newSingleNodeEngine(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, eng.Store(ctx, "immutable-key", record.Frozen, "v1", storage.StoreOptions{}))
	require.Error(t, eng.Update(ctx, "immutable-key", "v2", storage.UpdateOptions{}))
	require.Error(t, eng.Delete(ctx, "immutable-key"))
}

func TestBulkStoreAndListKeys(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicationFactor = 1
	cfg.EncryptionEnabled = false
	cfg.BulkFanout = 2

	eng, _ := newSingleNodeEngine(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	items := []storage.BulkStoreItem{
		{Key: "a", Space: record.Public, Value: 1},
		{Key: "b", Space: record.Public, Value: 2},
		{Key: "c", Space: record.Public, Value: 3},
	}
	results := eng.BulkStore(ctx, items)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	keys := eng.ListKeys(record.Public)
	require.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}
