// Package storage implements the Storage Engine (spec §4.3): the
// space-policy-aware, optionally-encrypted, optionally-CRDT-merging record
// store built on top of the Overlay DHT's raw replicated key/value
// operations.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"webdht/internal/config"
	"webdht/internal/cryptoprim"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/kverrors"
	"webdht/internal/persistence"
	"webdht/internal/record"
)

// StoreOptions customizes a single Store call beyond the engine-wide
// defaults (spec §4.3/§6). AllowedPeers maps a granted peer's ID to its
// public key: for a PRIVATE record, that key is a recipient the value is
// sealed to in addition to the owner, so a later Retrieve by that peer can
// actually decrypt it.
type StoreOptions struct {
	TTL          time.Duration
	AllowedPeers map[string][32]byte
	EnableCRDT   *bool // nil defers to Config.EnableCRDT
}

// UpdateOptions customizes a single Update call. AllowedPeers
// (spec §4.3's grantAccess) grants read/decrypt access only — it is never
// sufficient on its own to let a non-owner overwrite a key. A non-owner
// write is accepted only when the key was created with EnableCRDT and the
// caller explicitly asks for CRDT-merge semantics via ForceCRDTMerge;
// otherwise it is rejected as AccessDenied, matching spec invariant (3)'s
// "writes are owner-only unless the key opts into CRDT merge".
type UpdateOptions struct {
	ForceCRDTMerge bool
}

// Engine is the per-peer storage surface the lexical path interface and any
// direct caller use.
type Engine struct {
	self     string
	dht      *dht.DHT
	crypto   cryptoprim.Crypto
	keypair  cryptoprim.KeyPair
	index    persistence.Adapter
	cfg      config.Config
	notifier *events.Notifier
	logger   *zap.Logger

	mu    sync.RWMutex
	known map[string]record.Metadata // baseKey -> last-seen metadata, local knowledge only
	logs  map[string]*operationLog   // baseKey -> CRDT operation log
}

// New creates a Storage Engine over an already-running DHT. crypto/keypair
// may be zero-valued if EncryptionEnabled is false in cfg.
func New(self string, d *dht.DHT, crypto cryptoprim.Crypto, keypair cryptoprim.KeyPair, index persistence.Adapter, notifier *events.Notifier, logger *zap.Logger, cfg config.Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		self: self, dht: d, crypto: crypto, keypair: keypair, index: index,
		cfg: cfg, notifier: notifier, logger: logger,
		known: make(map[string]record.Metadata),
		logs:  make(map[string]*operationLog),
	}
	// The dht package cannot import storage (storage already imports dht),
	// so the write-policy check that would otherwise live next to
	// Update's gate is installed here as a callback instead.
	d.SetStoreValidator(e.storeValidator)
	return e
}

// storeValidator is installed on the DHT via SetStoreValidator, mirroring
// Update's ownership/CRDT write gate at the replica-acceptance boundary —
// without it, a peer could send a DHT_STORE directly to a replica and
// bypass Update's checks entirely (spec §4.3's write authorization must
// hold regardless of which layer a write arrives through).
func (e *Engine) storeValidator(existing record.Record, existingFound bool, candidate record.Record, from string) error {
	if !existingFound {
		return nil
	}
	if existing.Metadata.IsImmutable {
		return kverrors.New("storage.storeValidator", kverrors.AccessDenied)
	}
	if from == existing.Metadata.Owner {
		return nil
	}
	if existing.Metadata.EnableCRDT {
		return nil
	}
	return kverrors.New("storage.storeValidator", kverrors.AccessDenied)
}

// Store publishes value under key in the given space, enforcing the
// value-size limit, the space-uniqueness invariant (spec invariant 1), and
// PRIVATE-space encryption (spec §4.3/§6).
func (e *Engine) Store(ctx context.Context, key string, space record.Space, value any, opts StoreOptions) error {
	if !space.Valid() {
		return kverrors.New("storage.Store", kverrors.InvalidPayload)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return kverrors.Wrap("storage.Store", kverrors.InvalidPayload, err)
	}
	if int64(len(raw)) > e.cfg.MaxValueSize {
		return kverrors.New("storage.Store", kverrors.ValueTooLarge)
	}

	if e.cfg.SpaceEnforcement {
		if existing, found, err := e.dht.Get(ctx, key); err == nil && found {
			if existing.Metadata.Space != space {
				return kverrors.New("storage.Store", kverrors.DuplicateKeyInOtherSpace)
			}
		}
	}

	enableCRDT := e.cfg.EnableCRDT
	if opts.EnableCRDT != nil {
		enableCRDT = *opts.EnableCRDT
	}

	now := time.Now()
	ttl := opts.TTL
	if ttl == 0 {
		ttl = e.cfg.DefaultTTL
	}

	allowed := map[string][32]byte{e.self: e.keypair.PublicKey}
	for peer, pub := range opts.AllowedPeers {
		allowed[peer] = pub
	}

	e.mu.Lock()
	log := e.logForKey(key)
	log.clock.Increment(e.self)
	clockCopy := log.clock.Copy()
	e.mu.Unlock()

	meta := record.Metadata{
		Key: key, Space: space, Owner: e.self,
		// FROZEN is read-open and immutable, not confidential: only PRIVATE
		// gates reads, so IsPublic must be true for both PUBLIC and FROZEN.
		IsPublic: space != record.Private, IsImmutable: space == record.Frozen,
		AllowedPeers: allowed,
		CreatedAt:    now.UnixMilli(), UpdatedAt: now.UnixMilli(),
		Version:     1,
		EnableCRDT:  enableCRDT,
		VectorClock: clockCopy.ToMetadata(),
		Type:        "storage",
	}
	if ttl > 0 {
		meta.TTL = ttl.Milliseconds()
	}

	rec := record.Record{Value: value, Metadata: meta}
	if space == record.Private && e.cfg.EncryptionEnabled {
		rec, err = e.encryptRecord(rec, allowed)
		if err != nil {
			return err
		}
	}

	if err := e.dht.Store(ctx, key, rec); err != nil {
		return err
	}

	e.mu.Lock()
	e.known[key] = meta
	log.append(record.CRDTOp{
		PeerID: e.self, Timestamp: now.UnixMilli(), VectorClock: clockCopy.ToMetadata(),
		Operation: value, Type: record.CRDTReplace,
	})
	e.mu.Unlock()

	e.notifier.Emit(events.Event{Kind: events.DataStored, Key: key, Payload: rec})
	return nil
}

// Retrieve fetches and, if necessary, decrypts the record stored under key.
func (e *Engine) Retrieve(ctx context.Context, key string) (any, record.Metadata, error) {
	rec, found, err := e.dht.Get(ctx, key)
	if err != nil {
		return nil, record.Metadata{}, err
	}
	if !found {
		return nil, record.Metadata{}, kverrors.New("storage.Retrieve", kverrors.NotFound)
	}

	if !rec.Metadata.IsPublic {
		_, granted := rec.Metadata.AllowedPeers[e.self]
		if rec.Metadata.Owner != e.self && !granted {
			return nil, record.Metadata{}, kverrors.New("storage.Retrieve", kverrors.AccessDenied)
		}
	}

	if rec.Encrypted {
		value, err := e.decryptRecord(rec)
		if err != nil {
			return nil, record.Metadata{}, err
		}
		e.cacheKnown(key, rec.Metadata)
		e.notifier.Emit(events.Event{Kind: events.DataRetrieved, Key: key})
		return value, rec.Metadata, nil
	}

	e.cacheKnown(key, rec.Metadata)
	e.notifier.Emit(events.Event{Kind: events.DataRetrieved, Key: key})
	return rec.Value, rec.Metadata, nil
}

// Update writes a new value for an existing key, merging under CRDT
// semantics if the key was created with EnableCRDT, the engine's
// ConflictResolution is crdt-merge, and a concurrent write is detected,
// otherwise applying last-write-wins (spec §4.3/§4.4). A
// non-owner caller is only accepted when the key has EnableCRDT set and
// opts.ForceCRDTMerge is true; AllowedPeers alone grants read access, not
// write access.
func (e *Engine) Update(ctx context.Context, key string, value any, opts UpdateOptions) error {
	current, found, err := e.dht.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return kverrors.New("storage.Update", kverrors.NotFound)
	}
	if current.Metadata.IsImmutable {
		return kverrors.New("storage.Update", kverrors.AccessDenied)
	}
	if current.Metadata.Owner != e.self {
		if !current.Metadata.EnableCRDT || !opts.ForceCRDTMerge {
			return kverrors.New("storage.Update", kverrors.AccessDenied)
		}
	}

	e.mu.Lock()
	log := e.logForKey(key)
	log.clock.Increment(e.self)
	ownClock := log.clock.Copy()
	e.mu.Unlock()

	now := time.Now()

	if current.Metadata.EnableCRDT && e.cfg.ConflictResolution == config.CRDTMerge {
		existingClock := FromMetadata(current.Metadata.VectorClock)
		if existingClock.Compare(ownClock) == Concurrent {
			local := current
			remote := record.Record{
				Value: value,
				Metadata: record.Metadata{
					Owner: e.self, UpdatedAt: now.UnixMilli(),
					Version: current.Metadata.Version, VectorClock: ownClock.ToMetadata(),
				},
			}
			merged := MergeRecords(local, remote, now)
			merged.Metadata.Key = key
			merged.Metadata.Space = current.Metadata.Space
			merged.Metadata.Owner = current.Metadata.Owner
			merged.Metadata.IsPublic = current.Metadata.IsPublic
			merged.Metadata.IsImmutable = current.Metadata.IsImmutable
			merged.Metadata.AllowedPeers = current.Metadata.AllowedPeers
			merged.Metadata.CreatedAt = current.Metadata.CreatedAt
			merged.Metadata.EnableCRDT = current.Metadata.EnableCRDT
			merged.Metadata.Type = "storage"

			if current.Metadata.Space == record.Private && e.cfg.EncryptionEnabled {
				if merged, err = e.encryptRecord(merged, current.Metadata.AllowedPeers); err != nil {
					return err
				}
			}
			if err := e.dht.Store(ctx, key, merged); err != nil {
				return err
			}
			e.mu.Lock()
			e.known[key] = merged.Metadata
			log.append(record.CRDTOp{
				PeerID: e.self, Timestamp: now.UnixMilli(), VectorClock: merged.Metadata.VectorClock,
				Operation: value, Type: record.CRDTMerge,
			})
			e.mu.Unlock()
			e.notifier.Emit(events.Event{Kind: events.DataUpdated, Key: key, Payload: merged})
			return nil
		}
	}

	meta := current.Metadata
	meta.Version++
	meta.UpdatedAt = now.UnixMilli()
	meta.VectorClock = ownClock.ToMetadata()

	updated := record.Record{Value: value, Metadata: meta}
	if current.Metadata.Space == record.Private && e.cfg.EncryptionEnabled {
		if updated, err = e.encryptRecord(updated, current.Metadata.AllowedPeers); err != nil {
			return err
		}
	}
	if err := e.dht.Store(ctx, key, updated); err != nil {
		return err
	}
	e.mu.Lock()
	e.known[key] = meta
	log.append(record.CRDTOp{
		PeerID: e.self, Timestamp: now.UnixMilli(), VectorClock: meta.VectorClock,
		Operation: value, Type: record.CRDTReplace,
	})
	e.mu.Unlock()
	e.notifier.Emit(events.Event{Kind: events.DataUpdated, Key: key, Payload: updated})
	return nil
}

// Delete writes a tombstone for key (spec §4.3 soft-delete semantics).
func (e *Engine) Delete(ctx context.Context, key string) error {
	current, found, err := e.dht.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return kverrors.New("storage.Delete", kverrors.NotFound)
	}
	if current.Metadata.IsImmutable {
		return kverrors.New("storage.Delete", kverrors.AccessDenied)
	}
	if current.Metadata.Owner != e.self {
		return kverrors.New("storage.Delete", kverrors.AccessDenied)
	}

	tomb := record.NewTombstone(current, e.self, time.Now())
	if err := e.dht.Store(ctx, key, tomb); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.known, key)
	delete(e.logs, key)
	e.mu.Unlock()

	e.notifier.Emit(events.Event{Kind: events.DataDeleted, Key: key})
	return nil
}

// GrantAccess adds peer to key's AllowedPeers (owner only), recording
// peerPublicKey so a PRIVATE record can be re-sealed with a copy the
// grantee can actually decrypt.
func (e *Engine) GrantAccess(ctx context.Context, key, peer string, peerPublicKey [32]byte) error {
	return e.mutateACL(ctx, key, func(allowed map[string][32]byte) { allowed[peer] = peerPublicKey }, events.AccessGranted)
}

// RevokeAccess removes peer from key's AllowedPeers (owner only) and, for a
// PRIVATE record, re-seals it without that peer's copy. Ciphertext the
// revoked peer already fetched before the revoke remains readable to it —
// there is no retroactive forward secrecy here, only exclusion from future
// seals.
func (e *Engine) RevokeAccess(ctx context.Context, key, peer string) error {
	return e.mutateACL(ctx, key, func(allowed map[string][32]byte) { delete(allowed, peer) }, events.AccessRevoked)
}

func (e *Engine) mutateACL(ctx context.Context, key string, mutate func(map[string][32]byte), kind events.Kind) error {
	current, found, err := e.dht.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return kverrors.New("storage.mutateACL", kverrors.NotFound)
	}
	if current.Metadata.Owner != e.self {
		return kverrors.New("storage.mutateACL", kverrors.AccessDenied)
	}

	allowed := make(map[string][32]byte, len(current.Metadata.AllowedPeers))
	for p, pub := range current.Metadata.AllowedPeers {
		allowed[p] = pub
	}
	mutate(allowed)

	meta := current.Metadata
	meta.AllowedPeers = allowed
	meta.Version++
	meta.UpdatedAt = time.Now().UnixMilli()

	value, encrypted, encryptedBy := current.Value, current.Encrypted, current.EncryptedBy
	if current.Encrypted {
		// The recipient set changed: decrypt with the owner's own key, then
		// re-seal so every currently-allowed peer (and only those peers)
		// holds a copy it can open.
		plain, err := e.decryptRecord(current)
		if err != nil {
			return err
		}
		resealed, err := e.encryptRecord(record.Record{Value: plain, Metadata: meta}, allowed)
		if err != nil {
			return err
		}
		value, encrypted, encryptedBy = resealed.Value, resealed.Encrypted, resealed.EncryptedBy
	}

	updated := record.Record{Value: value, Metadata: meta, Encrypted: encrypted, EncryptedBy: encryptedBy}
	if err := e.dht.Store(ctx, key, updated); err != nil {
		return err
	}
	e.cacheKnown(key, meta)
	e.notifier.Emit(events.Event{Kind: kind, Key: key})
	return nil
}

// Subscribe registers this peer's interest in key's updates.
func (e *Engine) Subscribe(ctx context.Context, key string) error {
	return e.dht.Subscribe(ctx, key, e.self)
}

// Unsubscribe withdraws this peer's interest in key's updates.
func (e *Engine) Unsubscribe(key string) {
	e.dht.Unsubscribe(key, e.self)
}

// BulkStoreItem is one entry of a BulkStore call.
type BulkStoreItem struct {
	Key     string
	Space   record.Space
	Value   any
	Options StoreOptions
}

// BulkResult pairs a key with the error (nil on success) from a bulk
// operation, used by BulkStore/BulkDelete.
type BulkResult struct {
	Key string
	Err error
}

// BulkStore stores items with bounded fan-out (config.BulkFanout), matching
// the single-request-multiple-keys contract in spec §6.
func (e *Engine) BulkStore(ctx context.Context, items []BulkStoreItem) []BulkResult {
	return e.bulkRun(len(items), func(i int) BulkResult {
		it := items[i]
		return BulkResult{Key: it.Key, Err: e.Store(ctx, it.Key, it.Space, it.Value, it.Options)}
	})
}

// BulkRetrieveResult additionally carries the retrieved value.
type BulkRetrieveResult struct {
	Key   string
	Value any
	Err   error
}

// BulkRetrieve fetches keys with bounded fan-out.
func (e *Engine) BulkRetrieve(ctx context.Context, keys []string) []BulkRetrieveResult {
	out := make([]BulkRetrieveResult, len(keys))
	e.bulkRun(len(keys), func(i int) BulkResult {
		value, _, err := e.Retrieve(ctx, keys[i])
		out[i] = BulkRetrieveResult{Key: keys[i], Value: value, Err: err}
		return BulkResult{Key: keys[i], Err: err}
	})
	return out
}

// BulkDelete deletes keys with bounded fan-out.
func (e *Engine) BulkDelete(ctx context.Context, keys []string) []BulkResult {
	return e.bulkRun(len(keys), func(i int) BulkResult {
		return BulkResult{Key: keys[i], Err: e.Delete(ctx, keys[i])}
	})
}

func (e *Engine) bulkRun(n int, fn func(i int) BulkResult) []BulkResult {
	fanout := e.cfg.BulkFanout
	if fanout <= 0 || fanout > n {
		fanout = n
	}
	if fanout == 0 {
		return nil
	}

	results := make([]BulkResult, n)
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(i)
		}(i)
	}
	wg.Wait()
	return results
}

// ListKeys returns every key this peer has locally observed (created,
// updated, or retrieved), optionally filtered to one space. The DHT has no
// global enumeration primitive, so this reflects local knowledge only.
func (e *Engine) ListKeys(space record.Space) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.known))
	for k, meta := range e.known {
		if space != "" && meta.Space != space {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Search returns every locally-known key whose metadata satisfies predicate.
func (e *Engine) Search(predicate func(record.Metadata) bool) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var keys []string
	for k, meta := range e.known {
		if predicate(meta) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// History returns this peer's locally observed CRDT operation log for key,
// oldest first — an audit trail of every Store/Update this peer itself
// issued or folded into a merge, bounded by maxOperationLogLen. It is local
// knowledge only: the log is never replicated or replayed on another peer,
// only the converged record and its vector clock are.
func (e *Engine) History(key string) []record.CRDTOp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	log, ok := e.logs[key]
	if !ok {
		return nil
	}
	out := make([]record.CRDTOp, len(log.ops))
	copy(out, log.ops)
	return out
}

// Backup serializes this peer's locally-known key metadata index — not the
// DHT's replicated records, which already have durability via replication —
// as a recovery aid for a peer that lost its local index cache.
func (e *Engine) Backup() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(e.known)
}

// Restore replaces the local index from a Backup blob.
func (e *Engine) Restore(blob []byte) error {
	var known map[string]record.Metadata
	if err := json.Unmarshal(blob, &known); err != nil {
		return fmt.Errorf("storage: restore index: %w", err)
	}
	e.mu.Lock()
	e.known = known
	e.mu.Unlock()
	return nil
}

// GetStats reports the local index's persistence footprint.
func (e *Engine) GetStats() (persistence.Stats, error) {
	return e.index.GetStats()
}

func (e *Engine) cacheKnown(key string, meta record.Metadata) {
	e.mu.Lock()
	e.known[key] = meta
	e.mu.Unlock()
}

func (e *Engine) logForKey(key string) *operationLog {
	log, ok := e.logs[key]
	if !ok {
		log = newOperationLog()
		e.logs[key] = log
	}
	return log
}

func (e *Engine) encryptRecord(rec record.Record, recipients map[string][32]byte) (record.Record, error) {
	if e.crypto == nil {
		return record.Record{}, kverrors.New("storage.encryptRecord", kverrors.CryptoUnavailable)
	}
	plaintext, err := json.Marshal(rec.Value)
	if err != nil {
		return record.Record{}, kverrors.Wrap("storage.encryptRecord", kverrors.InvalidPayload, err)
	}
	env, err := e.crypto.EncryptMessageWithMeta(recipients, plaintext)
	if err != nil {
		return record.Record{}, kverrors.Wrap("storage.encryptRecord", kverrors.CryptoUnavailable, err)
	}
	rec.Value = env
	rec.Encrypted = true
	rec.EncryptedBy = e.self
	return rec, nil
}

func (e *Engine) decryptRecord(rec record.Record) (any, error) {
	if e.crypto == nil {
		return nil, kverrors.New("storage.decryptRecord", kverrors.CryptoUnavailable)
	}
	raw, err := json.Marshal(rec.Value)
	if err != nil {
		return nil, kverrors.Wrap("storage.decryptRecord", kverrors.InvalidPayload, err)
	}
	var env cryptoprim.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, kverrors.Wrap("storage.decryptRecord", kverrors.InvalidPayload, err)
	}
	plaintext, err := e.crypto.DecryptMessageWithMeta(e.self, e.keypair, env)
	if err != nil {
		return nil, kverrors.Wrap("storage.decryptRecord", kverrors.CryptoUnavailable, err)
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, kverrors.Wrap("storage.decryptRecord", kverrors.InvalidPayload, err)
	}
	return value, nil
}
