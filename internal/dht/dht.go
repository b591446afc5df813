// Package dht implements the Overlay DHT (spec §4.2): replica selection by
// XOR distance, quorum-based store/get, subscription propagation, and
// tombstone retention — everything above the raw Session Manager and below
// the Storage Engine's CRDT and space-policy semantics.
package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"webdht/internal/config"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/kverrors"
	"webdht/internal/overlay"
	"webdht/internal/persistence"
	"webdht/internal/record"
	"webdht/internal/wire"
)

// pendingRequest is a reply mailbox for a request this peer sent and is
// waiting to correlate a response to by RequestID.
type pendingRequest struct {
	replies chan wire.Frame
}

// DHT coordinates replica placement and RPC fan-out across the peers the
// Session Manager currently has open channels to.
type DHT struct {
	self   identity.ID
	selfID string
	cfg    config.Config

	routing  *RoutingTable
	sessions *overlay.SessionManager
	adapter  persistence.Adapter
	notifier *events.Notifier
	logger   *zap.Logger

	mu      sync.RWMutex
	pending map[uint64]*pendingRequest

	subMu         sync.Mutex
	subscriptions map[string]map[string]bool // keyID -> set of subscriber peer IDs

	tombMu     sync.Mutex
	tombstones map[string]time.Time // keyID -> local-store time, for grace-period pruning

	valMu     sync.RWMutex
	validator StoreValidator
}

// StoreValidator is the Storage Engine's write-policy check, invoked by
// applyLocalStore before this node accepts a write it is a replica for.
// existing/existingFound is this node's current local copy, if any; from is
// the peer ID the write is attributed to (the wire sender for a remote
// DHT_STORE, or this node's own ID for a locally-originated one). Returning
// an error rejects the candidate. The dht package cannot import storage
// (storage imports dht, and Go forbids the cycle the reverse would create),
// so this hook is the only way Storage Engine policy — ownership, ACLs,
// CRDT-merge eligibility — reaches the replica acceptance path.
type StoreValidator func(existing record.Record, existingFound bool, candidate record.Record, from string) error

// SetStoreValidator installs v as the active store validator, replacing any
// previously set one. Intended to be called once, right after New, before
// the DHT starts taking traffic. A nil validator (the default) accepts any
// write that isn't stale by record.Newer.
func (d *DHT) SetStoreValidator(v StoreValidator) {
	d.valMu.Lock()
	d.validator = v
	d.valMu.Unlock()
}

// New wires a DHT on top of an already-running SessionManager. adapter
// backs local replica storage; pass persistence.NewMemory() for an ephemeral
// peer.
func New(self identity.ID, sessions *overlay.SessionManager, adapter persistence.Adapter, notifier *events.Notifier, logger *zap.Logger, cfg config.Config) *DHT {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DHT{
		self:          self,
		selfID:        self.String(),
		cfg:           cfg,
		routing:       NewRoutingTable(self),
		sessions:      sessions,
		adapter:       adapter,
		notifier:      notifier,
		logger:        logger,
		pending:       make(map[uint64]*pendingRequest),
		subscriptions: make(map[string]map[string]bool),
		tombstones:    make(map[string]time.Time),
	}

	sessions.OnFrame(d.handleFrame)
	sessions.OnPeerUp(func(peer string) {
		if id, err := identity.FromHex(peer); err == nil {
			d.routing.Add(id)
		}
	})
	sessions.OnPeerDown(func(peer string) {
		if id, err := identity.FromHex(peer); err == nil {
			d.routing.Remove(id)
		}
	})

	go d.tombstoneReaper()

	return d
}

// replicaSet returns the N peers (including self, if within range) closest
// to keyID by XOR distance, per spec §4.2.
func (d *DHT) replicaSet(keyID identity.ID) []identity.ID {
	candidates := d.routing.NearestTo(keyID, d.cfg.ReplicationFactor)

	all := append(candidates, d.self)
	// Re-rank including self, then trim to N — self may or may not make the cut.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			di := identity.Distance(all[i], keyID)
			dj := identity.Distance(all[j], keyID)
			if identity.Less(dj, di) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > d.cfg.ReplicationFactor {
		all = all[:d.cfg.ReplicationFactor]
	}
	return all
}

func (d *DHT) isReplica(keyID identity.ID) bool {
	for _, id := range d.replicaSet(keyID) {
		if id == d.self {
			return true
		}
	}
	return false
}

// Store publishes rec under key to its replica set, requiring Quorum() acks
// before returning (spec §4.2). Fails QuorumFailed if fewer than quorum
// replicas ack within RPCTimeout, or DhtUnavailable if no replica (including
// self) could be reached at all.
func (d *DHT) Store(ctx context.Context, key string, rec record.Record) error {
	keyID := identity.KeyID(key)
	replicas := d.replicaSet(keyID)
	if len(replicas) == 0 {
		return kverrors.New("dht.Store", kverrors.DhtUnavailable)
	}

	quorum := d.cfg.Quorum()
	if quorum > len(replicas) {
		quorum = len(replicas)
	}

	var mu sync.Mutex
	acks := 0
	var lastErr error
	reached := 0

	var wg sync.WaitGroup
	for _, replicaID := range replicas {
		wg.Add(1)
		go func(id identity.ID) {
			defer wg.Done()
			var err error
			if id == d.self {
				err = d.applyLocalStore(key, keyID, rec, d.selfID)
			} else {
				err = d.sendStoreWithRetry(ctx, id, key, keyID, rec)
			}
			mu.Lock()
			// A replica counts as reached unless the send itself failed
			// (no route, or no reply before the deadline).
			if err == nil || id == d.self || !(kverrors.Is(err, kverrors.RouteExhausted) || kverrors.Is(err, kverrors.Timeout)) {
				reached++
			}
			if err == nil {
				acks++
			} else {
				lastErr = err
			}
			mu.Unlock()
		}(replicaID)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if acks >= quorum {
		return nil
	}
	if reached == 0 {
		return kverrors.New("dht.Store", kverrors.DhtUnavailable)
	}
	return kverrors.Wrap("dht.Store", kverrors.QuorumFailed, fmt.Errorf("%d/%d acks (need %d): %w", acks, len(replicas), quorum, lastErr))
}

// applyLocalStore accepts rec as this node's local replica copy under key,
// rejecting it as StaleWrite if a newer record (by record.Newer) is already
// held, and consulting the installed StoreValidator before persisting —
// closing the gap where a replica would otherwise overwrite its copy with
// whatever the most recent DHT_STORE happened to claim, version or no.
func (d *DHT) applyLocalStore(key string, keyID identity.ID, rec record.Record, from string) error {
	existing, found, _ := d.localGet(keyID)
	// Reject only a candidate strictly older than what's already held — a
	// retried or read-repaired resend of the exact same version must still
	// succeed, not bounce as stale.
	if found && record.Newer(existing, rec) {
		return kverrors.New("dht.applyLocalStore", kverrors.StaleWrite)
	}

	d.valMu.RLock()
	validator := d.validator
	d.valMu.RUnlock()
	if validator != nil {
		if err := validator(existing, found, rec, from); err != nil {
			return err
		}
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dht: marshal record: %w", err)
	}
	if err := d.adapter.Set(keyID.String(), blob, nil); err != nil {
		return fmt.Errorf("dht: persist record: %w", err)
	}
	if rec.IsTombstone() {
		d.tombMu.Lock()
		d.tombstones[keyID.String()] = time.Now()
		d.tombMu.Unlock()
	}
	d.notifyLocalSubscribers(key, keyID, rec)
	return nil
}

func (d *DHT) sendStoreWithRetry(ctx context.Context, peer identity.ID, key string, keyID identity.ID, rec record.Record) error {
	body := wire.StoreBody{KeyID: keyID.String(), Record: rec}
	return d.rpcWithRetry(ctx, peer, wire.DHTStore, body, func(reply wire.Frame) error {
		switch reply.Kind {
		case wire.StoreAck:
			return nil
		case wire.StoreReject:
			if b, ok := reply.Body.(wire.StoreRejectBody); ok {
				return fmt.Errorf("store rejected by %s: %s", peer.String(), b.Reason)
			}
			return fmt.Errorf("store rejected by %s", peer.String())
		default:
			return fmt.Errorf("unexpected reply kind %s to DHT_STORE", reply.Kind)
		}
	})
}

// Get fetches the freshest known record for key from R replicas (including
// self when in range), reconciling by record.Newer and kicking off
// asynchronous read-repair against any stale replica — adapted from the
// teacher's Replicator.CoordinateRead/reconcile.
func (d *DHT) Get(ctx context.Context, key string) (record.Record, bool, error) {
	keyID := identity.KeyID(key)
	replicas := d.replicaSet(keyID)
	if len(replicas) == 0 {
		return record.Record{}, false, kverrors.New("dht.Get", kverrors.DhtUnavailable)
	}

	readQuorum := d.cfg.Quorum()
	if readQuorum > len(replicas) {
		readQuorum = len(replicas)
	}

	type response struct {
		id  identity.ID
		rec record.Record
		ok  bool
	}
	results := make(chan response, len(replicas))

	for _, replicaID := range replicas {
		go func(id identity.ID) {
			if id == d.self {
				rec, ok, _ := d.localGet(keyID)
				results <- response{id: id, rec: rec, ok: ok}
				return
			}
			rec, ok, err := d.sendGetWithRetry(ctx, id, keyID)
			if err != nil {
				results <- response{id: id, ok: false}
				return
			}
			results <- response{id: id, rec: rec, ok: ok}
		}(replicaID)
	}

	var collected []response
	timeout := time.After(d.cfg.RPCTimeout)
collect:
	for len(collected) < readQuorum {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-timeout:
			break collect
		}
	}
	if len(collected) < readQuorum {
		return record.Record{}, false, kverrors.New("dht.Get", kverrors.QuorumFailed)
	}

	var winner *record.Record
	var winnerID identity.ID
	var stale []identity.ID
	for _, r := range collected {
		if !r.ok {
			continue
		}
		if winner == nil {
			cp := r.rec
			winner = &cp
			winnerID = r.id
			continue
		}
		if record.Newer(r.rec, *winner) {
			stale = append(stale, winnerID)
			cp := r.rec
			winner = &cp
			winnerID = r.id
		} else {
			stale = append(stale, r.id)
		}
	}

	if winner == nil {
		return record.Record{}, false, nil
	}
	if winner.IsTombstone() {
		return record.Record{}, false, nil
	}

	if len(stale) > 0 {
		go d.readRepair(key, keyID, *winner, stale)
	}

	return *winner, true, nil
}

func (d *DHT) localGet(keyID identity.ID) (record.Record, bool, error) {
	blob, ok, err := d.adapter.Get(keyID.String())
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	var rec record.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return record.Record{}, false, fmt.Errorf("dht: unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (d *DHT) sendGetWithRetry(ctx context.Context, peer identity.ID, keyID identity.ID) (record.Record, bool, error) {
	var rec record.Record
	var found bool
	err := d.rpcWithRetry(ctx, peer, wire.DHTGet, wire.GetBody{KeyID: keyID.String()}, func(reply wire.Frame) error {
		b, ok := reply.Body.(wire.GetReplyBody)
		if !ok {
			return fmt.Errorf("unexpected reply kind %s to DHT_GET", reply.Kind)
		}
		if b.Record != nil {
			rec = *b.Record
			found = true
		}
		return nil
	})
	return rec, found, err
}

func (d *DHT) readRepair(key string, keyID identity.ID, winner record.Record, staleReplicas []identity.ID) {
	for _, id := range staleReplicas {
		if id == d.self {
			_ = d.applyLocalStore(key, keyID, winner, winner.Metadata.Owner)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
		_ = d.sendStoreWithRetry(ctx, id, key, keyID, winner)
		cancel()
	}
}

// Subscribe registers subscriberPeer's interest in key, both locally and on
// whichever replicas currently hold it, so future DHT_NOTIFY frames reach
// the subscriber regardless of which replica observes the write.
func (d *DHT) Subscribe(ctx context.Context, key, subscriberPeer string) error {
	keyID := identity.KeyID(key)

	d.subMu.Lock()
	set, ok := d.subscriptions[keyID.String()]
	if !ok {
		set = make(map[string]bool)
		d.subscriptions[keyID.String()] = set
	}
	set[subscriberPeer] = true
	d.subMu.Unlock()

	for _, replicaID := range d.replicaSet(keyID) {
		if replicaID == d.self {
			continue
		}
		_ = d.rpcWithRetry(ctx, replicaID, wire.DHTSubscribe, wire.SubscribeBody{KeyID: keyID.String()}, func(wire.Frame) error { return nil })
	}
	return nil
}

// Unsubscribe removes subscriberPeer's interest in key.
func (d *DHT) Unsubscribe(key, subscriberPeer string) {
	keyID := identity.KeyID(key)
	d.subMu.Lock()
	if set, ok := d.subscriptions[keyID.String()]; ok {
		delete(set, subscriberPeer)
	}
	d.subMu.Unlock()
}

func (d *DHT) notifyLocalSubscribers(key string, keyID identity.ID, rec record.Record) {
	d.subMu.Lock()
	set := d.subscriptions[keyID.String()]
	subscribers := make([]string, 0, len(set))
	for s := range set {
		subscribers = append(subscribers, s)
	}
	d.subMu.Unlock()

	for _, sub := range subscribers {
		subID, err := identity.FromHex(sub)
		if err != nil || subID == d.self {
			continue
		}
		frame := wire.Frame{
			Kind:      wire.DHTNotify,
			RequestID: wire.NewRequestID(),
			From:      d.selfID,
			To:        sub,
			TTL:       uint8(d.cfg.HopBudget(d.routing.Size() + 1)),
			Body:      wire.NotifyBody{KeyID: keyID.String(), Record: rec},
		}
		d.sendFrame(context.Background(), subID, frame)
	}
	d.notifier.Emit(events.Event{Kind: events.DataUpdated, Key: key, Payload: rec})
}

// rpcWithRetry sends req to peer and waits for a correlated reply, retrying
// up to RetryAttempts times with jittered exponential backoff — adapted
// from the teacher's Replicator.sendReplicateRequest.
func (d *DHT) rpcWithRetry(ctx context.Context, peer identity.ID, kind wire.Kind, body any, onReply func(wire.Frame) error) error {
	var lastErr error
	backoff := d.cfg.RetryBackoff

	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			time.Sleep(backoff + jitter)
			backoff *= 2
		}

		reqID := wire.NewRequestID()
		frame := wire.Frame{Kind: kind, RequestID: reqID, From: d.selfID, To: peer.String(), TTL: uint8(d.cfg.HopBudget(d.routing.Size() + 1)), Body: body}

		reply, err := d.roundTrip(ctx, peer, frame)
		if err != nil {
			lastErr = err
			continue
		}
		if err := onReply(reply); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = kverrors.New("dht.rpc", kverrors.RouteExhausted)
	}
	return lastErr
}

func (d *DHT) roundTrip(ctx context.Context, peer identity.ID, frame wire.Frame) (wire.Frame, error) {
	pr := &pendingRequest{replies: make(chan wire.Frame, 1)}

	d.mu.Lock()
	d.pending[frame.RequestID] = pr
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, frame.RequestID)
		d.mu.Unlock()
	}()

	rpcCtx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	defer cancel()

	if !d.sendFrame(rpcCtx, peer, frame) {
		return wire.Frame{}, kverrors.New("dht.roundTrip", kverrors.RouteExhausted)
	}

	select {
	case reply := <-pr.replies:
		return reply, nil
	case <-rpcCtx.Done():
		return wire.Frame{}, kverrors.Wrap("dht.roundTrip", kverrors.Timeout, rpcCtx.Err())
	}
}

func (d *DHT) sendFrame(ctx context.Context, peer identity.ID, frame wire.Frame) bool {
	if !d.sessions.IsConnected(peer.String()) {
		if connErr := d.sessions.Connect(ctx, peer.String()); connErr != nil {
			return d.relayFrame(ctx, d.self, frame)
		}
	}
	return d.transmit(ctx, peer, frame)
}

func (d *DHT) transmit(ctx context.Context, peer identity.ID, frame wire.Frame) bool {
	data, err := wire.Encode(frame)
	if err != nil {
		d.logger.Warn("dht: failed to encode frame", zap.Error(err))
		return false
	}
	if err := d.sessions.Send(ctx, peer.String(), data); err != nil {
		return d.relayFrame(ctx, d.self, frame)
	}
	return true
}

// relayFrame forwards frame toward its logical destination (frame.To) via
// the nearest peer this node currently knows, decrementing the remaining
// hop budget — the store-and-forward path for "a peer that is not a
// replica forwards the request to the nearest replica it knows" when
// frame's destination isn't directly reachable. exclude is never chosen as
// the next hop, so a frame never bounces straight back the way it arrived.
func (d *DHT) relayFrame(ctx context.Context, exclude identity.ID, frame wire.Frame) bool {
	target, err := identity.FromHex(frame.To)
	if err != nil {
		return false
	}
	if frame.TTL == 0 {
		d.logger.Warn("dht: dropping frame, hop budget exhausted",
			zap.String("to", frame.To), zap.String("kind", string(frame.Kind)))
		return false
	}

	next := d.nextHopToward(target, exclude)
	if next == nil {
		return false
	}

	frame.TTL--
	if !d.sessions.IsConnected(next.String()) {
		if connErr := d.sessions.Connect(ctx, next.String()); connErr != nil {
			return false
		}
	}
	return d.transmit(ctx, *next, frame)
}

// nextHopToward returns the known peer nearest to target by XOR distance,
// skipping self and exclude.
func (d *DHT) nextHopToward(target, exclude identity.ID) *identity.ID {
	for _, candidate := range d.routing.NearestTo(target, d.routing.Size()+1) {
		if candidate == d.self || candidate == exclude {
			continue
		}
		hop := candidate
		return &hop
	}
	return nil
}

// handleFrame is the SessionManager inbound-frame callback. A frame not
// addressed to this peer is forwarded on toward its destination rather than
// dispatched locally; everything else is routed to its handler or, for
// replies, to the waiting pendingRequest.
func (d *DHT) handleFrame(from string, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		d.logger.Warn("dht: dropping malformed frame", zap.String("from", from), zap.Error(err))
		return
	}

	if frame.To != "" && frame.To != d.selfID {
		if fromID, err := identity.FromHex(from); err == nil {
			d.relayFrame(context.Background(), fromID, frame)
		}
		return
	}

	switch frame.Kind {
	case wire.DHTStore:
		d.onStore(from, frame)
	case wire.DHTGet:
		d.onGet(from, frame)
	case wire.DHTSubscribe:
		d.onSubscribe(from, frame)
	case wire.DHTUnsubscribe:
		d.onUnsubscribe(from, frame)
	case wire.DHTNotify:
		if body, ok := frame.Body.(wire.NotifyBody); ok {
			d.notifier.Emit(events.Event{Kind: events.DataUpdated, Key: body.KeyID, Payload: body.Record})
		}
	default:
		d.mu.RLock()
		pr, ok := d.pending[frame.RequestID]
		d.mu.RUnlock()
		if ok {
			select {
			case pr.replies <- frame:
			default:
			}
		}
	}
}

func (d *DHT) onStore(from string, frame wire.Frame) {
	body, ok := frame.Body.(wire.StoreBody)
	if !ok {
		return
	}
	keyID, err := identity.FromHex(body.KeyID)
	if err != nil {
		d.replyReject(from, frame, body.KeyID, "invalid key id")
		return
	}
	if !d.isReplica(keyID) {
		d.replyReject(from, frame, body.KeyID, "not a replica for this key")
		return
	}
	if err := d.applyLocalStore(body.KeyID, keyID, body.Record, from); err != nil {
		d.replyReject(from, frame, body.KeyID, err.Error())
		return
	}
	d.replyFrame(from, frame, wire.StoreAck, wire.StoreAckBody{KeyID: body.KeyID})
}

func (d *DHT) onGet(from string, frame wire.Frame) {
	body, ok := frame.Body.(wire.GetBody)
	if !ok {
		return
	}
	keyID, err := identity.FromHex(body.KeyID)
	if err != nil {
		d.replyFrame(from, frame, wire.GetReply, wire.GetReplyBody{})
		return
	}
	rec, found, _ := d.localGet(keyID)
	var out *record.Record
	if found {
		out = &rec
	}
	d.replyFrame(from, frame, wire.GetReply, wire.GetReplyBody{Record: out})
}

func (d *DHT) onSubscribe(from string, frame wire.Frame) {
	body, ok := frame.Body.(wire.SubscribeBody)
	if !ok {
		return
	}
	d.subMu.Lock()
	set, ok2 := d.subscriptions[body.KeyID]
	if !ok2 {
		set = make(map[string]bool)
		d.subscriptions[body.KeyID] = set
	}
	set[from] = true
	d.subMu.Unlock()

	keyID, err := identity.FromHex(body.KeyID)
	var out *record.Record
	if err == nil {
		if rec, found, _ := d.localGet(keyID); found {
			out = &rec
		}
	}
	d.replyFrame(from, frame, wire.SubscribeAck, wire.SubscribeAckBody{Record: out})
}

func (d *DHT) onUnsubscribe(from string, frame wire.Frame) {
	body, ok := frame.Body.(wire.UnsubscribeBody)
	if !ok {
		return
	}
	d.subMu.Lock()
	if set, ok := d.subscriptions[body.KeyID]; ok {
		delete(set, from)
	}
	d.subMu.Unlock()
}

func (d *DHT) replyFrame(to string, req wire.Frame, kind wire.Kind, body any) {
	toID, err := identity.FromHex(to)
	if err != nil {
		return
	}
	reply := wire.Frame{Kind: kind, RequestID: req.RequestID, From: d.selfID, To: to, TTL: uint8(d.cfg.HopBudget(d.routing.Size() + 1)), Body: body}
	d.sendFrame(context.Background(), toID, reply)
}

func (d *DHT) replyReject(to string, req wire.Frame, keyID, reason string) {
	d.replyFrame(to, req, wire.StoreReject, wire.StoreRejectBody{KeyID: keyID, Reason: reason})
}

// tombstoneReaper prunes tombstones whose grace period has elapsed, so
// deleted keys don't occupy storage forever (spec §4.2's tombstone
// retention rule).
func (d *DHT) tombstoneReaper() {
	if d.cfg.TombstoneGrace <= 0 {
		return
	}
	interval := d.cfg.TombstoneGrace / 24
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		d.tombMu.Lock()
		var expired []string
		for keyID, at := range d.tombstones {
			if now.Sub(at) > d.cfg.TombstoneGrace {
				expired = append(expired, keyID)
			}
		}
		for _, keyID := range expired {
			delete(d.tombstones, keyID)
		}
		d.tombMu.Unlock()

		for _, keyID := range expired {
			_ = d.adapter.Delete(keyID)
		}
	}
}

// RoutingTableSize reports how many peers the routing table currently
// tracks, used to compute the hop budget.
func (d *DHT) RoutingTableSize() int {
	return d.routing.Size()
}
