package storage

import (
	"time"

	"webdht/internal/record"
)

// maxOperationLogLen bounds the per-key operation log (spec §4.4): once a
// key's log grows past this many entries, fold discards all but the most
// recent half.
const maxOperationLogLen = 100

// operationLog is the in-memory per-key CRDT history: one entry per
// Store/Update this peer has locally issued or folded into a merge,
// retrievable via Engine.History. It is never put on the wire itself —
// every peer accumulates its own log independently from its own writes, and
// causal ordering across peers is carried by the vector clock in
// record.Metadata, not by replaying another peer's log.
type operationLog struct {
	clock VectorClock
	ops   []record.CRDTOp
}

func newOperationLog() *operationLog {
	return &operationLog{clock: make(VectorClock)}
}

// append adds op to the log, merging op's vector clock into the log's clock
// (the originating peer's own counter is bumped by the caller, via
// Increment, before op is built), then folds the log if it has grown past
// maxOperationLogLen.
func (l *operationLog) append(op record.CRDTOp) {
	l.clock = l.clock.Merge(FromMetadata(op.VectorClock))
	l.ops = append(l.ops, op)
	if len(l.ops) > maxOperationLogLen {
		l.fold()
	}
}

// fold drops every op but the most recent half, bounding memory. The
// dropped ops' causal information is already captured in l.clock; their
// operation values are not kept, and no summary entry replaces them.
func (l *operationLog) fold() {
	keep := maxOperationLogLen / 2
	if len(l.ops) <= keep {
		return
	}
	l.ops = append([]record.CRDTOp(nil), l.ops[len(l.ops)-keep:]...)
}

// mergeValue combines a concurrently-diverged local and remote value under
// CRDT semantics: map-shaped values merge field by field (each field's
// winner picked by the op that last touched it); anything else falls back
// to last-write-wins by timestamp, tie-broken by peer ID.
func mergeValue(localVal, remoteVal any, localTime, remoteTime int64, localPeer, remotePeer string) any {
	localMap, localIsMap := localVal.(map[string]any)
	remoteMap, remoteIsMap := remoteVal.(map[string]any)

	if localIsMap && remoteIsMap {
		merged := make(map[string]any, len(localMap)+len(remoteMap))
		for k, v := range localMap {
			merged[k] = v
		}
		for k, v := range remoteMap {
			if _, conflict := merged[k]; !conflict {
				merged[k] = v
				continue
			}
			// Both sides touched this field: newer write (by peer's overall
			// update time) wins the field, deterministic on exact ties.
			if remoteTime > localTime || (remoteTime == localTime && remotePeer > localPeer) {
				merged[k] = v
			}
		}
		return merged
	}

	if remoteTime > localTime || (remoteTime == localTime && remotePeer > localPeer) {
		return remoteVal
	}
	return localVal
}

// MergeRecords resolves two concurrently-written versions of the same key
// into one — the path invoked when two Update calls observe each other as
// Concurrent under VectorClock.Compare (spec §4.4).
func MergeRecords(local, remote record.Record, now time.Time) record.Record {
	localClock := FromMetadata(local.Metadata.VectorClock)
	remoteClock := FromMetadata(remote.Metadata.VectorClock)
	merged := localClock.Merge(remoteClock)

	mergedValue := mergeValue(local.Value, remote.Value, local.Metadata.UpdatedAt, remote.Metadata.UpdatedAt, local.Metadata.Owner, remote.Metadata.Owner)

	meta := local.Metadata
	if remote.Metadata.Version > meta.Version {
		meta.Version = remote.Metadata.Version
	}
	meta.Version++
	meta.UpdatedAt = now.UnixMilli()
	meta.VectorClock = merged.ToMetadata()

	return record.Record{
		Value:    mergedValue,
		Metadata: meta,
	}
}
