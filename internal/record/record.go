// Package record defines the storage record and its metadata (spec §3) —
// the shared vocabulary between the storage engine, the DHT, and the wire
// envelope.
package record

import "time"

// Space is one of the three storage-space regimes (spec §3). It is
// immutable for the life of a key.
type Space string

const (
	Private Space = "PRIVATE"
	Public  Space = "PUBLIC"
	Frozen  Space = "FROZEN"
)

// Valid reports whether s is one of the three recognized spaces.
func (s Space) Valid() bool {
	switch s {
	case Private, Public, Frozen:
		return true
	}
	return false
}

// CRDTOp is one entry in a CRDT-enabled key's operation log (spec §4.4).
type CRDTOp struct {
	PeerID      string         `json:"peerId"`
	Timestamp   int64          `json:"timestamp"`
	VectorClock map[string]int `json:"vectorClock"`
	Operation   any            `json:"operation"`
	Type        CRDTOpType     `json:"type"`
}

type CRDTOpType string

const (
	CRDTReplace CRDTOpType = "replace"
	CRDTMerge   CRDTOpType = "merge"
)

// Metadata is the non-value half of a Record, exactly as defined in spec §3.
type Metadata struct {
	Key          string              `json:"key"`
	Space        Space               `json:"space"`
	Owner        string              `json:"owner"`
	IsPublic     bool                `json:"isPublic"`
	IsImmutable  bool                `json:"isImmutable"`
	AllowedPeers map[string][32]byte `json:"allowedPeers,omitempty"`
	CreatedAt    int64               `json:"createdAt"`
	UpdatedAt    int64               `json:"updatedAt"`
	Version      uint64              `json:"version"`
	TTL          int64               `json:"ttl,omitempty"` // milliseconds; 0 means none
	EnableCRDT   bool                `json:"enableCRDT"`
	VectorClock  map[string]int      `json:"vectorClock,omitempty"`
	Type         string              `json:"type"` // always "storage"
}

// Record is the unit of storage published under a keyId (spec §3).
type Record struct {
	Value       any      `json:"value"`
	Metadata    Metadata `json:"metadata"`
	Encrypted   bool     `json:"encrypted"`
	EncryptedBy string   `json:"encryptedBy,omitempty"`
}

// TombstonePayload replaces a deleted record's Value.
type TombstonePayload struct {
	Deleted   bool   `json:"deleted"`
	DeletedAt int64  `json:"deletedAt"`
	DeletedBy string `json:"deletedBy"`
}

// IsTombstone reports whether r's value looks like a tombstone payload.
func (r Record) IsTombstone() bool {
	m, ok := r.Value.(map[string]any)
	if !ok {
		if tp, ok := r.Value.(TombstonePayload); ok {
			return tp.Deleted
		}
		return false
	}
	deleted, _ := m["deleted"].(bool)
	return deleted
}

// NewTombstone builds the Record to publish on delete, carrying forward the
// prior record's metadata with a bumped version/updatedAt.
func NewTombstone(prev Record, by string, now time.Time) Record {
	meta := prev.Metadata
	meta.Version++
	meta.UpdatedAt = now.UnixMilli()
	return Record{
		Value: TombstonePayload{
			Deleted:   true,
			DeletedAt: now.UnixMilli(),
			DeletedBy: by,
		},
		Metadata:  meta,
		Encrypted: false,
	}
}

// Newer implements the non-CRDT resolution order from spec invariant (2)
// and P5: version first, then updatedAt, then owner peer id
// lexicographically, all ascending — "Newer" reports whether candidate
// should replace current.
func Newer(candidate, current Record) bool {
	if candidate.Metadata.Version != current.Metadata.Version {
		return candidate.Metadata.Version > current.Metadata.Version
	}
	if candidate.Metadata.UpdatedAt != current.Metadata.UpdatedAt {
		return candidate.Metadata.UpdatedAt > current.Metadata.UpdatedAt
	}
	return candidate.Metadata.Owner > current.Metadata.Owner
}
