package storage

import "maps"

// ClockRelation classifies how two vector clocks relate causally.
type ClockRelation int

const (
	Before ClockRelation = iota
	After
	Equal
	Concurrent
)

// VectorClock tracks, per peer ID, how many times that peer has written a
// given key — the causality primitive behind CRDT merge (spec §4.4).
type VectorClock map[string]uint64

// Increment bumps peer's counter by one. A CRDT-enabled key's version must
// be bumped exactly once per originating operation (spec §9 design note);
// callers must not call Increment more than once per Store/Update call.
func (vc VectorClock) Increment(peer string) {
	vc[peer]++
}

// Compare reports how vc relates to other: does either dominate, are they
// equal, or did they diverge (Concurrent — a true CRDT merge case).
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	vcAhead, otherAhead := false, false

	for peer, count := range vc {
		switch {
		case count > other[peer]:
			vcAhead = true
		case count < other[peer]:
			otherAhead = true
		}
	}
	for peer, count := range other {
		if _, ok := vc[peer]; !ok && count > 0 {
			otherAhead = true
		}
	}

	switch {
	case !vcAhead && !otherAhead:
		return Equal
	case vcAhead && !otherAhead:
		return After
	case !vcAhead && otherAhead:
		return Before
	default:
		return Concurrent
	}
}

// Merge returns the component-wise maximum of vc and other, combining two
// divergent histories into one that dominates both (spec §4.4's "merge
// operation logs, then fold vector clocks by per-peer max").
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for peer, count := range other {
		if count > merged[peer] {
			merged[peer] = count
		}
	}
	return merged
}

// Copy deep-copies vc.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	maps.Copy(c, vc)
	return c
}

// ToMetadata renders vc as the plain map[string]int the wire record.Metadata
// and record.CRDTOp types carry.
func (vc VectorClock) ToMetadata() map[string]int {
	out := make(map[string]int, len(vc))
	for peer, count := range vc {
		out[peer] = int(count)
	}
	return out
}

// FromMetadata reconstructs a VectorClock from the wire representation.
func FromMetadata(m map[string]int) VectorClock {
	vc := make(VectorClock, len(m))
	for peer, count := range m {
		if count > 0 {
			vc[peer] = uint64(count)
		}
	}
	return vc
}
