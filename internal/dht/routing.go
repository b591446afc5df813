package dht

import (
	"sort"
	"sync"

	"webdht/internal/identity"
)

// bucketCount is one bucket per possible common-prefix length in the 160-bit
// identity space (spec §4.2's "XOR-distance bucketing accelerator").
const bucketCount = identity.Size * 8

// k is the conventional Kademlia bucket size, independent of the
// storage-level ReplicationFactor. Add does not cap buckets at k.
const k = 20

// RoutingTable is the peer-liveness structure the DHT layer consults to pick
// replica holders and routing next-hops: one bucket per common-prefix
// length, peers within a bucket ranked by XOR distance on lookup, the way
// go-libp2p-kbucket organizes its table.
type RoutingTable struct {
	mu      sync.RWMutex
	self    identity.ID
	buckets [bucketCount][]identity.ID
}

// NewRoutingTable creates an empty table centered on self.
func NewRoutingTable(self identity.ID) *RoutingTable {
	return &RoutingTable{self: self}
}

func (rt *RoutingTable) bucketFor(id identity.ID) int {
	cpl := identity.CommonPrefixLen(rt.self, id)
	if cpl >= bucketCount {
		cpl = bucketCount - 1
	}
	return cpl
}

// Add records peer as live, evicting nothing: bucket overflow is resolved by
// NearestTo always re-ranking by distance, so a bucket simply growing past k
// only costs a bit of memory until the next liveness sweep prunes dead
// entries via Remove.
func (rt *RoutingTable) Add(peer identity.ID) {
	if peer == rt.self {
		return
	}
	idx := rt.bucketFor(peer)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, existing := range rt.buckets[idx] {
		if existing == peer {
			return
		}
	}
	rt.buckets[idx] = append(rt.buckets[idx], peer)
}

// Remove evicts peer, called on overlay peer-down.
func (rt *RoutingTable) Remove(peer identity.ID) {
	idx := rt.bucketFor(peer)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i, existing := range bucket {
		if existing == peer {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// NearestTo returns up to n known peers ordered by ascending XOR distance to
// target — the replica-selection primitive behind DHT_STORE/DHT_GET (spec
// §4.2's "K nodes closest by XOR distance").
func (rt *RoutingTable) NearestTo(target identity.ID, n int) []identity.ID {
	rt.mu.RLock()
	all := make([]identity.ID, 0)
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := identity.Distance(all[i], target)
		dj := identity.Distance(all[j], target)
		if identity.Less(di, dj) {
			return true
		}
		if identity.Less(dj, di) {
			return false
		}
		return identity.Compare(all[i], all[j]) < 0
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the number of peers currently tracked, used to derive the hop
// budget (spec §4.2, config.Config.HopBudget).
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket)
	}
	return total
}

// Peers returns every peer currently tracked, in no particular order.
func (rt *RoutingTable) Peers() []identity.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	all := make([]identity.ID, 0, bucketCount)
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	return all
}
