// Package identity defines peer and key identifiers in the 160-bit XOR
// key space that the overlay DHT routes on.
package identity

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Size is the width of an identifier in bytes (160 bits).
const Size = 20

// ID is a 160-bit identifier: a peer ID or a key ID. Both live in the same
// XOR space so distance is defined uniformly between them.
type ID [Size]byte

// Zero is the identifier with all bits unset.
var Zero ID

// New generates a random ID, suitable for a fresh peer identity.
func New() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return Zero, fmt.Errorf("identity: generate random id: %w", err)
	}
	return id, nil
}

// FromHex parses the canonical 40-char hex representation of an ID.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return Zero, fmt.Errorf("identity: expected %d hex chars, got %d", Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("identity: decode hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// String renders the canonical 40-char lowercase hex representation.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// KeyID derives the routing address for a base key: the SHA-1 digest of its
// UTF-8 bytes, truncated to nothing since SHA-1 already produces exactly the
// 160 bits this space uses. Stable across peers; no salt, per spec §4.2.
func KeyID(baseKey string) ID {
	sum := sha1.Sum([]byte(baseKey))
	return ID(sum)
}

// Distance returns the XOR distance between two identifiers as a big-endian
// byte array — smaller (compared lexicographically) means closer.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is strictly smaller than d2 when compared
// as unsigned 160-bit integers (equivalently, lexicographic byte order).
func Less(d1, d2 ID) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits shared between a and b,
// used by the routing-table liveness/bucketing accelerator in internal/dht.
func CommonPrefixLen(a, b ID) int {
	total := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(x)
		break
	}
	return total
}

// Compare gives a three-way comparison of two IDs' raw byte values, used to
// break ties deterministically (spec §4.2: "on ties, break by lexicographic
// peer id").
func Compare(a, b ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
