// Package tunnel parses shadowsocks tunnel descriptors from provider
// lists and builds dialable outbounds for them.
package tunnel

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// ID is a 128-bit tunnel identity derived from the descriptor's
// connection-relevant fields. Two list entries that dial the same
// endpoint with the same credentials share an ID regardless of their
// display name.
type ID [16]byte

// ZeroID is the zero-value ID.
var ZeroID ID

func idFromIdentity(identity string) ID {
	h128 := xxh3.HashString128(identity)
	var id ID
	binary.LittleEndian.PutUint64(id[:8], h128.Lo)
	binary.LittleEndian.PutUint64(id[8:], h128.Hi)
	return id
}

// Hex returns the lowercase hex encoding of the ID.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id == ZeroID
}
