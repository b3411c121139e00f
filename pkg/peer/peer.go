// Package peer defines the identity and addressing types shared by the DHT
// overlay and the wire transport: a 160-bit node identifier, XOR distance
// over it, and the (node_id, address, port) triple that names a remote peer.
package peer

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// IDSize is the width of a NodeID / DHT Key in bytes (160 bits).
const IDSize = sha1.Size

// ID is a 160-bit Kademlia identifier: a node id or a DHT key.
type ID [IDSize]byte

// NewRandomID chooses a NodeID uniformly at random, for a node's first start.
func NewRandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("peer: generate random id: %w", err)
	}
	return id, nil
}

// KeyID derives the 160-bit DHT key for a textual key form such as
// "chunk:<digest>" or "file:<digest>".
func KeyID(key string) ID {
	return ID(sha1.Sum([]byte(key)))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a hex-encoded NodeID.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	if len(b) != IDSize {
		return ID{}, errors.New("peer: invalid id length")
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between two identifiers.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance x is strictly closer (numerically smaller)
// than distance y, comparing as big-endian unsigned integers.
func Less(x, y ID) bool {
	for i := range x {
		if x[i] != y[i] {
			return x[i] < y[i]
		}
	}
	return false
}

// PrefixLength returns the length, in bits, of the common prefix shared by
// a and b: 160 minus the bit position of the highest set bit of their XOR
// distance. This indexes the routing table's k-buckets.
func PrefixLength(a, b ID) int {
	d := Distance(a, b)
	for i, byt := range d {
		if byt == 0 {
			continue
		}
		return i*8 + bits.LeadingZeros8(byt)
	}
	return IDSize * 8
}

// Handle identifies a remote peer: its node id and the UDP/TCP-reachable
// address it was last observed at. Port is the DHT datagram port; WirePort,
// when non-zero, is the TCP port the peer serves chunk bytes on, carried in
// chunk holder announcements so fetchers can dial the wire transport
// directly.
type Handle struct {
	NodeID   ID     `json:"node_id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	WirePort int    `json:"wire_port,omitempty"`
}

// DHTAddr returns the host:port string used to dial this peer's DHT datagram
// socket.
func (h Handle) DHTAddr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// WireAddr returns the host:port string used to dial this peer's chunk
// transport.
func (h Handle) WireAddr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.WirePort)
}

func (h Handle) String() string {
	return fmt.Sprintf("%s@%s", h.NodeID, h.DHTAddr())
}

// Equal reports whether two handles name the same node id.
func (h Handle) Equal(o Handle) bool {
	return h.NodeID == o.NodeID
}
