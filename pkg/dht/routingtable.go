// Package dht implements a Kademlia overlay: a routing table of k-buckets,
// a local key/value store with TTL expiry, and the iterative lookup,
// publish, republish, and bootstrap procedures built on top of them, all
// over a JSON/UDP datagram protocol.
package dht

import (
	"sync"

	"github.com/distfs/distfs/pkg/peer"
)

// K is the default replication factor and bucket capacity; Config.K
// overrides it per node.
const K = 20

// bucketCount is the number of k-buckets, one per bit of the 160-bit
// keyspace.
const bucketCount = peer.IDSize * 8

// RoutingTable is an array of k-buckets indexed by XOR-distance prefix
// length. Each bucket has its own mutex; there is never any cross-bucket
// locking.
type RoutingTable struct {
	self    peer.ID
	k       int
	buckets [bucketCount]*bucket
}

type bucket struct {
	mu      sync.Mutex
	entries []peer.Handle // ordered least-recently-seen (front) to most-recently-seen (back)
}

// NewRoutingTable constructs an empty table for the given local node id,
// with buckets holding up to k entries each.
func NewRoutingTable(self peer.ID, k int) *RoutingTable {
	if k <= 0 {
		k = K
	}
	rt := &RoutingTable{self: self, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// bucketIndex returns the bucket a remote id belongs in: the position of the
// highest set bit of (self XOR id), counting from the least significant bit
// (an id differing from self in the top bit lands in bucket 159).
func (rt *RoutingTable) bucketIndex(id peer.ID) int {
	prefix := peer.PrefixLength(rt.self, id)
	idx := bucketCount - 1 - prefix
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Observe records an RPC from h: move an existing entry to
// most-recently-seen; append a newcomer if the bucket has room; otherwise
// return the least-recently-seen entry as a ping candidate without evicting
// it yet, so the caller can ping it and report back via ResolvePing.
func (rt *RoutingTable) Observe(h peer.Handle) (pingCandidate *peer.Handle) {
	if h.NodeID == rt.self {
		return nil
	}
	b := rt.buckets[rt.bucketIndex(h.NodeID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.NodeID == h.NodeID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, h)
			return nil
		}
	}

	if len(b.entries) < rt.k {
		b.entries = append(b.entries, h)
		return nil
	}

	candidate := b.entries[0]
	return &candidate
}

// ResolvePing finalises the outcome of pinging a candidate returned by
// Observe. alive=true discards the newcomer (the incumbent proved live);
// alive=false evicts the incumbent and inserts the newcomer in its place.
func (rt *RoutingTable) ResolvePing(candidate, newcomer peer.Handle, alive bool) {
	b := rt.buckets[rt.bucketIndex(candidate.NodeID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.NodeID == candidate.NodeID {
			if alive {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				b.entries = append(b.entries, e)
			} else {
				b.entries[i] = newcomer
			}
			return
		}
	}
}

// RecordFailure counts a failed RPC against h; three consecutive failures
// evict it from its bucket.
func (rt *RoutingTable) RecordFailure(id peer.ID, failures map[peer.ID]int) {
	if id == (peer.ID{}) {
		return
	}
	b := rt.buckets[rt.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()

	failures[id]++
	if failures[id] < 3 {
		return
	}
	for i, e := range b.entries {
		if e.NodeID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	delete(failures, id)
}

// Closest returns up to n PeerHandles from the whole table nearest to
// target, sorted by ascending XOR distance.
func (rt *RoutingTable) Closest(target peer.ID, n int) []peer.Handle {
	var all []peer.Handle
	for _, b := range rt.buckets {
		b.mu.Lock()
		all = append(all, b.entries...)
		b.mu.Unlock()
	}
	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(handles []peer.Handle, target peer.ID) {
	// Simple insertion sort: bucket counts are small (at most k per
	// bucket, 160 buckets), so the whole table is a few thousand entries.
	for i := 1; i < len(handles); i++ {
		for j := i; j > 0; j-- {
			di := peer.Distance(handles[j].NodeID, target)
			dj := peer.Distance(handles[j-1].NodeID, target)
			if peer.Less(di, dj) {
				handles[j], handles[j-1] = handles[j-1], handles[j]
			} else {
				break
			}
		}
	}
}

// BucketSample returns a random id within bucket i's range, for bucket
// refresh lookups. It keeps self's higher bits, flips bit (bucketCount-1-i)
// of self counted from the most significant bit, and randomises every lower
// bit, which lands in bucket i by construction.
func (rt *RoutingTable) BucketSample(i int) peer.ID {
	id := rt.self
	bitPos := bucketCount - 1 - i
	byteIdx := bitPos / 8
	bitIdx := uint(7 - bitPos%8)
	noise, _ := peer.NewRandomID()
	id[byteIdx] ^= 1 << bitIdx
	lowMask := byte(1<<bitIdx) - 1
	id[byteIdx] = id[byteIdx]&^lowMask | noise[byteIdx]&lowMask
	for b := byteIdx + 1; b < len(id); b++ {
		id[b] = noise[b]
	}
	return id
}

// NonEmptyBuckets returns the indices of buckets with at least one entry.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	var out []int
	for i, b := range rt.buckets {
		b.mu.Lock()
		n := len(b.entries)
		b.mu.Unlock()
		if n > 0 {
			out = append(out, i)
		}
	}
	return out
}
