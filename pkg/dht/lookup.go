package dht

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/peer"
)

// Alpha is the number of peers queried in parallel per lookup round.
const Alpha = 3

// DefaultLookupTimeout is the end-to-end budget for one iterative lookup.
const DefaultLookupTimeout = 20 * time.Second

// DefaultTTL is the default lifetime of a published key, matched against
// the republisher's ttl/2 cadence.
const DefaultTTL = time.Hour

type shortlistEntry struct {
	handle  peer.Handle
	queried bool
}

// shortlist is the iterative-lookup working set, kept sorted by ascending
// XOR distance to target.
type shortlist struct {
	target  peer.ID
	mu      sync.Mutex
	entries []shortlistEntry
}

func newShortlist(target peer.ID, seed []peer.Handle) *shortlist {
	sl := &shortlist{target: target}
	for _, h := range seed {
		sl.merge(h)
	}
	return sl
}

func (sl *shortlist) merge(h peer.Handle) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.entries {
		if e.handle.NodeID == h.NodeID {
			return
		}
	}
	sl.entries = append(sl.entries, shortlistEntry{handle: h})
	sl.sortLocked()
}

func (sl *shortlist) sortLocked() {
	for i := 1; i < len(sl.entries); i++ {
		for j := i; j > 0; j-- {
			di := peer.Distance(sl.entries[j].handle.NodeID, sl.target)
			dj := peer.Distance(sl.entries[j-1].handle.NodeID, sl.target)
			if peer.Less(di, dj) {
				sl.entries[j], sl.entries[j-1] = sl.entries[j-1], sl.entries[j]
			} else {
				break
			}
		}
	}
}

func (sl *shortlist) markQueried(id peer.ID) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for i := range sl.entries {
		if sl.entries[i].handle.NodeID == id {
			sl.entries[i].queried = true
			return
		}
	}
}

// nextBatch returns up to Alpha unqueried entries, closest first.
func (sl *shortlist) nextBatch() []peer.Handle {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var out []peer.Handle
	for _, e := range sl.entries {
		if !e.queried {
			out = append(out, e.handle)
			if len(out) == Alpha {
				break
			}
		}
	}
	return out
}

func (sl *shortlist) closestUnqueriedRemain() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.entries {
		if !e.queried {
			return true
		}
	}
	return false
}

func (sl *shortlist) closestK(k int) []peer.Handle {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	n := k
	if n > len(sl.entries) {
		n = len(sl.entries)
	}
	out := make([]peer.Handle, n)
	for i := 0; i < n; i++ {
		out[i] = sl.entries[i].handle
	}
	return out
}

func (sl *shortlist) closestDistance() (peer.ID, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.entries) == 0 {
		return peer.ID{}, false
	}
	return peer.Distance(sl.entries[0].handle.NodeID, sl.target), true
}

// lookupResult is the outcome of an iterative find_value: either the value
// was found, or the K closest live nodes reachable are returned for
// find_node-style callers.
type lookupResult struct {
	Value json.RawMessage
	Found bool
	Nodes []peer.Handle
}

// iterativeLookup implements the iterative find_node/find_value procedure.
// wantValue=true stops early on the first VALUE response and republishes the
// value to the closest queried node that lacked it.
func (n *Node) iterativeLookup(ctx context.Context, target peer.ID, key string, wantValue bool) (lookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
	defer cancel()

	seed := n.table.Closest(target, n.cfg.K)
	sl := newShortlist(target, seed)

	var foundValue json.RawMessage
	var foundAt *peer.Handle
	closestWithoutValue := make(map[peer.ID]bool)

	for {
		if wantValue && foundValue != nil {
			break
		}
		batch := sl.nextBatch()
		if len(batch) == 0 {
			break
		}

		prevClosest, hadPrev := sl.closestDistance()

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, h := range batch {
			h := h
			g.Go(func() error {
				defer sl.markQueried(h.NodeID)
				if wantValue {
					res, err := n.FindValue(gctx, h, key)
					if err != nil {
						return nil // failed RPCs are a negative observation, not a lookup error
					}
					if res.Found {
						mu.Lock()
						if foundValue == nil {
							foundValue = res.Value
							hCopy := h
							foundAt = &hCopy
						}
						mu.Unlock()
						return nil
					}
					mu.Lock()
					closestWithoutValue[h.NodeID] = true
					mu.Unlock()
					for _, nh := range res.Nodes {
						sl.merge(nh)
					}
					return nil
				}
				nodes, err := n.FindNode(gctx, h, target)
				if err != nil {
					return nil
				}
				for _, nh := range nodes {
					sl.merge(nh)
				}
				return nil
			})
		}
		_ = g.Wait()

		if wantValue && foundValue != nil {
			break
		}

		newClosest, hasNew := sl.closestDistance()
		if hadPrev && hasNew && !peer.Less(newClosest, prevClosest) && !sl.closestUnqueriedRemain() {
			break
		}
		if !sl.closestUnqueriedRemain() {
			break
		}
	}

	if wantValue && foundValue != nil {
		if republishTo := republishCandidate(sl, foundAt, closestWithoutValue); republishTo != nil {
			go func() {
				rctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
				defer cancel()
				_ = n.Store(rctx, *republishTo, key, foundValue, DefaultTTL)
			}()
		}
		return lookupResult{Value: foundValue, Found: true}, nil
	}
	if wantValue {
		return lookupResult{}, distfserr.ErrNotFound
	}
	return lookupResult{Nodes: sl.closestK(n.cfg.K)}, nil
}

// republishCandidate picks the closest queried node that responded but
// lacked the value; it receives a copy so the value spreads toward its
// keyspace home.
func republishCandidate(sl *shortlist, foundAt *peer.Handle, lacked map[peer.ID]bool) *peer.Handle {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.entries {
		if foundAt != nil && e.handle.NodeID == foundAt.NodeID {
			continue
		}
		if e.queried && lacked[e.handle.NodeID] {
			h := e.handle
			return &h
		}
	}
	return nil
}

// FindNodeIterative runs the iterative find_node procedure for target.
func (n *Node) FindNodeIterative(ctx context.Context, target peer.ID) ([]peer.Handle, error) {
	res, err := n.iterativeLookup(ctx, target, "", false)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// FindValueIterative runs the iterative find_value procedure for key.
func (n *Node) FindValueIterative(ctx context.Context, key string) (json.RawMessage, error) {
	res, err := n.iterativeLookup(ctx, peer.KeyID(key), key, true)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Get looks up key locally first, then falls back to the network.
func (n *Node) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if val, ok := n.store.Get(key); ok {
		return val, nil
	}
	return n.FindValueIterative(ctx, key)
}

// Set publishes key: find_node(hash(key)), then STORE to the K closest
// live peers, recording the publication locally so the republisher keeps it
// alive.
func (n *Node) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	targets, err := n.FindNodeIterative(ctx, peer.KeyID(key))
	if err != nil {
		return err
	}

	n.store.Put(key, value, ttl, true)
	n.publishedMu.Lock()
	n.publishedTo[key] = struct{}{}
	n.publishedMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range targets {
		h := h
		g.Go(func() error {
			_ = n.Store(gctx, h, key, value, ttl) // best-effort; individual STORE failures don't fail Set
			return nil
		})
	}
	return g.Wait()
}
