package dht

import (
	"context"
	"time"

	"github.com/distfs/distfs/pkg/peer"
)

// DefaultExpirySweepInterval governs how often expired DHTStore entries are
// swept, independent of the per-key republish cadence.
const DefaultExpirySweepInterval = time.Minute

// Bootstrap inserts seeds into the routing table, issues find_node(self_id)
// against each, and then refreshes every non-empty bucket.
func (n *Node) Bootstrap(ctx context.Context, seeds []peer.Handle) error {
	for _, h := range seeds {
		// Configured bootstrap peers may carry only an address; their node
		// id is learned from the FIND_NODE reply's From field instead.
		if h.NodeID != (peer.ID{}) {
			n.observe(h)
		}
	}
	for _, h := range seeds {
		if _, err := n.FindNode(ctx, h, n.self.NodeID); err != nil {
			n.log.Debugw("dht: bootstrap peer unresponsive", "peer", h.NodeID, "error", err)
		}
	}
	return n.RefreshAllBuckets(ctx)
}

// RefreshAllBuckets performs find_node on a random id within each
// non-empty bucket's range.
func (n *Node) RefreshAllBuckets(ctx context.Context) error {
	for _, i := range n.table.NonEmptyBuckets() {
		sample := n.table.BucketSample(i)
		if _, err := n.FindNodeIterative(ctx, sample); err != nil {
			n.log.Debugw("dht: bucket refresh lookup failed", "bucket", i, "error", err)
		}
	}
	return nil
}

// RunMaintenance runs the republisher, expiry sweeper, and periodic bucket
// refresher until ctx is cancelled. Intended to be run in its own goroutine
// by the caller (NodeSupervisor's Start).
func (n *Node) RunMaintenance(ctx context.Context) {
	expiryTicker := time.NewTicker(DefaultExpirySweepInterval)
	defer expiryTicker.Stop()
	refreshTicker := time.NewTicker(n.cfg.RefreshInterval)
	defer refreshTicker.Stop()

	// Republish cadence is key-specific (ttl/2), so we sweep owned keys
	// periodically at a cadence fine enough to catch keys with short TTLs,
	// and within each sweep only re-store entries whose half-life has passed.
	republishTicker := time.NewTicker(DefaultExpirySweepInterval)
	defer republishTicker.Stop()

	lastRepublished := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiryTicker.C:
			if removed := n.store.SweepExpired(); removed > 0 {
				n.log.Debugw("dht: expired local entries", "count", removed)
			}
		case <-refreshTicker.C:
			if err := n.RefreshAllBuckets(ctx); err != nil {
				n.log.Warnw("dht: bucket refresh failed", "error", err)
			}
		case <-republishTicker.C:
			n.republishDue(ctx, lastRepublished)
		}
	}
}

func (n *Node) republishDue(ctx context.Context, lastRepublished map[string]time.Time) {
	now := time.Now()
	for _, owned := range n.store.OwnedKeys() {
		half := owned.TTL / 2
		if half <= 0 {
			half = DefaultTTL / 2
		}
		if last, ok := lastRepublished[owned.Key]; ok && now.Sub(last) < half {
			continue
		}
		lastRepublished[owned.Key] = now
		if err := n.Set(ctx, owned.Key, owned.Value, owned.TTL); err != nil {
			n.log.Debugw("dht: republish failed", "key", owned.Key, "error", err)
		}
	}
}
