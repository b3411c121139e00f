package dht

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/peer"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	id, err := peer.NewRandomID()
	require.NoError(t, err)

	self := peer.Handle{NodeID: id, Address: "127.0.0.1", Port: 0}
	n, err := Listen(self, Config{ListenAddr: "127.0.0.1:0", RPCTimeout: time.Second})
	require.NoError(t, err)

	// Bind was to port 0; fix up self.Port now that the OS assigned one.
	udpAddr := n.Addr().(*net.UDPAddr)
	n.self.Port = udpAddr.Port

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		n.Wait()
	})
	return n
}

func TestPingRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ok, err := a.Ping(context.Background(), b.Self())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreAndFindValueLocal(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	value := json.RawMessage(`{"hello":"world"}`)
	err := a.Store(context.Background(), b.Self(), "greeting", value, 10*time.Minute)
	require.NoError(t, err)

	got, ok := b.store.Get("greeting")
	require.True(t, ok)
	require.JSONEq(t, string(value), string(got))
}

func TestFindNodeRPCRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	a.observe(b.Self())
	a.observe(c.Self())

	handles, err := a.FindNode(context.Background(), b.Self(), c.Self().NodeID)
	require.NoError(t, err)
	_ = handles // b may or may not know c yet; this exercises the RPC path itself
}

func TestSetAndGetAcrossNodes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	a.observe(b.Self())
	b.observe(a.Self())

	value := json.RawMessage(`"file-record-payload"`)
	err := a.Set(context.Background(), "file:deadbeef", value, time.Hour)
	require.NoError(t, err)

	got, err := b.Get(context.Background(), "file:deadbeef")
	require.NoError(t, err)
	require.JSONEq(t, string(value), string(got))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.observe(b.Self())

	_, err := a.Get(context.Background(), "file:does-not-exist")
	require.ErrorIs(t, err, distfserr.ErrNotFound)
}

func TestRoutingTableObserveFillsBucket(t *testing.T) {
	self, err := peer.NewRandomID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, K)

	for i := 0; i < K; i++ {
		id, err := peer.NewRandomID()
		require.NoError(t, err)
		h := peer.Handle{NodeID: id, Address: "127.0.0.1", Port: 9000 + i}
		candidate := rt.Observe(h)
		require.Nil(t, candidate)
	}
}

func TestBootstrapRefreshesBuckets(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	err := a.Bootstrap(context.Background(), []peer.Handle{b.Self()})
	require.NoError(t, err)
}

func TestRepublishKeepsValueAlive(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.observe(b.Self())
	b.observe(a.Self())

	value := json.RawMessage(`"chunk-holder"`)
	require.NoError(t, a.Set(context.Background(), "chunk:abc123", value, 50*time.Millisecond))

	lastRepublished := make(map[string]time.Time)
	a.republishDue(context.Background(), lastRepublished)

	got, ok := b.store.Get("chunk:abc123")
	require.True(t, ok)
	require.JSONEq(t, string(value), string(got))
}

func TestLocalStoreUnionsHolderLists(t *testing.T) {
	s := newLocalStore()

	s.Put("chunk:abc", json.RawMessage(`[{"node_id":"a"}]`), time.Minute, false)
	s.Put("chunk:abc", json.RawMessage(`[{"node_id":"b"}]`), time.Minute, false)
	s.Put("chunk:abc", json.RawMessage(`[{"node_id":"a"}]`), time.Minute, false) // re-announce must not duplicate

	got, ok := s.Get("chunk:abc")
	require.True(t, ok)
	require.JSONEq(t, `[{"node_id":"a"},{"node_id":"b"}]`, string(got))
}

func TestLocalStorePutOverwritesNonArrayValues(t *testing.T) {
	s := newLocalStore()

	s.Put("file:abc", json.RawMessage(`{"size":1}`), time.Minute, false)
	s.Put("file:abc", json.RawMessage(`{"size":2}`), time.Minute, false)

	got, ok := s.Get("file:abc")
	require.True(t, ok)
	require.JSONEq(t, `{"size":2}`, string(got))
}

func TestBootstrapSkipsUnknownNodeIDs(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	// A bootstrap peer configured by address only: its id is learned from
	// the reply, never inserted as a zero id.
	seed := peer.Handle{Address: "127.0.0.1", Port: b.Self().Port}
	require.NoError(t, a.Bootstrap(context.Background(), []peer.Handle{seed}))

	closest := a.RoutingTable().Closest(b.Self().NodeID, K)
	for _, h := range closest {
		require.NotEqual(t, peer.ID{}, h.NodeID)
	}
}

func TestRoutingTableHonorsConfiguredCapacity(t *testing.T) {
	self, err := peer.NewRandomID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, 3)

	// All ids in the same bucket as each other relative to self are not
	// guaranteed, so count candidates rather than asserting a position:
	// with capacity 3 and well over 3 observations, some bucket must fill
	// and produce a ping candidate.
	sawCandidate := false
	for i := 0; i < 64; i++ {
		id, err := peer.NewRandomID()
		require.NoError(t, err)
		if rt.Observe(peer.Handle{NodeID: id, Address: "127.0.0.1", Port: 9000 + i}) != nil {
			sawCandidate = true
		}
	}
	require.True(t, sawCandidate, "a bucket of capacity 3 never filled after 64 observations")
}
