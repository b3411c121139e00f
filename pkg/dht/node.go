package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/peer"
)

// DefaultRPCTimeout is the default deadline for a single DHT RPC.
const DefaultRPCTimeout = 5 * time.Second

// DefaultRefreshInterval is the default cadence of periodic bucket refresh.
const DefaultRefreshInterval = time.Hour

// Config holds the tunables of a Node.
type Config struct {
	ListenAddr      string
	RPCTimeout      time.Duration
	RefreshInterval time.Duration
	// K is the replication factor and bucket capacity; 0 means the
	// default of 20.
	K      int
	Logger *zap.SugaredLogger
}

// Node is one Kademlia participant: a UDP socket, a routing table, a local
// value store, and outstanding-transaction bookkeeping for matching
// responses to requests.
type Node struct {
	self   peer.Handle
	conn   *net.UDPConn
	table  *RoutingTable
	store  *localStore
	cfg    Config
	log    *zap.SugaredLogger

	pendingMu sync.Mutex
	pending   map[uint64]chan datagram

	failuresMu sync.Mutex
	failures   map[peer.ID]int

	publishedMu sync.Mutex
	// publishedTo tracks, per key, which node this node must still own the
	// republish obligation for (keys this node originated via SET).
	publishedTo map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds a UDP socket at cfg.ListenAddr and constructs a Node whose
// identity is self.
func Listen(self peer.Handle, cfg Config) (*Node, error) {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.K <= 0 {
		cfg.K = K
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve dht listen addr: %v", distfserr.ErrConfig, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind dht udp socket: %v", distfserr.ErrIO, err)
	}
	if self.Port == 0 {
		self.Port = conn.LocalAddr().(*net.UDPAddr).Port
	}

	n := &Node{
		self:        self,
		conn:        conn,
		table:       NewRoutingTable(self.NodeID, cfg.K),
		store:       newLocalStore(),
		cfg:         cfg,
		log:         cfg.Logger,
		pending:     make(map[uint64]chan datagram),
		failures:    make(map[peer.ID]int),
		publishedTo: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	return n, nil
}

// Addr returns the bound UDP address.
func (n *Node) Addr() net.Addr { return n.conn.LocalAddr() }

// Serve runs the receive loop until ctx is cancelled.
func (n *Node) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = n.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		nRead, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				n.closeOnce.Do(func() { close(n.done) })
				return nil
			default:
				return fmt.Errorf("%w: dht udp read: %v", distfserr.ErrIO, err)
			}
		}
		payload := make([]byte, nRead)
		copy(payload, buf[:nRead])
		go n.handleDatagram(payload, from)
	}
}

// Wait blocks until the receive loop has stopped.
func (n *Node) Wait() { <-n.done }

func newTxnID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (n *Node) handleDatagram(raw []byte, from *net.UDPAddr) {
	var dg datagram
	if err := json.Unmarshal(raw, &dg); err != nil {
		n.log.Debugw("dht: dropping malformed datagram", "from", from, "error", err)
		return
	}

	if dg.From.NodeID != (peer.ID{}) {
		n.observe(dg.From)
	}

	switch dg.Type {
	case TypePong, TypeNodes, TypeValue, TypeAck:
		n.pendingMu.Lock()
		ch, ok := n.pending[dg.Txn]
		n.pendingMu.Unlock()
		if ok {
			select {
			case ch <- dg:
			default:
			}
		}
		return
	case TypePing:
		n.reply(from, dg.Txn, TypePong, ackPayload{OK: true})
	case TypeFindNode:
		n.handleFindNode(from, dg)
	case TypeFindValue:
		n.handleFindValue(from, dg)
	case TypeStore:
		n.handleStore(from, dg)
	}
}

func (n *Node) observe(h peer.Handle) {
	candidate := n.table.Observe(h)
	if candidate == nil {
		return
	}
	go n.resolveCandidate(*candidate, h)
}

func (n *Node) resolveCandidate(candidate, newcomer peer.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	_, err := n.Ping(ctx, candidate)
	n.table.ResolvePing(candidate, newcomer, err == nil)
}

func (n *Node) send(addr *net.UDPAddr, dg datagram) error {
	dg.From = n.self
	raw, err := json.Marshal(dg)
	if err != nil {
		return fmt.Errorf("dht: marshal datagram: %w", err)
	}
	_, err = n.conn.WriteToUDP(raw, addr)
	return err
}

func (n *Node) reply(addr *net.UDPAddr, txn uint64, t DatagramType, payload any) {
	_ = n.send(addr, datagram{Txn: txn, Type: t, Payload: marshalPayload(payload)})
}

// roundTrip sends a datagram to h and waits for the first correlated
// response or the RPC timeout, whichever comes first. It also returns the
// transaction's delivery channel, still registered, so callers expecting a
// fragmented NODES response can collect the remaining fragments; release
// must be called once the caller is done with the transaction. A failed RPC
// counts against h in the routing table's consecutive-failure tracker.
func (n *Node) roundTrip(ctx context.Context, h peer.Handle, t DatagramType, payload any) (datagram, <-chan datagram, func(), error) {
	txn := newTxnID()
	ch := make(chan datagram, 8)
	n.pendingMu.Lock()
	n.pending[txn] = ch
	n.pendingMu.Unlock()
	release := func() {
		n.pendingMu.Lock()
		delete(n.pending, txn)
		n.pendingMu.Unlock()
	}

	addr, err := net.ResolveUDPAddr("udp", h.DHTAddr())
	if err != nil {
		return datagram{}, ch, release, fmt.Errorf("%w: resolve peer addr: %v", distfserr.ErrConfig, err)
	}

	if err := n.send(addr, datagram{Txn: txn, Type: t, Payload: marshalPayload(payload)}); err != nil {
		n.failuresMu.Lock()
		n.table.RecordFailure(h.NodeID, n.failures)
		n.failuresMu.Unlock()
		return datagram{}, ch, release, fmt.Errorf("%w: send %s: %v", distfserr.ErrRPCTimeout, t, err)
	}

	timer := time.NewTimer(n.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		n.failuresMu.Lock()
		delete(n.failures, h.NodeID)
		n.failuresMu.Unlock()
		return resp, ch, release, nil
	case <-timer.C:
		n.failuresMu.Lock()
		n.table.RecordFailure(h.NodeID, n.failures)
		n.failuresMu.Unlock()
		return datagram{}, ch, release, fmt.Errorf("%w: no reply from %s to %s", distfserr.ErrRPCTimeout, h.NodeID, t)
	case <-ctx.Done():
		return datagram{}, ch, release, fmt.Errorf("%w: %v", distfserr.ErrCancelled, ctx.Err())
	}
}

// request is roundTrip for RPCs whose response is always a single datagram.
func (n *Node) request(ctx context.Context, h peer.Handle, t DatagramType, payload any) (datagram, error) {
	resp, _, release, err := n.roundTrip(ctx, h, t, payload)
	release()
	return resp, err
}

// collectNodeFragments drains the remaining fragments of a split NODES
// response. Fragments normally arrive in order; a reordered final fragment
// ends collection early, which lookups tolerate.
func (n *Node) collectNodeFragments(ctx context.Context, first nodesPayload, ch <-chan datagram) []peer.Handle {
	handles := first.Handles
	for more := first.More; more; {
		timer := time.NewTimer(n.cfg.RPCTimeout)
		select {
		case dg := <-ch:
			timer.Stop()
			var frag nodesPayload
			if dg.Type != TypeNodes || json.Unmarshal(dg.Payload, &frag) != nil {
				return handles
			}
			handles = append(handles, frag.Handles...)
			more = frag.More
		case <-timer.C:
			return handles
		case <-ctx.Done():
			timer.Stop()
			return handles
		}
	}
	return handles
}

// Ping issues a PING RPC and reports whether h replied.
func (n *Node) Ping(ctx context.Context, h peer.Handle) (bool, error) {
	_, err := n.request(ctx, h, TypePing, ackPayload{})
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindNode issues a FIND_NODE RPC against h for target, returning the
// PeerHandles it reported nearest.
func (n *Node) FindNode(ctx context.Context, h peer.Handle, target peer.ID) ([]peer.Handle, error) {
	resp, ch, release, err := n.roundTrip(ctx, h, TypeFindNode, findNodePayload{TargetID: target})
	defer release()
	if err != nil {
		return nil, err
	}
	var nodes nodesPayload
	if err := json.Unmarshal(resp.Payload, &nodes); err != nil {
		return nil, fmt.Errorf("dht: malformed NODES payload: %w", err)
	}
	return n.collectNodeFragments(ctx, nodes, ch), nil
}

// findValueResult is either a direct value hit or a closer-peer list.
type findValueResult struct {
	Value json.RawMessage
	Nodes []peer.Handle
	Found bool
}

// FindValue issues a FIND_VALUE RPC against h for key.
func (n *Node) FindValue(ctx context.Context, h peer.Handle, key string) (findValueResult, error) {
	resp, ch, release, err := n.roundTrip(ctx, h, TypeFindValue, findValuePayload{Key: key})
	defer release()
	if err != nil {
		return findValueResult{}, err
	}
	switch resp.Type {
	case TypeValue:
		var v valuePayload
		if err := json.Unmarshal(resp.Payload, &v); err != nil {
			return findValueResult{}, fmt.Errorf("dht: malformed VALUE payload: %w", err)
		}
		return findValueResult{Value: v.Value, Found: true}, nil
	default:
		var nodes nodesPayload
		if err := json.Unmarshal(resp.Payload, &nodes); err != nil {
			return findValueResult{}, fmt.Errorf("dht: malformed NODES payload: %w", err)
		}
		return findValueResult{Nodes: n.collectNodeFragments(ctx, nodes, ch)}, nil
	}
}

// Store issues a STORE RPC against h.
func (n *Node) Store(ctx context.Context, h peer.Handle, key string, value json.RawMessage, ttl time.Duration) error {
	resp, err := n.request(ctx, h, TypeStore, storePayload{Key: key, Value: value, TTLMS: ttl.Milliseconds()})
	if err != nil {
		return err
	}
	var ack ackPayload
	if err := json.Unmarshal(resp.Payload, &ack); err != nil || !ack.OK {
		return fmt.Errorf("dht: store rejected by %s", h.NodeID)
	}
	return nil
}

func (n *Node) handleFindNode(from *net.UDPAddr, dg datagram) {
	var req findNodePayload
	if err := json.Unmarshal(dg.Payload, &req); err != nil {
		return
	}
	n.replyNodes(from, dg.Txn, n.table.Closest(req.TargetID, n.cfg.K))
}

func (n *Node) handleFindValue(from *net.UDPAddr, dg datagram) {
	var req findValuePayload
	if err := json.Unmarshal(dg.Payload, &req); err != nil {
		return
	}
	if val, ok := n.store.Get(req.Key); ok {
		n.reply(from, dg.Txn, TypeValue, valuePayload{Value: val})
		return
	}
	n.replyNodes(from, dg.Txn, n.table.Closest(peer.KeyID(req.Key), n.cfg.K))
}

// maxDatagramBytes is a conservative path-MTU budget for a NODES payload;
// longer node lists are fragmented by splitting.
const maxDatagramBytes = 1200

func (n *Node) replyNodes(addr *net.UDPAddr, txn uint64, handles []peer.Handle) {
	for {
		group := handles
		for len(group) > 1 && len(marshalPayload(nodesPayload{Handles: group})) > maxDatagramBytes {
			group = group[:(len(group)+1)/2]
		}
		rest := handles[len(group):]
		n.reply(addr, txn, TypeNodes, nodesPayload{Handles: group, More: len(rest) > 0})
		if len(rest) == 0 {
			return
		}
		handles = rest
	}
}

func (n *Node) handleStore(from *net.UDPAddr, dg datagram) {
	var req storePayload
	if err := json.Unmarshal(dg.Payload, &req); err != nil {
		n.reply(from, dg.Txn, TypeAck, ackPayload{OK: false})
		return
	}
	n.store.Put(req.Key, req.Value, time.Duration(req.TTLMS)*time.Millisecond, false)
	n.reply(from, dg.Txn, TypeAck, ackPayload{OK: true})
}

// RoutingTable exposes the node's routing table for bootstrap/refresh and
// for diagnostics.
func (n *Node) RoutingTable() *RoutingTable { return n.table }

// Self returns this node's own handle.
func (n *Node) Self() peer.Handle { return n.self }
