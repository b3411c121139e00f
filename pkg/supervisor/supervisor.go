// Package supervisor owns node lifecycle: it starts the components in
// dependency order, owns the top-level cancellation signal, and exposes the
// user-facing operations Publish, FetchFile, ListLocal, and Shutdown. Every
// collaborator is wired explicitly by the constructor. Shutdown cancels the
// root context, which fans out to the announcements and fetches started under
// it; the DHT and the wire server run under their own contexts, which
// Shutdown cancels in turn.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/distfs/distfs/pkg/chunkstore"
	"github.com/distfs/distfs/pkg/config"
	"github.com/distfs/distfs/pkg/dht"
	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/peer"
	"github.com/distfs/distfs/pkg/peerengine"
	"github.com/distfs/distfs/pkg/wire"
)

// Supervisor owns one running node: chunk store, DHT participant, wire
// server, and the peer engine composing them.
type Supervisor struct {
	cfg    config.Config
	log    *zap.SugaredLogger
	store  *chunkstore.Store
	node   *dht.Node
	server *wire.Server
	engine *peerengine.Engine
	self   peer.Handle

	rootCtx     context.Context
	rootCancel  context.CancelFunc
	serveCancel context.CancelFunc
	dhtCancel   context.CancelFunc
}

// Start brings a node up: open the chunk store and its index, start the
// DHT and bootstrap it, kick off the local announcement pass in the
// background, then start the wire server. A nil logger disables logging.
func Start(cfg config.Config, log *zap.SugaredLogger) (*Supervisor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nodeID, err := loadOrCreateNodeID(cfg.NodeIDFile)
	if err != nil {
		return nil, err
	}

	store, err := chunkstore.Open(cfg.StorageDir, cfg.ChunkSize, log)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServePort))
	if err != nil {
		return nil, fmt.Errorf("%w: bind serve port: %v", distfserr.ErrIO, err)
	}

	self := peer.Handle{
		NodeID:   nodeID,
		Address:  cfg.AdvertiseAddress,
		Port:     cfg.DHTPort,
		WirePort: listener.Addr().(*net.TCPAddr).Port,
	}

	node, err := dht.Listen(self, dht.Config{
		ListenAddr: fmt.Sprintf(":%d", cfg.DHTPort),
		RPCTimeout: cfg.RPCTimeout,
		K:          cfg.ReplicationFactor,
		Logger:     log,
	})
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	self = node.Self() // port 0 was replaced by the bound port

	rootCtx, rootCancel := context.WithCancel(context.Background())
	dhtCtx, dhtCancel := context.WithCancel(context.Background())
	serveCtx, serveCancel := context.WithCancel(context.Background())

	go func() { _ = node.Serve(dhtCtx) }()
	go node.RunMaintenance(dhtCtx)

	seeds, err := cfg.BootstrapHandles()
	if err != nil {
		rootCancel()
		dhtCancel()
		serveCancel()
		_ = listener.Close()
		return nil, err
	}
	if len(seeds) > 0 {
		bctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		if err := node.Bootstrap(bctx, seeds); err != nil {
			log.Warnw("dht bootstrap incomplete", "error", err)
		}
		cancel()
	}

	server := wire.NewServer(listener, store, cfg.MaxServeConcurrency, log)
	engine := peerengine.New(store, node, server, self, peerengine.Config{
		MaxInflight: cfg.MaxInflight,
		WireTimeout: cfg.WireTimeout,
		AnnounceTTL: cfg.TTL,
		Logger:      log,
	})

	s := &Supervisor{
		cfg:         cfg,
		log:         log,
		store:       store,
		node:        node,
		server:      server,
		engine:      engine,
		self:        self,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		serveCancel: serveCancel,
		dhtCancel:   dhtCancel,
	}

	if err := engine.Startup(rootCtx); err != nil {
		rootCancel()
		dhtCancel()
		serveCancel()
		_ = listener.Close()
		return nil, err
	}
	go func() { _ = server.Serve(serveCtx) }()

	log.Infow("node started",
		"node_id", self.NodeID,
		"dht_addr", s.DHTAddr(),
		"wire_addr", s.WireAddr(),
		"storage_dir", cfg.StorageDir)
	return s, nil
}

// Self returns this node's own handle.
func (s *Supervisor) Self() peer.Handle { return s.self }

// DHTAddr returns the bound DHT datagram address.
func (s *Supervisor) DHTAddr() string { return s.node.Addr().String() }

// WireAddr returns the bound chunk transport address.
func (s *Supervisor) WireAddr() string { return s.server.Addr().String() }

// Publish stores the file at path and announces its chunks and record into
// the DHT. The store commit is synchronous; announcements run against the
// supervisor's root context so a short-lived caller does not abort them.
func (s *Supervisor) Publish(_ context.Context, path string, k, m int) (digest.Digest, error) {
	return s.engine.Publish(s.rootCtx, path, k, m)
}

// FetchFile locates fileDigest through the DHT, fetches and reconstructs
// its chunks, and writes the assembled file to outPath.
func (s *Supervisor) FetchFile(ctx context.Context, fileDigest digest.Digest, outPath string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.engine.FetchFile(opCtx, fileDigest, outPath)
}

// ListLocal returns every FileRecord in the local index.
func (s *Supervisor) ListLocal() ([]chunkstore.FileRecord, error) {
	return s.store.ListFiles()
}

// Delete removes fileDigest's record and any chunk no remaining record
// references.
func (s *Supervisor) Delete(fileDigest digest.Digest) error {
	return s.store.Delete(fileDigest)
}

// opCtx derives a context cancelled by either the caller or supervisor
// shutdown, keeping cancellation hierarchical.
func (s *Supervisor) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.rootCtx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// Shutdown drains the wire accept loop, waits for outstanding serve tasks
// up to the configured grace period, runs one final announcement pass, then
// stops the DHT and closes the chunk store index.
func (s *Supervisor) Shutdown() {
	s.rootCancel()

	s.serveCancel()
	s.server.Wait()
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	if err := s.server.Drain(drainCtx); err != nil {
		s.log.Warnw("serve tasks still running at end of grace period")
	}
	cancel()

	announceCtx, cancel := context.WithTimeout(context.Background(), grace)
	s.engine.AnnounceLocal(announceCtx)
	cancel()

	s.dhtCancel()
	s.node.Wait()

	if err := s.store.Close(); err != nil {
		s.log.Warnw("failed to flush index on shutdown", "error", err)
	}
	s.log.Infow("node stopped", "node_id", s.self.NodeID)
}

// loadOrCreateNodeID reads the persisted 160-bit node id, or chooses one
// uniformly at random on first start and persists it for every start after.
func loadOrCreateNodeID(path string) (peer.ID, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id, perr := peer.ParseID(strings.TrimSpace(string(raw)))
		if perr != nil {
			return peer.ID{}, fmt.Errorf("%w: node id file %s: %v", distfserr.ErrConfig, path, perr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return peer.ID{}, fmt.Errorf("%w: read node id file: %v", distfserr.ErrIO, err)
	}

	id, err := peer.NewRandomID()
	if err != nil {
		return peer.ID{}, fmt.Errorf("%w: %v", distfserr.ErrIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return peer.ID{}, fmt.Errorf("%w: create node id dir: %v", distfserr.ErrIO, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return peer.ID{}, fmt.Errorf("%w: write node id file: %v", distfserr.ErrIO, err)
	}
	return id, nil
}
