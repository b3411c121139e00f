// Package peerengine composes the chunk store, erasure codec, wire
// transport, and DHT into the node's product behaviour: startup
// announcement, Publish, and the discovery-driven parallel FetchFile.
package peerengine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/distfs/distfs/pkg/chunkstore"
	"github.com/distfs/distfs/pkg/dht"
	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/peer"
	"github.com/distfs/distfs/pkg/wire"
)

// Config holds the tunables Engine needs beyond its four collaborators.
type Config struct {
	MaxInflight int64
	WireTimeout time.Duration
	AnnounceTTL time.Duration
	Logger      *zap.SugaredLogger
}

// Engine owns a ChunkStore, a DHT node, and a WireTransport client/server
// pair, and exposes Publish and FetchFile over them.
type Engine struct {
	store      *chunkstore.Store
	dhtNode    *dht.Node
	wireServer *wire.Server
	wireClient *wire.Client
	self       peer.Handle
	cfg        Config
	log        *zap.SugaredLogger
}

// New constructs an Engine from already-open collaborators. It does not
// start any background loop; call Startup for that.
func New(store *chunkstore.Store, dhtNode *dht.Node, wireServer *wire.Server, self peer.Handle, cfg Config) *Engine {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 5
	}
	if cfg.WireTimeout <= 0 {
		cfg.WireTimeout = wire.DefaultRequestTimeout
	}
	if cfg.AnnounceTTL <= 0 {
		cfg.AnnounceTTL = dht.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:      store,
		dhtNode:    dhtNode,
		wireServer: wireServer,
		wireClient: wire.NewClient(cfg.WireTimeout),
		self:       self,
		cfg:        cfg,
		log:        cfg.Logger,
	}
}

// chunkKey and fileKey are the DHT key namespaces for holder and file
// record announcements.
func chunkKey(d digest.Digest) string { return "chunk:" + d.String() }
func fileKey(d digest.Digest) string  { return "file:" + d.String() }

// Startup kicks off the background announcement of every local chunk and
// FileRecord into the DHT. Opening the ChunkStore and starting the DHT and
// wire server are the caller's responsibility, since they involve
// constructing this Engine's own collaborators.
func (e *Engine) Startup(ctx context.Context) error {
	go e.announceAll(ctx)
	return nil
}

// AnnounceLocal synchronously announces every local chunk and FileRecord
// once, bounded by ctx. NodeSupervisor uses it for the final announcement
// pass during shutdown.
func (e *Engine) AnnounceLocal(ctx context.Context) {
	e.announceAll(ctx)
}

func (e *Engine) announceAll(ctx context.Context) {
	chunks, err := e.store.ListLocalChunks()
	if err != nil {
		e.log.Warnw("peerengine: failed to list local chunks for announcement", "error", err)
	}
	selfJSON := marshalSelf(e.self)
	for _, d := range chunks {
		e.announceWithBackoff(ctx, chunkKey(d), selfJSON)
	}

	files, err := e.store.ListFiles()
	if err != nil {
		e.log.Warnw("peerengine: failed to list local files for announcement", "error", err)
		return
	}
	for _, rec := range files {
		raw, err := e.store.GetRecordJSON(rec.FileDigest)
		if err != nil {
			continue
		}
		e.announceWithBackoff(ctx, fileKey(rec.FileDigest), raw)
	}
}

// announceWithBackoff retries a DHT Set with exponential backoff capped at
// 60s.
func (e *Engine) announceWithBackoff(ctx context.Context, key string, value []byte) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	for {
		if err := e.dhtNode.Set(ctx, key, value, e.cfg.AnnounceTTL); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// marshalSelf encodes this node as a one-element holder list, the value
// shape of chunk:<digest> keys. Responder-side STOREs union these lists, so
// every holder of a chunk ends up named in the same value.
func marshalSelf(h peer.Handle) []byte {
	raw, err := json.Marshal([]peer.Handle{h})
	if err != nil {
		return []byte("[]")
	}
	return raw
}
