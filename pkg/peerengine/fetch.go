package peerengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/distfs/distfs/pkg/chunkstore"
	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/erasure"
	"github.com/distfs/distfs/pkg/peer"
)

// fetchState names the stations of a per-chunk fetch:
// Planned → Dialing → Receiving → Verifying → {Done, Retry, Failed}.
// A chunk reaches Failed only after every candidate peer has been tried
// once. The wire client performs Receiving and Verifying inside GetChunk;
// the engine logs the transitions it drives directly.
type fetchState int

const (
	statePlanned fetchState = iota
	stateDialing
	stateDone
	stateRetry
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case statePlanned:
		return "planned"
	case stateDialing:
		return "dialing"
	case stateDone:
		return "done"
	case stateRetry:
		return "retry"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// shardRef names one shard of a stripe: its position in [0, k+m) and the
// digest of its bytes. Positions below k are data shards.
type shardRef struct {
	pos int
	dig digest.Digest
}

func stripeRefs(rec *chunkstore.FileRecord, s int) []shardRef {
	refs := make([]shardRef, 0, rec.K+rec.M)
	for i := 0; i < rec.K; i++ {
		refs = append(refs, shardRef{pos: i, dig: rec.DataChunks[s*rec.K+i]})
	}
	for j := 0; j < rec.M; j++ {
		refs = append(refs, shardRef{pos: rec.K + j, dig: rec.ParityChunks[s*rec.M+j]})
	}
	return refs
}

// FetchFile implements the download flow: locate the FileRecord
// through the DHT, gather candidate holders for every missing chunk, fetch
// shards in parallel bounded by max_inflight, erasure-decode any stripe
// missing data shards, and hand off to ChunkStore.Retrieve to assemble
// outPath.
func (e *Engine) FetchFile(ctx context.Context, fileDigest digest.Digest, outPath string) error {
	rec, err := e.store.GetRecord(fileDigest)
	if err != nil {
		rec, err = e.fetchRecord(ctx, fileDigest)
		if err != nil {
			return err
		}
	}

	if len(rec.DataChunks) > 0 {
		codec, err := erasure.New(rec.K, rec.M)
		if err != nil {
			return fmt.Errorf("%w: %v", distfserr.ErrConfig, err)
		}

		holders, err := e.lookupHolders(ctx, &rec)
		if err != nil {
			return err
		}

		sem := semaphore.NewWeighted(e.cfg.MaxInflight)
		g, gctx := errgroup.WithContext(ctx)
		for s := 0; s < rec.StripeCount(); s++ {
			s := s
			g.Go(func() error {
				return e.fetchStripe(gctx, codec, &rec, s, holders, sem)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := e.store.PutRecord(rec); err != nil {
		return err
	}
	if err := e.store.Retrieve(fileDigest, outPath); err != nil {
		return err
	}
	// This node now holds the file; make it discoverable as a holder.
	go e.announceRecord(ctx, rec)
	return nil
}

// fetchRecord resolves a FileRecord through the DHT when it is not in the
// local index. Absence after the iterative lookup is FileNotFound.
func (e *Engine) fetchRecord(ctx context.Context, fileDigest digest.Digest) (chunkstore.FileRecord, error) {
	raw, err := e.dhtNode.Get(ctx, fileKey(fileDigest))
	if err != nil {
		return chunkstore.FileRecord{}, fmt.Errorf("%w: file %s", distfserr.ErrNotFound, fileDigest)
	}
	var rec chunkstore.FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chunkstore.FileRecord{}, fmt.Errorf("%w: file %s: malformed record: %v", distfserr.ErrNotFound, fileDigest, err)
	}
	if rec.FileDigest != fileDigest {
		return chunkstore.FileRecord{}, fmt.Errorf("%w: file %s: record names digest %s", distfserr.ErrNotFound, fileDigest, rec.FileDigest)
	}
	return rec, nil
}

// lookupHolders queries the DHT concurrently for the holder list of every
// chunk in rec that is not already local. Chunks with no reachable holders
// simply have no entry; their stripes may still recover through parity.
func (e *Engine) lookupHolders(ctx context.Context, rec *chunkstore.FileRecord) (map[digest.Digest][]peer.Handle, error) {
	needed := make(map[digest.Digest]struct{})
	for _, d := range rec.DataChunks {
		if !e.store.HasChunk(d) {
			needed[d] = struct{}{}
		}
	}
	for _, d := range rec.ParityChunks {
		if !e.store.HasChunk(d) {
			needed[d] = struct{}{}
		}
	}

	holders := make(map[digest.Digest][]peer.Handle, len(needed))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for d := range needed {
		d := d
		g.Go(func() error {
			raw, err := e.dhtNode.Get(gctx, chunkKey(d))
			if err != nil {
				return nil
			}
			var hs []peer.Handle
			if err := json.Unmarshal(raw, &hs); err != nil {
				e.log.Debugw("peerengine: malformed holder list", "chunk", d, "error", err)
				return nil
			}
			live := hs[:0]
			for _, h := range hs {
				if h.NodeID == e.self.NodeID || h.WirePort == 0 {
					continue
				}
				live = append(live, h)
			}
			if len(live) > 0 {
				mu.Lock()
				holders[d] = live
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", distfserr.ErrCancelled, ctx.Err())
	}
	return holders, nil
}

// fetchStripe brings one stripe up to at least k valid local shards and
// reconstructs any missing data shards. Shards are requested data-first, and
// never more than the number still needed are in flight for the stripe, so a
// shard that becomes unnecessary is simply never dialed; anything still in
// flight when the stripe resolves is cancelled through sctx.
func (e *Engine) fetchStripe(ctx context.Context, codec *erasure.Codec, rec *chunkstore.FileRecord,
	s int, holders map[digest.Digest][]peer.Handle, sem *semaphore.Weighted) error {

	refs := stripeRefs(rec, s)
	k := rec.K

	have := make(map[int]bool, len(refs))
	for _, ref := range refs {
		if e.store.HasChunk(ref.dig) {
			have[ref.pos] = true
		}
	}

	// refs is ordered data shards first, so the queue prefers data over
	// parity; parity is dialed only to top up after failures or when data
	// shards have no holders.
	queue := make([]shardRef, 0, len(refs))
	for _, ref := range refs {
		if !have[ref.pos] && len(holders[ref.dig]) > 0 {
			queue = append(queue, ref)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ref shardRef
		err error
	}
	resCh := make(chan result, len(queue))

	success := len(have)
	inflight := 0
	next := 0
	for success < k {
		for launch := k - success - inflight; launch > 0 && next < len(queue); launch-- {
			ref := queue[next]
			next++
			inflight++
			go func(ref shardRef) {
				err := e.fetchChunk(sctx, ref.dig, holders[ref.dig], sem)
				resCh <- result{ref: ref, err: err}
			}(ref)
		}
		if inflight == 0 {
			return fmt.Errorf("%w: stripe %d has %d of %d required shards", distfserr.ErrUnrecoverable, s, success, k)
		}
		select {
		case r := <-resCh:
			inflight--
			if r.err == nil {
				success++
				have[r.ref.pos] = true
			} else {
				e.log.Debugw("shard unavailable", "stripe", s, "pos", r.ref.pos, "chunk", r.ref.dig, "error", r.err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", distfserr.ErrCancelled, ctx.Err())
		}
	}
	cancel()

	missingData := false
	for pos := 0; pos < k; pos++ {
		if !have[pos] {
			missingData = true
			break
		}
	}
	if !missingData {
		return nil
	}

	shards := make([][]byte, k+rec.M)
	var present []int
	for _, ref := range refs {
		if !have[ref.pos] {
			continue
		}
		data, err := e.store.ReadChunk(ref.dig)
		if err != nil {
			continue
		}
		shards[ref.pos] = data
		present = append(present, ref.pos)
	}
	decoded, err := codec.Decode(shards, present)
	if err != nil {
		return err
	}
	for pos := 0; pos < k; pos++ {
		if shards[pos] != nil {
			continue
		}
		if err := e.store.WriteChunk(refs[pos].dig, decoded[pos]); err != nil {
			return fmt.Errorf("write reconstructed chunk %s: %w", refs[pos].dig, err)
		}
	}
	e.log.Infow("reconstructed stripe from parity", "file", rec.FileDigest, "stripe", s)
	return nil
}

// fetchChunk tries each candidate peer in order until one yields bytes that
// hash to d, writing them into the local store. The digest is verified by
// the wire client before GetChunk returns and again by WriteChunk.
func (e *Engine) fetchChunk(ctx context.Context, d digest.Digest, candidates []peer.Handle, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", distfserr.ErrCancelled, err)
	}
	defer sem.Release(1)

	// Another stripe may share this digest (zero-padding shards do) and
	// have fetched it while we waited on the semaphore.
	if e.store.HasChunk(d) {
		return nil
	}

	for _, h := range candidates {
		e.log.Debugw("chunk fetch", "chunk", d, "peer", h.NodeID, "state", stateDialing)
		data, err := e.wireClient.GetChunk(ctx, h.WireAddr(), d)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", distfserr.ErrCancelled, ctx.Err())
			}
			e.log.Debugw("chunk fetch", "chunk", d, "peer", h.NodeID, "state", stateRetry, "error", err)
			continue
		}
		if err := e.store.WriteChunk(d, data); err != nil {
			return err
		}
		e.log.Debugw("chunk fetch", "chunk", d, "peer", h.NodeID, "state", stateDone)
		return nil
	}
	e.log.Debugw("chunk fetch", "chunk", d, "state", stateFailed, "candidates", len(candidates))
	return fmt.Errorf("%w: chunk %s unavailable from %d candidate peers", distfserr.ErrNotFound, d, len(candidates))
}
