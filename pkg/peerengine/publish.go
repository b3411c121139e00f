package peerengine

import (
	"context"

	"github.com/distfs/distfs/pkg/chunkstore"
	"github.com/distfs/distfs/pkg/digest"
)

// Publish calls ChunkStore.Store, then announces every produced chunk
// digest and the file record into the DHT. Publish returns as soon as the
// ChunkStore commit succeeds; DHT announcements proceed asynchronously in
// the background and are retried with exponential backoff.
func (e *Engine) Publish(ctx context.Context, path string, k, m int) (digest.Digest, error) {
	fileDigest, err := e.store.Store(path, k, m)
	if err != nil {
		return digest.Digest{}, err
	}

	rec, err := e.store.GetRecord(fileDigest)
	if err != nil {
		return fileDigest, nil // commit already succeeded; announcement is best-effort from here
	}

	go e.announceRecord(ctx, rec)
	return fileDigest, nil
}

// announceRecord announces every chunk of rec and the record itself. Also
// used after a successful FetchFile, so a node that just replicated a file
// becomes discoverable as a holder.
func (e *Engine) announceRecord(ctx context.Context, rec chunkstore.FileRecord) {
	selfJSON := marshalSelf(e.self)
	for _, d := range rec.DataChunks {
		e.announceWithBackoff(ctx, chunkKey(d), selfJSON)
	}
	for _, d := range rec.ParityChunks {
		e.announceWithBackoff(ctx, chunkKey(d), selfJSON)
	}
	if raw, err := e.store.GetRecordJSON(rec.FileDigest); err == nil {
		e.announceWithBackoff(ctx, fileKey(rec.FileDigest), raw)
	}
}
