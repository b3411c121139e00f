// Package chunkstore is the content-addressable chunk store: deterministic
// chunking, digesting, erasure-coded encoding, and an on-disk index mapping
// file digest to chunk list and metadata. Chunk blobs and the index are both
// written via temp-then-rename, so a crash never leaves either torn.
package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/erasure"
)

const (
	indexFileName = "index.json"
	tempSuffix    = ".tmp"
)

// snapshot is the immutable, atomically-swapped in-memory view of the index.
// Readers load the current snapshot without taking any lock; writers build
// the next snapshot under writerMu and then swap the pointer.
type snapshot struct {
	header indexHeader
	files  map[digest.Digest]*FileRecord
	refs   map[digest.Digest]int
}

// Store is the content-addressable chunk store rooted at a storage
// directory. A Store is safe for concurrent use.
type Store struct {
	dir       string
	chunkSize int
	log       *zap.SugaredLogger

	current  atomic.Pointer[snapshot]
	writerMu sync.Mutex // serialises index read-modify-write-persist
}

// Open opens (creating if necessary) the chunk store rooted at dir, using
// chunkSize as the default chunking unit for new files. Partial chunk files
// left by a prior crash (those whose temp name is still on disk) are
// removed.
func Open(dir string, chunkSize int, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %v", distfserr.ErrIO, err)
	}

	s := &Store{dir: dir, chunkSize: chunkSize, log: log}

	if err := s.cleanupTempFiles(); err != nil {
		return nil, err
	}

	snap, err := s.loadOrInit(chunkSize)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

func (s *Store) cleanupTempFiles() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: list storage dir: %v", distfserr.ErrIO, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tempSuffix) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: remove stale temp file %s: %v", distfserr.ErrIO, path, err)
			}
			s.log.Infow("removed stale temp file from prior crash", "path", path)
		}
	}
	return nil
}

func (s *Store) loadOrInit(chunkSize int) (*snapshot, error) {
	path := filepath.Join(s.dir, indexFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &snapshot{
			header: indexHeader{Version: formatVersion, Algorithm: DigestAlgorithm, ChunkSize: chunkSize},
			files:  make(map[digest.Digest]*FileRecord),
			refs:   make(map[digest.Digest]int),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read index: %v", distfserr.ErrIO, err)
	}

	var onDisk onDiskIndex
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, fmt.Errorf("%w: parse index.json: %v", distfserr.ErrConfig, err)
	}
	if onDisk.Header.Algorithm != DigestAlgorithm || onDisk.Header.Version != formatVersion {
		return nil, fmt.Errorf("%w: index.json format %q/v%d does not match %q/v%d",
			distfserr.ErrConfig, onDisk.Header.Algorithm, onDisk.Header.Version, DigestAlgorithm, formatVersion)
	}
	if onDisk.Header.ChunkSize != chunkSize {
		return nil, fmt.Errorf("%w: index.json chunk size %d does not match configured chunk size %d",
			distfserr.ErrConfig, onDisk.Header.ChunkSize, chunkSize)
	}

	files := make(map[digest.Digest]*FileRecord, len(onDisk.Files))
	refs := make(map[digest.Digest]int)
	for key, rec := range onDisk.Files {
		fd, err := digest.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("%w: index.json has invalid file digest key %q: %v", distfserr.ErrConfig, key, err)
		}
		rec.FileDigest = fd
		files[fd] = rec
		for _, d := range uniqueDigests(rec) {
			refs[d]++
		}
	}

	return &snapshot{
		header: onDisk.Header,
		files:  files,
		refs:   refs,
	}, nil
}

func uniqueDigests(rec *FileRecord) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(rec.DataChunks)+len(rec.ParityChunks))
	out := make([]digest.Digest, 0, len(seen))
	add := func(d digest.Digest) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	for _, d := range rec.DataChunks {
		add(d)
	}
	for _, d := range rec.ParityChunks {
		add(d)
	}
	return out
}

func (s *Store) snapshot() *snapshot {
	return s.current.Load()
}

// persist serialises snap to index.json via temp-file-then-rename, so a
// concurrent reader never observes a half-written index.
func (s *Store) persist(snap *snapshot) error {
	onDisk := onDiskIndex{
		Header: snap.header,
		Files:  make(map[string]*FileRecord, len(snap.files)),
	}
	for d, rec := range snap.files {
		onDisk.Files[d.String()] = rec
	}
	raw, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal index: %v", distfserr.ErrIO, err)
	}

	tmpPath := filepath.Join(s.dir, indexFileName+tempSuffix)
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write index temp file: %v", distfserr.ErrIO, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, indexFileName)); err != nil {
		return fmt.Errorf("%w: rename index into place: %v", distfserr.ErrIO, err)
	}
	return nil
}

func (s *Store) chunkPath(d digest.Digest) string {
	return filepath.Join(s.dir, d.String())
}

// WriteChunk writes bytes iff hash(bytes) == d; the write is atomic via
// temp-then-rename, and an existing chunk with the same digest is left
// untouched (chunk names are content digests, so a repeat write is always
// idempotent).
func (s *Store) WriteChunk(d digest.Digest, data []byte) error {
	if digest.Sum(data) != d {
		return distfserr.ErrDigestMismatch
	}
	path := s.chunkPath(d)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + tempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write chunk temp file: %v", distfserr.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename chunk into place: %v", distfserr.ErrIO, err)
	}
	return nil
}

// ReadChunk reads the chunk named by d directly from disk.
func (s *Store) ReadChunk(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(d))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: chunk %s", distfserr.ErrNotFound, d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read chunk %s: %v", distfserr.ErrIO, d, err)
	}
	return data, nil
}

// HasChunk reports whether a chunk is present locally without reading it.
func (s *Store) HasChunk(d digest.Digest) bool {
	_, err := os.Stat(s.chunkPath(d))
	return err == nil
}

// ListLocalChunks enumerates the digests of chunk files present in the
// storage directory, without reading their contents.
func (s *Store) ListLocalChunks() ([]digest.Digest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list storage dir: %v", distfserr.ErrIO, err)
	}
	var out []digest.Digest
	for _, e := range entries {
		if e.IsDir() || e.Name() == indexFileName || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		d, err := digest.Parse(e.Name())
		if err != nil {
			continue // not a chunk blob (e.g. stray file); ignore
		}
		out = append(out, d)
	}
	return out, nil
}

// ListFiles returns every FileRecord currently in the index.
func (s *Store) ListFiles() ([]FileRecord, error) {
	snap := s.snapshot()
	out := make([]FileRecord, 0, len(snap.files))
	for _, rec := range snap.files {
		out = append(out, *rec.clone())
	}
	return out, nil
}

// GetRecord returns the FileRecord for fileDigest.
func (s *Store) GetRecord(fileDigest digest.Digest) (FileRecord, error) {
	snap := s.snapshot()
	rec, ok := snap.files[fileDigest]
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: file %s", distfserr.ErrNotFound, fileDigest)
	}
	return *rec.clone(), nil
}

// GetRecordJSON returns the JSON encoding of fileDigest's FileRecord, for
// handing directly to wire.Server's FILE_METADATA response without an
// intermediate unmarshal/remarshal round trip.
func (s *Store) GetRecordJSON(fileDigest digest.Digest) ([]byte, error) {
	snap := s.snapshot()
	rec, ok := snap.files[fileDigest]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", distfserr.ErrNotFound, fileDigest)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal file record: %v", distfserr.ErrIO, err)
	}
	return raw, nil
}

// splitIntoStripes partitions raw bytes into stripes of k chunkSize-wide
// data shards: the tail is zero-padded to a full chunk, then the chunk list
// to a multiple of k, with filler shards all zero.
func splitIntoStripes(data []byte, chunkSize, k int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	rawChunks := (len(data) + chunkSize - 1) / chunkSize
	total := ((rawChunks + k - 1) / k) * k

	shards := make([][]byte, total)
	for i := 0; i < total; i++ {
		shard := make([]byte, chunkSize)
		start := i * chunkSize
		if start < len(data) {
			end := start + chunkSize
			if end > len(data) {
				end = len(data)
			}
			copy(shard, data[start:end])
		}
		shards[i] = shard
	}
	return shards
}

// Store reads bytes from path, chunks and erasure-codes them, writes every
// produced shard to disk, and commits a FileRecord into the index under a
// single lock. Calling Store twice with identical bytes is idempotent: the
// second call only bumps accessed_at.
func (s *Store) Store(path string, k, m int) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: read input file: %v", distfserr.ErrIO, err)
	}
	fileDigest := digest.Sum(data)

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	snap := s.snapshot()
	if existing, ok := snap.files[fileDigest]; ok {
		next := cloneSnapshot(snap)
		bumped := existing.clone()
		bumped.AccessedAt = time.Now()
		next.files[fileDigest] = bumped
		if err := s.persist(next); err != nil {
			return digest.Digest{}, err
		}
		s.current.Store(next)
		s.log.Debugw("store: idempotent hit, bumped accessed_at", "file_digest", fileDigest)
		return fileDigest, nil
	}

	dataShards := splitIntoStripes(data, s.chunkSize, k)
	numStripes := 0
	if len(dataShards) > 0 {
		numStripes = len(dataShards) / k
	}

	codec, err := erasure.New(k, m)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: %v", distfserr.ErrConfig, err)
	}

	dataDigests := make([]digest.Digest, len(dataShards))
	parityDigests := make([]digest.Digest, 0, numStripes*m)
	toWrite := make(map[digest.Digest][]byte)

	for stripe := 0; stripe < numStripes; stripe++ {
		stripeShards := dataShards[stripe*k : (stripe+1)*k]
		for i, shard := range stripeShards {
			d := digest.Sum(shard)
			dataDigests[stripe*k+i] = d
			toWrite[d] = shard
		}
		if m > 0 {
			parity, err := codec.Encode(stripeShards)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("erasure encode stripe %d: %w", stripe, err)
			}
			for _, shard := range parity {
				d := digest.Sum(shard)
				parityDigests = append(parityDigests, d)
				toWrite[d] = shard
			}
		}
	}

	for d, shard := range toWrite {
		if err := s.WriteChunk(d, shard); err != nil {
			return digest.Digest{}, fmt.Errorf("write chunk %s: %w", d, err)
		}
	}

	now := time.Now()
	rec := &FileRecord{
		FileDigest:   fileDigest,
		Size:         int64(len(data)),
		K:            k,
		M:            m,
		ChunkSize:    s.chunkSize,
		DataChunks:   dataDigests,
		ParityChunks: parityDigests,
		CreatedAt:    now,
		AccessedAt:   now,
	}

	next := cloneSnapshot(snap)
	next.files[fileDigest] = rec
	for _, d := range uniqueDigests(rec) {
		next.refs[d]++
	}
	if err := s.persist(next); err != nil {
		return digest.Digest{}, err
	}
	s.current.Store(next)
	s.log.Infow("stored file", "file_digest", fileDigest, "size", rec.Size, "k", k, "m", m)
	return fileDigest, nil
}

// Retrieve looks up fileDigest, concatenates its data chunk bytes in order,
// truncates trailing padding, and writes the result atomically to outPath.
// It fails with distfserr.ErrNotFound (wrapping a chunk identity) if any
// required data chunk is absent locally.
func (s *Store) Retrieve(fileDigest digest.Digest, outPath string) error {
	snap := s.snapshot()
	rec, ok := snap.files[fileDigest]
	if !ok {
		return fmt.Errorf("%w: file %s", distfserr.ErrNotFound, fileDigest)
	}

	buf := make([]byte, 0, len(rec.DataChunks)*rec.ChunkSize)
	for _, d := range rec.DataChunks {
		data, err := s.ReadChunk(d)
		if err != nil {
			return fmt.Errorf("missing data chunk %s: %w", d, err)
		}
		buf = append(buf, data...)
	}
	if int64(len(buf)) < rec.Size {
		return fmt.Errorf("%w: assembled %d bytes, want at least %d", distfserr.ErrIO, len(buf), rec.Size)
	}
	buf = buf[:rec.Size]

	tmp := outPath + tempSuffix
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("%w: write output temp file: %v", distfserr.ErrIO, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("%w: rename output into place: %v", distfserr.ErrIO, err)
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	latest := s.snapshot()
	if current, ok := latest.files[fileDigest]; ok {
		next := cloneSnapshot(latest)
		bumped := current.clone()
		bumped.AccessedAt = time.Now()
		next.files[fileDigest] = bumped
		if err := s.persist(next); err == nil {
			s.current.Store(next)
		}
	}
	return nil
}

// PutRecord commits an externally-obtained FileRecord, such as one fetched
// from a remote peer, into the index, so Retrieve can assemble the file once
// its chunks are present. Committing a record that already exists only bumps
// accessed_at, mirroring Store's idempotence.
func (s *Store) PutRecord(rec FileRecord) error {
	if rec.K < 1 || rec.M < 0 || rec.ChunkSize <= 0 {
		return fmt.Errorf("%w: file record %s has invalid parameters k=%d m=%d chunk_size=%d",
			distfserr.ErrConfig, rec.FileDigest, rec.K, rec.M, rec.ChunkSize)
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	snap := s.snapshot()
	next := cloneSnapshot(snap)
	if existing, ok := snap.files[rec.FileDigest]; ok {
		bumped := existing.clone()
		bumped.AccessedAt = time.Now()
		next.files[rec.FileDigest] = bumped
	} else {
		stored := rec.clone()
		if stored.AccessedAt.Before(stored.CreatedAt) {
			stored.AccessedAt = stored.CreatedAt
		}
		next.files[rec.FileDigest] = stored
		for _, d := range uniqueDigests(stored) {
			next.refs[d]++
		}
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Close persists the current index snapshot one final time. Every mutation
// already persists before returning, so this is a belt-and-braces flush for
// supervisor shutdown rather than a correctness requirement.
func (s *Store) Close() error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return s.persist(s.snapshot())
}

// Delete decrements the reference count of every chunk fileDigest's record
// names and physically removes any chunk whose count reaches zero.
func (s *Store) Delete(fileDigest digest.Digest) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	snap := s.snapshot()
	rec, ok := snap.files[fileDigest]
	if !ok {
		return fmt.Errorf("%w: file %s", distfserr.ErrNotFound, fileDigest)
	}

	next := cloneSnapshot(snap)
	delete(next.files, fileDigest)

	var toRemove []digest.Digest
	for _, d := range uniqueDigests(rec) {
		next.refs[d]--
		if next.refs[d] <= 0 {
			delete(next.refs, d)
			toRemove = append(toRemove, d)
		}
	}

	if err := s.persist(next); err != nil {
		return err
	}
	s.current.Store(next)

	for _, d := range toRemove {
		if err := os.Remove(s.chunkPath(d)); err != nil && !os.IsNotExist(err) {
			s.log.Warnw("failed to remove dereferenced chunk", "digest", d, "error", err)
		}
	}
	return nil
}

func cloneSnapshot(snap *snapshot) *snapshot {
	next := &snapshot{
		header: snap.header,
		files:  make(map[digest.Digest]*FileRecord, len(snap.files)+1),
		refs:   make(map[digest.Digest]int, len(snap.refs)+4),
	}
	for d, rec := range snap.files {
		next.files[d] = rec
	}
	for d, n := range snap.refs {
		next.refs[d] = n
	}
	return next
}
