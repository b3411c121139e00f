package chunkstore

import (
	"time"

	"github.com/distfs/distfs/pkg/digest"
)

// formatVersion is embedded in index.json so a future change to the digest
// algorithm or on-disk layout cannot silently misread an old store.
const formatVersion = 1

// DigestAlgorithm names the hash function chunk and file digests are
// produced with. It is persisted in the index header and checked on Open.
const DigestAlgorithm = "sha256"

// FileRecord is the metadata for one complete stored file.
type FileRecord struct {
	FileDigest    digest.Digest   `json:"file_digest"`
	OriginalName  string          `json:"original_name,omitempty"`
	Size          int64           `json:"size"`
	K             int             `json:"k"`
	M             int             `json:"m"`
	ChunkSize     int             `json:"chunk_size"`
	DataChunks    []digest.Digest `json:"data_chunks"`
	ParityChunks  []digest.Digest `json:"parity_chunks"`
	CreatedAt     time.Time       `json:"created_at"`
	AccessedAt    time.Time       `json:"accessed_at"`
}

// clone returns a deep copy, used when handing a FileRecord to a caller so
// they cannot mutate the store's internal snapshot.
func (r *FileRecord) clone() *FileRecord {
	c := *r
	c.DataChunks = append([]digest.Digest(nil), r.DataChunks...)
	c.ParityChunks = append([]digest.Digest(nil), r.ParityChunks...)
	return &c
}

// StripeCount returns the number of k+m stripes that make up the file.
func (r *FileRecord) StripeCount() int {
	if r.K == 0 {
		return 0
	}
	return len(r.DataChunks) / r.K
}

// indexHeader is the persisted format header. Open rejects a store whose
// header names a different algorithm, version, or chunk size.
type indexHeader struct {
	Version   int    `json:"version"`
	Algorithm string `json:"algorithm"`
	ChunkSize int    `json:"chunk_size"`
}

// onDiskIndex is the exact JSON shape of index.json: a header plus a map
// from file_digest to FileRecord.
type onDiskIndex struct {
	Header indexHeader             `json:"header"`
	Files  map[string]*FileRecord  `json:"files"`
}
