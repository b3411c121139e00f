package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
)

func writeTempFile(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 65536, nil)
	require.NoError(t, err)

	data := make([]byte, 262145) // one byte past a stripe boundary
	for i := range data {
		data[i] = byte(i)
	}
	srcDir := t.TempDir()
	src := writeTempFile(t, srcDir, data)

	fd, err := s.Store(src, 4, 2)
	require.NoError(t, err)
	require.Equal(t, digest.Sum(data), fd)

	rec, err := s.GetRecord(fd)
	require.NoError(t, err)
	require.Equal(t, 4, rec.K)
	require.Equal(t, 2, rec.M)
	require.Len(t, rec.DataChunks, 8) // ceil(262145/65536) = 5 chunks, padded up to a multiple of k=4

	outPath := filepath.Join(srcDir, "out.bin")
	require.NoError(t, s.Retrieve(fd, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreIsIdempotent(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 1024, nil)
	require.NoError(t, err)

	srcDir := t.TempDir()
	data := []byte("the quick brown fox jumps over the lazy dog")
	src := writeTempFile(t, srcDir, data)

	fd1, err := s.Store(src, 2, 1)
	require.NoError(t, err)
	fd2, err := s.Store(src, 2, 1)
	require.NoError(t, err)
	require.Equal(t, fd1, fd2)

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestStoreWithZeroParity(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 16, nil)
	require.NoError(t, err)

	srcDir := t.TempDir()
	data := []byte("0123456789abcdef0123456789abcdef") // exactly 2 chunks of 16
	src := writeTempFile(t, srcDir, data)

	fd, err := s.Store(src, 2, 0)
	require.NoError(t, err)

	rec, err := s.GetRecord(fd)
	require.NoError(t, err)
	require.Empty(t, rec.ParityChunks)

	outPath := filepath.Join(srcDir, "out.bin")
	require.NoError(t, s.Retrieve(fd, outPath))
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRetrieveMissingFileFails(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 64, nil)
	require.NoError(t, err)

	err = s.Retrieve(digest.Sum([]byte("nope")), filepath.Join(t.TempDir(), "out.bin"))
	require.ErrorIs(t, err, distfserr.ErrNotFound)
}

func TestDeleteRemovesUnreferencedChunksOnly(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 8, nil)
	require.NoError(t, err)

	srcDir := t.TempDir()
	// Two files that happen to share their first 8-byte chunk.
	shared := []byte("AAAAAAAA")
	dataA := append(append([]byte{}, shared...), []byte("BBBBBBBB")...)
	dataB := append(append([]byte{}, shared...), []byte("CCCCCCCC")...)

	srcA := writeTempFile(t, srcDir, dataA)
	fdA, err := s.Store(srcA, 2, 0)
	require.NoError(t, err)

	srcB := filepath.Join(srcDir, "b.bin")
	require.NoError(t, os.WriteFile(srcB, dataB, 0o644))
	fdB, err := s.Store(srcB, 2, 0)
	require.NoError(t, err)

	sharedDigest := digest.Sum(shared)
	require.True(t, s.HasChunk(sharedDigest))

	require.NoError(t, s.Delete(fdA))
	require.True(t, s.HasChunk(sharedDigest), "chunk still referenced by file B must survive")

	require.NoError(t, s.Delete(fdB))
	require.False(t, s.HasChunk(sharedDigest), "chunk must be removed once no file references it")

	_, err = s.GetRecord(fdA)
	require.ErrorIs(t, err, distfserr.ErrNotFound)
}

func TestOpenRecoversFromStaleTempFile(t *testing.T) {
	storeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "index.json.tmp"), []byte("garbage"), 0o644))

	s, err := Open(storeDir, 64, nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(storeDir, "index.json.tmp"))
	require.True(t, os.IsNotExist(err))

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestWriteChunkRejectsDigestMismatch(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 64, nil)
	require.NoError(t, err)

	err = s.WriteChunk(digest.Sum([]byte("other")), []byte("payload"))
	require.ErrorIs(t, err, distfserr.ErrDigestMismatch)
}

func TestListLocalChunksIgnoresIndexAndTempFiles(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 64, nil)
	require.NoError(t, err)

	srcDir := t.TempDir()
	src := writeTempFile(t, srcDir, []byte("hello world, this is chunked data"))
	_, err = s.Store(src, 2, 1)
	require.NoError(t, err)

	chunks, err := s.ListLocalChunks()
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, d := range chunks {
		require.NotEqual(t, indexFileName, d.String())
	}
}

func TestStoreEmptyFile(t *testing.T) {
	storeDir := t.TempDir()
	s, err := Open(storeDir, 64, nil)
	require.NoError(t, err)

	srcDir := t.TempDir()
	src := writeTempFile(t, srcDir, nil)

	fd, err := s.Store(src, 4, 1)
	require.NoError(t, err)

	rec, err := s.GetRecord(fd)
	require.NoError(t, err)
	require.Empty(t, rec.DataChunks)
	require.Empty(t, rec.ParityChunks)
	require.EqualValues(t, 0, rec.Size)

	outPath := filepath.Join(srcDir, "out.bin")
	require.NoError(t, s.Retrieve(fd, outPath))
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPutRecordMakesFetchedFileRetrievable(t *testing.T) {
	srcStoreDir := t.TempDir()
	src, err := Open(srcStoreDir, 16, nil)
	require.NoError(t, err)

	inputDir := t.TempDir()
	data := []byte("0123456789abcdef0123456789abcdef")
	input := writeTempFile(t, inputDir, data)
	fd, err := src.Store(input, 2, 0)
	require.NoError(t, err)
	rec, err := src.GetRecord(fd)
	require.NoError(t, err)

	// A second store learns the record and receives the chunk bytes, as a
	// fetching peer would.
	dst, err := Open(t.TempDir(), 16, nil)
	require.NoError(t, err)
	require.NoError(t, dst.PutRecord(rec))
	for _, d := range rec.DataChunks {
		chunk, err := src.ReadChunk(d)
		require.NoError(t, err)
		require.NoError(t, dst.WriteChunk(d, chunk))
	}

	outPath := filepath.Join(inputDir, "out.bin")
	require.NoError(t, dst.Retrieve(fd, outPath))
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutRecordRejectsInvalidParameters(t *testing.T) {
	s, err := Open(t.TempDir(), 64, nil)
	require.NoError(t, err)

	err = s.PutRecord(FileRecord{FileDigest: digest.Sum([]byte("x")), K: 0, ChunkSize: 64})
	require.ErrorIs(t, err, distfserr.ErrConfig)
}
