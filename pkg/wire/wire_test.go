package wire

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
)

type fakeProvider struct {
	chunks  map[digest.Digest][]byte
	records map[digest.Digest][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{chunks: map[digest.Digest][]byte{}, records: map[digest.Digest][]byte{}}
}

func (f *fakeProvider) ReadChunk(d digest.Digest) ([]byte, error) {
	data, ok := f.chunks[d]
	if !ok {
		return nil, distfserr.ErrNotFound
	}
	return data, nil
}

func (f *fakeProvider) GetRecordJSON(d digest.Digest) ([]byte, error) {
	data, ok := f.records[d]
	if !ok {
		return nil, distfserr.ErrNotFound
	}
	return data, nil
}

func startTestServer(t *testing.T, provider ChunkProvider) (*Server, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ln, provider, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx) }()

	return s, func() {
		cancel()
		s.Wait()
	}
}

func TestClientGetChunkRoundTrip(t *testing.T) {
	data := []byte("hello, chunk world")
	d := digest.Sum(data)

	provider := newFakeProvider()
	provider.chunks[d] = data

	server, stop := startTestServer(t, provider)
	defer stop()

	client := NewClient(2 * time.Second)
	got, err := client.GetChunk(context.Background(), server.Addr().String(), d)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestClientGetChunkNotFound(t *testing.T) {
	provider := newFakeProvider()
	server, stop := startTestServer(t, provider)
	defer stop()

	client := NewClient(2 * time.Second)
	_, err := client.GetChunk(context.Background(), server.Addr().String(), digest.Sum([]byte("missing")))
	require.ErrorIs(t, err, distfserr.ErrNotFound)
}

func TestClientGetChunkDigestMismatchRejected(t *testing.T) {
	// A misbehaving or stale server stores bytes under a key that does not
	// hash to those bytes; the client must catch this rather than trust the
	// server's framing.
	corrupted := []byte("corrupted payload")
	claimedDigest := digest.Sum([]byte("different content"))

	provider := newFakeProvider()
	provider.chunks[claimedDigest] = corrupted

	server, stop := startTestServer(t, provider)
	defer stop()

	client := NewClient(2 * time.Second)
	_, err := client.GetChunk(context.Background(), server.Addr().String(), claimedDigest)
	require.ErrorIs(t, err, distfserr.ErrDigestMismatch)
}

func TestClientGetFileMetadataRoundTrip(t *testing.T) {
	type record struct {
		Size int64 `json:"size"`
	}
	fd := digest.Sum([]byte("a file"))

	provider := newFakeProvider()
	provider.records[fd] = []byte(`{"size":4096}`)

	server, stop := startTestServer(t, provider)
	defer stop()

	client := NewClient(2 * time.Second)
	var rec record
	err := client.GetFileMetadata(context.Background(), server.Addr().String(), fd, &rec)
	require.NoError(t, err)
	require.EqualValues(t, 4096, rec.Size)
}

func TestClientGetFileMetadataNotFound(t *testing.T) {
	fd := digest.Sum([]byte("missing file"))
	provider := newFakeProvider()
	server, stop := startTestServer(t, provider)
	defer stop()

	client := NewClient(2 * time.Second)
	var rec struct{}
	err := client.GetFileMetadata(context.Background(), server.Addr().String(), fd, &rec)
	require.ErrorIs(t, err, distfserr.ErrNotFound)
}

func TestClientDialUnreachableTimesOut(t *testing.T) {
	client := NewClient(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.GetChunk(ctx, "127.0.0.1:1", digest.Sum([]byte("x")))
	require.Error(t, err)
	var netErr net.Error
	if !errors.As(err, &netErr) {
		require.ErrorIs(t, err, distfserr.ErrTransportTimeout)
	}
}
