package wire

import (
	"context"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/distfs/distfs/pkg/digest"
)

// ChunkProvider is the read-only capability the server needs to answer
// GET_CHUNK and GET_FILE_METADATA requests, keeping the transport decoupled
// from the store behind a narrow surface.
type ChunkProvider interface {
	ReadChunk(d digest.Digest) ([]byte, error)
	GetRecordJSON(fileDigest digest.Digest) ([]byte, error)
}

// Server accepts WireTransport connections and serves GET_CHUNK and
// GET_FILE_METADATA requests, one request per connection.
type Server struct {
	listener       net.Listener
	provider       ChunkProvider
	sem            *semaphore.Weighted
	maxConcurrency int64
	log            *zap.SugaredLogger

	closed chan struct{}
}

// NewServer wraps an already-bound listener. maxServeConcurrency bounds the
// number of requests served at once (default 64); further accepted
// connections block until a slot frees.
func NewServer(listener net.Listener, provider ChunkProvider, maxServeConcurrency int64, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if maxServeConcurrency <= 0 {
		maxServeConcurrency = 64
	}
	return &Server{
		listener:       listener,
		provider:       provider,
		sem:            semaphore.NewWeighted(maxServeConcurrency),
		maxConcurrency: maxServeConcurrency,
		log:            log,
		closed:         make(chan struct{}),
	}
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It is intended to be run in its own goroutine by the caller.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				close(s.closed)
				return nil
			default:
				return err
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			close(s.closed)
			return nil
		}
		go func() {
			defer s.sem.Release(1)
			s.handle(conn)
		}()
	}
}

// Wait blocks until the accept loop has fully stopped (used by
// NodeSupervisor shutdown to drain the accept loop before returning).
func (s *Server) Wait() { <-s.closed }

// Drain blocks until every in-flight request handler has finished or ctx
// expires, by acquiring the server's entire concurrency budget. Call only
// after the accept loop has stopped.
func (s *Server) Drain(ctx context.Context) error {
	return s.sem.Acquire(ctx, s.maxConcurrency)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	msgType, payload, err := readFrame(conn)
	if err != nil {
		s.log.Debugw("wire server: failed to read request frame", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	switch msgType {
	case TypeGetChunk:
		s.serveGetChunk(conn, payload)
	case TypeGetFileMetadata:
		s.serveGetFileMetadata(conn, payload)
	default:
		s.writeError(conn, CodeBadRequest, "unknown or unsupported message type")
	}
}

func (s *Server) serveGetChunk(conn net.Conn, payload []byte) {
	var req GetChunkPayload
	if err := unmarshalPayload(payload, &req); err != nil {
		s.writeError(conn, CodeBadRequest, "malformed GET_CHUNK payload")
		return
	}
	d, err := digest.Parse(req.ChunkHash)
	if err != nil {
		s.writeError(conn, CodeBadRequest, "malformed chunk_hash")
		return
	}

	data, err := s.provider.ReadChunk(d)
	if err != nil {
		s.writeError(conn, CodeNotFound, "chunk not found")
		return
	}

	if err := writeFrame(conn, TypeChunkStart, ChunkStartPayload{Size: uint32(len(data))}); err != nil {
		s.log.Debugw("wire server: failed to write CHUNK_START", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.log.Debugw("wire server: failed to write chunk payload", "error", err)
	}
}

func (s *Server) serveGetFileMetadata(conn net.Conn, payload []byte) {
	var req GetFileMetadataPayload
	if err := unmarshalPayload(payload, &req); err != nil {
		s.writeError(conn, CodeBadRequest, "malformed GET_FILE_METADATA payload")
		return
	}
	d, err := digest.Parse(req.FileHash)
	if err != nil {
		s.writeError(conn, CodeBadRequest, "malformed file_hash")
		return
	}

	recJSON, err := s.provider.GetRecordJSON(d)
	if err != nil {
		s.writeError(conn, CodeNotFound, "file record not found")
		return
	}

	if err := writeRawFrame(conn, TypeFileMetadata, recJSON); err != nil {
		s.log.Debugw("wire server: failed to write FILE_METADATA", "error", err)
	}
}

func (s *Server) writeError(conn net.Conn, code, message string) {
	_ = writeFrame(conn, TypeError, ErrorPayload{Code: code, Message: message})
}
