package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/distfs/distfs/pkg/digest"
	"github.com/distfs/distfs/pkg/distfserr"
)

// DefaultRequestTimeout is the default per-request wall-clock deadline.
const DefaultRequestTimeout = 30 * time.Second

// Client issues wire requests against peer addresses, opening one
// connection per request.
type Client struct {
	dialer  net.Dialer
	timeout time.Duration
}

// NewClient returns a Client using the given per-request timeout, or
// DefaultRequestTimeout if timeout <= 0.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{timeout: timeout}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", distfserr.ErrTransportTimeout, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return conn, nil
}

// GetChunk fetches chunk d from addr, verifying hash(received) == d before
// returning success, per the client contract.
func (c *Client) GetChunk(ctx context.Context, addr string, d digest.Digest) ([]byte, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	// Closing the connection when ctx ends unblocks a pending read or write,
	// so cancelling the caller's context cancels the fetch.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeFrame(conn, TypeGetChunk, GetChunkPayload{ChunkHash: d.String()}); err != nil {
		return nil, fmt.Errorf("%w: %v", distfserr.ErrTransportTimeout, err)
	}

	msgType, payload, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distfserr.ErrTransportTimeout, err)
	}

	switch msgType {
	case TypeChunkStart:
		var start ChunkStartPayload
		if err := unmarshalPayload(payload, &start); err != nil {
			return nil, fmt.Errorf("%w: malformed CHUNK_START: %v", distfserr.ErrTransportShort, err)
		}
		data, err := readExactChunk(conn, start.Size)
		if err != nil {
			return nil, classifyChunkReadError(err)
		}
		if digest.Sum(data) != d {
			return nil, distfserr.ErrDigestMismatch
		}
		return data, nil
	case TypeError:
		var errPayload ErrorPayload
		_ = unmarshalPayload(payload, &errPayload)
		if errPayload.Code == CodeNotFound {
			return nil, fmt.Errorf("%w: %s", distfserr.ErrNotFound, errPayload.Message)
		}
		return nil, fmt.Errorf("wire: server error %s: %s", errPayload.Code, errPayload.Message)
	default:
		return nil, fmt.Errorf("wire: unexpected response type %s", msgType)
	}
}

// GetFileMetadata fetches the FileRecord JSON for fileDigest from addr,
// unmarshalling it into out.
func (c *Client) GetFileMetadata(ctx context.Context, addr string, fileDigest digest.Digest, out any) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeFrame(conn, TypeGetFileMetadata, GetFileMetadataPayload{FileHash: fileDigest.String()}); err != nil {
		return fmt.Errorf("%w: %v", distfserr.ErrTransportTimeout, err)
	}

	msgType, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", distfserr.ErrTransportTimeout, err)
	}

	switch msgType {
	case TypeFileMetadata:
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("wire: malformed FILE_METADATA: %w", err)
		}
		return nil
	case TypeError:
		var errPayload ErrorPayload
		_ = unmarshalPayload(payload, &errPayload)
		if errPayload.Code == CodeNotFound {
			return fmt.Errorf("%w: %s", distfserr.ErrNotFound, errPayload.Message)
		}
		return fmt.Errorf("wire: server error %s: %s", errPayload.Code, errPayload.Message)
	default:
		return fmt.Errorf("wire: unexpected response type %s", msgType)
	}
}

func classifyChunkReadError(err error) error {
	// readExactChunk reports both short reads and overlong payloads as plain
	// errors; distinguish them for callers that branch on the sentinel.
	if strings.Contains(err.Error(), "exceeded declared size") {
		return fmt.Errorf("%w: %v", distfserr.ErrTransportOverflow, err)
	}
	return fmt.Errorf("%w: %v", distfserr.ErrTransportShort, err)
}
