// Package distfserr collects the sentinel error kinds shared across
// components, so every component reports failures the same way and callers
// can branch on them with errors.Is rather than string matching.
package distfserr

import "errors"

var (
	// ErrDigestMismatch: a chunk's bytes did not hash to the requested digest.
	ErrDigestMismatch = errors.New("distfs: digest mismatch")
	// ErrNotFound: a chunk, file record, or DHT value does not exist locally.
	ErrNotFound = errors.New("distfs: not found")
	// ErrTransportTimeout: a WireTransport request exceeded its deadline.
	ErrTransportTimeout = errors.New("distfs: transport timeout")
	// ErrTransportShort: fewer chunk bytes arrived than CHUNK_START promised.
	ErrTransportShort = errors.New("distfs: short chunk read")
	// ErrTransportOverflow: more chunk bytes arrived than CHUNK_START promised.
	ErrTransportOverflow = errors.New("distfs: chunk payload overflow")
	// ErrRPCTimeout: a DHT RPC went unanswered within rpc_timeout.
	ErrRPCTimeout = errors.New("distfs: dht rpc timeout")
	// ErrUnrecoverable: fewer than k valid shards survived for some stripe.
	ErrUnrecoverable = errors.New("distfs: unrecoverable")
	// ErrIO: a transient or terminal local I/O failure.
	ErrIO = errors.New("distfs: io error")
	// ErrConfig: a fatal configuration problem at startup.
	ErrConfig = errors.New("distfs: config error")
	// ErrCancelled: the operation's context was cancelled or timed out.
	ErrCancelled = errors.New("distfs: cancelled")
)
