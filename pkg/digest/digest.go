// Package digest implements the content-addressing primitive used throughout
// distfs: a fixed-width 256-bit digest over exact byte content.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the width of a Digest in bytes (256 bits).
const Size = sha256.Size

// ErrInvalidLength is returned when a textual digest does not decode to Size bytes.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is the hash of an exact byte sequence. Two digests compare by byte
// equality; the zero Digest is never produced by Sum and is used as a sentinel
// for "no digest yet" in callers that need one.
type Digest [Size]byte

// Sum hashes b and returns its Digest.
func Sum(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// String renders the digest as lowercase hex, the wire and on-disk textual form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero sentinel digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a lowercase-hex textual digest produced by String.
func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	if len(b) != Size {
		return Digest{}, ErrInvalidLength
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// MarshalText implements encoding.TextMarshaler so Digest can be used directly
// as a JSON object key or value.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
