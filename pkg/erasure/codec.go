// Package erasure implements a (k, m) Reed–Solomon codec over GF(2⁸):
// k data shards are encoded into m parity shards such that any k of the
// resulting k+m shards reconstruct the original data.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/distfs/distfs/pkg/distfserr"
)

// Codec is a pure, stateless (beyond its fixed k/m parameters) GF(2⁸)
// Reed–Solomon encoder/decoder. It performs no I/O and holds no mutable
// shared state, so a single Codec is safe to use from any number of
// concurrent goroutines.
type Codec struct {
	k, m int
	enc  reedsolomon.Encoder // nil when m == 0
}

// New constructs a Codec for k data shards and m parity shards per stripe.
// k must be at least 1; m may be 0, in which case Encode produces no parity
// and Decode requires every data shard to be present; a (k, 0) codec still
// splits and joins, it just cannot recover anything.
func New(k, m int) (*Codec, error) {
	if k < 1 {
		return nil, fmt.Errorf("erasure: k must be >= 1, got %d", k)
	}
	if m < 0 {
		return nil, fmt.Errorf("erasure: m must be >= 0, got %d", m)
	}
	if k+m > 255 {
		return nil, fmt.Errorf("erasure: k+m must be <= 255, got %d", k+m)
	}
	c := &Codec{k: k, m: m}
	if m > 0 {
		enc, err := reedsolomon.New(k, m)
		if err != nil {
			return nil, fmt.Errorf("erasure: construct reed-solomon encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// K returns the number of data shards per stripe.
func (c *Codec) K() int { return c.k }

// M returns the number of parity shards per stripe.
func (c *Codec) M() int { return c.m }

// Encode produces the m parity shards for one stripe of k data shards. All
// shards must have equal length. The input shards are never modified.
func (c *Codec) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != c.k {
		return nil, fmt.Errorf("erasure: expected %d data shards, got %d", c.k, len(dataShards))
	}
	if c.m == 0 {
		return nil, nil
	}
	shardSize := len(dataShards[0])
	full := make([][]byte, c.k+c.m)
	for i, d := range dataShards {
		if len(d) != shardSize {
			return nil, fmt.Errorf("erasure: shard %d has length %d, want %d", i, len(d), shardSize)
		}
		full[i] = d
	}
	for i := c.k; i < c.k+c.m; i++ {
		full[i] = make([]byte, shardSize)
	}
	if err := c.enc.Encode(full); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return full[c.k:], nil
}

// CanReconstruct reports whether the set of available shard positions
// (indices in [0, k+m)) suffices to recover all k data shards.
func (c *Codec) CanReconstruct(available []int) bool {
	return len(available) >= c.k
}

// Decode reconstructs the k original data shards given any k of the k+m
// shards in a stripe. shards must have length k+m; entries at positions not
// listed in present must be nil. Decode returns distfserr.ErrUnrecoverable
// when fewer than k shards are present.
func (c *Codec) Decode(shards [][]byte, present []int) ([][]byte, error) {
	if len(shards) != c.k+c.m {
		return nil, fmt.Errorf("erasure: expected %d shards, got %d", c.k+c.m, len(shards))
	}
	if !c.CanReconstruct(present) {
		return nil, fmt.Errorf("%w: have %d of %d required shards", distfserr.ErrUnrecoverable, len(present), c.k)
	}

	if c.m == 0 {
		// No parity: every data shard must already be present.
		out := make([][]byte, c.k)
		copy(out, shards[:c.k])
		for _, s := range out {
			if s == nil {
				return nil, fmt.Errorf("%w: no parity to recover missing data shard", distfserr.ErrUnrecoverable)
			}
		}
		return out, nil
	}

	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := c.enc.ReconstructData(work); err != nil {
		return nil, fmt.Errorf("%w: %v", distfserr.ErrUnrecoverable, err)
	}
	return work[:c.k], nil
}
