package erasure

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distfs/distfs/pkg/distfserr"
)

func randShards(t *testing.T, n, size int) [][]byte {
	t.Helper()
	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = make([]byte, size)
		_, err := rand.Read(shards[i])
		require.NoError(t, err)
	}
	return shards
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	data := randShards(t, 4, 1024)
	parity, err := c.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, 2)

	full := append(append([][]byte{}, data...), parity...)

	// Drop two shards (still have 4 of 6, exactly k).
	missing := []int{1, 4}
	present := make([]int, 0, 4)
	shards := make([][]byte, 6)
	copy(shards, full)
	for _, idx := range missing {
		shards[idx] = nil
	}
	for i := range shards {
		if shards[i] != nil {
			present = append(present, i)
		}
	}

	recovered, err := c.Decode(shards, present)
	require.NoError(t, err)
	for i, d := range data {
		require.True(t, bytes.Equal(d, recovered[i]), "shard %d mismatch", i)
	}
}

func TestDecodeUnrecoverableWithFewerThanK(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)
	data := randShards(t, 4, 64)
	parity, err := c.Encode(data)
	require.NoError(t, err)

	shards := make([][]byte, 6)
	shards[0], shards[1], shards[2] = data[0], data[1], parity[0]
	present := []int{0, 1, 2}

	_, err = c.Decode(shards, present)
	require.ErrorIs(t, err, distfserr.ErrUnrecoverable)
}

func TestDeterministicEncoding(t *testing.T) {
	c, err := New(3, 2)
	require.NoError(t, err)
	data := randShards(t, 3, 256)

	p1, err := c.Encode(data)
	require.NoError(t, err)
	p2, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestZeroParityEncodeProducesNoParity(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)
	data := randShards(t, 4, 128)

	parity, err := c.Encode(data)
	require.NoError(t, err)
	require.Empty(t, parity)
}

func TestZeroParityLostShardIsUnrecoverable(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)
	data := randShards(t, 4, 128)

	shards := make([][]byte, 4)
	copy(shards, data)
	shards[2] = nil

	_, err = c.Decode(shards, []int{0, 1, 3})
	require.ErrorIs(t, err, distfserr.ErrUnrecoverable)
}

func TestCanReconstruct(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)
	require.True(t, c.CanReconstruct([]int{0, 1, 2, 3}))
	require.True(t, c.CanReconstruct([]int{0, 1, 4, 5}))
	require.False(t, c.CanReconstruct([]int{0, 1, 2}))
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(1, -1)
	require.Error(t, err)
	_, err = New(200, 100)
	require.Error(t, err)
}
