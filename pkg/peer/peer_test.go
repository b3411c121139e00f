package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRandomIDIsNonZeroAndDistinct(t *testing.T) {
	a, err := NewRandomID()
	require.NoError(t, err)
	b, err := NewRandomID()
	require.NoError(t, err)
	require.NotEqual(t, ID{}, a)
	require.NotEqual(t, a, b)
}

func TestKeyIDIsDeterministic(t *testing.T) {
	require.Equal(t, KeyID("chunk:abc"), KeyID("chunk:abc"))
	require.NotEqual(t, KeyID("chunk:abc"), KeyID("chunk:abd"))
}

func TestIDRoundTrip(t *testing.T) {
	id, err := NewRandomID()
	require.NoError(t, err)
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestDistanceSelfIsZero(t *testing.T) {
	id, _ := NewRandomID()
	require.Equal(t, ID{}, Distance(id, id))
}

func TestLessOrdersByXORDistance(t *testing.T) {
	var target ID
	var close, far ID
	close[0] = 0x01
	far[0] = 0xff
	require.True(t, Less(Distance(close, target), Distance(far, target)))
}

func TestPrefixLengthIdenticalIsFullWidth(t *testing.T) {
	id, _ := NewRandomID()
	require.Equal(t, IDSize*8, PrefixLength(id, id))
}

func TestPrefixLengthDiffersInFirstBit(t *testing.T) {
	var a, b ID
	a[0] = 0b00000000
	b[0] = 0b10000000
	require.Equal(t, 0, PrefixLength(a, b))
}

func TestHandleDHTAddr(t *testing.T) {
	h := Handle{Address: "127.0.0.1", Port: 8468}
	require.Equal(t, "127.0.0.1:8468", h.DHTAddr())
}
