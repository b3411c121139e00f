package digest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	a := Sum([]byte("hello, distributed content store!\n"))
	b := Sum([]byte("hello, distributed content store!\n"))
	require.Equal(t, a, b)
	require.Len(t, a.String(), 64)
}

func TestSumDiffersOnContent(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	require.NotEqual(t, a, b)
}

func TestParseRoundTrip(t *testing.T) {
	d := Sum([]byte("round trip"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseRejectsBadLength(t *testing.T) {
	_, err := Parse("deadbeef")
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestParseRejectsNonHex(t *testing.T) {
	_, err := Parse("not-hex-at-all-not-hex-at-all-not-hex-at-all-not-hex-at-all-zzzz")
	require.Error(t, err)
}

func TestZeroDigest(t *testing.T) {
	var d Digest
	require.True(t, d.IsZero())
	require.False(t, Sum([]byte("x")).IsZero())
}
