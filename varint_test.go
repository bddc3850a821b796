package reftable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 27, 127, 128, 257, 4096, 1 << 63, 1<<64 - 1}
	for _, v := range values {
		buf := putVarint(nil, v)
		require.Len(t, buf, varintSize(v))
		got, n, err := getVarint(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestVarintKnownEncoding(t *testing.T) {
	buf := putVarint(nil, 300)
	require.Equal(t, []byte{0x81, 0x2c}, buf)

	got, n, err := getVarint(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 300, got)
}

func TestVarintTruncated(t *testing.T) {
	buf := putVarint(nil, 1<<20)
	_, _, err := getVarint(buf[:1])
	require.ErrorIs(t, err, ErrFormat)
}
