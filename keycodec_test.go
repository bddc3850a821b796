package reftable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCodec(t *testing.T) {
	last := []byte("refs/heads/master")
	key := []byte("refs/tags/bla")
	prefixLen := commonPrefixSize(last, key)

	buf := encodeKey(nil, prefixLen, key[prefixLen:], 6)

	gotKey, gotType, restart, n, err := decodeKey(last, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.False(t, restart)
	require.EqualValues(t, 6, gotType)
	require.Equal(t, key, gotKey)
}

func TestKeyCodecRestart(t *testing.T) {
	buf := encodeKey(nil, 0, []byte("refs/heads/a"), 1)
	_, _, restart, _, err := decodeKey(nil, buf)
	require.NoError(t, err)
	require.True(t, restart)
}
