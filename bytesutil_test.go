package reftable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestU24RoundTrip(t *testing.T) {
	var buf [3]byte
	putU24(buf[:], 0x112233)
	require.EqualValues(t, 0x112233, getU24(buf[:]))
}

func TestCommonPrefixSize(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abc", "ab", 2},
		{"", "abc", 0},
		{"abc", "abd", 2},
		{"abc", "pqr", 0},
	}
	for _, c := range cases {
		require.Equal(t, c.want, commonPrefixSize([]byte(c.a), []byte(c.b)))
	}
}

func TestBinsearchContract(t *testing.T) {
	arr := []int{2, 4, 6, 8, 10}
	for key := 1; key <= 11; key++ {
		r := binsearch(len(arr), func(i int) bool { return key < arr[i] })
		if r < len(arr) {
			require.Less(t, key, arr[r])
			if r > 0 {
				require.GreaterOrEqual(t, key, arr[r-1])
			}
		} else {
			require.GreaterOrEqual(t, key, 10)
		}
	}
}
