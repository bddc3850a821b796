package block

import (
	"fmt"
	"testing"

	"github.com/google/reftable-go"
	"github.com/stretchr/testify/require"
)

func branchRef(i int) *reftable.RefRecord {
	h := make([]byte, 20)
	for j := range h {
		h[j] = byte(i)
	}
	return &reftable.RefRecord{RefName: fmt.Sprintf("branch%02d", i), UpdateIndex: 1, Value: h}
}

func buildTestBlock(t *testing.T, n int) *Reader {
	t.Helper()
	buf := make([]byte, DefaultBlockSize)
	w := NewWriter(reftable.BlockTypeRef, buf, 0, DefaultRestartInterval, 20)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(branchRef(i)))
	}
	length := w.Finish()
	r, err := NewReader(buf[:length], 0, 20)
	require.NoError(t, err)
	return r
}

func TestBlockReadWrite(t *testing.T) {
	r := buildTestBlock(t, 30)

	it := r.Start()
	for i := 0; i < 30; i++ {
		rec := &reftable.RefRecord{}
		require.NoError(t, it.Next(rec))
		require.Equal(t, fmt.Sprintf("branch%02d", i), rec.RefName)
	}
	require.ErrorIs(t, it.Next(&reftable.RefRecord{}), ErrEndOfBlock)
}

func TestBlockSeek(t *testing.T) {
	r := buildTestBlock(t, 30)

	for i := 0; i < 30; i++ {
		want := fmt.Sprintf("branch%02d", i)
		it, err := r.Seek([]byte(want))
		require.NoError(t, err)
		rec := &reftable.RefRecord{}
		require.NoError(t, it.Next(rec))
		require.Equal(t, want, rec.RefName)
	}
}

func TestBlockSeekTruncatedKey(t *testing.T) {
	r := buildTestBlock(t, 30)

	for i := 0; i < 30; i++ {
		truncated := fmt.Sprintf("branch%02d", i)
		truncated = truncated[:len(truncated)-1]
		it, err := r.Seek([]byte(truncated))
		require.NoError(t, err)
		rec := &reftable.RefRecord{}
		require.NoError(t, it.Next(rec))

		firstWithPrefix := 10 * (i / 10)
		require.Equal(t, fmt.Sprintf("branch%02d", firstWithPrefix), rec.RefName)
	}
}
