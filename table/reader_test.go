package table

import (
	"fmt"
	"io"
	"testing"

	"github.com/google/reftable-go"
	"github.com/google/reftable-go/blocksource"
	"github.com/orcaman/writerseeker"
	"github.com/stretchr/testify/require"
)

func hash20(b byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = b
	}
	return out
}

// buildTable writes n refs (refs/heads/branch-00000 up to branch-<n-1>,
// zero-padded to five digits)
// through a Writer with a deliberately small block size, so a handful
// of refs is enough to force a multi-block, indexed section, then
// opens the result as a Reader.
func buildTable(t *testing.T, n int, opts WriterOptions) (*Reader, *writerseeker.WriterSeeker) {
	t.Helper()
	ws := &writerseeker.WriterSeeker{}
	if opts.BlockSize == 0 {
		opts.BlockSize = 256
	}
	w := NewWriter(ws, opts)
	w.SetLimits(1, 1)
	for i := 0; i < n; i++ {
		rec := &reftable.RefRecord{
			RefName:     fmt.Sprintf("refs/heads/branch-%05d", i),
			UpdateIndex: 1,
			Value:       hash20(byte(i % 251)),
		}
		require.NoError(t, w.AddRef(rec))
	}
	require.NoError(t, w.Close())

	src := blocksource.NewMemory(ws)
	r, err := NewReader(src, ReaderOptions{})
	require.NoError(t, err)
	return r, ws
}

func collectAll(t *testing.T, it *RefIterator) []*reftable.RefRecord {
	t.Helper()
	var out []*reftable.RefRecord
	for {
		var rec reftable.RefRecord
		err := it.Next(&rec)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		r := rec
		out = append(out, &r)
	}
	return out
}

// TestReaderFullScan exercises testable property #10: scanning the
// whole table yields every ref, in increasing ref_name order.
func TestReaderFullScan(t *testing.T) {
	r, _ := buildTable(t, 40, WriterOptions{})
	defer r.Close()

	it, err := r.Refs()
	require.NoError(t, err)
	got := collectAll(t, it)
	require.Len(t, got, 40)
	for i, rec := range got {
		require.Equal(t, fmt.Sprintf("refs/heads/branch-%05d", i), rec.RefName)
	}
}

// TestReaderIndexedSeekMatchesLinear exercises testable property #11:
// an indexed seek (enough refs to force a ref-section index) must
// agree with a full linear scan filtered down to the same starting
// point.
func TestReaderIndexedSeekMatchesLinear(t *testing.T) {
	const n = 200
	r, _ := buildTable(t, n, WriterOptions{})
	defer r.Close()
	require.Greater(t, r.refIndexOffset, uint64(0), "expected the ref section to have grown an index")

	full, err := r.Refs()
	require.NoError(t, err)
	all := collectAll(t, full)
	require.Len(t, all, n)

	for _, probe := range []int{0, 1, n / 2, n - 1} {
		want := all[probe].RefName
		seek, err := r.SeekRef(want)
		require.NoError(t, err)
		got := collectAll(t, seek)
		require.Equal(t, all[probe:], got, "seek to %q disagreed with linear scan", want)
	}

	seek, err := r.SeekRef("refs/heads/branch-00000-")
	require.NoError(t, err)
	got := collectAll(t, seek)
	require.Equal(t, all[1:], got)
}

// TestReaderRefsFor exercises testable property #12: looking up refs
// by target object works both when no object index exists (falls back
// to a linear scan) and returns exactly the refs pointing at that oid.
func TestReaderRefsFor(t *testing.T) {
	r, _ := buildTable(t, 20, WriterOptions{})
	defer r.Close()
	require.Equal(t, uint64(0), r.objOffset, "small table should not have grown an object index")

	it, err := r.RefsFor(hash20(5))
	require.NoError(t, err)
	got := collectAll(t, it)
	// branch-00005 and branch-00256 would collide, but n=20 means only
	// index 5 maps to this value (i % 251).
	require.Len(t, got, 1)
	require.Equal(t, "refs/heads/branch-00005", got[0].RefName)

	miss, err := r.RefsFor(hash20(250))
	require.NoError(t, err)
	require.Empty(t, collectAll(t, miss))
}

// TestReaderRefsForWithObjectIndex exercises the bloom-filter-guarded
// path: enough refs to build an object index, a clean miss skipped via
// the filter, and a hit that falls through to the exact lookup.
func TestReaderRefsForWithObjectIndex(t *testing.T) {
	const n = 300
	r, _ := buildTable(t, n, WriterOptions{})
	defer r.Close()
	require.Greater(t, r.objOffset, uint64(0), "expected an object index for this many refs")
	require.NotNil(t, r.objFilter)

	// A value that was never written should miss the bloom filter (or,
	// on a false positive, still resolve to nothing after the exact
	// lookup) and yield no refs.
	miss, err := r.RefsFor(hash20(252))
	require.NoError(t, err)
	require.Empty(t, collectAll(t, miss))

	hit, err := r.RefsFor(hash20(7))
	require.NoError(t, err)
	got := collectAll(t, hit)
	require.NotEmpty(t, got)
	for _, rec := range got {
		require.Equal(t, hash20(7), rec.Value)
	}
}

// TestReaderCRCMismatchFails exercises testable property #15: flipping
// every bit of one byte in the footer's CRC-covered region must be
// detected.
func TestReaderCRCMismatchFails(t *testing.T) {
	r, ws := buildTable(t, 10, WriterOptions{})
	r.Close()

	raw, err := io.ReadAll(ws.BytesReader())
	require.NoError(t, err)
	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-10] ^= 0xff

	ws2 := &writerseeker.WriterSeeker{}
	_, err = ws2.Write(corrupt)
	require.NoError(t, err)

	_, err = NewReader(blocksource.NewMemory(ws2), ReaderOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, reftable.ErrFormat)
}
