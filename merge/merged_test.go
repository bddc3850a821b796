package merge

import (
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/reftable-go"
	"github.com/stretchr/testify/require"
)

// sliceIter replays a fixed slice of already-built records, standing
// in for a table.RefIterator in tests.
type sliceIter struct {
	recs []*reftable.RefRecord
	pos  int
}

func (s *sliceIter) Next(rec reftable.Record) error {
	if s.pos >= len(s.recs) {
		return io.EOF
	}
	r := rec.(*reftable.RefRecord)
	*r = *s.recs[s.pos]
	s.pos++
	return nil
}

func ref(name string, val byte) *reftable.RefRecord {
	return &reftable.RefRecord{RefName: name, UpdateIndex: 1, Value: bytes20(val)}
}

func bytes20(b byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = b
	}
	return out
}

// TestPqueueOrdering exercises testable property #8: the queue pops
// keys in increasing order, and among equal keys, the entry from the
// higher sub-iterator index first.
func TestPqueueOrdering(t *testing.T) {
	var q pqueue
	q.add(pqEntry{rec: ref("b", 1), sub: 0})
	q.add(pqEntry{rec: ref("a", 2), sub: 2})
	q.add(pqEntry{rec: ref("a", 3), sub: 1})
	q.add(pqEntry{rec: ref("c", 4), sub: 0})

	first := q.remove()
	require.Equal(t, "a", string(first.rec.Key()))
	require.Equal(t, 2, first.sub)

	second := q.remove()
	require.Equal(t, "a", string(second.rec.Key()))
	require.Equal(t, 1, second.sub)

	third := q.remove()
	require.Equal(t, "b", string(third.rec.Key()))

	fourth := q.remove()
	require.Equal(t, "c", string(fourth.rec.Key()))
}

// TestMergedShadowing exercises testable property #9: a key present in
// more than one sub-iterator yields exactly one record, taken from the
// highest-indexed (newest) table.
func TestMergedShadowing(t *testing.T) {
	oldest := &sliceIter{recs: []*reftable.RefRecord{ref("a", 1), ref("b", 1), ref("c", 1)}}
	newer := &sliceIter{recs: []*reftable.RefRecord{ref("b", 2)}}
	newest := &sliceIter{recs: []*reftable.RefRecord{ref("a", 3)}}

	mi, err := New([]SubIterator{oldest, newer, newest}, func() reftable.Record { return &reftable.RefRecord{} })
	require.NoError(t, err)

	var got []*reftable.RefRecord
	for {
		var rec reftable.RefRecord
		err := mi.Next(&rec)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		r := rec
		got = append(got, &r)
	}

	want := []*reftable.RefRecord{ref("a", 3), ref("b", 2), ref("c", 1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged shadowing result mismatch (-want +got):\n%s", diff)
	}
}

// TestMergedSkipDeletions exercises the deletion-shadowing half of
// property #9: a newer table's deletion tombstone shadows an older
// value and is itself skipped by NextSkipDeletions.
func TestMergedSkipDeletions(t *testing.T) {
	oldest := &sliceIter{recs: []*reftable.RefRecord{ref("a", 1), ref("b", 1)}}
	newest := &sliceIter{recs: []*reftable.RefRecord{{RefName: "a", UpdateIndex: 2}}}

	mi, err := New([]SubIterator{oldest, newest}, func() reftable.Record { return &reftable.RefRecord{} })
	require.NoError(t, err)

	var rec reftable.RefRecord
	require.NoError(t, mi.NextSkipDeletions(&rec))
	require.Equal(t, "b", rec.RefName)

	err = mi.NextSkipDeletions(&rec)
	require.ErrorIs(t, err, io.EOF)
}
