package stack

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/reftable-go"
	"github.com/google/reftable-go/table"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = b
	}
	return out
}

func addRef(t *testing.T, s *Stack, name string, val byte) {
	t.Helper()
	err := s.Add(func(w *table.Writer) error {
		return w.AddRef(&reftable.RefRecord{
			RefName:     name,
			UpdateIndex: w.MinUpdateIndex(),
			Value:       hashOf(val),
		})
	})
	require.NoError(t, err)
}

func collectRefs(t *testing.T, it *table.RefIterator) []*reftable.RefRecord {
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

// TestStackAddDurability exercises testable property #14: a
// successful Add is visible after Close and a fresh Open of the same
// directory.
func TestStackAddDurability(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	addRef(t, s, "refs/heads/main", 1)
	addRef(t, s, "refs/heads/topic", 2)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	it, err := reopened.MergedRefs()
	require.NoError(t, err)
	var got []*reftable.RefRecord
	for {
		var rec reftable.RefRecord
		err := it.Next(&rec)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		r := rec
		got = append(got, &r)
	}
	require.Len(t, got, 2)
	require.Equal(t, "refs/heads/main", got[0].RefName)
	require.Equal(t, "refs/heads/topic", got[1].RefName)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var refFiles int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".ref" {
			refFiles++
		}
	}
	require.Equal(t, 2, refFiles)
}

// TestStackShadowing exercises the merge shadowing rule at the stack
// level: a later Add for the same ref name wins.
func TestStackShadowing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	addRef(t, s, "refs/heads/main", 1)
	addRef(t, s, "refs/heads/main", 9)

	it, err := s.MergedRefs()
	require.NoError(t, err)
	var rec reftable.RefRecord
	require.NoError(t, it.Next(&rec))
	require.Equal(t, hashOf(9), rec.Value)
	require.ErrorIs(t, it.Next(&rec), io.EOF)
}

// TestStackCompactAll exercises compaction: after CompactAll, the
// stack still reports the same merged contents but tables.list names
// a single table.
func TestStackCompactAll(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	addRef(t, s, "refs/heads/a", 1)
	addRef(t, s, "refs/heads/b", 2)
	addRef(t, s, "refs/heads/c", 3)

	require.NoError(t, s.CompactAll())

	lines, err := readLines(s.listPath)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	it, err := s.MergedRefs()
	require.NoError(t, err)
	got := collectRefs(t, it)
	require.Len(t, got, 3)
	require.Equal(t, "refs/heads/a", got[0].RefName)
	require.Equal(t, "refs/heads/b", got[1].RefName)
	require.Equal(t, "refs/heads/c", got[2].RefName)
}

func TestStackNextUpdateIndexEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(1), s.NextUpdateIndex())
}
