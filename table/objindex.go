package table

import "bytes"

// objEntry is one node of the object-index tree: a hash and the
// append-only list of ref-block offsets that mention it.
type objEntry struct {
	hash    []byte
	offsets []uint64
}

// objTree is an ordered map from hash to offsets, built while ref
// records stream through the writer and dumped as the obj section once
// the ref section is finished. It is kept sorted by hash so the final
// walk produces strictly increasing keys, as every section requires.
type objTree struct {
	entries []*objEntry
}

// register appends offset to the entry for hash, creating it if
// necessary. A duplicate of the most recently registered offset for
// this hash is suppressed, since a ref's value and target_value can
// both land in the same block.
func (t *objTree) register(hash []byte, offset uint64) {
	idx := bsearchEntries(t.entries, hash)
	if idx < len(t.entries) && bytes.Equal(t.entries[idx].hash, hash) {
		e := t.entries[idx]
		if len(e.offsets) == 0 || e.offsets[len(e.offsets)-1] != offset {
			e.offsets = append(e.offsets, offset)
		}
		return
	}

	e := &objEntry{hash: append([]byte(nil), hash...), offsets: []uint64{offset}}
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

func bsearchEntries(entries []*objEntry, hash []byte) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(entries[mid].hash, hash) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// commonPrefixLen returns the longest common prefix length of any two
// adjacent hashes in the tree, so that every hash truncated to one byte
// more than that is still unique.
func (t *objTree) commonPrefixLen() int {
	n := 0
	for i := 1; i < len(t.entries); i++ {
		p := commonPrefix(t.entries[i-1].hash, t.entries[i].hash)
		if p > n {
			n = p
		}
	}
	return n
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
