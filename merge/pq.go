// Package merge implements the k-way merge over a stack of tables: a
// priority queue keyed by record key, breaking ties in favor of the
// table added most recently so a newer table's record shadows an
// older one with the same key.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/google/reftable-go"
)

// pqEntry is one live candidate: a record together with the index of
// the sub-iterator (table) it came from, higher index meaning newer.
type pqEntry struct {
	rec reftable.Record
	sub int
}

// pqueue is a binary min-heap over pqEntry ordered by (key ascending,
// sub descending), grounded on pq.h's merged_iter_pqueue plus
// merged.c's reliance on "the newest table wins a tie" to implement
// shadowing.
type pqueue struct {
	items []pqEntry
}

func (q *pqueue) Len() int { return len(q.items) }

func (q *pqueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	cmp := bytes.Compare(a.rec.Key(), b.rec.Key())
	if cmp != 0 {
		return cmp < 0
	}
	return a.sub > b.sub
}

func (q *pqueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *pqueue) Push(x interface{}) { q.items = append(q.items, x.(pqEntry)) }

func (q *pqueue) Pop() interface{} {
	n := len(q.items)
	e := q.items[n-1]
	q.items = q.items[:n-1]
	return e
}

func (q *pqueue) isEmpty() bool { return len(q.items) == 0 }

func (q *pqueue) top() pqEntry { return q.items[0] }

func (q *pqueue) add(e pqEntry) { heap.Push(q, e) }

func (q *pqueue) remove() pqEntry { return heap.Pop(q).(pqEntry) }
