package merge

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
)

// SubIterator is the capability every per-table iterator needs to
// participate in a merge: decode the next record in key order, or
// report io.EOF once exhausted. table.RefIterator and
// table.LogIterator both satisfy this.
type SubIterator interface {
	Next(rec reftable.Record) error
}

// Iter performs a k-way merge over a stack of same-record-type
// sub-iterators, one per table, ordered oldest-first by sub-iterator
// index. When two tables hold a record with the same key, the record
// from the higher-indexed (newer) table is yielded and the older
// tables' copies are silently drained, per spec.md §4.7's shadowing
// rule. Grounded on merged.c's merged_iter_init/merged_iter_next.
type Iter struct {
	subs      []SubIterator
	newRecord func() reftable.Record
	pq        pqueue
}

// New builds a merged iterator over subs, where subs[i] is assumed to
// belong to a table older than subs[i+1] (i.e. stack order: oldest
// first). newRecord must return a fresh zero-value record of the type
// these sub-iterators decode into.
func New(subs []SubIterator, newRecord func() reftable.Record) (*Iter, error) {
	mi := &Iter{subs: subs, newRecord: newRecord}
	for i, s := range subs {
		rec := newRecord()
		err := s.Next(rec)
		if errors.Is(err, io.EOF) {
			mi.subs[i] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		mi.pq.add(pqEntry{rec: rec, sub: i})
	}
	return mi, nil
}

// advance pulls the next record from sub index idx into the queue, if
// that sub-iterator isn't already exhausted.
func (mi *Iter) advance(idx int) error {
	sub := mi.subs[idx]
	if sub == nil {
		return nil
	}
	rec := mi.newRecord()
	err := sub.Next(rec)
	if errors.Is(err, io.EOF) {
		mi.subs[idx] = nil
		return nil
	}
	if err != nil {
		return err
	}
	mi.pq.add(pqEntry{rec: rec, sub: idx})
	return nil
}

// Next decodes the next logical record — the highest-indexed table's
// version of the smallest remaining key — into rec, draining any
// older tables' records that share that key along the way. It returns
// io.EOF once every sub-iterator is exhausted.
func (mi *Iter) Next(rec reftable.Record) error {
	if mi.pq.isEmpty() {
		return io.EOF
	}

	winner := mi.pq.remove()
	if err := mi.advance(winner.sub); err != nil {
		return err
	}

	winKey := append([]byte(nil), winner.rec.Key()...)
	for !mi.pq.isEmpty() {
		top := mi.pq.top()
		if bytes.Compare(top.rec.Key(), winKey) > 0 {
			break
		}
		mi.pq.remove()
		if err := mi.advance(top.sub); err != nil {
			return err
		}
	}

	rec.CopyFrom(winner.rec)
	return nil
}

// NextSkipDeletions is like Next but additionally skips winning
// RefRecords that are deletion tombstones, matching the read path a
// merged stack exposes to callers that never want to see a shadowed
// deletion surface as a result (spec.md §4.7: deletions shadow but are
// not themselves returned from a plain scan).
func (mi *Iter) NextSkipDeletions(rec *reftable.RefRecord) error {
	for {
		if err := mi.Next(rec); err != nil {
			return err
		}
		if !rec.IsDeletion() {
			return nil
		}
	}
}
