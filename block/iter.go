package block

import (
	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
)

// ErrEndOfBlock is returned by Iter.Next once every entry has been
// consumed; it is the block-local analogue of io.EOF and is not a
// failure.
var ErrEndOfBlock = errors.New("block: end of block")

// Iter walks the entries of a Reader's block in order, decoding each
// key against the previous one for prefix expansion.
type Iter struct {
	r       *Reader
	pos     int
	lastKey []byte
}

// Next decodes the entry at the iterator's current position into rec
// and advances past it. rec must be of the concrete type matching the
// block's type tag (callers normally know this from context; block
// readers that don't can use newScratchRecord-equivalent dispatch on
// Reader.Type()). It returns ErrEndOfBlock once the entries region is
// exhausted.
func (it *Iter) Next(rec reftable.Record) error {
	end := it.r.entriesEnd()
	if it.pos >= end {
		return ErrEndOfBlock
	}

	key, valType, _, n, err := reftable.DecodeKey(it.lastKey, it.r.data[it.pos:end])
	if err != nil {
		return errors.Wrap(err, "block: decode key")
	}
	consumed, err := rec.Decode(key, valType, it.r.data[it.pos+n:end], it.r.hashSize)
	if err != nil {
		return errors.Wrap(err, "block: decode value")
	}

	it.pos += n + consumed
	it.lastKey = append(it.lastKey[:0], key...)
	return nil
}
