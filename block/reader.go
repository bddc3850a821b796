package block

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
)

// Reader parses the layout of a single already-fetched block: its
// type tag, length, and restart offset array. It holds no copy of the
// data; data is borrowed from the block source for the iterator's
// lifetime.
type Reader struct {
	data      []byte
	headerOff int
	blockType byte
	length    uint32
	restarts  []uint32
	hashSize  int
}

// NewReader parses the block header at data[headerOff:]. data must
// contain at least the block's full length (as the length field
// itself records).
func NewReader(data []byte, headerOff, hashSize int) (*Reader, error) {
	if headerOff+headerSize > len(data) {
		return nil, errors.Wrapf(reftable.ErrFormat, "block: truncated header at %d", headerOff)
	}
	blockType := data[headerOff]
	length := reftable.GetU24(data[headerOff+1:])
	if int(length) > len(data)-headerOff {
		return nil, errors.Wrapf(reftable.ErrFormat, "block: length %d exceeds buffer", length)
	}
	end := headerOff + int(length)
	if end < headerOff+footerTrailerSize {
		return nil, errors.Wrapf(reftable.ErrFormat, "block: length %d too small", length)
	}
	restartCount := int(reftable.GetU16(data[end-footerTrailerSize : end]))
	restartsOff := end - footerTrailerSize - 3*restartCount
	if restartsOff < headerOff+headerSize {
		return nil, errors.Wrapf(reftable.ErrFormat, "block: restart count %d too large", restartCount)
	}

	restarts := make([]uint32, restartCount)
	for i := 0; i < restartCount; i++ {
		restarts[i] = reftable.GetU24(data[restartsOff+3*i:])
	}

	return &Reader{
		data:      data,
		headerOff: headerOff,
		blockType: blockType,
		length:    length,
		restarts:  restarts,
		hashSize:  hashSize,
	}, nil
}

// Type returns the block's type tag ('r', 'g', 'o' or 'i').
func (r *Reader) Type() byte { return r.blockType }

// Len returns the total byte length of the block, as recorded in its
// own length field.
func (r *Reader) Len() uint32 { return r.length }

func (r *Reader) entriesEnd() int {
	return r.headerOff + int(r.length) - footerTrailerSize - 3*len(r.restarts)
}

// restartKey decodes the full key stored at restart point i (a restart
// entry always has prefix_len 0, so no lastKey is needed).
func (r *Reader) restartKey(i int) ([]byte, error) {
	off := int(r.restarts[i])
	key, _, _, _, err := reftable.DecodeKey(nil, r.data[off:r.entriesEnd()])
	return key, err
}

// NewScratchRecord returns a zero-value record of the concrete type
// matching blockType, for callers outside this package that need to
// walk a block's entries (e.g. a full section scan) without knowing
// its record type in advance.
func NewScratchRecord(blockType byte) (reftable.Record, error) {
	return newScratchRecord(blockType)
}

// newScratchRecord returns a zero-value record of the concrete type
// matching r's block type, used to decode-and-discard entries while
// seeking.
func newScratchRecord(blockType byte) (reftable.Record, error) {
	switch blockType {
	case reftable.BlockTypeRef:
		return &reftable.RefRecord{}, nil
	case reftable.BlockTypeLog:
		return &reftable.LogRecord{}, nil
	case reftable.BlockTypeObj:
		return &reftable.ObjRecord{}, nil
	case reftable.BlockTypeIndex:
		return &reftable.IndexRecord{}, nil
	default:
		return nil, errors.Wrapf(reftable.ErrFormat, "block: unknown type %q", blockType)
	}
}

// Start returns an iterator positioned at the first entry of the
// block.
func (r *Reader) Start() *Iter {
	return &Iter{r: r, pos: r.headerOff + headerSize}
}

// Seek returns an iterator positioned so that the next call to Next
// yields the first record with key >= want. It implements §4.4: binary
// search the restart array for the greatest restart whose key <= want,
// then linear-scan forward.
func (r *Reader) Seek(want []byte) (*Iter, error) {
	idx := reftable.Binsearch(len(r.restarts), func(i int) bool {
		key, err := r.restartKey(i)
		if err != nil {
			return true
		}
		return bytes.Compare(want, key) < 0
	})
	start := r.headerOff + headerSize
	if idx > 0 {
		start = int(r.restarts[idx-1])
	}

	it := &Iter{r: r, pos: start}
	scratch, err := newScratchRecord(r.blockType)
	if err != nil {
		return nil, err
	}

	for {
		save := *it
		err := it.Next(scratch)
		if errors.Is(err, ErrEndOfBlock) {
			*it = save
			break
		}
		if err != nil {
			return nil, err
		}
		if bytes.Compare(scratch.Key(), want) >= 0 {
			*it = save
			break
		}
	}
	return it, nil
}
