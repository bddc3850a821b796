// Package block implements one block of the reftable wire format: a
// homogeneous run of records prefixed by a restart array for binary
// search, following the layout in the root reftable package's record
// codec.
package block

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
)

// DefaultBlockSize and DefaultRestartInterval are the writer defaults
// documented for v1: 4096-byte blocks, a restart point every 16
// entries.
const (
	DefaultBlockSize      = 4096
	DefaultRestartInterval = 16
	// MaxRestarts is the largest restart count a u16 restart-count
	// field can hold.
	MaxRestarts = (1 << 16) - 1

	headerSize = 4 // type:1 + length:u24
	footerTrailerSize = 2 // restart count:u16
)

// ErrFull is returned by Add when the next entry (plus its restart
// slot) would overflow the block; the caller should finish this block
// and start a new one.
var ErrFull = errors.New("block: full")

// Writer packs records of one type into buf, a caller-owned buffer of
// exactly block-size capacity (or log-block size for unpadded log
// blocks).
type Writer struct {
	blockType       byte
	buf             []byte
	headerOff       int
	next            int
	restartInterval int
	restarts        []uint32
	lastKey         []byte
	entries         int
	hashSize        int
}

// NewWriter prepares buf to receive entries of blockType, reserving
// headerOff bytes before the block's own 4-byte [type|length] header.
// The table writer always passes 0: it writes the 24-byte file header
// separately, so no block shares its buffer with it.
func NewWriter(blockType byte, buf []byte, headerOff, restartInterval, hashSize int) *Writer {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	buf[headerOff] = blockType
	return &Writer{
		blockType:       blockType,
		buf:             buf,
		headerOff:       headerOff,
		next:            headerOff + headerSize,
		restartInterval: restartInterval,
		hashSize:        hashSize,
	}
}

// Entries reports how many records have been added so far.
func (w *Writer) Entries() int { return w.entries }

// LastKey returns the key of the most recently added record, or nil if
// none has been added yet.
func (w *Writer) LastKey() []byte { return w.lastKey }

// Type returns the block type this writer was configured for.
func (w *Writer) Type() byte { return w.blockType }

// Add appends rec to the block. It returns ErrFull when the block has
// no room left for this entry (plus its restart slot, if any); the
// caller must call Finish and start a fresh block. It returns a
// reftable.ErrAPI-wrapped error if rec's key does not strictly increase
// over the previously added key.
func (w *Writer) Add(rec reftable.Record) error {
	key := rec.Key()
	if w.entries > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.Wrapf(reftable.ErrAPI, "block: non-increasing key %q after %q", key, w.lastKey)
	}

	restart := w.entries%w.restartInterval == 0
	prefixLen := 0
	if !restart {
		prefixLen = reftable.CommonPrefixSize(w.lastKey, key)
	}

	var entry []byte
	entry = reftable.EncodeKey(entry, prefixLen, key[prefixLen:], rec.ValType())
	entry = rec.Encode(entry, w.hashSize)

	restartCount := len(w.restarts)
	willRestart := restart && restartCount < MaxRestarts
	if willRestart {
		restartCount++
	}

	remaining := len(w.buf) - w.next
	if footerTrailerSize+3*restartCount+len(entry) > remaining {
		return ErrFull
	}

	copy(w.buf[w.next:], entry)
	if willRestart {
		w.restarts = append(w.restarts, uint32(w.next))
	}
	w.next += len(entry)

	w.lastKey = append(w.lastKey[:0], key...)
	w.entries++
	return nil
}

// Finish writes the restart offset array and restart count, patches
// the block's length field, and returns the number of bytes used
// (measured from the start of buf, i.e. including headerOff).
func (w *Writer) Finish() int {
	for _, off := range w.restarts {
		var b [3]byte
		reftable.PutU24(b[:], off)
		copy(w.buf[w.next:], b[:])
		w.next += 3
	}
	var cnt [2]byte
	reftable.PutU16(cnt[:], uint16(len(w.restarts)))
	copy(w.buf[w.next:], cnt[:])
	w.next += 2

	var lenBuf [3]byte
	reftable.PutU24(lenBuf[:], uint32(w.next))
	copy(w.buf[w.headerOff+1:w.headerOff+4], lenBuf[:])
	return w.next
}

// Reset reinitializes w to pack a fresh block of the same type into a
// new buffer, reusing the restart-interval/hash-size configuration.
func (w *Writer) Reset(buf []byte, headerOff int) {
	buf[headerOff] = w.blockType
	w.buf = buf
	w.headerOff = headerOff
	w.next = headerOff + headerSize
	w.restarts = w.restarts[:0]
	w.lastKey = w.lastKey[:0]
	w.entries = 0
}
