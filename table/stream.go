package table

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
	"github.com/google/reftable-go/block"
	"github.com/klauspost/compress/zlib"
)

// logCompressionRaw and logCompressionZlib are the one-byte
// sub-headers a log block carries immediately after its 3-byte length
// field, per SPEC_FULL.md's log-block compression addendum. Every log
// block carries this tag, even when compression is off, so a reader
// never needs out-of-band knowledge of how the table was written.
const (
	logCompressionRaw  = 0
	logCompressionZlib = 1
)

// unpaddedBufferSize bounds the growable buffer used for log blocks
// and, when WriterOptions.Unpadded is set, every other block type.
// Blocks never legitimately approach this size in practice; a record
// that would need more is a bug, not a real table.
const unpaddedBufferSize = 1 << 20

// blockStreamer packs a sequence of same-type records into successive
// blocks, writing each finished block to the underlying Writer's sink
// and collecting one IndexRecord per block for the section (or parent
// index level) above it.
type blockStreamer struct {
	w         *Writer
	blockType byte

	bw            *block.Writer
	buf           []byte
	blockOff      uint64
	hasBlock      bool
	blocksWritten int

	indexRecs []*reftable.IndexRecord
}

func newBlockStreamer(w *Writer, blockType byte) *blockStreamer {
	return &blockStreamer{w: w, blockType: blockType}
}

func (s *blockStreamer) bufferSize() int {
	if s.blockType == reftable.BlockTypeLog || s.w.opts.Unpadded {
		return unpaddedBufferSize
	}
	return s.w.opts.BlockSize
}

func (s *blockStreamer) openBlock() {
	s.buf = make([]byte, s.bufferSize())
	s.bw = block.NewWriter(s.blockType, s.buf, 0, s.w.opts.RestartInterval, s.w.opts.HashSize)
	s.blockOff = s.w.next
	s.hasBlock = true
}

// flush finalizes the current block, writes it (padded to BlockSize
// unless unpadded or a log block), and records its IndexRecord. Log
// blocks are re-wrapped with an outer [type|length] header identical
// in shape to a normal block header, so the table reader's generic
// block-size-guess-and-reread logic needs no special case for them.
func (s *blockStreamer) flush() error {
	if !s.hasBlock || s.bw.Entries() == 0 {
		return nil
	}
	n := s.bw.Finish()
	payload := s.buf[:n]

	if s.blockType == reftable.BlockTypeLog {
		payload = wrapLogBlock(payload, s.w.opts.CompressLogs)
	}

	if _, err := s.w.sink.Write(payload); err != nil {
		return errors.Wrap(reftable.ErrIO, err.Error())
	}
	written := len(payload)

	padded := written
	if s.blockType != reftable.BlockTypeLog && !s.w.opts.Unpadded {
		padded = s.w.opts.BlockSize
	}
	if padded > written {
		if _, err := s.w.sink.Write(make([]byte, padded-written)); err != nil {
			return errors.Wrap(reftable.ErrIO, err.Error())
		}
	}

	lastKey := append([]byte(nil), s.bw.LastKey()...)
	s.indexRecs = append(s.indexRecs, &reftable.IndexRecord{LastKey: lastKey, Offset: s.blockOff})
	s.w.next += uint64(padded)
	s.blocksWritten++
	s.hasBlock = false
	return nil
}

// add appends rec to the current block, opening and flushing blocks as
// needed.
func (s *blockStreamer) add(rec reftable.Record) error {
	if !s.hasBlock {
		s.openBlock()
	}
	err := s.bw.Add(rec)
	if errors.Is(err, block.ErrFull) {
		if err := s.flush(); err != nil {
			return err
		}
		s.openBlock()
		err = s.bw.Add(rec)
		if errors.Is(err, block.ErrFull) {
			return errors.Wrap(reftable.ErrAPI, "table: record does not fit in an empty block")
		}
		return err
	}
	return err
}

// finish flushes any open block and returns the collected index
// records for this stream.
func (s *blockStreamer) finish() ([]*reftable.IndexRecord, error) {
	if err := s.flush(); err != nil {
		return nil, err
	}
	return s.indexRecs, nil
}

// wrapLogBlock strips block.Writer's own 4-byte [type|length] header
// from a finished log block, optionally deflates the remainder, and
// writes a fresh 4-byte header (same type tag, recomputed length) in
// front of [compressionTag, body]. The result is itself a valid block
// from the generic reader's point of view; only the log-specific
// decode path needs to know to peel the compression tag back off.
func wrapLogBlock(rawBlock []byte, compress bool) []byte {
	inner := rawBlock[4:]

	tag := byte(logCompressionRaw)
	body := inner
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(inner)
		zw.Close()
		tag = logCompressionZlib
		body = buf.Bytes()
	}

	out := make([]byte, 4+1+len(body))
	out[0] = reftable.BlockTypeLog
	reftable.PutU24(out[1:4], uint32(len(out)))
	out[4] = tag
	copy(out[5:], body)
	return out
}

// unwrapLogBlock reverses wrapLogBlock, given the full outer block
// bytes (header included), and returns a synthetic block with a
// regular 4-byte header in front of the decompressed entries, ready
// for block.NewReader.
func unwrapLogBlock(outer []byte) ([]byte, error) {
	if len(outer) < 5 {
		return nil, errors.Wrap(reftable.ErrFormat, "table: truncated log block")
	}
	tag := outer[4]
	body := outer[5:]

	var inner []byte
	switch tag {
	case logCompressionRaw:
		inner = body
	case logCompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(reftable.ErrFormat, "table: bad log block zlib stream")
		}
		defer zr.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(zr); err != nil {
			return nil, errors.Wrap(reftable.ErrFormat, "table: corrupt log block stream")
		}
		inner = buf.Bytes()
	default:
		return nil, errors.Wrapf(reftable.ErrFormat, "table: unknown log block compression tag %d", tag)
	}

	out := make([]byte, 4+len(inner))
	out[0] = reftable.BlockTypeLog
	reftable.PutU24(out[1:4], uint32(len(out)))
	copy(out[4:], inner)
	return out, nil
}
