// Package table implements the reftable file format's writer and
// reader: block packing, the multi-level sparse index, the object-id
// index tree, and the footer/CRC that ties a file together.
package table

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
	"github.com/google/reftable-go/block"
	"github.com/google/reftable-go/internal/metrics"
)

const (
	headerSize       = 24
	footerSize       = 68
	magic            = "REFT"
	formatVersion    = 1
	defaultBlockSize = block.DefaultBlockSize
)

// Logger is the ambient logging capability injected into a Writer,
// following the same shape pebble injects its own base.Logger.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// WriterOptions configures a Writer. Zero values are replaced with the
// documented v1 defaults.
type WriterOptions struct {
	BlockSize        int
	RestartInterval  int
	HashSize         int
	Unpadded         bool
	SkipIndexObjects bool
	CompressLogs     bool
	Logger           Logger
	Metrics          *metrics.WriterMetrics

	MinUpdateIndex uint64
	MaxUpdateIndex uint64
}

func (o *WriterOptions) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = block.DefaultRestartInterval
	}
	if o.HashSize == 0 {
		o.HashSize = 20
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
}

// Stats reports what a Writer produced, mirroring the source's
// writer_stats() operation.
type Stats struct {
	RefCount        int
	LogCount        int
	RefBlocks       int
	RefIndexBlocks  int
	ObjBlocks       int
	ObjIndexBlocks  int
	LogBlocks       int
	LogIndexBlocks  int
	ObjectIDLen     int
}

// Writer streams ref and log records into a single reftable file
// written to sink. Records must be added in strictly increasing key
// order within each record type; add_ref and add_log may be freely
// interleaved from the caller's perspective because log records are
// buffered until Close, after which the fixed refs/objs/logs section
// order is assembled.
type Writer struct {
	sink io.Writer
	opts WriterOptions

	next         uint64
	wroteHeader  bool
	closed       bool

	refStream   *blockStreamer
	pendingLogs []*reftable.LogRecord
	objTree     objTree

	stats Stats
}

// NewWriter creates a Writer that appends to sink starting at the
// sink's current position (sink is expected to be empty; reftable
// files are written once, start to finish).
func NewWriter(sink io.Writer, opts WriterOptions) *Writer {
	opts.setDefaults()
	return &Writer{sink: sink, opts: opts}
}

// SetLimits declares the [min, max] update_index range this table will
// hold; every added ref or log record's update_index must fall inside
// it. It must be called before the first Add* call.
func (w *Writer) SetLimits(minUpdateIndex, maxUpdateIndex uint64) {
	w.opts.MinUpdateIndex = minUpdateIndex
	w.opts.MaxUpdateIndex = maxUpdateIndex
}

// MinUpdateIndex and MaxUpdateIndex report the limits set by SetLimits.
func (w *Writer) MinUpdateIndex() uint64 { return w.opts.MinUpdateIndex }
func (w *Writer) MaxUpdateIndex() uint64 { return w.opts.MaxUpdateIndex }

func (w *Writer) writeHeaderIfNeeded() error {
	if w.wroteHeader {
		return nil
	}
	var buf [headerSize]byte
	copy(buf[0:4], magic)
	buf[4] = formatVersion
	reftable.PutU24(buf[5:8], uint32(w.opts.BlockSize))
	reftable.PutU64(buf[8:16], w.opts.MinUpdateIndex)
	reftable.PutU64(buf[16:24], w.opts.MaxUpdateIndex)
	if _, err := w.sink.Write(buf[:]); err != nil {
		return errors.Wrap(reftable.ErrIO, err.Error())
	}
	w.next = headerSize
	w.wroteHeader = true
	return nil
}

// AddRef adds a ref record. It must be called with strictly increasing
// ref_name compared to the previous AddRef call.
func (w *Writer) AddRef(rec *reftable.RefRecord) error {
	if err := w.writeHeaderIfNeeded(); err != nil {
		return err
	}
	if rec.UpdateIndex < w.opts.MinUpdateIndex || rec.UpdateIndex > w.opts.MaxUpdateIndex {
		return errors.Wrapf(reftable.ErrAPI, "ref %q update_index %d outside [%d,%d]",
			rec.RefName, rec.UpdateIndex, w.opts.MinUpdateIndex, w.opts.MaxUpdateIndex)
	}
	if w.refStream == nil {
		w.refStream = newBlockStreamer(w, reftable.BlockTypeRef)
	}

	encoded := *rec
	encoded.UpdateIndex = rec.UpdateIndex - w.opts.MinUpdateIndex
	if err := w.refStream.add(&encoded); err != nil {
		return err
	}

	if !w.opts.SkipIndexObjects {
		if rec.Value != nil {
			w.objTree.register(rec.Value, w.refStream.blockOff)
		}
		if rec.TargetValue != nil {
			w.objTree.register(rec.TargetValue, w.refStream.blockOff)
		}
	}
	w.stats.RefCount++
	return nil
}

// AddLog adds a reflog record. Log records are buffered in memory and
// written after the obj section, per the format's fixed section order.
func (w *Writer) AddLog(rec *reftable.LogRecord) error {
	if rec.UpdateIndex < w.opts.MinUpdateIndex || rec.UpdateIndex > w.opts.MaxUpdateIndex {
		return errors.Wrapf(reftable.ErrAPI, "log %q update_index %d outside [%d,%d]",
			rec.RefName, rec.UpdateIndex, w.opts.MinUpdateIndex, w.opts.MaxUpdateIndex)
	}
	encoded := *rec
	encoded.UpdateIndex = rec.UpdateIndex - w.opts.MinUpdateIndex

	if n := len(w.pendingLogs); n > 0 {
		if bytes.Compare(encoded.Key(), w.pendingLogs[n-1].Key()) <= 0 {
			return errors.Wrapf(reftable.ErrAPI, "log record for %q is not strictly increasing", rec.RefName)
		}
	}
	w.pendingLogs = append(w.pendingLogs, &encoded)
	w.stats.LogCount++
	return nil
}

// buildIndex packs level (a section's per-block IndexRecords) into
// successive index levels until exactly one top block remains,
// returning that block's offset. Sections too small to benefit from an
// index (at or below the threshold) are left unindexed.
func (w *Writer) buildIndex(level []*reftable.IndexRecord) (indexOffset uint64, indexBlocks int, err error) {
	threshold := 3
	if w.opts.Unpadded {
		threshold = 1
	}
	if len(level) <= threshold {
		return 0, 0, nil
	}
	for len(level) > 1 {
		stream := newBlockStreamer(w, reftable.BlockTypeIndex)
		for _, rec := range level {
			if err := stream.add(rec); err != nil {
				return 0, 0, err
			}
		}
		next, err := stream.finish()
		if err != nil {
			return 0, 0, err
		}
		indexBlocks += len(next)
		level = next
	}
	return level[0].Offset, indexBlocks, nil
}

// dumpObjSection writes the object-index tree as a sequence of
// ObjRecord blocks, following the ref section.
func (w *Writer) dumpObjSection() (objOffset uint64, objectIDLen uint8, objIndexOffset uint64, err error) {
	prefixLen := w.objTree.commonPrefixLen() + 1
	if prefixLen > w.opts.HashSize {
		prefixLen = w.opts.HashSize
	}
	objectIDLen = uint8(prefixLen)

	objOffset = w.next
	stream := newBlockStreamer(w, reftable.BlockTypeObj)
	for _, e := range w.objTree.entries {
		rec := &reftable.ObjRecord{HashPrefix: e.hash[:prefixLen], Offsets: e.offsets}
		if err := stream.add(rec); err != nil {
			return 0, 0, 0, err
		}
	}
	indexRecs, err := stream.finish()
	if err != nil {
		return 0, 0, 0, err
	}
	objIndexOffset, _, err = w.buildIndex(indexRecs)
	return objOffset, objectIDLen, objIndexOffset, err
}

func (w *Writer) writeFooter(refIndexOffset, objOffset uint64, objectIDLen uint8, objIndexOffset, logOffset, logIndexOffset uint64) error {
	var buf [footerSize]byte
	copy(buf[0:4], magic)
	buf[4] = formatVersion
	reftable.PutU24(buf[5:8], uint32(w.opts.BlockSize))
	reftable.PutU64(buf[8:16], w.opts.MinUpdateIndex)
	reftable.PutU64(buf[16:24], w.opts.MaxUpdateIndex)
	reftable.PutU64(buf[24:32], refIndexOffset)
	reftable.PutU64(buf[32:40], objOffset<<5|uint64(objectIDLen))
	reftable.PutU64(buf[40:48], objIndexOffset)
	reftable.PutU64(buf[48:56], logOffset)
	reftable.PutU64(buf[56:64], logIndexOffset)
	crc := crc32.ChecksumIEEE(buf[:64])
	reftable.PutU32(buf[64:68], crc)
	if _, err := w.sink.Write(buf[:]); err != nil {
		return errors.Wrap(reftable.ErrIO, err.Error())
	}
	w.next += footerSize
	return nil
}

// Close finishes the ref section's index, dumps the object index, and
// writes all buffered log records followed by the footer and its CRC.
// No record may be added after Close.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.writeHeaderIfNeeded(); err != nil {
		return err
	}

	var refIndexRecs []*reftable.IndexRecord
	if w.refStream != nil {
		var err error
		refIndexRecs, err = w.refStream.finish()
		if err != nil {
			return err
		}
		w.stats.RefBlocks = w.refStream.blocksWritten
	}
	refIndexOffset, refIndexBlocks, err := w.buildIndex(refIndexRecs)
	if err != nil {
		return err
	}
	w.stats.RefIndexBlocks = refIndexBlocks

	var objOffset, objIndexOffset uint64
	var objectIDLen uint8
	if !w.opts.SkipIndexObjects && refIndexBlocks > 0 && len(w.objTree.entries) > 0 {
		objOffset, objectIDLen, objIndexOffset, err = w.dumpObjSection()
		if err != nil {
			return err
		}
		w.stats.ObjectIDLen = int(objectIDLen)
	}

	var logOffset, logIndexOffset uint64
	if len(w.pendingLogs) > 0 {
		logOffset = w.next
		stream := newBlockStreamer(w, reftable.BlockTypeLog)
		for _, rec := range w.pendingLogs {
			if err := stream.add(rec); err != nil {
				return err
			}
		}
		logIndexRecs, err := stream.finish()
		if err != nil {
			return err
		}
		w.stats.LogBlocks = stream.blocksWritten
		logIndexOffset, w.stats.LogIndexBlocks, err = w.buildIndex(logIndexRecs)
		if err != nil {
			return err
		}
	}

	if err := w.writeFooter(refIndexOffset, objOffset, objectIDLen, objIndexOffset, logOffset, logIndexOffset); err != nil {
		return err
	}
	w.closed = true
	w.opts.Logger.Infof("reftable: wrote %d refs, %d logs in %d bytes", w.stats.RefCount, w.stats.LogCount, w.next)
	if w.opts.Metrics != nil {
		w.opts.Metrics.Observe(w.stats.RefCount, w.stats.LogCount, int64(w.next))
	}
	return nil
}

// Stats returns statistics about what has been written so far.
func (w *Writer) Stats() Stats { return w.stats }
