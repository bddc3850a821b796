package table

import (
	"hash/crc32"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"github.com/google/reftable-go"
	"github.com/google/reftable-go/block"
	"github.com/google/reftable-go/blocksource"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	HashSize int
	Logger   Logger
}

func (o *ReaderOptions) setDefaults() {
	if o.HashSize == 0 {
		o.HashSize = 20
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
}

// Reader opens a finished reftable file for seeking and iteration. It
// reads the file header and footer at Open time and otherwise fetches
// blocks lazily from the given blocksource.Source.
type Reader struct {
	src  blocksource.Source
	opts ReaderOptions

	blockSize      int
	minUpdateIndex uint64
	maxUpdateIndex uint64

	refIndexOffset uint64
	objOffset      uint64
	objectIDLen    uint8
	objIndexOffset uint64
	logOffset      uint64
	logIndexOffset uint64

	size int64

	objFilter *bloom.BloomFilter
}

// NewReader parses src's header and footer and, if an object index is
// present, builds the bloom pre-filter over every hash_prefix in it.
func NewReader(src blocksource.Source, opts ReaderOptions) (*Reader, error) {
	opts.setDefaults()
	r := &Reader{src: src, opts: opts}

	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	r.size = size
	if size < int64(headerSize+footerSize) {
		return nil, errors.Wrapf(reftable.ErrFormat, "table: file too small (%d bytes)", size)
	}

	hdr, err := src.ReadBlock(0, headerSize)
	if err != nil {
		return nil, err
	}
	if err := checkMagic(hdr); err != nil {
		return nil, err
	}
	r.blockSize = int(reftable.GetU24(hdr[5:8]))

	foot, err := src.ReadBlock(size-int64(footerSize), footerSize)
	if err != nil {
		return nil, err
	}
	if err := checkMagic(foot); err != nil {
		return nil, err
	}
	crc := crc32.ChecksumIEEE(foot[:64])
	if crc != reftable.GetU32(foot[64:68]) {
		return nil, errors.Wrap(reftable.ErrFormat, "table: footer CRC mismatch")
	}

	r.minUpdateIndex = reftable.GetU64(foot[8:16])
	r.maxUpdateIndex = reftable.GetU64(foot[16:24])
	r.refIndexOffset = reftable.GetU64(foot[24:32])
	packed := reftable.GetU64(foot[32:40])
	r.objOffset = packed >> 5
	r.objectIDLen = uint8(packed & 0x1f)
	r.objIndexOffset = reftable.GetU64(foot[40:48])
	r.logOffset = reftable.GetU64(foot[48:56])
	r.logIndexOffset = reftable.GetU64(foot[56:64])

	if r.objOffset > 0 {
		if err := r.buildObjFilter(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func checkMagic(buf []byte) error {
	if len(buf) < 5 || string(buf[0:4]) != magic {
		return errors.Wrap(reftable.ErrFormat, "table: bad magic")
	}
	if buf[4] != formatVersion {
		return errors.Wrapf(reftable.ErrFormat, "table: unsupported version %d", buf[4])
	}
	return nil
}

// MinUpdateIndex and MaxUpdateIndex report the table's declared range.
func (r *Reader) MinUpdateIndex() uint64 { return r.minUpdateIndex }
func (r *Reader) MaxUpdateIndex() uint64 { return r.maxUpdateIndex }

func (r *Reader) footerStart() uint64 { return uint64(r.size) - footerSize }

// sectionBounds returns [start, end) for one section, given the
// section's own start offset (0 if absent), its top-level index offset
// (0 if unindexed) and the start offsets of the sections that can
// follow it, in order. For an indexed section end is the top-level
// index block, so the range also holds any lower index levels after
// the data blocks; sectionIter stops at the first of those.
func sectionBounds(start uint64, indexOffset uint64, nextStarts ...uint64) (uint64, uint64, bool) {
	if start == 0 {
		return 0, 0, false
	}
	end := indexOffset
	if end == 0 {
		for _, n := range nextStarts {
			if n != 0 {
				end = n
				break
			}
		}
	}
	return start, end, true
}

func (r *Reader) refBounds() (uint64, uint64, bool) {
	return sectionBounds(headerSize, r.refIndexOffset, r.objOffset, r.logOffset, r.footerStart())
}

func (r *Reader) objBounds() (uint64, uint64, bool) {
	return sectionBounds(r.objOffset, r.objIndexOffset, r.logOffset, r.footerStart())
}

func (r *Reader) logBounds() (uint64, uint64, bool) {
	return sectionBounds(r.logOffset, r.logIndexOffset, r.footerStart())
}

// fetchBlock reads the block at off, unwrapping log-block compression
// if blockType is a log block, and returns the parsed block reader
// plus the number of on-disk bytes it occupies (needed by the caller
// to advance to the next block).
func (r *Reader) fetchBlock(off uint64, blockType byte) (*block.Reader, int, error) {
	guess := r.blockSize
	if blockType == reftable.BlockTypeLog {
		guess = 4096
	}
	if off+uint64(guess) > uint64(r.size) {
		guess = int(uint64(r.size) - off)
	}

	raw, err := r.src.ReadBlock(int64(off), guess)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < 4 {
		return nil, 0, errors.Wrapf(reftable.ErrFormat, "table: short block at %d", off)
	}
	length := int(reftable.GetU24(raw[1:4]))
	if length > len(raw) {
		raw, err = r.src.ReadBlock(int64(off), length)
		if err != nil {
			return nil, 0, err
		}
	}
	raw = raw[:length]

	advance := length
	if blockType != reftable.BlockTypeLog {
		advance = r.blockSize
	}

	if blockType == reftable.BlockTypeLog {
		inner, err := unwrapLogBlock(raw)
		if err != nil {
			return nil, 0, err
		}
		br, err := block.NewReader(inner, 0, r.opts.HashSize)
		return br, advance, err
	}

	br, err := block.NewReader(raw, 0, r.opts.HashSize)
	return br, advance, err
}

// sectionIter walks consecutive data blocks of one section, advancing
// across block boundaries as each is exhausted, and stopping at end.
type sectionIter struct {
	r         *Reader
	blockType byte
	next      uint64
	end       uint64
	it        *block.Iter
}

func (r *Reader) emptySectionIter() *sectionIter { return &sectionIter{r: r} }

func (si *sectionIter) Next(rec reftable.Record) error {
	for {
		if si.it == nil {
			if si.next >= si.end {
				return io.EOF
			}
			// The lower levels of a multi-level index lie between a
			// section's last data block and its top-level index block,
			// so the data ends at the first block of another type.
			tag, err := si.r.src.ReadBlock(int64(si.next), 1)
			if err != nil {
				return err
			}
			if len(tag) == 0 || tag[0] != si.blockType {
				si.next = si.end
				return io.EOF
			}
			br, advance, err := si.r.fetchBlock(si.next, si.blockType)
			if err != nil {
				return err
			}
			si.it = br.Start()
			si.next += uint64(advance)
		}
		err := si.it.Next(rec)
		if errors.Is(err, block.ErrEndOfBlock) {
			si.it = nil
			continue
		}
		if err == nil {
			// update_index is stored relative to the table's minimum.
			switch v := rec.(type) {
			case *reftable.RefRecord:
				v.UpdateIndex += si.r.minUpdateIndex
			case *reftable.LogRecord:
				v.UpdateIndex += si.r.minUpdateIndex
			}
		}
		return err
	}
}

// seekSection returns a sectionIter positioned so the next Next call
// yields the first record of blockType with key >= want, consulting
// indexOffset (if non-zero) to jump directly to the right leaf block.
func (r *Reader) seekSection(blockType byte, start, end, indexOffset uint64, want []byte) (*sectionIter, error) {
	if start == 0 || start >= end {
		return r.emptySectionIter(), nil
	}

	leafOff := start
	if indexOffset != 0 {
		off, found, err := r.descendIndex(indexOffset, want)
		if err != nil {
			return nil, err
		}
		if !found {
			return r.emptySectionIter(), nil
		}
		leafOff = off
		br, advance, it, ok, err := r.seekBlock(leafOff, blockType, want)
		if err != nil {
			return nil, err
		}
		if !ok {
			return r.emptySectionIter(), nil
		}
		_ = br
		return &sectionIter{r: r, blockType: blockType, next: leafOff + uint64(advance), end: end, it: it}, nil
	}

	off := leafOff
	for off < end {
		br, advance, it, ok, err := r.seekBlock(off, blockType, want)
		if err != nil {
			return nil, err
		}
		if ok {
			_ = br
			return &sectionIter{r: r, blockType: blockType, next: off + uint64(advance), end: end, it: it}, nil
		}
		off += uint64(advance)
	}
	return r.emptySectionIter(), nil
}

// seekBlock fetches the block at off and returns an iterator positioned
// at the first record with key >= want, or ok=false if every record in
// this block sorts before want (the caller should try the next block).
func (r *Reader) seekBlock(off uint64, blockType byte, want []byte) (*block.Reader, int, *block.Iter, bool, error) {
	br, advance, err := r.fetchBlock(off, blockType)
	if err != nil {
		return nil, 0, nil, false, err
	}
	it, err := br.Seek(want)
	if err != nil {
		return nil, 0, nil, false, err
	}
	scratch, err := block.NewScratchRecord(blockType)
	if err != nil {
		return nil, 0, nil, false, err
	}
	save := *it
	err = it.Next(scratch)
	if errors.Is(err, block.ErrEndOfBlock) {
		return br, advance, nil, false, nil
	}
	if err != nil {
		return nil, 0, nil, false, err
	}
	*it = save
	return br, advance, it, true, nil
}

// descendIndex walks nested index blocks starting at indexOffset until
// it reaches a leaf section block whose range can contain want,
// returning that leaf block's offset.
func (r *Reader) descendIndex(indexOffset uint64, want []byte) (uint64, bool, error) {
	off := indexOffset
	for {
		br, err := r.fetchBlockAt(off)
		if err != nil {
			return 0, false, err
		}
		it, err := br.Seek(want)
		if err != nil {
			return 0, false, err
		}
		var rec reftable.IndexRecord
		if err := it.Next(&rec); err != nil {
			if errors.Is(err, block.ErrEndOfBlock) {
				return 0, false, nil
			}
			return 0, false, err
		}
		child, err := r.fetchBlockAt(rec.Offset)
		if err != nil {
			return 0, false, err
		}
		if child.Type() == reftable.BlockTypeIndex {
			off = rec.Offset
			continue
		}
		return rec.Offset, true, nil
	}
}

// fetchBlockAt fetches a block without knowing its type in advance
// (used while descending index levels, where the only thing known is
// that the block is either another index block or a data block).
func (r *Reader) fetchBlockAt(off uint64) (*block.Reader, error) {
	guess := r.blockSize
	if off+uint64(guess) > uint64(r.size) {
		guess = int(uint64(r.size) - off)
	}
	raw, err := r.src.ReadBlock(int64(off), guess)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, errors.Wrapf(reftable.ErrFormat, "table: short block at %d", off)
	}
	if raw[0] == reftable.BlockTypeLog {
		br, _, err := r.fetchBlock(off, reftable.BlockTypeLog)
		return br, err
	}
	length := int(reftable.GetU24(raw[1:4]))
	if length > len(raw) {
		raw, err = r.src.ReadBlock(int64(off), length)
		if err != nil {
			return nil, err
		}
	}
	return block.NewReader(raw[:length], 0, r.opts.HashSize)
}

// recordIter is the common shape of every ref-producing iterator this
// package builds: a plain section scan, a filtering full-table scan,
// or a multi-block obj-index-driven scan.
type recordIter interface {
	Next(rec reftable.Record) error
}

// RefIterator yields successive RefRecords in increasing ref_name
// order (SeekRef, Refs) or, for RefsFor, in the order their backing
// ref blocks were scanned. It satisfies reftable.Record-based
// consumers (e.g. the merge package) directly, since rec only needs to
// be a *reftable.RefRecord at the call site.
type RefIterator struct{ src recordIter }

// Next decodes the next ref into rec, returning io.EOF when exhausted.
func (it *RefIterator) Next(rec reftable.Record) error { return it.src.Next(rec) }

// SeekRef returns an iterator positioned at the first ref with
// ref_name >= name.
func (r *Reader) SeekRef(name string) (*RefIterator, error) {
	start, end, ok := r.refBounds()
	if !ok {
		return &RefIterator{r.emptySectionIter()}, nil
	}
	si, err := r.seekSection(reftable.BlockTypeRef, start, end, r.refIndexOffset, []byte(name))
	return &RefIterator{si}, err
}

// Refs returns an iterator over every ref in the table.
func (r *Reader) Refs() (*RefIterator, error) {
	return r.SeekRef("")
}

// LogIterator yields successive LogRecords.
type LogIterator struct{ si *sectionIter }

// Next decodes the next log entry into rec, returning io.EOF when
// exhausted.
func (it *LogIterator) Next(rec reftable.Record) error { return it.si.Next(rec) }

// Logs returns an iterator over every log record in the table, in the
// section's on-disk (key) order.
func (r *Reader) Logs() (*LogIterator, error) {
	start, end, ok := r.logBounds()
	if !ok {
		return &LogIterator{r.emptySectionIter()}, nil
	}
	si, err := r.seekSection(reftable.BlockTypeLog, start, end, r.logIndexOffset, nil)
	return &LogIterator{si}, err
}

// SeekLog returns an iterator positioned at the first log record whose
// key is >= the key for (refName, updateIndex). Passing updateIndex
// equal to ^uint64(0) positions at the newest entry for refName, since
// keys sort newest-first within a ref.
func (r *Reader) SeekLog(refName string, updateIndex uint64) (*LogIterator, error) {
	start, end, ok := r.logBounds()
	if !ok {
		return &LogIterator{r.emptySectionIter()}, nil
	}
	// On-disk log keys carry update_index relative to the table's
	// minimum; an updateIndex below that minimum matches no entry of
	// refName, so the seek starts past all of them.
	var want []byte
	if updateIndex < r.minUpdateIndex {
		want = append([]byte(refName), 1)
	} else {
		want = (&reftable.LogRecord{RefName: refName, UpdateIndex: updateIndex - r.minUpdateIndex}).Key()
	}
	si, err := r.seekSection(reftable.BlockTypeLog, start, end, r.logIndexOffset, want)
	return &LogIterator{si}, err
}

// buildObjFilter populates r.objFilter from every hash_prefix stored in
// the obj section, so RefsFor can skip the obj-section seek entirely
// on a clean miss.
func (r *Reader) buildObjFilter() error {
	start, end, ok := r.objBounds()
	if !ok {
		return nil
	}
	si, err := r.seekSection(reftable.BlockTypeObj, start, end, 0, nil)
	if err != nil {
		return err
	}

	var count uint
	var prefixes [][]byte
	for {
		var rec reftable.ObjRecord
		if err := si.Next(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		prefixes = append(prefixes, append([]byte(nil), rec.HashPrefix...))
		count++
	}
	if count == 0 {
		return nil
	}
	r.objFilter = bloom.NewWithEstimates(uint(count), 0.01)
	for _, p := range prefixes {
		r.objFilter.Add(p)
	}
	return nil
}

// RefsFor returns every ref whose value or target_value equals oid,
// per spec.md §4.6. When an object index is present, the bloom filter
// built at Open time is consulted first and an empty iterator is
// returned immediately on a miss; a hit (or the absence of an index)
// falls through to the exact lookup.
func (r *Reader) RefsFor(oid []byte) (*RefIterator, error) {
	start, _, haveRefs := r.refBounds()
	if !haveRefs {
		return &RefIterator{r.emptySectionIter()}, nil
	}

	objStart, objEnd, haveObj := r.objBounds()
	if !haveObj || r.objectIDLen == 0 {
		return r.refsForLinear(oid)
	}

	prefix := oid
	if len(prefix) > int(r.objectIDLen) {
		prefix = prefix[:r.objectIDLen]
	}
	if r.objFilter != nil && !r.objFilter.Test(prefix) {
		return &RefIterator{r.emptySectionIter()}, nil
	}

	si, err := r.seekSection(reftable.BlockTypeObj, objStart, objEnd, r.objIndexOffset, prefix)
	if err != nil {
		return nil, err
	}
	var rec reftable.ObjRecord
	if err := si.Next(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return &RefIterator{r.emptySectionIter()}, nil
		}
		return nil, err
	}
	if !equalBytes(rec.HashPrefix, prefix) {
		return &RefIterator{r.emptySectionIter()}, nil
	}

	return &RefIterator{&multiBlockRefFilter{r: r, oid: oid, offsets: rec.Offsets}}, nil
}

// refsForLinear scans the whole ref section, used when no object index
// is present.
func (r *Reader) refsForLinear(oid []byte) (*RefIterator, error) {
	start, end, ok := r.refBounds()
	if !ok {
		return &RefIterator{r.emptySectionIter()}, nil
	}
	si, err := r.seekSection(reftable.BlockTypeRef, start, end, r.refIndexOffset, nil)
	if err != nil {
		return nil, err
	}
	return &RefIterator{&filteringRefIter{inner: si, oid: oid}}, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// filteringRefIter wraps a full ref-section scan, yielding only
// records whose value or target_value equals oid. Grounded on
// filtering_ref_iterator_next's linear fallback.
type filteringRefIter struct {
	inner *sectionIter
	oid   []byte
}

func (f *filteringRefIter) Next(rec reftable.Record) error {
	r, ok := rec.(*reftable.RefRecord)
	if !ok {
		return errors.Wrap(reftable.ErrAPI, "table: filteringRefIter requires a *RefRecord")
	}
	for {
		if err := f.inner.Next(r); err != nil {
			return err
		}
		if equalBytes(r.Value, f.oid) || equalBytes(r.TargetValue, f.oid) {
			return nil
		}
	}
}

// multiBlockRefFilter scans the ref blocks named by an obj-index
// record's offsets, yielding only the matching records. Grounded on
// indexed_table_ref_iter_next's "iterate a list of block offsets"
// shape.
type multiBlockRefFilter struct {
	r       *Reader
	oid     []byte
	offsets []uint64
	idx     int
	it      *block.Iter
}

func (m *multiBlockRefFilter) Next(rec reftable.Record) error {
	r, ok := rec.(*reftable.RefRecord)
	if !ok {
		return errors.Wrap(reftable.ErrAPI, "table: multiBlockRefFilter requires a *RefRecord")
	}
	for {
		if m.it == nil {
			if m.idx >= len(m.offsets) {
				return io.EOF
			}
			br, _, err := m.r.fetchBlock(m.offsets[m.idx], reftable.BlockTypeRef)
			if err != nil {
				return err
			}
			m.it = br.Start()
			m.idx++
		}
		err := m.it.Next(r)
		if errors.Is(err, block.ErrEndOfBlock) {
			m.it = nil
			continue
		}
		if err != nil {
			return err
		}
		r.UpdateIndex += m.r.minUpdateIndex
		if equalBytes(r.Value, m.oid) || equalBytes(r.TargetValue, m.oid) {
			return nil
		}
	}
}

// Close releases the reader's block source.
func (r *Reader) Close() error { return r.src.Close() }
