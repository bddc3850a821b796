// Package stack implements the reftable stack: a directory of
// immutable table files named by their update_index range, listed in
// commit order by a tables.list manifest, exposing a single merged
// view and the add/compact operations that keep the directory small.
// Grounded throughout on original_source/c/stack.c.
package stack

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/renameio"
	"github.com/google/reftable-go"
	"github.com/google/reftable-go/blocksource"
	"github.com/google/reftable-go/internal/metrics"
	"github.com/google/reftable-go/merge"
	"github.com/google/reftable-go/table"
)

const listFileName = "tables.list"

// Options configures a Stack.
type Options struct {
	HashSize int
	Logger   table.Logger
	Metrics  *metrics.StackMetrics
}

func (o *Options) setDefaults() {
	if o.HashSize == 0 {
		o.HashSize = 20
	}
}

// openTable is one entry of the live stack: the reader plus the
// on-disk file name it was opened from, so reload can tell which
// readers to keep across a tables.list change.
type openTable struct {
	name   string
	reader *table.Reader
}

// Stack is a directory of reftable files with a merged read view. A
// Stack is not safe for concurrent use by multiple goroutines: nothing
// guards its in-memory table list. Cross-process safety comes from the
// lock-file protocol in Add and CompactRange.
type Stack struct {
	dir      string
	listPath string
	opts     Options

	tables []openTable
}

// Open opens (or creates, if dir has no tables.list yet) the stack
// rooted at dir.
func Open(dir string, opts Options) (*Stack, error) {
	opts.setDefaults()
	s := &Stack{dir: dir, listPath: filepath.Join(dir, listFileName), opts: opts}
	if err := s.reloadWithRetry(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads tables.list, picking up tables committed by another
// process, with the retry/backoff protocol stack_reload uses to ride
// out a tables.list caught mid-update.
func (s *Stack) Reload() error {
	return s.reloadWithRetry()
}

// Close releases every open table reader.
func (s *Stack) Close() error {
	var first error
	for _, t := range s.tables {
		if err := t.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.tables = nil
	return first
}

// readLines returns the non-empty, trimmed lines of path, or an empty
// slice if the file does not exist (mirrors stack.c's read_lines,
// which treats ENOENT as an empty list rather than an error).
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(reftable.ErrIO, "stack: open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(reftable.ErrIO, err.Error())
	}
	return lines, nil
}

// reload re-reads tables.list and brings s.tables in line with it.
// Grounded on stack_reload_once.
func (s *Stack) reload() error {
	names, err := readLines(s.listPath)
	if err != nil {
		return err
	}
	return s.reloadNames(names)
}

// namesEqual reports whether a and b name the same tables in the same
// order, the comparison stack_reload uses to tell a list change from a
// transient read failure, and stack_uptodate uses to tell a stale
// in-memory view from a current one.
func namesEqual(a, b []string) bool {
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

// tablesUpToDate reports whether the in-memory table list still
// matches what is on disk. Grounded on stack_uptodate.
func (s *Stack) tablesUpToDate() (bool, error) {
	names, err := readLines(s.listPath)
	if err != nil {
		return false, err
	}
	current := make([]string, len(s.tables))
	for i, t := range s.tables {
		current[i] = t.name
	}
	return namesEqual(names, current), nil
}

// reloadNames brings s.tables in line with an already-read names list,
// reusing already-open readers by name and opening only what's new.
func (s *Stack) reloadNames(names []string) error {
	old := make(map[string]*table.Reader, len(s.tables))
	for _, t := range s.tables {
		old[t.name] = t.reader
	}

	next := make([]openTable, 0, len(names))
	for _, name := range names {
		if r, ok := old[name]; ok {
			next = append(next, openTable{name: name, reader: r})
			delete(old, name)
			continue
		}
		r, err := s.openTableFile(name)
		if err != nil {
			return err
		}
		next = append(next, openTable{name: name, reader: r})
	}

	for i := 1; i < len(next); i++ {
		if next[i-1].reader.MaxUpdateIndex() >= next[i].reader.MinUpdateIndex() {
			return errors.Wrapf(reftable.ErrFormat, "stack: %s does not follow %s in update_index order",
				next[i].name, next[i-1].name)
		}
	}

	for _, r := range old {
		r.Close()
	}
	s.tables = next
	return nil
}

func (s *Stack) openTableFile(name string) (*table.Reader, error) {
	src, err := blocksource.NewMmap(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	r, err := table.NewReader(src, table.ReaderOptions{HashSize: s.opts.HashSize, Logger: s.opts.Logger})
	if err != nil {
		src.Close()
		return nil, err
	}
	return r, nil
}

// reloadWithRetry is stack_reload's actual entry point: re-checks
// tables.list against a 3-second deadline with exponential backoff and
// jitter, since a concurrent writer or compactor may replace
// tables.list (or the files it names) between our stat and our read.
// On an ErrNotExist (one of the listed table files disappeared out
// from under us), it re-reads tables.list once more before backing
// off: if the list is unchanged, the missing file isn't a transient
// race and the error is returned immediately instead of waiting out
// the full deadline.
func (s *Stack) reloadWithRetry() error {
	deadline := time.Now().Add(3 * time.Second)
	delay := time.Duration(0)
	tries := 0
	for {
		tries++
		if tries > 3 && time.Now().After(deadline) {
			return errors.Wrap(reftable.ErrNotExist, "stack: reload deadline exceeded")
		}

		names, err := readLines(s.listPath)
		if err != nil {
			return err
		}
		err = s.reloadNames(names)
		if err == nil {
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveReload(tries - 1)
			}
			return nil
		}
		if !errors.Is(err, reftable.ErrNotExist) {
			return err
		}

		namesAfter, readErr := readLines(s.listPath)
		if readErr != nil {
			return readErr
		}
		if namesEqual(names, namesAfter) {
			return err
		}

		delay = delay + time.Duration(rand.Int63n(int64(delay)+1)) + 100*time.Millisecond
		time.Sleep(delay)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveReload(tries)
		}
	}
}

// MergedRefs returns a k-way merge iterator over refs in the whole stack,
// oldest table first so newer tables shadow older ones.
func (s *Stack) MergedRefs() (*merge.Iter, error) {
	subs := make([]merge.SubIterator, len(s.tables))
	for i, t := range s.tables {
		it, err := t.reader.Refs()
		if err != nil {
			return nil, err
		}
		subs[i] = it
	}
	return merge.New(subs, func() reftable.Record { return &reftable.RefRecord{} })
}

// RefsFor returns every ref across the stack pointing at oid, newest
// table's copy of a shadowed name winning.
func (s *Stack) RefsFor(oid []byte) (*merge.Iter, error) {
	subs := make([]merge.SubIterator, 0, len(s.tables))
	for _, t := range s.tables {
		it, err := t.reader.RefsFor(oid)
		if err != nil {
			return nil, err
		}
		subs = append(subs, it)
	}
	return merge.New(subs, func() reftable.Record { return &reftable.RefRecord{} })
}

// NextUpdateIndex reports the update_index the next table added to
// this stack must use: one past the top table's max, or 1 if the
// stack is empty. Grounded on stack_next_update_index.
func (s *Stack) NextUpdateIndex() uint64 {
	if len(s.tables) == 0 {
		return 1
	}
	return s.tables[len(s.tables)-1].reader.MaxUpdateIndex() + 1
}

func formatName(min, max uint64) string {
	return fmt.Sprintf("%012x-%012x", min, max)
}

// tempSuffix derives a short collision-resistant suffix for a
// mkstemp-style temporary filename from a hash of the pid, current
// time, and an internal counter, replacing C's reliance on mkstemp's
// own kernel-assisted uniqueness.
var tempCounter uint64

func tempSuffix() string {
	tempCounter++
	h := xxhash.New()
	fmt.Fprintf(h, "%d-%d-%d", os.Getpid(), time.Now().UnixNano(), tempCounter)
	return fmt.Sprintf("%016x", h.Sum64())
}

// createTempFile is our mkstemp equivalent: O_EXCL creation under a
// name built from tempSuffix, retried a handful of times in the
// astronomically unlikely event of a collision.
func createTempFile(dir, prefix string) (*os.File, error) {
	var lastErr error
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, prefix+tempSuffix()+".tmp")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(reftable.ErrIO, err.Error())
		}
		lastErr = err
	}
	return nil, errors.Wrap(reftable.ErrIO, lastErr.Error())
}

// acquireMainLock creates dir/tables.list.lock via O_EXCL, returning
// reftable.ErrLock if another process (or goroutine) already holds it.
func (s *Stack) acquireMainLock() (*os.File, error) {
	path := s.listPath + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		if os.IsExist(err) {
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveLockContention()
			}
			return nil, errors.Wrapf(reftable.ErrLock, "stack: %s held", path)
		}
		return nil, errors.Wrap(reftable.ErrIO, err.Error())
	}
	// Best-effort defense-in-depth; O_EXCL above already gave us
	// exclusion, so a failed or unsupported flock is not fatal.
	_ = tryFlock(f)
	return f, nil
}

func (s *Stack) releaseMainLock(f *os.File) {
	path := s.listPath + ".lock"
	f.Close()
	os.Remove(path)
}

// Add builds one new table under the stack's lock and commits it
// atomically, retrying on lock contention and on a tables.list that
// changed underneath us, matching stack_add's retry loop around
// stack_try_add: on ErrLock, the view is refreshed with a reload
// before the next attempt, exactly as stack_add calls stack_reload
// after a LOCK_ERROR from stack_try_add.
func (s *Stack) Add(write func(w *table.Writer) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.tryAdd(write)
		if err == nil {
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveAdd(true)
			}
			return nil
		}
		lastErr = err
		if !errors.Is(err, reftable.ErrLock) {
			break
		}
		if err := s.reload(); err != nil {
			lastErr = err
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveAdd(false)
	}
	return lastErr
}

// tryAdd is stack_try_add: acquire the lock, verify the in-memory view
// is still current (stack_uptodate; a mismatch here means another
// writer committed since our last reload, so we bail out with
// ErrLock rather than silently absorbing the staleness), write the new
// table to a temp file, rename it into place, and publish a new
// tables.list via an atomic renameio write.
func (s *Stack) tryAdd(write func(w *table.Writer) error) error {
	lock, err := s.acquireMainLock()
	if err != nil {
		return err
	}
	defer s.releaseMainLock(lock)

	upToDate, err := s.tablesUpToDate()
	if err != nil {
		return err
	}
	if !upToDate {
		return errors.Wrap(reftable.ErrLock, "stack: tables.list changed since last reload")
	}

	nextIdx := s.NextUpdateIndex()

	tmp, err := createTempFile(s.dir, "tmp_table_")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	w := table.NewWriter(tmp, table.WriterOptions{HashSize: s.opts.HashSize, Logger: s.opts.Logger})
	w.SetLimits(nextIdx, nextIdx)
	if err := write(w); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(reftable.ErrIO, err.Error())
	}

	if w.Stats().RefCount == 0 && w.Stats().LogCount == 0 {
		cleanup()
		return nil
	}

	finalName := formatName(w.MinUpdateIndex(), w.MaxUpdateIndex()) + ".ref"
	finalPath := filepath.Join(s.dir, finalName)
	if err := os.Rename(tmpName, finalPath); err != nil {
		cleanup()
		return errors.Wrap(reftable.ErrIO, err.Error())
	}

	var buf bytes.Buffer
	for _, t := range s.tables {
		buf.WriteString(t.name)
		buf.WriteByte('\n')
	}
	buf.WriteString(finalName)
	buf.WriteByte('\n')

	if err := renameio.WriteFile(s.listPath, buf.Bytes(), 0o666); err != nil {
		os.Remove(finalPath)
		return errors.Wrap(reftable.ErrIO, err.Error())
	}

	return s.reload()
}

// CompactAll merges every table in the stack into one, eliding
// deletion tombstones since the merge covers the whole history
// (first == 0 in stack.c's terms). Grounded on stack_compact_all.
func (s *Stack) CompactAll() error {
	if len(s.tables) < 2 {
		return nil
	}
	return s.compactRange(0, len(s.tables)-1, true)
}

// CompactRange merges the tables in [first, last] (inclusive,
// 0-indexed into the current stack) into one table, using the
// two-phase locking protocol from stack_compact_range: the main lock
// is held only to snapshot the range and again to commit; the merge
// itself runs under per-table locks so unrelated Add calls are not
// blocked for its duration. Deletion tombstones are kept unless first
// == 0, since an older table not covered by the merge may still depend
// on them to shadow a value.
func (s *Stack) CompactRange(first, last int) error {
	return s.compactRange(first, last, first == 0)
}

func (s *Stack) compactRange(first, last int, elideDeletions bool) error {
	mainLock, err := s.acquireMainLock()
	if err != nil {
		return err
	}
	if err := s.reload(); err != nil {
		s.releaseMainLock(mainLock)
		return err
	}
	if first < 0 || last >= len(s.tables) || first > last {
		s.releaseMainLock(mainLock)
		return errors.Wrapf(reftable.ErrAPI, "stack: compact range [%d,%d] out of bounds", first, last)
	}

	victims := make([]openTable, last-first+1)
	copy(victims, s.tables[first:last+1])

	subLocks := make([]*os.File, len(victims))
	for i, v := range victims {
		f, err := os.OpenFile(filepath.Join(s.dir, v.name+".lock"), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
		if err != nil {
			for j := 0; j < i; j++ {
				subLocks[j].Close()
				os.Remove(filepath.Join(s.dir, victims[j].name+".lock"))
			}
			s.releaseMainLock(mainLock)
			if os.IsExist(err) {
				return errors.Wrapf(reftable.ErrLock, "stack: %s.lock held", v.name)
			}
			return errors.Wrap(reftable.ErrIO, err.Error())
		}
		subLocks[i] = f
	}
	s.releaseMainLock(mainLock)

	compactedPath, compactedName, minIdx, maxIdx, err := s.writeCompacted(victims, elideDeletions)
	releaseSubLocks := func() {
		for i, f := range subLocks {
			f.Close()
			os.Remove(filepath.Join(s.dir, victims[i].name+".lock"))
		}
	}
	if err != nil {
		releaseSubLocks()
		return err
	}

	mainLock, err = s.acquireMainLock()
	if err != nil {
		os.Remove(compactedPath)
		releaseSubLocks()
		return err
	}
	defer s.releaseMainLock(mainLock)

	if err := s.reload(); err != nil {
		os.Remove(compactedPath)
		releaseSubLocks()
		return err
	}

	var buf bytes.Buffer
	for i, t := range s.tables {
		if i == first {
			buf.WriteString(compactedName)
			buf.WriteByte('\n')
		}
		if i >= first && i <= last {
			continue
		}
		buf.WriteString(t.name)
		buf.WriteByte('\n')
	}
	if err := renameio.WriteFile(s.listPath, buf.Bytes(), 0o666); err != nil {
		os.Remove(compactedPath)
		releaseSubLocks()
		return errors.Wrap(reftable.ErrIO, err.Error())
	}

	var bytesCompacted int64
	for _, v := range victims {
		victimPath := filepath.Join(s.dir, v.name)
		if fi, err := os.Stat(victimPath); err == nil {
			bytesCompacted += fi.Size()
		}
		os.Remove(victimPath)
	}
	releaseSubLocks()

	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveCompaction(bytesCompacted)
	}
	return s.reload()
}

// writeCompacted merges victims' refs (and logs) into one fresh table
// file, returning its path, name, and update_index range.
func (s *Stack) writeCompacted(victims []openTable, elideDeletions bool) (path, name string, min, max uint64, err error) {
	min = victims[0].reader.MinUpdateIndex()
	max = victims[len(victims)-1].reader.MaxUpdateIndex()

	tmp, err := createTempFile(s.dir, "tmp_compact_")
	if err != nil {
		return "", "", 0, 0, err
	}
	tmpName := tmp.Name()
	fail := func(e error) (string, string, uint64, uint64, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", 0, 0, e
	}

	w := table.NewWriter(tmp, table.WriterOptions{HashSize: s.opts.HashSize, Logger: s.opts.Logger})
	w.SetLimits(min, max)

	subs := make([]merge.SubIterator, len(victims))
	for i, v := range victims {
		it, err := v.reader.Refs()
		if err != nil {
			return fail(err)
		}
		subs[i] = it
	}
	mi, err := merge.New(subs, func() reftable.Record { return &reftable.RefRecord{} })
	if err != nil {
		return fail(err)
	}
	for {
		var rec reftable.RefRecord
		err := mi.Next(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if elideDeletions && rec.IsDeletion() {
			continue
		}
		if err := w.AddRef(&rec); err != nil {
			return fail(err)
		}
	}

	logSubs := make([]merge.SubIterator, len(victims))
	for i, v := range victims {
		it, err := v.reader.Logs()
		if err != nil {
			return fail(err)
		}
		logSubs[i] = it
	}
	lmi, err := merge.New(logSubs, func() reftable.Record { return &reftable.LogRecord{} })
	if err != nil {
		return fail(err)
	}
	for {
		var rec reftable.LogRecord
		err := lmi.Next(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if err := w.AddLog(&rec); err != nil {
			return fail(err)
		}
	}

	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}

	finalName := formatName(min, max) + ".ref"
	finalPath := filepath.Join(s.dir, finalName)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fail(errors.Wrap(reftable.ErrIO, err.Error()))
	}
	return finalPath, finalName, min, max, nil
}
