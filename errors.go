// Package reftable implements the byte-level primitives of the reftable
// file format: varints, fixed-width integers, the record taxonomy, the
// per-entry key codec and ref-name validation. Higher layers (block,
// table, merge, stack) build on top of this package.
package reftable

import "github.com/cockroachdb/errors"

// Sentinel errors classify failures the way the on-disk format and the
// stack protocol distinguish them. Callers should use errors.Is rather
// than comparing error values directly, since every occurrence is
// wrapped with contextual detail via errors.Wrapf.
var (
	// ErrFormat marks a malformed file: bad magic, bad CRC, a block
	// type that doesn't match what the caller expected, or a stack
	// whose readers violate the max<min ordering invariant.
	ErrFormat = errors.New("reftable: malformed table")

	// ErrIO marks a failure in the underlying read/write/open/rename/
	// unlink syscalls.
	ErrIO = errors.New("reftable: i/o error")

	// ErrNotExist marks a missing file, distinct from ErrIO so that
	// stack reload can retry on it specifically.
	ErrNotExist = errors.New("reftable: file does not exist")

	// ErrLock marks a ".lock" file that is already held by another
	// writer. The retry policy is the caller's.
	ErrLock = errors.New("reftable: lock held")

	// ErrAPI marks invalid caller usage: an update_index outside
	// [min,max], a non-increasing key sequence, or a block too small
	// to hold its restart array.
	ErrAPI = errors.New("reftable: invalid api usage")

	// ErrNameConflict marks a ref name that collides with an existing
	// ref or with a directory prefix of an existing ref.
	ErrNameConflict = errors.New("reftable: ref name conflicts with existing ref")

	// ErrRefName marks a syntactically invalid ref name: an empty
	// component, a "." or ".." component, or a trailing slash.
	ErrRefName = errors.New("reftable: invalid ref name")
)
