//go:build !windows

package stack

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryFlock takes a non-blocking advisory exclusive lock on f's
// descriptor, as defense-in-depth alongside the O_EXCL lock-file
// protocol that is the stack's primary locking mechanism. It never
// changes whether an Add or CompactRange call succeeds; a platform
// where it's unavailable just doesn't get the extra guard.
func tryFlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
