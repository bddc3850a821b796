//go:build windows

package stack

import "os"

// tryFlock is a no-op on platforms without the unix flock syscall; the
// O_EXCL lock-file protocol remains the sole locking mechanism there.
func tryFlock(f *os.File) error { return nil }
