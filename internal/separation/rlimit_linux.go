//go:build linux

package separation

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// applyMemoryLimit caps the address space of a running process.
func applyMemoryLimit(pid int, limitBytes uint64) error {
	if limitBytes == 0 {
		return nil
	}
	lim := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
		return errors.Wrapf(err, "prlimit RLIMIT_AS on pid %d", pid)
	}
	return nil
}
