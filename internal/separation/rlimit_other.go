//go:build !linux

package separation

import "github.com/cockroachdb/errors"

func applyMemoryLimit(int, uint64) error {
	return errors.New("memory limits are not supported on this platform")
}
