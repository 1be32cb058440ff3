//go:build unix

package staging

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

// isTransient reports whether err is worth retrying: the file briefly
// missing or held busy by another process.
func isTransient(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	for _, errno := range []unix.Errno{unix.EBUSY, unix.EAGAIN, unix.ETXTBSY, unix.EINTR} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
