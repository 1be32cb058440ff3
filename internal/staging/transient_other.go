//go:build !unix

package staging

import (
	"errors"
	"io/fs"
)

func isTransient(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
