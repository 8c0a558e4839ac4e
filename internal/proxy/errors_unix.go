//go:build unix

package proxy

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNABORTED)
}
