//go:build !unix

package socket

import (
	"errors"

	"code.hybscloud.com/iox"
)

func isWouldBlock(err error) bool {
	return errors.Is(err, iox.ErrWouldBlock)
}

// IsReset always reports false where errno values are unavailable.
func IsReset(error) bool { return false }
