//go:build !linux

package console

import (
	"errors"
	"io"
)

// setTerminalEcho is a no-op where termios is unavailable; the kernel-side
// echo flag still governs what ReadInput echoes back.
func setTerminalEcho(io.Writer, bool) error {
	return errors.New("terminal echo control not supported on this platform")
}
