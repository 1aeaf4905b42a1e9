//go:build linux

package console

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// setTerminalEcho toggles the ECHO flag on the port's terminal when the
// writer is one. Non-terminal writers keep the kernel-side echo flag only.
func setTerminalEcho(w io.Writer, echo bool) error {
	f, ok := w.(*os.File)
	if !ok {
		return errors.New("writer is not a terminal")
	}

	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	if echo {
		termios.Lflag |= unix.ECHO
	} else {
		termios.Lflag &^= unix.ECHO
	}
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
