//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	reqGetTermios = unix.TCGETS
	reqSetTermios = unix.TCSETS
	reqFlush      = unix.TCFLSH
)

// applySpeed sets the line rate. Linux also reads the CBAUD bits of Cflag.
func applySpeed(t *unix.Termios, speed uint32) {
	t.Cflag &^= unix.CBAUD | unix.CBAUDEX
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
}
