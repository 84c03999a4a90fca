//go:build linux

package sysutil

import "golang.org/x/sys/unix"

// IsTerminal 能取到 termios 就说明是终端
func IsTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
