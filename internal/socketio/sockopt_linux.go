//go:build linux

package socketio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setDialerSocketOptions tunes TCP performance options on the upstream
// socket's raw fd. Wired into net.Dialer.Control before connect(2).
func setDialerSocketOptions(_, _ string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}

// setListenerSocketOptions sets SO_REUSEADDR on the listening socket's raw
// fd, mirroring bind_and_listen's setsockopt call in
// original_source/procksy/socket.py. Go's net.ListenConfig already sets
// SO_REUSEADDR on most platforms, but we set it explicitly here so the
// behavior does not depend on runtime defaults.
func setListenerSocketOptions(_, _ string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
