//go:build !linux

package socketio

import "syscall"

// setDialerSocketOptions is a no-op on non-Linux platforms. The Linux
// version in sockopt_linux.go sets TCP_NODELAY and keepalive tuning.
func setDialerSocketOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}

// setListenerSocketOptions is a no-op on non-Linux platforms. The Linux
// version in sockopt_linux.go sets SO_REUSEADDR explicitly.
func setListenerSocketOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}
