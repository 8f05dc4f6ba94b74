//go:build unix

package ipc

import "golang.org/x/sys/unix"

// IsAlive reports whether pid refers to a live process, using
// kill(pid, 0) and checking for ESRCH. Centralized here so registries
// never call unix.Kill directly and unit tests can stub the
// package-level variable.
var IsAlive = isAliveUnix

func isAliveUnix(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch err {
	case nil, unix.EPERM:
		// nil: signalable, process exists. EPERM: exists, owned by someone else.
		return true
	case unix.ESRCH:
		return false
	default:
		return false
	}
}
