//go:build unix

package queue

import "golang.org/x/sys/unix"

// sessionID identifies the caller's session queue by the creating
// process's process-group id: the Session Queue is keyed by session id
// (the process-group id of its creator).
func sessionID() int {
	return sessionIDFor(0)
}

// sessionIDFor resolves pid's process-group id. Passing 0 resolves the
// caller's own group, matching getpgid(2)'s convention; Detach uses this
// to map an exiting pid back to the session queue it created, since the
// two only coincide when pid is a process-group leader.
func sessionIDFor(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		if pid == 0 {
			return unix.Getpid()
		}
		return pid
	}
	return pgid
}
