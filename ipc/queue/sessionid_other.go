//go:build !unix

package queue

import "os"

func sessionID() int { return os.Getpid() }

func sessionIDFor(pid int) int { return pid }
