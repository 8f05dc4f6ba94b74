//go:build !unix

package ipc

// IsAlive has no portable signal-0 probe outside unix; treat every pid as
// dead so callers fail closed (reap eagerly) rather than leak resources
// waiting on a peer that can never be confirmed alive.
var IsAlive = func(pid int) bool { return false }
