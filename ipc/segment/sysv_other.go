//go:build !linux

package segment

// memBackend is the non-Linux fallback: golang.org/x/sys/unix's SysV
// shared-memory calls are Linux-only, so other platforms get a plain
// process-local byte slice. Cross-process attach is then unavailable
// there; callers needing real multi-process sharing must run on Linux.
type memBackend struct {
	buf []byte
}

func newBackend(size int) (backend, error) {
	return &memBackend{buf: make([]byte, size)}, nil
}

// attachBackend has nothing real to attach to off-Linux, so it
// degrades to a fresh local buffer: the id a Linux process published
// to the coordination entry is meaningless here.
func attachBackend(id, size int) (backend, error) {
	return newBackend(size)
}

// newKeyedBackend ignores key for the same reason: without real SysV
// segments there is nothing a derived key can look up.
func newKeyedBackend(key, size int) (backend, error) {
	return newBackend(size)
}

// deriveKey has no real meaning off-Linux; newKeyedBackend never uses
// it, so any value is fine.
func deriveKey(path string, id byte) (int, error) { return 0, nil }

func (b *memBackend) Bytes() []byte { return b.buf }

func (b *memBackend) ID() int { return 0 }

func (b *memBackend) Close() error { return nil }
