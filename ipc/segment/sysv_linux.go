//go:build linux

package segment

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysvBackend is a real SysV shared-memory segment (shmget/shmat).
// newBackend creates one privately (IPC_PRIVATE); its id is then
// published into the coordination entry so other processes attach to
// it directly by id via attachBackend, rather than re-deriving a key.
// newKeyedBackend is used exactly once, for the coordination segment
// itself, whose id every process must be able to find without any
// prior handoff from another process.
type sysvBackend struct {
	id   int
	addr uintptr
	size int
}

func newBackend(size int) (backend, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, err
	}
	return attachID(id, size)
}

// attachBackend maps an already-created segment known by id, read from
// the coordination entry another process published.
func attachBackend(id, size int) (backend, error) {
	return attachID(id, size)
}

// newKeyedBackend creates-or-attaches the segment at key, a
// deterministic ftok-style id derived from the anchor path: every
// process resolving the same anchor computes the same key and lands
// on the same kernel segment without needing to have seen any other
// process's output first.
func newKeyedBackend(key, size int) (backend, error) {
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|0o660)
	if err != nil {
		return nil, err
	}
	return attachID(id, size)
}

func attachID(id, size int) (backend, error) {
	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, err
	}
	return &sysvBackend{id: id, addr: addr, size: size}, nil
}

// deriveKey computes a stable SysV IPC key from path's device and
// inode numbers folded with id, the same algorithm glibc's ftok(3)
// uses: (id&0xff)<<24 | (dev&0xff)<<16 | (ino&0xffff). Two processes
// stat-ing the same anchor file compute the identical key for the
// same id; path must already exist.
func deriveKey(path string, id byte) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return (int(id)&0xff)<<24 |
		(int(st.Dev)&0xff)<<16 |
		(int(st.Ino) & 0xffff), nil
}

func (b *sysvBackend) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.addr)), b.size)
}

func (b *sysvBackend) ID() int { return b.id }

func (b *sysvBackend) Close() error {
	if err := unix.SysvShmDetach(b.addr); err != nil {
		return err
	}
	_, err := unix.SysvShmCtl(b.id, unix.IPC_RMID, nil)
	return err
}
