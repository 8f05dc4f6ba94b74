//go:build linux

package sema

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// sysvBackend is the interface both platform implementations satisfy;
// APISem/WaitSem are built on top of it so the crash-normalization and
// slot-bitmap logic in sema.go never touches syscalls directly.
type sysvBackend interface {
	wait(ctx context.Context) error
	post()
	value() int
	setValue(index, v int) error
	forceValue(v int)
	close() error
	id() int
}

// linuxSem is a real SysV binary semaphore (Semget/Semop), used for
// apiSem and each queue's waitsem. SysV semctl's GETVAL/SETVAL require a
// union argument whose layout is awkward to bind safely across archs, so
// the *observed value* used for the crash-normalization check is
// tracked locally via mirror, alongside the real kernel semaphore that
// actually arbitrates wait/post across processes.
type linuxSem struct {
	semid  int
	mirror int64 // atomic
}

func newSysvSem(n int) (sysvBackend, error) {
	id, err := unix.Semget(unix.IPC_PRIVATE, n, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, err
	}
	return &linuxSem{semid: id}, nil
}

// newOrAttachSysvSem creates the semaphore at key if this is the first
// process to do so (reported via created=true, so the caller knows to
// initialize its starting value), or attaches to the existing one
// another process already created.
func newOrAttachSysvSem(key, n int) (sb sysvBackend, created bool, err error) {
	id, err := unix.Semget(key, n, unix.IPC_CREAT|unix.IPC_EXCL|0o660)
	if err == nil {
		return &linuxSem{semid: id}, true, nil
	}
	if err != unix.EEXIST {
		return nil, false, err
	}
	id, err = unix.Semget(key, n, 0o660)
	if err != nil {
		return nil, false, err
	}
	return &linuxSem{semid: id}, false, nil
}

// attachSysvSem wraps an already-created semaphore known by id, read
// from a queue's shared header slot. No IPC_CREAT/Semget is involved:
// the id already names a live kernel object.
func attachSysvSem(id int) sysvBackend { return &linuxSem{semid: id} }

// wait polls with a short backoff instead of a blocking semop, so ctx
// cancellation (used by Pull's context-aware callers) is honored; plain
// semop has no cancellable-by-context variant.
func (s *linuxSem) wait(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		ops := []unix.Sembuf{{Semnum: 0, Semop: -1, Semflg: unix.IPC_NOWAIT}}
		err := unix.Semop(s.semid, ops)
		if err == nil {
			atomic.AddInt64(&s.mirror, -1)
			return nil
		}
		if err != unix.EAGAIN {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *linuxSem) post() {
	ops := []unix.Sembuf{{Semnum: 0, Semop: 1}}
	if unix.Semop(s.semid, ops) == nil {
		atomic.AddInt64(&s.mirror, 1)
	}
}

func (s *linuxSem) value() int { return int(atomic.LoadInt64(&s.mirror)) }

// setValue is only used during construction to bring a fresh semaphore
// (kernel value 0) up to its starting value, so it only ever needs to
// increment: a non-blocking Semop by +v always succeeds. There is no
// case here of lowering an in-use semaphore's value.
func (s *linuxSem) setValue(index, v int) error {
	if v > 0 {
		ops := []unix.Sembuf{{Semnum: uint16(index), Semop: int16(v)}}
		if err := unix.Semop(s.semid, ops); err != nil {
			return err
		}
	}
	atomic.StoreInt64(&s.mirror, int64(v))
	return nil
}

// forceValue drains the real kernel semaphore to 0 with non-blocking
// decrements, then raises it back to v: together these force the actual
// value to v without semctl(SETVAL)'s arch-specific union argument. Used
// by normalize() to recover a semaphore left in a bad state by a process
// that died mid-hold.
func (s *linuxSem) forceValue(v int) {
	for {
		ops := []unix.Sembuf{{Semnum: 0, Semop: -1, Semflg: unix.IPC_NOWAIT}}
		if unix.Semop(s.semid, ops) != nil {
			break
		}
	}
	if v > 0 {
		ops := []unix.Sembuf{{Semnum: 0, Semop: int16(v)}}
		_ = unix.Semop(s.semid, ops)
	}
	atomic.StoreInt64(&s.mirror, int64(v))
}

// close intentionally does not remove the kernel semaphore set: SysV
// semctl(IPC_RMID) needs a union semun argument whose memory layout is
// not uniform across architectures in a way golang.org/x/sys/unix binds
// safely without per-arch code. Every queue Delete or session reap that
// closes a wait semaphore therefore leaves its set allocated in the
// kernel (see DESIGN.md).
func (s *linuxSem) close() error { return nil }

func (s *linuxSem) id() int { return s.semid }

// deriveKey computes a stable SysV IPC key from path's device and
// inode numbers folded with id, the same algorithm glibc's ftok(3)
// uses, so two processes naming the same anchor path compute the same
// key for apiSem and land on the same kernel semaphore.
func deriveKey(path string, id byte) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return (int(id)&0xff)<<24 |
		(int(st.Dev)&0xff)<<16 |
		(int(st.Ino) & 0xffff), nil
}
