// Package sema models the process-wide mutex semaphore (apiSem) and the
// per-queue wait semaphores, including crash-recovery normalization at
// entry: semaphore values observed outside {0,1} are normalized back to
// 1, and a process that crashes while holding apiSem is detected on the
// next entry by checking whether the PID recorded as the lock owner
// still exists.
package sema

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/relang/rxkernel/internal/rxlog"
)

var log = rxlog.Named("ipc.sema")

// AliveFunc reports whether pid is a live process; ipc.IsAlive is passed
// in by callers so this package has no import-cycle onto ipc.
type AliveFunc func(pid int) bool

// apiSemProjID is the ftok project id apiSem's key is derived under,
// distinct from the segment package's own coordination-segment id
// (SysV semaphore and shared-memory keys live in separate kernel
// namespaces, so collision isn't a correctness concern, but distinct
// ids keep each resource's key space easy to reason about).
const apiSemProjID = 0x41 // 'A'

// APISem is the process-wide mutex semaphore serializing all registry
// mutations. A golang.org/x/sync/semaphore.Weighted(1) handles
// same-process contention (multiple interpreter threads in one process
// "cooperate through the same semaphore") before any cross-process
// syscall is attempted; the real SysV semaphore underneath, keyed
// deterministically from the anchor path, arbitrates between every
// process attached to the same anchor.
type APISem struct {
	local    *semaphore.Weighted
	sysv     sysvBackend
	ownerPID int64 // atomic; 0 when unheld
	isAlive  AliveFunc
}

// NewAPISem attaches the process-wide mutex semaphore for anchorPath.
// The first process to attach a given anchor path creates the
// semaphore and initializes its value to 1 (unheld); every later
// process attaching the same path resolves to that same kernel
// semaphore and leaves its value untouched, since another process may
// already be holding it.
func NewAPISem(anchorPath string, isAlive AliveFunc) (*APISem, error) {
	key, err := deriveKey(anchorPath, apiSemProjID)
	if err != nil {
		return nil, err
	}
	sb, created, err := newOrAttachSysvSem(key, 1)
	if err != nil {
		return nil, err
	}
	if created {
		if err := sb.setValue(0, 1); err != nil {
			return nil, err
		}
	}
	return &APISem{local: semaphore.NewWeighted(1), sysv: sb, isAlive: isAlive}, nil
}

// Acquire blocks until apiSem is held by the caller. Every call first
// normalizes crash state: if the recorded owner PID is dead, the
// semaphore is force-released; if its raw value is outside {0,1}, it is
// reset to 1.
func (s *APISem) Acquire(ctx context.Context) error {
	if err := s.local.Acquire(ctx, 1); err != nil {
		return err
	}
	s.normalize()
	if err := s.sysv.wait(ctx); err != nil {
		s.local.Release(1)
		return err
	}
	atomic.StoreInt64(&s.ownerPID, int64(currentPID()))
	return nil
}

// Release releases apiSem.
func (s *APISem) Release() {
	atomic.StoreInt64(&s.ownerPID, 0)
	s.sysv.post()
	s.local.Release(1)
}

func (s *APISem) normalize() {
	owner := atomic.LoadInt64(&s.ownerPID)
	if owner != 0 && !s.isAlive(int(owner)) {
		log.Warnw("apiSem owner dead, force-releasing", "pid", owner)
		s.sysv.forceValue(1)
		atomic.StoreInt64(&s.ownerPID, 0)
		return
	}
	if v := s.sysv.value(); v != 0 && v != 1 {
		log.Warnw("apiSem value out of range, normalizing", "value", v)
		s.sysv.forceValue(1)
	}
}

// WaitSem is a binary event semaphore: producers Post, a single consumer
// blocks in Wait. Backs each queue's waitsem.
type WaitSem struct {
	sysv sysvBackend
}

// NewWaitSem allocates a new wait semaphore, initialized to 0 (no event
// pending).
func NewWaitSem() (*WaitSem, error) {
	sb, err := newSysvSem(1)
	if err != nil {
		return nil, err
	}
	if err := sb.setValue(0, 0); err != nil {
		return nil, err
	}
	return &WaitSem{sysv: sb}, nil
}

// AttachWaitSem wraps an existing wait semaphore known by id: the
// semid another process already created and published into a queue's
// shared header slot. No new kernel semaphore is created.
func AttachWaitSem(id int) *WaitSem {
	return &WaitSem{sysv: attachSysvSem(id)}
}

// ID returns the real platform semaphore id backing w, so a second
// attaching process can find it via AttachWaitSem.
func (w *WaitSem) ID() int { return w.sysv.id() }

// Post signals one waiter.
func (w *WaitSem) Post() { w.sysv.post() }

// Wait blocks until a Post, honoring ctx cancellation.
func (w *WaitSem) Wait(ctx context.Context) error { return w.sysv.wait(ctx) }

// Close releases what the platform backend tracks for the semaphore; the
// Linux backend leaves the kernel semaphore set in place.
func (w *WaitSem) Close() error { return w.sysv.close() }

// Reset drops any pending signal and any blocked waiter's state, used by
// Detach when reaping an orphaned queue to reinitialize its mutex.
func (w *WaitSem) Reset() { w.sysv.forceValue(0) }

// SlotAllocator tracks which of a fixed set of semaphore slots are free,
// a process-wide bitmap (typically <=48 slots on typical systems). A
// uint64 bitmask is the right tool at this size; nslots must be <=64.
type SlotAllocator struct {
	mu     sync.Mutex
	bits   uint64
	nslots int
}

// NewSlotAllocator returns an allocator for nslots slots (typically 48;
// capped here at 64, the width of the bitmask).
func NewSlotAllocator(nslots int) *SlotAllocator {
	if nslots > 64 {
		nslots = 64
	}
	return &SlotAllocator{nslots: nslots}
}

// Alloc reserves and returns the lowest free slot index, or ok=false if
// every slot of the bitmap is taken (callers surface this as
// OutOfMemory).
func (a *SlotAllocator) Alloc() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.nslots; i++ {
		if a.bits&(1<<uint(i)) == 0 {
			a.bits |= 1 << uint(i)
			return i, true
		}
	}
	return 0, false
}

// Free returns slot to the pool.
func (a *SlotAllocator) Free(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bits &^= 1 << uint(slot)
}
