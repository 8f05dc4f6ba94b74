//go:build !linux

package sema

import (
	"context"
	"sync"
	"sync/atomic"
)

// sysvBackend is the interface both platform implementations satisfy.
type sysvBackend interface {
	wait(ctx context.Context) error
	post()
	value() int
	setValue(index, v int) error
	forceValue(v int)
	close() error
	id() int
}

// portableSem is the non-Linux fallback: no real cross-process SysV
// semaphore, a condition-variable-backed counter local to the process.
type portableSem struct {
	mu   sync.Mutex
	cnd  *sync.Cond
	v    int
	slot int
}

var (
	portableNextID int64
	portableByID   sync.Map // int -> *portableSem, process-local only
)

func newPortableSem() *portableSem {
	s := &portableSem{slot: int(atomic.AddInt64(&portableNextID, 1))}
	s.cnd = sync.NewCond(&s.mu)
	portableByID.Store(s.slot, s)
	return s
}

func newSysvSem(n int) (sysvBackend, error) {
	return newPortableSem(), nil
}

// newOrAttachSysvSem has no real key-based rendezvous off Linux, so it
// always creates a fresh process-local semaphore and reports created.
func newOrAttachSysvSem(key, n int) (sysvBackend, bool, error) {
	return newPortableSem(), true, nil
}

// attachSysvSem looks up a semaphore this same process already created
// via its assigned id. Cross-process attach is unavailable off Linux;
// a miss returns a fresh (unrelated) semaphore rather than an error,
// matching this fallback's documented single-process-only scope.
func attachSysvSem(id int) sysvBackend {
	if s, ok := portableByID.Load(id); ok {
		return s.(*portableSem)
	}
	return newPortableSem()
}

func (s *portableSem) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.v <= 0 {
			s.cnd.Wait()
		}
		s.v--
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *portableSem) post() {
	s.mu.Lock()
	s.v++
	s.mu.Unlock()
	s.cnd.Signal()
}

func (s *portableSem) value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *portableSem) setValue(index, v int) error {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	return nil
}

func (s *portableSem) forceValue(v int) { _ = s.setValue(0, v) }

func (s *portableSem) close() error {
	portableByID.Delete(s.slot)
	return nil
}

func (s *portableSem) id() int { return s.slot }

// deriveKey has no real meaning off-Linux; NewAPISem only uses it to
// log/pass through, never to look anything up.
func deriveKey(path string, id byte) (int, error) { return 0, nil }
