// Package segment implements the Segment Manager: growable,
// shared-memory-backed byte pools for the three record kinds (Macro,
// Queue, Anchor). Records built on top address their data by offset
// into a pool's current backing bytes, never by pointer, because the
// base address differs per attached process.
//
// A small coordination segment, keyed deterministically from the
// anchor file's path (the same ftok(3) trick glibc uses), is attached
// first and never moves: it holds one control entry per Kind recording
// that kind's real platform segment id, byte size, and bump-allocator
// accounting. A process resolves a Kind's pool by reading this entry;
// if another process already created it, this process attaches to the
// very same shared bytes instead of allocating its own.
package segment

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/relang/rxkernel/internal/rxlog"
)

// Kind tags one of the three shared-memory pools.
type Kind int

const (
	MacroPool Kind = iota
	QueuePool
	AnchorPool
)

func (k Kind) String() string {
	switch k {
	case MacroPool:
		return "macro"
	case QueuePool:
		return "queue"
	case AnchorPool:
		return "anchor"
	default:
		return "unknown"
	}
}

// numKinds is the number of Kind values that get a coordination entry.
const numKinds = 3

// standardSize is the initial and minimum size of every pool, and the
// increment MacroPool grows by.
const standardSize = 64 * 1024

// safetyMargin is the slack Allocate keeps at the tail of a pool before
// deciding it must grow: it grows whenever bytes > size - top - margin.
const safetyMargin = 10

var log = rxlog.Named("ipc.segment")

// ErrLogicError indicates a cross-process accounting invariant did not
// hold: QueuePool's Recompact asserts that the bytes a Compactor
// actually relocated match the usedBytes this process had been
// tracking for that pool. A mismatch means two attached processes
// disagree about the pool's live contents and the recompaction is
// refused rather than applied.
var ErrLogicError = errors.New("segment: usedBytes mismatch after recompaction")

// backend is the platform-specific real storage behind a Pool: a SysV
// shared-memory segment on Linux, an anonymous process-local mapping
// elsewhere. See sysv_linux.go / sysv_other.go.
type backend interface {
	Bytes() []byte
	Close() error
	// ID is the platform segment identifier (a SysV shmid on Linux),
	// used to detect whether this process is still attached to the
	// same generation of a pool that the coordination entry names.
	ID() int
}

// controlEntry is one Kind's coordination record: which real segment
// backs it, and the bump-allocator state every attached process must
// agree on. Fixed-size and stored at a fixed offset within the
// coordination segment so every process decodes it identically.
type controlEntry struct {
	ID    int32
	Size  int32
	Top   int32
	Used  int32
	Trial int32
}

const controlEntrySize = 20 // 5 int32 fields, see controlEntry

func decodeControl(b []byte) controlEntry {
	return controlEntry{
		ID:    int32(binary.LittleEndian.Uint32(b[0:4])),
		Size:  int32(binary.LittleEndian.Uint32(b[4:8])),
		Top:   int32(binary.LittleEndian.Uint32(b[8:12])),
		Used:  int32(binary.LittleEndian.Uint32(b[12:16])),
		Trial: int32(binary.LittleEndian.Uint32(b[16:20])),
	}
}

func encodeControl(b []byte, c controlEntry) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(c.ID))
	binary.LittleEndian.PutUint32(b[4:8], uint32(c.Size))
	binary.LittleEndian.PutUint32(b[8:12], uint32(c.Top))
	binary.LittleEndian.PutUint32(b[12:16], uint32(c.Used))
	binary.LittleEndian.PutUint32(b[16:20], uint32(c.Trial))
}

// coordProjID is the ftok project id for the Manager's own coordination
// segment. Each Kind's real pool is created with a private id and
// published into the coordination entry, so only this one lookup needs
// a derived key at all.
const coordProjID = 0x52 // 'R'

// Pool is a handle onto one of the three shared byte arenas. For
// MacroPool/QueuePool its size and bump-allocator state live in the
// coordination entry (shared); AnchorPool is the coordination segment
// itself and keeps that same state locally, since nothing else needs
// to discover it independently of the Manager that owns it.
type Pool struct {
	m    *Manager
	kind Kind
	mem  backend

	localSize  int
	localTop   int
	localUsed  int
	localTrial int
}

// Manager owns the coordination segment plus whichever of the three
// pools this process has resolved so far.
type Manager struct {
	mu    sync.Mutex
	coord backend
	pools map[Kind]*Pool
}

// NewManager attaches the coordination segment for anchorPath (creating
// it if this is the first process to attach there) and returns a
// Manager with no Macro/Queue pools resolved yet; those are resolved
// lazily, attaching to another process's already-created pool when one
// exists.
func NewManager(anchorPath string) (*Manager, error) {
	key, err := deriveKey(anchorPath, coordProjID)
	if err != nil {
		return nil, errors.Wrap(err, "segment: derive coordination key")
	}
	coord, err := newKeyedBackend(key, numKinds*controlEntrySize)
	if err != nil {
		return nil, errors.Wrap(err, "segment: attach coordination segment")
	}
	m := &Manager{coord: coord, pools: make(map[Kind]*Pool)}
	m.pools[AnchorPool] = &Pool{m: m, kind: AnchorPool, mem: coord, localSize: numKinds * controlEntrySize}
	return m, nil
}

func controlOffset(k Kind) int { return int(k) * controlEntrySize }

func (m *Manager) readControl(k Kind) controlEntry {
	off := controlOffset(k)
	return decodeControl(m.coord.Bytes()[off : off+controlEntrySize])
}

func (m *Manager) writeControl(k Kind, c controlEntry) {
	off := controlOffset(k)
	encodeControl(m.coord.Bytes()[off:off+controlEntrySize], c)
}

// resolvePool returns kind's Pool, attaching to (or creating) its real
// backing segment as needed. Returns nil, nil if kind has never been
// created by any process.
func (m *Manager) resolvePool(kind Kind) (*Pool, error) {
	if kind == AnchorPool {
		return m.pools[AnchorPool], nil
	}

	ctl := m.readControl(kind)
	if p, ok := m.pools[kind]; ok {
		if ctl.ID != 0 && int32(p.mem.ID()) == ctl.ID {
			return p, nil
		}
		_ = p.mem.Close()
		delete(m.pools, kind)
	}
	if ctl.ID == 0 {
		return nil, nil
	}

	mem, err := attachBackend(int(ctl.ID), int(ctl.Size))
	if err != nil {
		return nil, errors.Wrapf(err, "segment: attach %s pool", kind)
	}
	p := &Pool{m: m, kind: kind, mem: mem}
	m.pools[kind] = p
	log.Infow("pool attached", "kind", kind.String(), "id", ctl.ID, "size", ctl.Size)
	return p, nil
}

func (m *Manager) createPool(kind Kind, size int) (*Pool, error) {
	mem, err := newBackend(size)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: create %s pool", kind)
	}
	m.writeControl(kind, controlEntry{ID: int32(mem.ID()), Size: int32(size)})
	p := &Pool{m: m, kind: kind, mem: mem}
	m.pools[kind] = p
	log.Infow("pool created", "kind", kind.String(), "id", mem.ID(), "size", size)
	return p, nil
}

// Pool returns the live pool for kind, or nil if it has not been
// created by any attached process yet.
func (m *Manager) Pool(kind Kind) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.resolvePool(kind)
	if err != nil {
		log.Warnw("pool resolve failed", "kind", kind.String(), "err", err)
		return nil
	}
	return p
}

func (p *Pool) size() int {
	if p.kind == AnchorPool {
		return p.localSize
	}
	return int(p.m.readControl(p.kind).Size)
}

func (p *Pool) top() int {
	if p.kind == AnchorPool {
		return p.localTop
	}
	return int(p.m.readControl(p.kind).Top)
}

func (p *Pool) used() int {
	if p.kind == AnchorPool {
		return p.localUsed
	}
	return int(p.m.readControl(p.kind).Used)
}

func (p *Pool) trial() int {
	if p.kind == AnchorPool {
		return p.localTrial
	}
	return int(p.m.readControl(p.kind).Trial)
}

// mutate applies fn to the pool's shared (or local) accounting fields.
func (p *Pool) mutate(fn func(size, top, used, trial int) (int, int, int, int)) {
	if p.kind == AnchorPool {
		p.localSize, p.localTop, p.localUsed, p.localTrial = fn(p.localSize, p.localTop, p.localUsed, p.localTrial)
		return
	}
	c := p.m.readControl(p.kind)
	size, top, used, trial := fn(int(c.Size), int(c.Top), int(c.Used), int(c.Trial))
	p.m.writeControl(p.kind, controlEntry{ID: c.ID, Size: int32(size), Top: int32(top), Used: int32(used), Trial: int32(trial)})
}

// Allocate reserves bytes within kind's pool, creating, growing, or
// compacting it first if necessary, and returns the offset of the new
// region.
func (m *Manager) Allocate(kind Kind, bytes int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.resolvePool(kind)
	if err != nil {
		return 0, err
	}
	if p == nil {
		p, err = m.createPool(kind, standardSize)
		if err != nil {
			return 0, err
		}
	}

	if p.size()-p.top()-safetyMargin < bytes {
		if err := p.grow(bytes); err != nil {
			return 0, err
		}
	}

	offset := p.top()
	p.mutate(func(size, top, used, trial int) (int, int, int, int) {
		top += bytes
		if kind == QueuePool {
			used += bytes
		}
		return size, top, used, trial
	})
	return offset, nil
}

// grow enlarges p to make room for at least bytes more, per a
// kind-specific policy.
func (p *Pool) grow(bytes int) error {
	switch p.kind {
	case MacroPool, AnchorPool:
		for p.size()-p.top()-safetyMargin < bytes {
			if err := p.enlarge(p.size() + standardSize); err != nil {
				return err
			}
		}
		return nil
	case QueuePool:
		if p.canCompactFor(bytes) {
			return p.compact()
		}
		return p.enlarge(p.size() * 2)
	default:
		return p.enlarge(p.size() * 2)
	}
}

// canCompactFor reports whether a compaction would free enough slack
// for bytes and the pool has seen enough churn to justify the cost
// (trial >= 5).
func (p *Pool) canCompactFor(bytes int) bool {
	size, top, used, trial := p.size(), p.top(), p.used(), p.trial()
	freed := top - used
	return trial >= 5 && (size-used-safetyMargin >= bytes || freed > 0 && size-(top-freed)-safetyMargin >= bytes)
}

// enlarge replaces p's backing store with a fresh one of newSize,
// copying [0, top) verbatim; offsets remain valid since the copy is a
// byte-for-byte prefix. The new segment's id is published to the
// coordination entry so other attached processes pick it up on their
// next resolve.
func (p *Pool) enlarge(newSize int) error {
	mem, err := newBackend(newSize)
	if err != nil {
		return errors.Wrapf(err, "segment: enlarge %s pool to %d", p.kind, newSize)
	}
	copy(mem.Bytes(), p.mem.Bytes()[:p.top()])
	old := p.mem
	p.mem = mem
	p.mutate(func(size, top, used, trial int) (int, int, int, int) { return newSize, top, used, trial })
	if p.kind != AnchorPool {
		c := p.m.readControl(p.kind)
		c.ID = int32(mem.ID())
		p.m.writeControl(p.kind, c)
	}
	_ = old.Close()
	log.Infow("pool enlarged", "kind", p.kind.String(), "size", newSize, "id", mem.ID())
	return nil
}

// compact is a placeholder hook: the actual record relocation (rewriting
// a registry's own next/image offsets) is performed by the caller via
// Compactor, since only the owning registry knows its record layout. The
// segment manager resets bookkeeping once the caller reports success.
func (p *Pool) compact() error {
	p.mutate(func(size, top, used, trial int) (int, int, int, int) { return size, top, used, 0 })
	log.Infow("pool marked for compaction", "kind", p.kind.String())
	return nil
}

// Compactor is implemented by a registry (ipc/queue) that knows how to
// walk its own records, so it can re-lay them out into a fresh pool when
// the Segment Manager decides compaction is warranted.
type Compactor interface {
	// CompactInto must copy every live record into dst starting at
	// offset 0, updating its own in-memory offset bookkeeping, and
	// return the number of bytes now in use.
	CompactInto(dst []byte) (usedBytes int)
}

// Recompact builds a fresh pool of newSize for kind, asks compactor to
// relocate every live record into it, and swaps it in. Used by
// QueuePool's Allocate-time compaction and by CheckForMemory's
// pressure-triggered halving.
//
// For QueuePool, the bytes compactor reports as now-live must equal
// this pool's own tracked usedBytes: two attached processes sharing the
// pool are expected to agree on what is live, and a mismatch means that
// invariant broke. Recompact refuses the swap in that case and returns
// ErrLogicError instead of silently adopting compactor's count.
func (m *Manager) Recompact(kind Kind, newSize int, compactor Compactor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.resolvePool(kind)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.Errorf("segment: recompact: no %s pool", kind)
	}
	expected := p.used()

	mem, err := newBackend(newSize)
	if err != nil {
		return errors.Wrapf(err, "segment: recompact %s pool", kind)
	}
	// The compactor reads the live pool through Manager.Pool, which takes m.mu.
	m.mu.Unlock()
	used := compactor.CompactInto(mem.Bytes())
	m.mu.Lock()
	if kind == QueuePool && used != expected {
		_ = mem.Close()
		return errors.Wrapf(ErrLogicError, "recompact %s: compacted %d bytes, tracked %d", kind, used, expected)
	}

	old := p.mem
	p.mem = mem
	p.mutate(func(size, top, used2, trial int) (int, int, int, int) { return newSize, used, used, 0 })
	if kind != AnchorPool {
		c := p.m.readControl(kind)
		c.ID = int32(mem.ID())
		p.m.writeControl(kind, c)
	}
	_ = old.Close()
	log.Infow("pool compacted", "kind", kind.String(), "size", newSize, "used", used)
	return nil
}

// Free releases a previously-allocated region. For MacroPool the
// caller has already compacted its own bytes out of the pool's
// [0,top) prefix (by calling Manager.ShrinkTop); Free here lowers top
// by bytes and runs the post-free shrink policy. For QueuePool, Free just updates
// accounting and does not compact immediately.
func (m *Manager) Free(kind Kind, bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.resolvePool(kind)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.Errorf("segment: free: no %s pool", kind)
	}
	switch kind {
	case QueuePool:
		p.mutate(func(size, top, used, trial int) (int, int, int, int) { return size, top, used - bytes, trial + 1 })
	default:
		var needShrink bool
		p.mutate(func(size, top, used, trial int) (int, int, int, int) {
			top -= bytes
			needShrink = top < size/2-safetyMargin && size > standardSize
			return size, top, used, trial
		})
		if needShrink {
			return p.shrinkLocked()
		}
	}
	return nil
}

// ShrinkTop physically compacts region [offset+length, top) down by
// length bytes within the current backing store (MacroPool Free
// policy). The caller is responsible for rewriting any of its own
// record offsets that pointed past offset, using the same length as
// the shift amount.
func (m *Manager) ShrinkTop(kind Kind, offset, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.resolvePool(kind)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.Errorf("segment: shrink: no %s pool", kind)
	}
	top := p.top()
	b := p.mem.Bytes()
	copy(b[offset:top-length], b[offset+length:top])
	for i := top - length; i < top; i++ {
		b[i] = 0
	}
	return nil
}

func (p *Pool) shrinkLocked() error {
	newSize := p.size() / 2
	if newSize < standardSize {
		newSize = standardSize
	}
	return p.enlarge(newSize)
}

// CheckForMemory implements the post-removal QueuePool shrink loop:
// while usedBytes < size/4 and size > standardSize, compact and halve.
func (m *Manager) CheckForMemory(compactor Compactor) error {
	m.mu.Lock()
	p, err := m.resolvePool(QueuePool)
	m.mu.Unlock()
	if err != nil || p == nil {
		return err
	}
	for {
		size, used := p.size(), p.used()
		if used >= size/4 || size <= standardSize {
			return nil
		}
		if err := m.Recompact(QueuePool, size/2, compactor); err != nil {
			return err
		}
	}
}

// Bytes exposes the pool's current backing storage for a registry to
// read/write records directly at known offsets.
func (p *Pool) Bytes() []byte { return p.mem.Bytes() }

// Top returns the current bump-pointer offset.
func (p *Pool) Top() int { return p.top() }

// Size returns the pool's current total byte capacity.
func (p *Pool) Size() int { return p.size() }

// UsedBytes returns QueuePool's distinctly tracked live-byte count; for
// other kinds it equals Top().
func (p *Pool) UsedBytes() int {
	if p.kind == QueuePool {
		return p.used()
	}
	return p.top()
}

// Release detaches and frees kind's pool entirely (used when a registry
// becomes empty, e.g. MacroPool after Clear()). The real segment is
// removed, not merely detached: the coordination entry is reset so the
// next creator starts fresh, matching the fact that no data survives.
func (m *Manager) Release(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == AnchorPool {
		return nil // the coordination segment lives for the Manager's lifetime
	}
	p, err := m.resolvePool(kind)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	delete(m.pools, kind)
	m.writeControl(kind, controlEntry{})
	return p.mem.Close()
}
