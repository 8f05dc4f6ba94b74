// Package queue implements the Queue Registry: named and session
// message queues with FIFO/LIFO push and semaphore-gated pull, backed
// by the QueuePool of ipc/segment.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/relang/rxkernel/internal/rxlog"
	"github.com/relang/rxkernel/ipc"
	"github.com/relang/rxkernel/ipc/segment"
	"github.com/relang/rxkernel/ipc/sema"
)

var log = rxlog.Named("ipc.queue")

// Mode selects push ordering.
type Mode int

const (
	FIFO Mode = 0
	LIFO Mode = 1
)

// Wait selects Pull's blocking behavior.
type Wait int

const (
	NoWait   Wait = 0
	WaitFlag Wait = 1
)

const maxNameLen = 63

// sessionReserved is the case-insensitive name that resolves to the
// caller's session queue.
const sessionReserved = "SESSION"

// maxQueueSlots bounds how many named/session queues one anchor can
// track at once; the directory below is reserved at the front of
// QueuePool so every attached process can enumerate the same live
// queues, their item lists, and each queue's real wait-semaphore id.
const maxQueueSlots = 128

// wireHeader is one named or session queue's live bookkeeping,
// mirrored into QueuePool itself rather than kept as process-local Go
// state: a second process attached to the same anchor must be able to
// discover this queue, its item list, and the kernel wait semaphore to
// post to, none of which a native Go pointer/map can offer it.
type wireHeader struct {
	Name       [64]byte
	Session    int32 // 0 for a named queue, else the owning process group id
	InUse      uint32
	FirstOff   int32 // -1 if empty
	LastOff    int32 // -1 if empty
	ItemCount  int32
	Waiting    int32
	WaitingPID int32
	WaitSemID  int32 // real platform semaphore id backing this queue's WaitSem
}

const wireHeaderSize = 64 + 4*8 // 96 bytes
const dirBytes = maxQueueSlots * wireHeaderSize

func readWireHeader(b []byte, i int) wireHeader {
	off := i * wireHeaderSize
	h := wireHeader{}
	copy(h.Name[:], b[off:off+64])
	h.Session = int32(binary.LittleEndian.Uint32(b[off+64 : off+68]))
	h.InUse = binary.LittleEndian.Uint32(b[off+68 : off+72])
	h.FirstOff = int32(binary.LittleEndian.Uint32(b[off+72 : off+76]))
	h.LastOff = int32(binary.LittleEndian.Uint32(b[off+76 : off+80]))
	h.ItemCount = int32(binary.LittleEndian.Uint32(b[off+80 : off+84]))
	h.Waiting = int32(binary.LittleEndian.Uint32(b[off+84 : off+88]))
	h.WaitingPID = int32(binary.LittleEndian.Uint32(b[off+88 : off+92]))
	h.WaitSemID = int32(binary.LittleEndian.Uint32(b[off+92 : off+96]))
	return h
}

func writeWireHeader(b []byte, i int, h wireHeader) {
	off := i * wireHeaderSize
	var nameBuf [64]byte
	copy(nameBuf[:], h.Name[:])
	copy(b[off:off+64], nameBuf[:])
	binary.LittleEndian.PutUint32(b[off+64:off+68], uint32(h.Session))
	binary.LittleEndian.PutUint32(b[off+68:off+72], h.InUse)
	binary.LittleEndian.PutUint32(b[off+72:off+76], uint32(h.FirstOff))
	binary.LittleEndian.PutUint32(b[off+76:off+80], uint32(h.LastOff))
	binary.LittleEndian.PutUint32(b[off+80:off+84], uint32(h.ItemCount))
	binary.LittleEndian.PutUint32(b[off+84:off+88], uint32(h.Waiting))
	binary.LittleEndian.PutUint32(b[off+88:off+92], uint32(h.WaitingPID))
	binary.LittleEndian.PutUint32(b[off+92:off+96], uint32(h.WaitSemID))
}

// wireItem is one queued message's inline header, stored directly
// before its payload bytes at the same pool offset the item's
// Allocate call returned. next chains items within one queue in
// delivery order, by offset rather than pointer, since pointers from
// one process's address space mean nothing in another's.
type wireItem struct {
	NextOff     int32 // -1 if this is the last item
	PayloadSize int32
	TimestampNS int64
}

const wireItemSize = 16

func readWireItem(b []byte, off int) wireItem {
	return wireItem{
		NextOff:     int32(binary.LittleEndian.Uint32(b[off : off+4])),
		PayloadSize: int32(binary.LittleEndian.Uint32(b[off+4 : off+8])),
		TimestampNS: int64(binary.LittleEndian.Uint64(b[off+8 : off+16])),
	}
}

func writeWireItem(b []byte, off int, wi wireItem) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(wi.NextOff))
	binary.LittleEndian.PutUint32(b[off+4:off+8], uint32(wi.PayloadSize))
	binary.LittleEndian.PutUint64(b[off+8:off+16], uint64(wi.TimestampNS))
}

// Registry is one process's attachment to the shared queue set. It
// keeps no queue state of its own: every operation reads and writes
// the directory living inside QueuePool, under APISem, so a second
// process attached to the same anchor observes every queue the first
// process creates, pushes to, or pulls from.
type Registry struct {
	anchor *ipc.Anchor
}

// NewRegistry attaches a Queue Registry to anchor.
func NewRegistry(anchor *ipc.Anchor) *Registry {
	return &Registry{anchor: anchor}
}

// validateName applies the queue-name grammar: uppercase, length <=63,
// characters in {A-Z,0-9,'.','!','?','_'}.
func validateName(name string) (string, error) {
	up := strings.ToUpper(name)
	if up == "" || len(up) > maxNameLen {
		return "", ipc.ErrBadName
	}
	for _, c := range up {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '!' || c == '?' || c == '_') {
			return "", ipc.ErrBadName
		}
	}
	return up, nil
}

func synthName(session int) string {
	return fmt.Sprintf("S%dQ%p", session, new(byte))
}

// ensureDirectory reserves the fixed directory region at the front of
// QueuePool the first time any process touches it, initializing every
// slot's FirstOff/LastOff to the empty sentinel. A later attacher sees
// QueuePool already non-empty and skips straight to scanning it.
func (r *Registry) ensureDirectory() ([]byte, error) {
	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p != nil {
		return p.Bytes(), nil
	}
	off, err := r.anchor.Manager.Allocate(segment.QueuePool, dirBytes)
	if err != nil {
		return nil, fmt.Errorf("queue: reserve directory: %w", ipc.ErrMemFail)
	}
	if off != 0 {
		return nil, errors.New("queue: directory must be the first allocation in a fresh QueuePool")
	}
	b := r.anchor.Manager.Pool(segment.QueuePool).Bytes()
	empty := wireHeader{FirstOff: -1, LastOff: -1}
	for i := 0; i < maxQueueSlots; i++ {
		writeWireHeader(b, i, empty)
	}
	return b, nil
}

func freeSlot(b []byte) (int, bool) {
	for i := 0; i < maxQueueSlots; i++ {
		if readWireHeader(b, i).InUse == 0 {
			return i, true
		}
	}
	return -1, false
}

func (r *Registry) findNamedSlot(up string) (int, wireHeader, bool) {
	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p == nil {
		return -1, wireHeader{}, false
	}
	b := p.Bytes()
	for i := 0; i < maxQueueSlots; i++ {
		h := readWireHeader(b, i)
		if h.InUse != 0 && h.Session == 0 && cString(h.Name[:]) == up {
			return i, h, true
		}
	}
	return -1, wireHeader{}, false
}

func (r *Registry) findSessionSlot(sid int) (int, wireHeader, bool) {
	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p == nil {
		return -1, wireHeader{}, false
	}
	b := p.Bytes()
	for i := 0; i < maxQueueSlots; i++ {
		h := readWireHeader(b, i)
		if h.InUse != 0 && h.Session == int32(sid) {
			return i, h, true
		}
	}
	return -1, wireHeader{}, false
}

// Create validates and registers a new named queue. If name is empty, a
// unique synthetic name is generated; if name already exists, a new
// synthetic name is generated and the duplicate is reported via the
// returned bool.
func (r *Registry) Create(name string) (string, bool, error) {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	duplicate := false
	var up string
	var err error
	if name == "" {
		up = synthName(sessionID())
	} else {
		up, err = validateName(name)
		if err != nil {
			return "", false, err
		}
		if strings.EqualFold(up, sessionReserved) {
			return "", false, ipc.ErrBadName
		}
		if _, _, exists := r.findNamedSlot(up); exists {
			up = synthName(sessionID())
			duplicate = true
		}
	}

	ws, err := sema.NewWaitSem()
	if err != nil {
		return "", false, fmt.Errorf("queue: create wait semaphore: %w", err)
	}

	b, err := r.ensureDirectory()
	if err != nil {
		return "", false, err
	}
	idx, ok := freeSlot(b)
	if !ok {
		return "", false, fmt.Errorf("queue: create: %w", ipc.ErrMemFail)
	}

	var h wireHeader
	copy(h.Name[:], up)
	h.InUse = 1
	h.FirstOff, h.LastOff = -1, -1
	h.WaitSemID = int32(ws.ID())
	writeWireHeader(b, idx, h)

	log.Infow("queue created", "name", up, "duplicate", duplicate)
	return up, duplicate, nil
}

// resolve returns the slot and header for name, creating the caller's
// session queue on first reference to "SESSION".
func (r *Registry) resolve(name string, createSession bool) (int, wireHeader, error) {
	up, err := validateName(name)
	if err != nil {
		return -1, wireHeader{}, err
	}
	if strings.EqualFold(up, sessionReserved) {
		sid := sessionID()
		if idx, h, ok := r.findSessionSlot(sid); ok {
			return idx, h, nil
		}
		if !createSession {
			return -1, wireHeader{}, ipc.ErrNotRegistered
		}
		ws, werr := sema.NewWaitSem()
		if werr != nil {
			return -1, wireHeader{}, fmt.Errorf("queue: create session wait semaphore: %w", werr)
		}
		b, err := r.ensureDirectory()
		if err != nil {
			return -1, wireHeader{}, err
		}
		idx, ok := freeSlot(b)
		if !ok {
			return -1, wireHeader{}, fmt.Errorf("queue: create session: %w", ipc.ErrMemFail)
		}
		h := wireHeader{Session: int32(sid), InUse: 1, FirstOff: -1, LastOff: -1, WaitSemID: int32(ws.ID())}
		writeWireHeader(b, idx, h)
		return idx, h, nil
	}
	idx, h, ok := r.findNamedSlot(up)
	if !ok {
		return -1, wireHeader{}, ipc.ErrNotRegistered
	}
	return idx, h, nil
}

// Delete removes a named queue. Fails Busy if a consumer is currently
// blocked in Pull on it.
func (r *Registry) Delete(name string) error {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	up, err := validateName(name)
	if err != nil {
		return err
	}
	idx, h, ok := r.findNamedSlot(up)
	if !ok {
		return ipc.ErrNotRegistered
	}
	if h.Waiting > 0 {
		return ipc.ErrBusy
	}
	r.freeItems(h)
	_ = sema.AttachWaitSem(int(h.WaitSemID)).Close()
	writeWireHeader(r.anchor.Manager.Pool(segment.QueuePool).Bytes(), idx, wireHeader{})
	r.checkPoolEmpty()
	log.Infow("queue deleted", "name", up)
	return nil
}

// freeItems walks h's item list and returns every item's storage to
// QueuePool. Free never relocates QueuePool bytes (only Recompact
// does, under the caller's control), so reading offsets up front and
// freeing them one at a time is safe.
func (r *Registry) freeItems(h wireHeader) {
	b := r.anchor.Manager.Pool(segment.QueuePool).Bytes()
	off := h.FirstOff
	for off != -1 {
		wi := readWireItem(b, int(off))
		_ = r.anchor.Manager.Free(segment.QueuePool, wireItemSize+int(wi.PayloadSize))
		off = wi.NextOff
	}
}

func (r *Registry) empty() bool {
	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p == nil {
		return true
	}
	b := p.Bytes()
	for i := 0; i < maxQueueSlots; i++ {
		if readWireHeader(b, i).InUse != 0 {
			return false
		}
	}
	return true
}

func (r *Registry) checkPoolEmpty() {
	if r.empty() {
		_ = r.anchor.Manager.Release(segment.QueuePool)
		return
	}
	_ = r.anchor.Manager.CheckForMemory(r)
}

// Query returns name's item count, resolving/creating the session
// queue for "SESSION".
func (r *Registry) Query(name string) (int, error) {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	r.reapStaleSessions()
	_, h, err := r.resolve(name, true)
	if err != nil {
		return 0, err
	}
	return int(h.ItemCount), nil
}

// Waiting reports how many processes are currently blocked in Pull on
// name.
func (r *Registry) Waiting(name string) (int, error) {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()
	_, h, err := r.resolve(name, true)
	if err != nil {
		return 0, err
	}
	return int(h.Waiting), nil
}

// Push appends or prepends bytes to name's queue and signals a waiter
// if one is present, via the queue's real shared wait semaphore.
func (r *Registry) Push(name string, payload []byte, mode Mode) error {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	if mode != FIFO && mode != LIFO {
		return ipc.ErrBadPriority
	}
	idx, h, err := r.resolve(name, true)
	if err != nil {
		return err
	}

	off, err := r.anchor.Manager.Allocate(segment.QueuePool, wireItemSize+len(payload))
	if err != nil {
		return fmt.Errorf("queue: push: %w", ipc.ErrMemFail)
	}
	b := r.anchor.Manager.Pool(segment.QueuePool).Bytes()

	wi := wireItem{NextOff: -1, PayloadSize: int32(len(payload)), TimestampNS: nowStamp().UnixNano()}
	switch {
	case h.FirstOff == -1:
		h.FirstOff, h.LastOff = int32(off), int32(off)
	case mode == LIFO:
		wi.NextOff = h.FirstOff
		h.FirstOff = int32(off)
	default: // FIFO
		last := readWireItem(b, int(h.LastOff))
		last.NextOff = int32(off)
		writeWireItem(b, int(h.LastOff), last)
		h.LastOff = int32(off)
	}
	writeWireItem(b, off, wi)
	copy(b[off+wireItemSize:off+wireItemSize+len(payload)], payload)

	h.ItemCount++
	writeWireHeader(b, idx, h)

	if h.Waiting > 0 {
		sema.AttachWaitSem(int(h.WaitSemID)).Post()
	}
	return nil
}

// Pull dequeues the head item of name, blocking if empty and wait is
// WaitFlag. Returns the payload and its original push timestamp.
func (r *Registry) Pull(ctx context.Context, name string, wait Wait) ([]byte, time.Time, error) {
	if err := r.anchor.APISem.Acquire(ctx); err != nil {
		return nil, time.Time{}, err
	}

	idx, h, err := r.resolve(name, true)
	if err != nil {
		r.anchor.APISem.Release()
		return nil, time.Time{}, err
	}

	if h.FirstOff == -1 {
		if wait == NoWait {
			r.anchor.APISem.Release()
			return nil, time.Time{}, ipc.ErrEmpty
		}
		h.Waiting++
		h.WaitingPID = int32(os.Getpid())
		writeWireHeader(r.anchor.Manager.Pool(segment.QueuePool).Bytes(), idx, h)
		waitSemID := int(h.WaitSemID)
		r.anchor.APISem.Release()

		if err := sema.AttachWaitSem(waitSemID).Wait(ctx); err != nil {
			// Withdraw this waiter from the count before giving up.
			if r.anchor.APISem.Acquire(context.Background()) == nil {
				if idx, h, rerr := r.resolve(name, true); rerr == nil && h.Waiting > 0 {
					h.Waiting--
					writeWireHeader(r.anchor.Manager.Pool(segment.QueuePool).Bytes(), idx, h)
				}
				r.anchor.APISem.Release()
			}
			return nil, time.Time{}, err
		}

		if err := r.anchor.APISem.Acquire(ctx); err != nil {
			return nil, time.Time{}, err
		}
		// Re-resolve: another attached process may have pushed, pulled,
		// or the pool may have been compacted while we slept, moving
		// byte offsets.
		idx, h, err = r.resolve(name, true)
		if err != nil {
			r.anchor.APISem.Release()
			return nil, time.Time{}, err
		}
		h.Waiting--
	}
	defer r.anchor.APISem.Release()

	if h.FirstOff == -1 {
		writeWireHeader(r.anchor.Manager.Pool(segment.QueuePool).Bytes(), idx, h)
		return nil, time.Time{}, ipc.ErrEmpty
	}

	b := r.anchor.Manager.Pool(segment.QueuePool).Bytes()
	wi := readWireItem(b, int(h.FirstOff))
	payload := make([]byte, wi.PayloadSize)
	copy(payload, b[int(h.FirstOff)+wireItemSize:int(h.FirstOff)+wireItemSize+int(wi.PayloadSize)])
	ts := time.Unix(0, wi.TimestampNS)

	freedSize := wireItemSize + int(wi.PayloadSize)
	h.FirstOff = wi.NextOff
	if h.FirstOff == -1 {
		h.LastOff = -1
	}
	h.ItemCount--
	writeWireHeader(b, idx, h)

	_ = r.anchor.Manager.Free(segment.QueuePool, freedSize)
	r.checkPoolEmpty()

	return payload, ts, nil
}

// Detach reaps every queue resource owned by the exiting process: it
// clears any wait-state it left behind on queues it was blocked on, and
// removes its session queue.
func (r *Registry) Detach(pid int) {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p != nil {
		b := p.Bytes()
		for i := 0; i < maxQueueSlots; i++ {
			h := readWireHeader(b, i)
			if h.InUse != 0 && h.Waiting > 0 && int(h.WaitingPID) == pid {
				h.Waiting--
				h.WaitingPID = 0
				writeWireHeader(b, i, h)
				sema.AttachWaitSem(int(h.WaitSemID)).Reset()
			}
		}
	}
	r.reapSession(sessionIDFor(pid))
	r.checkPoolEmpty()
}

// reapStaleSessions is an rxkernel addition: a staleness sweep invoked
// opportunistically from Query's resolve path too, reaping dead
// sessions outside explicit detach calls.
func (r *Registry) reapStaleSessions() {
	p := r.anchor.Manager.Pool(segment.QueuePool)
	if p == nil {
		return
	}
	b := p.Bytes()
	cur := sessionID()
	for i := 0; i < maxQueueSlots; i++ {
		h := readWireHeader(b, i)
		if h.InUse == 0 || h.Session == 0 {
			continue
		}
		sid := int(h.Session)
		if sid != cur && !ipc.IsAlive(sid) {
			r.freeItems(h)
			_ = sema.AttachWaitSem(int(h.WaitSemID)).Close()
			writeWireHeader(b, i, wireHeader{})
		}
	}
}

// reapSession drops the session queue keyed by sid (a process-group id,
// see sessionID).
func (r *Registry) reapSession(sid int) {
	idx, h, ok := r.findSessionSlot(sid)
	if !ok {
		return
	}
	r.freeItems(h)
	_ = sema.AttachWaitSem(int(h.WaitSemID)).Close()
	writeWireHeader(r.anchor.Manager.Pool(segment.QueuePool).Bytes(), idx, wireHeader{})
}

// CompactInto implements segment.Compactor for the QueuePool: it
// preserves the directory verbatim at offset 0, then copies every live
// item's wire header and payload into dst, relinking each queue's
// FirstOff/LastOff/NextOff chain to its new offsets.
func (r *Registry) CompactInto(dst []byte) int {
	src := r.anchor.Manager.Pool(segment.QueuePool).Bytes()
	copy(dst[:dirBytes], src[:dirBytes])
	used := dirBytes

	for i := 0; i < maxQueueSlots; i++ {
		h := readWireHeader(dst, i)
		if h.InUse == 0 {
			continue
		}
		newFirst, newLast := int32(-1), int32(-1)
		for off := h.FirstOff; off != -1; {
			wi := readWireItem(src, int(off))
			n := wireItemSize + int(wi.PayloadSize)
			newOff := used
			copy(dst[newOff:newOff+n], src[int(off):int(off)+n])
			writeWireItem(dst, newOff, wireItem{NextOff: -1, PayloadSize: wi.PayloadSize, TimestampNS: wi.TimestampNS})
			if newFirst == -1 {
				newFirst = int32(newOff)
			} else {
				prev := readWireItem(dst, int(newLast))
				prev.NextOff = int32(newOff)
				writeWireItem(dst, int(newLast), prev)
			}
			newLast = int32(newOff)
			used += n
			off = wi.NextOff
		}
		h.FirstOff, h.LastOff = newFirst, newLast
		writeWireHeader(dst, i, h)
	}
	return used
}

func nowStamp() time.Time { return timeNow() }

// timeNow is a variable so tests can stub it; production code always
// uses time.Now.
var timeNow = time.Now

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
