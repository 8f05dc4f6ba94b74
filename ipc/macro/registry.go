// Package macro implements the Macro Registry: name -> tokenized-image
// registrations backed by the MacroPool, plus a bit-exact save/load
// file format.
package macro

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/relang/rxkernel/internal/rxlog"
	"github.com/relang/rxkernel/ipc"
	"github.com/relang/rxkernel/ipc/segment"
)

var log = rxlog.Named("ipc.macro")

// Position is the macro search-order flag.
type Position int

const (
	SearchBefore Position = 1
	SearchAfter  Position = 2
)

const maxNameLen = 63

// versionTag and signature are the bit-exact file header fields.
const (
	versionTag       = "REXXSAA 4.00"
	signature  uint32 = 0x0000DDD5
)

// layoutDescriptor is rxkernel's own addition: one byte appended after
// the documented, bit-exact region, naming the on-disk header layout
// version this writer used. A foreign reader that only understands the
// literal documented format never reads this far and is unaffected;
// rxkernel's own Load uses it to refuse a file written by an
// incompatible future header layout.
const layoutDescriptor byte = 1

// onDiskHeader is one macro header as written to a save file: a fixed,
// bit-exact record (H = binary.Size(onDiskHeader{})).
type onDiskHeader struct {
	Name        [64]byte
	ImageOffset uint32
	ImageSize   uint32
	Position    uint32
}

// maxMacroSlots bounds how many macros one Registry can track at once;
// the directory below is reserved at the front of MacroPool so every
// attached process can enumerate the same live registrations.
const maxMacroSlots = 256

// dirEntry is one macro's live bookkeeping as mirrored into MacroPool
// itself, the in-memory analog of onDiskHeader plus the fields an
// in-pool directory needs that a save file does not: InUse marks a
// free slot, and InsertSeq reconstructs "most recently added first"
// order for Save(nil) without a process-local linked list.
type dirEntry struct {
	Name        [64]byte
	InUse       uint32
	ImageOffset uint32
	ImageSize   uint32
	Position    uint32
	InsertSeq   uint32
}

const dirEntrySize = 64 + 4*5 // 84 bytes
const dirBytes = maxMacroSlots * dirEntrySize

func readDirEntry(b []byte, i int) dirEntry {
	off := i * dirEntrySize
	e := dirEntry{}
	copy(e.Name[:], b[off:off+64])
	e.InUse = binary.LittleEndian.Uint32(b[off+64 : off+68])
	e.ImageOffset = binary.LittleEndian.Uint32(b[off+68 : off+72])
	e.ImageSize = binary.LittleEndian.Uint32(b[off+72 : off+76])
	e.Position = binary.LittleEndian.Uint32(b[off+76 : off+80])
	e.InsertSeq = binary.LittleEndian.Uint32(b[off+80 : off+84])
	return e
}

func writeDirEntry(b []byte, i int, e dirEntry) {
	off := i * dirEntrySize
	var nameBuf [64]byte
	copy(nameBuf[:], e.Name[:])
	copy(b[off:off+64], nameBuf[:])
	binary.LittleEndian.PutUint32(b[off+64:off+68], e.InUse)
	binary.LittleEndian.PutUint32(b[off+68:off+72], e.ImageOffset)
	binary.LittleEndian.PutUint32(b[off+72:off+76], e.ImageSize)
	binary.LittleEndian.PutUint32(b[off+76:off+80], e.Position)
	binary.LittleEndian.PutUint32(b[off+80:off+84], e.InsertSeq)
}

// Registry is one process's attachment to the shared macro set. It
// keeps no registration state of its own: every operation reads and
// writes the directory living inside MacroPool, under APISem, so a
// second process attached to the same anchor observes every
// registration the first process makes.
type Registry struct {
	anchor *ipc.Anchor
}

// NewRegistry attaches a Macro Registry to anchor.
func NewRegistry(anchor *ipc.Anchor) *Registry {
	return &Registry{anchor: anchor}
}

func validateName(name string) (string, error) {
	up := strings.ToUpper(name)
	if up == "" || len(up) > maxNameLen {
		return "", ipc.ErrBadName
	}
	return up, nil
}

func validatePosition(p Position) error {
	if p != SearchBefore && p != SearchAfter {
		return ipc.ErrInvalidPosition
	}
	return nil
}

// ensureDirectory reserves the fixed directory region at the front of
// MacroPool the first time any process touches it. A later attacher
// sees MacroPool already non-empty and skips straight to scanning it.
func (r *Registry) ensureDirectory() ([]byte, error) {
	p := r.anchor.Manager.Pool(segment.MacroPool)
	if p == nil {
		off, err := r.anchor.Manager.Allocate(segment.MacroPool, dirBytes)
		if err != nil {
			return nil, fmt.Errorf("macro: reserve directory: %w", ipc.ErrNoStorage)
		}
		if off != 0 {
			return nil, errors.New("macro: directory must be the first allocation in a fresh MacroPool")
		}
		p = r.anchor.Manager.Pool(segment.MacroPool)
	}
	return p.Bytes(), nil
}

// findSlot scans the directory for up, returning its slot index and
// decoded entry. The pool may not exist yet if no process has ever
// added a macro.
func (r *Registry) findSlot(up string) (int, dirEntry, bool) {
	p := r.anchor.Manager.Pool(segment.MacroPool)
	if p == nil {
		return -1, dirEntry{}, false
	}
	b := p.Bytes()
	for i := 0; i < maxMacroSlots; i++ {
		e := readDirEntry(b, i)
		if e.InUse != 0 && cString(e.Name[:]) == up {
			return i, e, true
		}
	}
	return -1, dirEntry{}, false
}

// releaseImage removes dropped's image bytes from MacroPool: it slides
// every byte past the image down by its size (Manager.ShrinkTop), then
// walks the directory rewriting every other entry's ImageOffset that
// pointed past the removed image, exactly as ShrinkTop's contract
// requires of a caller that owns offset-based records.
func (r *Registry) releaseImage(droppedIdx int, dropped dirEntry) error {
	off, size := int(dropped.ImageOffset), int(dropped.ImageSize)
	if size == 0 {
		return nil
	}
	if err := r.anchor.Manager.ShrinkTop(segment.MacroPool, off, size); err != nil {
		return err
	}
	b := r.anchor.Manager.Pool(segment.MacroPool).Bytes()
	for i := 0; i < maxMacroSlots; i++ {
		if i == droppedIdx {
			continue
		}
		e := readDirEntry(b, i)
		if e.InUse != 0 && int(e.ImageOffset) > off {
			e.ImageOffset -= uint32(size)
			writeDirEntry(b, i, e)
		}
	}
	return r.anchor.Manager.Free(segment.MacroPool, size)
}

func (r *Registry) freeSlotAndNextSeq(b []byte) (int, uint32, error) {
	free := -1
	var maxSeq uint32
	for i := 0; i < maxMacroSlots; i++ {
		e := readDirEntry(b, i)
		if e.InUse == 0 {
			if free == -1 {
				free = i
			}
			continue
		}
		if e.InsertSeq > maxSeq {
			maxSeq = e.InsertSeq
		}
	}
	if free == -1 {
		return -1, 0, fmt.Errorf("macro: registry full: %w", ipc.ErrNoStorage)
	}
	return free, maxSeq + 1, nil
}

// Add installs or replaces name's image.
func (r *Registry) Add(name string, image []byte, position Position) error {
	up, err := validateName(name)
	if err != nil {
		return err
	}
	if err := validatePosition(position); err != nil {
		return err
	}

	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	b, err := r.ensureDirectory()
	if err != nil {
		return err
	}

	if idx, e, ok := r.findSlot(up); ok {
		if err := r.releaseImage(idx, e); err != nil {
			return err
		}
		off, err := r.anchor.Manager.Allocate(segment.MacroPool, len(image))
		if err != nil {
			return fmt.Errorf("macro: add: %w", ipc.ErrNoStorage)
		}
		b = r.anchor.Manager.Pool(segment.MacroPool).Bytes()
		copy(b[off:off+len(image)], image)
		e.ImageOffset, e.ImageSize, e.Position = uint32(off), uint32(len(image)), uint32(position)
		writeDirEntry(b, idx, e)
		log.Infow("macro replaced", "name", up)
		return nil
	}

	idx, seq, err := r.freeSlotAndNextSeq(b)
	if err != nil {
		return err
	}
	off, err := r.anchor.Manager.Allocate(segment.MacroPool, len(image))
	if err != nil {
		return fmt.Errorf("macro: add: %w", ipc.ErrNoStorage)
	}
	b = r.anchor.Manager.Pool(segment.MacroPool).Bytes()
	copy(b[off:off+len(image)], image)

	var e dirEntry
	copy(e.Name[:], up)
	e.InUse = 1
	e.ImageOffset = uint32(off)
	e.ImageSize = uint32(len(image))
	e.Position = uint32(position)
	e.InsertSeq = seq
	writeDirEntry(b, idx, e)
	log.Infow("macro added", "name", up, "bytes", len(image))
	return nil
}

// Drop removes name's registration.
func (r *Registry) Drop(name string) error {
	up, err := validateName(name)
	if err != nil {
		return err
	}

	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	idx, e, ok := r.findSlot(up)
	if !ok {
		return ipc.ErrNotFound
	}
	if err := r.releaseImage(idx, e); err != nil {
		return err
	}
	p := r.anchor.Manager.Pool(segment.MacroPool)
	if p != nil {
		writeDirEntry(p.Bytes(), idx, dirEntry{})
	}
	if r.empty() {
		return r.anchor.Manager.Release(segment.MacroPool)
	}
	return nil
}

func (r *Registry) empty() bool {
	p := r.anchor.Manager.Pool(segment.MacroPool)
	if p == nil {
		return true
	}
	b := p.Bytes()
	for i := 0; i < maxMacroSlots; i++ {
		if readDirEntry(b, i).InUse != 0 {
			return false
		}
	}
	return true
}

// Clear releases the entire MacroPool.
func (r *Registry) Clear() error {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()
	return r.anchor.Manager.Release(segment.MacroPool)
}

// Query reports whether name is registered and its position flag.
func (r *Registry) Query(name string) (found bool, position Position) {
	up, err := validateName(name)
	if err != nil {
		return false, 0
	}
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	_, e, ok := r.findSlot(up)
	if !ok {
		return false, 0
	}
	return true, Position(e.Position)
}

// Reorder mutates name's position flag.
func (r *Registry) Reorder(name string, position Position) error {
	up, err := validateName(name)
	if err != nil {
		return err
	}
	if err := validatePosition(position); err != nil {
		return err
	}

	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	idx, e, ok := r.findSlot(up)
	if !ok {
		return ipc.ErrNotFound
	}
	e.Position = uint32(position)
	writeDirEntry(r.anchor.Manager.Pool(segment.MacroPool).Bytes(), idx, e)
	return nil
}

// Execute returns a fresh copy of name's image.
func (r *Registry) Execute(name string) ([]byte, error) {
	up, err := validateName(name)
	if err != nil {
		return nil, err
	}

	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	_, e, ok := r.findSlot(up)
	if !ok {
		return nil, ipc.ErrNotFound
	}
	out := make([]byte, e.ImageSize)
	copy(out, r.anchor.Manager.Pool(segment.MacroPool).Bytes()[e.ImageOffset:e.ImageOffset+e.ImageSize])
	return out, nil
}

// Save writes names (or every registered macro, if names is nil) to
// file in a bit-exact format, plus rxkernel's own trailing layout
// descriptor byte. On any write failure the partial file is removed:
// corrupted save files are deleted.
func (r *Registry) Save(names []string, file string) (err error) {
	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	recs, err := r.selectRecords(names)
	if err != nil {
		return err
	}

	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "macro: save: create file")
	}
	defer func() {
		f.Close()
		if err != nil {
			_ = os.Remove(file)
		}
	}()

	if _, err = f.WriteString(versionTag); err != nil {
		return errors.Wrap(err, "macro: save: write version")
	}
	if err = binary.Write(f, binary.LittleEndian, signature); err != nil {
		return errors.Wrap(err, "macro: save: write signature")
	}
	if err = binary.Write(f, binary.LittleEndian, uint32(len(recs))); err != nil {
		return errors.Wrap(err, "macro: save: write count")
	}

	var imageOff uint32
	headers := make([]onDiskHeader, len(recs))
	for i, rec := range recs {
		var h onDiskHeader
		copy(h.Name[:], rec.Name[:])
		h.ImageOffset = imageOff
		h.ImageSize = rec.ImageSize
		h.Position = rec.Position
		headers[i] = h
		imageOff += h.ImageSize
	}
	if err = binary.Write(f, binary.LittleEndian, headers); err != nil {
		return errors.Wrap(err, "macro: save: write headers")
	}

	pool := r.anchor.Manager.Pool(segment.MacroPool)
	for _, rec := range recs {
		if _, err = f.Write(pool.Bytes()[rec.ImageOffset : rec.ImageOffset+rec.ImageSize]); err != nil {
			return errors.Wrap(err, "macro: save: write image")
		}
	}

	if _, err = f.Write([]byte{layoutDescriptor}); err != nil {
		return errors.Wrap(err, "macro: save: write descriptor")
	}
	log.Infow("macros saved", "file", file, "count", len(recs))
	return nil
}

// selectRecords returns names' directory entries (or every registered
// entry, most-recently-added first, if names is nil). Caller must
// already hold APISem.
func (r *Registry) selectRecords(names []string) ([]dirEntry, error) {
	p := r.anchor.Manager.Pool(segment.MacroPool)
	if names == nil {
		var out []dirEntry
		if p != nil {
			b := p.Bytes()
			for i := 0; i < maxMacroSlots; i++ {
				if e := readDirEntry(b, i); e.InUse != 0 {
					out = append(out, e)
				}
			}
		}
		sortByInsertSeqDesc(out)
		return out, nil
	}
	out := make([]dirEntry, 0, len(names))
	for _, n := range names {
		up, err := validateName(n)
		if err != nil {
			return nil, err
		}
		_, e, ok := r.findSlot(up)
		if !ok {
			return nil, ipc.ErrNotFound
		}
		out = append(out, e)
	}
	return out, nil
}

func sortByInsertSeqDesc(entries []dirEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].InsertSeq < entries[j].InsertSeq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Load reads names (or every macro in file, if names is nil) and
// registers them, following MacroSpace.cpp's two-pass structure: read
// every header first into a transient buffer, validate all requested
// names up front, then seek over skipped images and read only the
// requested ones. A file whose trailing layout descriptor names another
// layout is refused with ErrSignatureError. A failure before pass 2
// changes no state; a failure while storing images leaves the macros
// stored before it registered.
func (r *Registry) Load(names []string, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrap(err, "macro: load: open file")
	}
	defer f.Close()

	tagBuf := make([]byte, len(versionTag))
	if _, err := f.Read(tagBuf); err != nil || string(tagBuf) != versionTag {
		return ipc.ErrSignatureError
	}
	var sig uint32
	if err := binary.Read(f, binary.LittleEndian, &sig); err != nil || sig != signature {
		return ipc.ErrSignatureError
	}
	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return errors.Wrap(err, "macro: load: read count")
	}

	headers := make([]onDiskHeader, count)
	if err := binary.Read(f, binary.LittleEndian, headers); err != nil {
		return errors.Wrap(err, "macro: load: read headers")
	}

	r.anchor.APISem.Acquire(context.Background())
	defer r.anchor.APISem.Release()

	// Pass 1: validate before touching any live state.
	type want struct {
		header onDiskHeader
		name   string
	}
	var wants []want
	if names == nil {
		for _, h := range headers {
			name := cString(h.Name[:])
			if _, _, exists := r.findSlot(name); exists {
				return ipc.ErrAlreadyExists
			}
			wants = append(wants, want{h, name})
		}
	} else {
		for _, n := range names {
			up, err := validateName(n)
			if err != nil {
				return err
			}
			if _, _, exists := r.findSlot(up); exists {
				return ipc.ErrAlreadyExists
			}
			found := false
			for _, h := range headers {
				if cString(h.Name[:]) == up {
					wants = append(wants, want{h, up})
					found = true
					break
				}
			}
			if !found {
				return ipc.ErrSourceNotFound
			}
		}
	}

	imagesStart, err := f.Seek(0, 1)
	if err != nil {
		return errors.Wrap(err, "macro: load: tell")
	}
	var total int64
	for _, h := range headers {
		total += int64(h.ImageSize)
	}
	desc := make([]byte, 1)
	if n, _ := f.ReadAt(desc, imagesStart+total); n == 1 && desc[0] != layoutDescriptor {
		return ipc.ErrSignatureError
	}

	if _, err := r.ensureDirectory(); err != nil {
		return err
	}

	// Pass 2: seek to each wanted image (skipping the rest), read it
	// into a transient buffer, then allocate permanent storage.
	for _, w := range wants {
		buf := make([]byte, w.header.ImageSize)
		if _, err := f.Seek(imagesStart+int64(w.header.ImageOffset), 0); err != nil {
			return errors.Wrap(err, "macro: load: seek image")
		}
		if _, err := f.Read(buf); err != nil {
			return errors.Wrap(err, "macro: load: read image")
		}

		off, err := r.anchor.Manager.Allocate(segment.MacroPool, len(buf))
		if err != nil {
			return fmt.Errorf("macro: load: %w", ipc.ErrNoStorage)
		}
		b := r.anchor.Manager.Pool(segment.MacroPool).Bytes()
		copy(b[off:off+len(buf)], buf)

		idx, seq, err := r.freeSlotAndNextSeq(b)
		if err != nil {
			return err
		}
		var e dirEntry
		copy(e.Name[:], w.name)
		e.InUse = 1
		e.ImageOffset = uint32(off)
		e.ImageSize = uint32(len(buf))
		e.Position = w.header.Position
		e.InsertSeq = seq
		writeDirEntry(b, idx, e)
	}
	log.Infow("macros loaded", "file", file, "count", len(wants))
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
