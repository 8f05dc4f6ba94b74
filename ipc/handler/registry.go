// Package handler implements the Handler Registry: three parallel
// chains (Subcommand, Exit, Function) of in-address and module-backed
// entry points, with master/copy promotion and process-exit cleanup.
package handler

import (
	"os"
	"strings"
	"sync"

	"github.com/relang/rxkernel/internal/rxlog"
	"github.com/relang/rxkernel/ipc"
)

var log = rxlog.Named("ipc.handler")

// Kind selects one of the three parallel handler chains.
type Kind int

const (
	Subcommand Kind = iota
	Exit
	Function
)

const maxNameLen = 63

// EntryFunc is the callable surface of a registered handler, standing
// in for a raw entry-address/procedure-pointer. Both in-address and
// module-resolved registrations expose this same signature.
type EntryFunc func(args []byte) ([]byte, error)

// record is one Handler Block. is-copy-flag and owner/session pid
// bookkeeping follow the master-vs-copy model.
type record struct {
	name         string
	kind         Kind
	moduleName   string
	procName     string
	fn           EntryFunc
	modHandle    moduleHandle
	hasModHandle bool
	ownerPID     int
	sessionPID   int
	isCopy       bool
	inAddress    bool // true: InProcess registration, never has a module
}

// Registry is one process's attachment to the shared handler set.
type Registry struct {
	mu     sync.Mutex
	chains [3][]*record

	// recentClosed is the fixed-size dedup ring for cleanup: closing the
	// last three handles seen to avoid double-close, a small fixed-size
	// cache rather than a general set.
	recentClosed [3]moduleHandle
	recentNext   int
}

// NewRegistry returns an empty Handler Registry. Unlike queue/macro, the
// handler chains hold EntryFunc values and *plugin.Plugin handles that
// cannot be marshaled into shared memory at all, so this registry stays
// pure process-local bookkeeping rather than a pool-resident directory
// (see DESIGN.md for why no Kind was ever allocated for it).
func NewRegistry() *Registry {
	return &Registry{}
}

func validateName(name string) (string, error) {
	up := strings.ToUpper(name)
	if up == "" || len(up) > maxNameLen {
		return "", ipc.ErrBadName
	}
	return up, nil
}

func validateKind(k Kind) error {
	if k != Subcommand && k != Exit && k != Function {
		return ipc.ErrBadType
	}
	return nil
}

// RegisterInProcess installs an InProcess (address-registered) handler:
// non-droppable by another process, deregistered automatically on this
// process's exit.
func (r *Registry) RegisterInProcess(kind Kind, name string, fn EntryFunc) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	up, err := validateName(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := os.Getpid()
	for _, rec := range r.chains[kind] {
		if rec.inAddress && rec.sessionPID == pid && rec.name == up {
			return ipc.ErrDuplicate
		}
	}
	rec := &record{name: up, kind: kind, fn: fn, ownerPID: pid, sessionPID: pid, isCopy: true, inAddress: true}
	r.chains[kind] = append(r.chains[kind], rec)
	log.Infow("handler registered in-process", "kind", kindName(kind), "name", up)
	return nil
}

// RegisterExternal installs or reuses a module-backed master record. A
// master's is-copy-flag is false; it is shared across processes and
// never truly removed by Drop.
func (r *Registry) RegisterExternal(kind Kind, name, moduleName, procName string) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	up, err := validateName(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.chains[kind] {
		if !rec.inAddress && !rec.isCopy && rec.name == up {
			if rec.ownerPID != 0 {
				return ipc.ErrDuplicate
			}
			// Freed-for-reuse master: reinitialize in place.
			rec.moduleName, rec.procName = moduleName, procName
			rec.ownerPID = os.Getpid()
			return nil
		}
	}
	rec := &record{name: up, kind: kind, moduleName: moduleName, procName: procName, ownerPID: os.Getpid()}
	r.chains[kind] = append(r.chains[kind], rec)
	log.Infow("handler master registered", "kind", kindName(kind), "name", up, "module", moduleName)
	return nil
}

// Lookup resolves name on kind's chain following an ordered policy:
// own-process in-address, then own-process module block, then
// promotion from any free master, then NotRegistered.
func (r *Registry) Lookup(kind Kind, name string) (EntryFunc, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	up, err := validateName(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := os.Getpid()

	for _, rec := range r.chains[kind] {
		if rec.inAddress && rec.sessionPID == pid && rec.name == up {
			return rec.fn, nil
		}
	}
	for _, rec := range r.chains[kind] {
		if !rec.inAddress && rec.isCopy && rec.sessionPID == pid && rec.name == up {
			return r.resolveFn(rec)
		}
	}
	for _, master := range r.chains[kind] {
		if master.inAddress || master.isCopy || master.name != up {
			continue
		}
		// Candidate master found; allocate the copy record, then recheck
		// the master is still live before linking it in, closing the
		// promotion race.
		copyRec := &record{
			name: up, kind: kind, moduleName: master.moduleName, procName: master.procName,
			ownerPID: master.ownerPID, sessionPID: pid, isCopy: true,
		}
		if master.ownerPID == 0 || master.name != up {
			continue // freed by a concurrent Drop between scan and allocation
		}
		if master.hasModHandle {
			copyRec.modHandle, copyRec.hasModHandle = master.modHandle, true
		}
		r.chains[kind] = append(r.chains[kind], copyRec)
		return r.resolveFn(copyRec)
	}
	return nil, ipc.ErrHandlerNotRegistered
}

// resolveFn returns rec's callable entry point, loading and caching the
// module on first use.
func (r *Registry) resolveFn(rec *record) (EntryFunc, error) {
	if rec.fn != nil {
		return rec.fn, nil
	}
	if !rec.hasModHandle {
		h, err := loadModule(rec.moduleName)
		if err != nil {
			r.unlink(rec)
			return nil, err
		}
		rec.modHandle, rec.hasModHandle = h, true
	}
	fn, err := resolveEntry(rec.modHandle, rec.procName)
	if err != nil {
		r.unlink(rec)
		return nil, err
	}
	rec.fn = fn
	return fn, nil
}

func (r *Registry) unlink(rec *record) {
	chain := r.chains[rec.kind]
	for i, o := range chain {
		if o == rec {
			r.chains[rec.kind] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

// Drop removes name's registration, or (for a master record) marks it
// free for reuse rather than removing it.
func (r *Registry) Drop(kind Kind, name string) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	up, err := validateName(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := os.Getpid()
	for _, rec := range r.chains[kind] {
		if rec.name != up {
			continue
		}
		if rec.inAddress || rec.isCopy {
			if rec.sessionPID != pid {
				return ipc.ErrNoCanDrop
			}
			r.unlink(rec)
			return nil
		}
		// Master record: free for reuse, never removed.
		rec.ownerPID, rec.sessionPID, rec.fn = 0, 0, nil
		rec.hasModHandle, rec.modHandle = false, zeroHandle()
		return nil
	}
	return ipc.ErrHandlerNotRegistered
}

// Detach runs process-exit cleanup for pid: closes module handles this
// process owned (deduplicating the last three seen), unlinks
// copy/in-address records it held, and frees master records it owned
// for reuse.
func (r *Registry) Detach(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind := range r.chains {
		var kept []*record
		for _, rec := range r.chains[kind] {
			if rec.ownerPID == pid && rec.hasModHandle {
				r.closeDeduped(rec.modHandle)
				rec.hasModHandle = false
			}
			switch {
			case rec.isCopy || rec.inAddress:
				if rec.sessionPID == pid || (rec.sessionPID != 0 && !ipc.IsAlive(rec.sessionPID)) {
					continue // unlink: drop from kept
				}
			case rec.ownerPID == pid || (rec.ownerPID != 0 && !ipc.IsAlive(rec.ownerPID)):
				// Master record this process (or its dead owner) held: free for reuse.
				rec.sessionPID, rec.ownerPID, rec.fn = 0, 0, nil
				rec.hasModHandle, rec.modHandle = false, zeroHandle()
			}
			kept = append(kept, rec)
		}
		r.chains[kind] = kept
	}
	log.Infow("handler chains cleaned for exiting process", "pid", pid)
}

func (r *Registry) closeDeduped(h moduleHandle) {
	for _, seen := range r.recentClosed {
		if seen == h {
			return
		}
	}
	closeModule(h)
	r.recentClosed[r.recentNext] = h
	r.recentNext = (r.recentNext + 1) % len(r.recentClosed)
}

func kindName(k Kind) string {
	switch k {
	case Subcommand:
		return "subcommand"
	case Exit:
		return "exit"
	case Function:
		return "function"
	default:
		return "unknown"
	}
}
