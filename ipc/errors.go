// Package ipc implements Core B of rxkernel: a cross-process shared-memory
// registry coordinating named/session message queues and macro/handler
// registrations across independent runtime instances on one host. See
// ipc/segment, ipc/sema, ipc/queue, ipc/macro, ipc/handler.
package ipc

import (
	"errors"

	"github.com/relang/rxkernel/ipc/segment"
)

// Segment Manager errors.
var (
	ErrOutOfMemory     = errors.New("ipc: out of memory")
	ErrSystemLimit     = errors.New("ipc: system resource limit reached")
	ErrPermissionDenied = errors.New("ipc: anchor file inaccessible")

	// ErrLogicError is segment.ErrLogicError re-exported here: callers
	// outside ipc/segment check errors.Is against the ipc package, not
	// its internal segment package.
	ErrLogicError = segment.ErrLogicError
)

// Queue Registry errors.
var (
	ErrBadName       = errors.New("ipc/queue: bad queue name")
	ErrNotRegistered = errors.New("ipc/queue: queue not registered")
	ErrBadPriority   = errors.New("ipc/queue: bad push mode")
	ErrBadWaitFlag   = errors.New("ipc/queue: bad wait flag")
	ErrEmpty         = errors.New("ipc/queue: queue empty")
	ErrBusy          = errors.New("ipc/queue: queue busy (waiter present)")
	ErrMemFail       = errors.New("ipc/queue: memory allocation failed")
)

// Macro Registry errors.
var (
	ErrNoStorage      = errors.New("ipc/macro: no storage")
	ErrNotFound       = errors.New("ipc/macro: not found")
	ErrAlreadyExists  = errors.New("ipc/macro: already exists")
	ErrFileError      = errors.New("ipc/macro: file error")
	ErrSignatureError = errors.New("ipc/macro: bad signature or version")
	ErrSourceNotFound = errors.New("ipc/macro: source name not found in file")
	ErrInvalidPosition = errors.New("ipc/macro: invalid position flag")
)

// Handler Registry errors.
var (
	ErrHandlerNotRegistered = errors.New("ipc/handler: not registered")
	ErrDuplicate            = errors.New("ipc/handler: duplicate registration")
	ErrBadType              = errors.New("ipc/handler: bad handler kind")
	ErrNoCanDrop            = errors.New("ipc/handler: caller may not drop this record")
	ErrModuleNotFound       = errors.New("ipc/handler: module not found")
	ErrEntryNotFound        = errors.New("ipc/handler: entry procedure not found")
	ErrLoadError            = errors.New("ipc/handler: module load failed")
	ErrNoMem                = errors.New("ipc/handler: out of handler storage")
)
