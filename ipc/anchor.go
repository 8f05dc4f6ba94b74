package ipc

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/relang/rxkernel/internal/rxlog"
	"github.com/relang/rxkernel/ipc/segment"
	"github.com/relang/rxkernel/ipc/sema"
)

var anchorLog = rxlog.Named("ipc.anchor")

// anchorVersion tags the anchor filename so incompatible rxkernel
// versions never attach to each other's pools.
const anchorVersion = "rxkernel-1"

// Anchor is the process-local handle onto the cross-process registry
// singleton: the anchor file path, the Segment Manager that tracks the
// three pools, the global mutex semaphore, and the wait-semaphore slot
// bitmap. All registry functions take an
// *Anchor explicitly rather than reaching into package-level state.
type Anchor struct {
	Path    string
	Manager *segment.Manager
	APISem  *sema.APISem
	Slots   *sema.SlotAllocator
}

// Attach resolves the anchor file ($RXHOME, else $HOME, else /tmp, plus
// a version-tagged filename), verifies it exists with read+write
// permission, and returns a fresh process-local Anchor wired to a new
// Segment Manager and apiSem. Process-death cleanup is the caller's
// responsibility to register via NewCleanupHandler on the first
// attach.
func Attach() (*Anchor, error) {
	dir := resolveRXHome()
	path := filepath.Join(dir, ".rxkernel-"+anchorVersion+".anchor")

	if err := ensureAnchorFile(path); err != nil {
		return nil, errors.Wrap(ErrPermissionDenied, err.Error())
	}

	sem, err := sema.NewAPISem(path, IsAlive)
	if err != nil {
		return nil, errors.Wrap(err, "anchor: attach apiSem")
	}

	mgr, err := segment.NewManager(path)
	if err != nil {
		return nil, errors.Wrap(err, "anchor: attach segment manager")
	}

	a := &Anchor{
		Path:    path,
		Manager: mgr,
		APISem:  sem,
		Slots:   sema.NewSlotAllocator(48),
	}
	anchorLog.Infow("anchor attached", "path", path)
	return a, nil
}

func resolveRXHome() string {
	if v := os.Getenv("RXHOME"); v != "" {
		return v
	}
	if v := os.Getenv("HOME"); v != "" {
		return v
	}
	return os.TempDir()
}

// ensureAnchorFile verifies the anchor file exists with read+write
// permission for the user or group, creating it if absent, and probes
// the permission with an flock-based open/lock round trip: a permission
// failure here aborts startup.
func ensureAnchorFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, cerr := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o660)
		if cerr != nil {
			return cerr
		}
		_ = f.Close()
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return errors.Errorf("anchor file %s held exclusively by another process", path)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// Detach only logs the detach: it releases no resources, does not
// detach from the pools, and does not remove the anchor file, which is
// shared across processes.
func (a *Anchor) Detach(pid int) {
	anchorLog.Infow("anchor detached", "path", a.Path, "pid", pid)
}
