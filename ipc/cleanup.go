package ipc

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/relang/rxkernel/internal/rxlog"
)

var cleanupLog = rxlog.Named("ipc.cleanup")

// Detacher is implemented by each registry so the cleanup handler can
// release everything a dying process owned without importing queue/
// macro/handler directly.
type Detacher interface {
	Detach(pid int)
}

// CleanupHandler runs registered Detachers with this process's PID when
// the process receives SIGINT or SIGTERM, then exits with status 1. What
// is freed is whatever those Detachers free; the handler itself does not
// release apiSem or detach from the pools. It is safe to call Register from multiple
// goroutines and at any time before Stop.
type CleanupHandler struct {
	mu        sync.Mutex
	detachers []Detacher
	pid       int
	sigCh     chan os.Signal
	done      chan struct{}
}

// NewCleanupHandler installs a SIGINT/SIGTERM handler for the current
// process. Call Stop to uninstall it.
func NewCleanupHandler() *CleanupHandler {
	h := &CleanupHandler{
		pid:   os.Getpid(),
		sigCh: make(chan os.Signal, 1),
		done:  make(chan struct{}),
	}
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go h.run()
	return h
}

// Register adds d to the set of Detachers invoked on process death.
func (h *CleanupHandler) Register(d Detacher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachers = append(h.detachers, d)
}

func (h *CleanupHandler) run() {
	select {
	case sig := <-h.sigCh:
		cleanupLog.Infow("process signal received, running cleanup", "signal", sig.String(), "pid", h.pid)
		h.runDetachers()
		if sig == syscall.SIGINT {
			cleanupLog.Infow("halting on SIGINT", "pid", h.pid)
		}
		os.Exit(1)
	case <-h.done:
	}
}

func (h *CleanupHandler) runDetachers() {
	h.mu.Lock()
	ds := append([]Detacher(nil), h.detachers...)
	h.mu.Unlock()
	for _, d := range ds {
		d.Detach(h.pid)
	}
}

// Stop uninstalls the signal handler without running cleanup, for
// orderly shutdown paths that already detached explicitly.
func (h *CleanupHandler) Stop() {
	signal.Stop(h.sigCh)
	close(h.done)
}
