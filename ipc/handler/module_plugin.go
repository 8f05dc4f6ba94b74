//go:build linux || darwin

package handler

import (
	"plugin"

	"github.com/relang/rxkernel/ipc"
)

// moduleHandle is the platform-specific "module handle" field of a
// Handler Block. Go's own plugin package is the idiomatic stand-in for
// a dlopen/LoadLibrary call, available on the platforms it supports.
type moduleHandle = *plugin.Plugin

func loadModule(path string) (moduleHandle, error) {
	h, err := plugin.Open(path)
	if err != nil {
		return nil, ipc.ErrLoadError
	}
	return h, nil
}

func resolveEntry(h moduleHandle, procName string) (EntryFunc, error) {
	sym, err := h.Lookup(procName)
	if err != nil {
		return nil, ipc.ErrEntryNotFound
	}
	if fn, ok := sym.(func([]byte) ([]byte, error)); ok {
		return fn, nil
	}
	if fnp, ok := sym.(*func([]byte) ([]byte, error)); ok {
		return *fnp, nil
	}
	return nil, ipc.ErrEntryNotFound
}

func zeroHandle() moduleHandle { return nil }

func closeModule(h moduleHandle) {
	// plugin.Plugin has no Close; module handles are process-lifetime
	// in Go's model, so closeModule is a bookkeeping no-op kept only so
	// Registry's cleanup dedup ring has a symmetric call site.
	_ = h
}
