//go:build !(linux || darwin)

package handler

import "github.com/relang/rxkernel/ipc"

// moduleHandle has no portable dynamic-loading primitive outside
// linux/darwin's plugin package support; module-backed registration
// always fails LoadError on these platforms.
type moduleHandle = struct{}

func loadModule(path string) (moduleHandle, error) {
	return moduleHandle{}, ipc.ErrLoadError
}

func resolveEntry(h moduleHandle, procName string) (EntryFunc, error) {
	return nil, ipc.ErrEntryNotFound
}

func closeModule(h moduleHandle) {}

func zeroHandle() moduleHandle { return moduleHandle{} }
