package handler

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relang/rxkernel/ipc"
)

func echoFn(in []byte) ([]byte, error) { return in, nil }

func TestRegisterInProcessAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterInProcess(Function, "echo", echoFn))

	fn, err := r.Lookup(Function, "ECHO")
	require.NoError(t, err)
	out, err := fn([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(out))
}

func TestRegisterInProcessDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterInProcess(Function, "echo", echoFn))
	require.ErrorIs(t, r.RegisterInProcess(Function, "echo", echoFn), ipc.ErrDuplicate)
}

func TestLookupUnregisteredFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(Subcommand, "nope")
	require.ErrorIs(t, err, ipc.ErrHandlerNotRegistered)
}

func TestLookupRejectsBadKindAndName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(Kind(99), "x")
	require.ErrorIs(t, err, ipc.ErrBadType)

	_, err = r.Lookup(Function, "")
	require.ErrorIs(t, err, ipc.ErrBadName)
}

func TestRegisterExternalDuplicateMasterRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterExternal(Subcommand, "ext", "mod.so", "Proc"))
	require.ErrorIs(t, r.RegisterExternal(Subcommand, "ext", "mod.so", "Proc"), ipc.ErrDuplicate)
}

// A module-backed master's Lookup fails cleanly when the module cannot be
// loaded, rather than registering a half-initialized copy.
func TestLookupExternalMasterLoadFailurePropagates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterExternal(Function, "ext", "/no/such/module.so", "Proc"))

	_, err := r.Lookup(Function, "ext")
	require.Error(t, err)
}

func TestDropInProcessOnlyByOwner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterInProcess(Function, "echo", echoFn))
	require.NoError(t, r.Drop(Function, "echo"))

	_, err := r.Lookup(Function, "echo")
	require.ErrorIs(t, err, ipc.ErrHandlerNotRegistered)
}

func TestDropUnregisteredFails(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.Drop(Function, "nope"), ipc.ErrHandlerNotRegistered)
}

func TestDropMasterFreesForReuseRatherThanRemoving(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterExternal(Subcommand, "ext", "mod.so", "Proc"))
	require.NoError(t, r.Drop(Subcommand, "ext"))

	// Freed master can be re-registered in place without ErrDuplicate.
	require.NoError(t, r.RegisterExternal(Subcommand, "ext", "mod2.so", "Proc2"))
}

func TestDetachRemovesInProcessAndFreesOwnedMaster(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterInProcess(Function, "echo", echoFn))
	require.NoError(t, r.RegisterExternal(Subcommand, "ext", "mod.so", "Proc"))

	r.Detach(os.Getpid())

	_, err := r.Lookup(Function, "echo")
	require.ErrorIs(t, err, ipc.ErrHandlerNotRegistered)

	// The master record itself survives Detach, freed for reuse rather
	// than removed (matches Drop's master policy).
	require.NoError(t, r.RegisterExternal(Subcommand, "ext", "mod2.so", "Proc2"))
}
