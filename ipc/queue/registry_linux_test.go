//go:build linux

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relang/rxkernel/ipc"
)

// Real cross-process attach only exists on the SysV backend, so this
// lives apart from registry_test.go's platform-agnostic cases. Both
// anchors share one RXHOME directory so they derive the same SysV
// keys, simulating two independent processes rather than testAnchor's
// usual one-anchor-per-dir isolation.
func TestSecondRegistryDiscoversFirstsQueue(t *testing.T) {
	t.Setenv("RXHOME", t.TempDir())

	a1, err := ipc.Attach()
	require.NoError(t, err)
	r1 := NewRegistry(a1)
	name, _, err := r1.Create("SHARED")
	require.NoError(t, err)
	require.NoError(t, r1.Push(name, []byte("payload"), FIFO))

	a2, err := ipc.Attach()
	require.NoError(t, err)
	r2 := NewRegistry(a2)

	n, err := r2.Query(name)
	require.NoError(t, err)
	require.Equal(t, 1, n, "a second Registry attached to the same anchor must see r1's push")

	got, _, err := r2.Pull(context.Background(), name, NoWait)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	n, err = r1.Query(name)
	require.NoError(t, err)
	require.Equal(t, 0, n, "r1 must observe r2's pull")
}

// A waiter blocked on r1 is woken by a push made through r2, proving
// the per-queue wait semaphore is a real shared kernel object and not
// process-local state.
func TestSecondRegistryWakesFirstsWaiter(t *testing.T) {
	t.Setenv("RXHOME", t.TempDir())

	a1, err := ipc.Attach()
	require.NoError(t, err)
	r1 := NewRegistry(a1)
	name, _, err := r1.Create("SHARED")
	require.NoError(t, err)

	a2, err := ipc.Attach()
	require.NoError(t, err)
	r2 := NewRegistry(a2)

	resultCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		got, _, err := r1.Pull(context.Background(), name, WaitFlag)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	require.Eventually(t, func() bool {
		n, err := r2.Waiting(name)
		return err == nil && n == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, r2.Push(name, []byte("woke"), FIFO))

	select {
	case got := <-resultCh:
		require.Equal(t, "woke", string(got))
	case err := <-errCh:
		t.Fatalf("pull failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("r1's waiter was never woken by r2's push")
	}
}
