package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relang/rxkernel/ipc"
)

func testAnchor(t *testing.T) *ipc.Anchor {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RXHOME", dir)
	a, err := ipc.Attach()
	require.NoError(t, err)
	return a
}

func TestCreateRejectsBadNameAndReservedSession(t *testing.T) {
	r := NewRegistry(testAnchor(t))

	_, _, err := r.Create("bad name!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!")
	require.ErrorIs(t, err, ipc.ErrBadName)

	_, _, err = r.Create("session")
	require.ErrorIs(t, err, ipc.ErrBadName)
}

func TestCreateDetectsDuplicateAndSynthesizes(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	name, dup, err := r.Create("Q")
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "Q", name)

	name2, dup2, err := r.Create("Q")
	require.NoError(t, err)
	require.True(t, dup2)
	require.NotEqual(t, "Q", name2)
}

// Pushed items are pulled back out in FIFO order.
func TestQueueFIFOOrder(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	_, _, err := r.Create("Q")
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, r.Push("Q", []byte(v), FIFO))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, _, err := r.Pull(context.Background(), "Q", NoWait)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

// Pushed items are pulled back out in LIFO order.
func TestQueueLIFOOrder(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	_, _, err := r.Create("Q")
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, r.Push("Q", []byte(v), LIFO))
	}
	for _, want := range []string{"c", "b", "a"} {
		got, _, err := r.Pull(context.Background(), "Q", NoWait)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestPullNoWaitOnEmptyQueueReturnsEmpty(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	_, _, err := r.Create("Q")
	require.NoError(t, err)

	_, _, err = r.Pull(context.Background(), "Q", NoWait)
	require.ErrorIs(t, err, ipc.ErrEmpty)
}

// A waiting Pull is unblocked by a later Push.
func TestPullWaitUnblocksOnPush(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	_, _, err := r.Create("Q")
	require.NoError(t, err)

	resultCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		got, _, err := r.Pull(context.Background(), "Q", WaitFlag)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	require.Eventually(t, func() bool {
		n, err := r.Waiting("Q")
		return err == nil && n == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, r.Push("Q", []byte("x"), FIFO))

	select {
	case got := <-resultCh:
		require.Equal(t, "x", string(got))
	case err := <-errCh:
		t.Fatalf("pull failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("pull never unblocked")
	}
}

func TestDeleteFailsBusyWhileWaiterPresent(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	_, _, err := r.Create("Q")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _, _ = r.Pull(context.Background(), "Q", WaitFlag)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := r.Waiting("Q")
		return err == nil && n == 1
	}, time.Second, 2*time.Millisecond)

	err = r.Delete("Q")
	require.ErrorIs(t, err, ipc.ErrBusy)

	require.NoError(t, r.Push("Q", []byte("release"), FIFO))
	<-done
}

func TestSessionQueueCreatedOnFirstQuery(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	n, err := r.Query("SESSION")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, r.Push("session", []byte("hi"), FIFO))
	n, err = r.Query("Session")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDetachReapsSessionQueue(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Push("SESSION", []byte("x"), FIFO))
	n, _ := r.Query("SESSION")
	require.Equal(t, 1, n)

	r.Detach(os.Getpid())

	n, _ = r.Query("SESSION")
	require.Equal(t, 0, n, "Detach should have dropped the old session queue and a fresh one was created")
}

func TestMain(m *testing.M) {
	// ensure a writable $HOME fallback exists for any test that forgets
	// to set RXHOME, matching ipc.Attach's resolution order.
	if os.Getenv("HOME") == "" {
		_ = os.Setenv("HOME", filepath.Join(os.TempDir(), "rxkernel-test-home"))
	}
	os.Exit(m.Run())
}
