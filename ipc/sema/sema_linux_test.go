//go:build linux

package sema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Real cross-process attach only exists on the SysV backend.
func TestSecondAPISemAttachesToSameSemaphore(t *testing.T) {
	path := testAnchorPath(t)

	s1, err := NewAPISem(path, alwaysAlive)
	require.NoError(t, err)
	require.NoError(t, s1.Acquire(context.Background()))

	s2, err := NewAPISem(path, alwaysAlive)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, s2.Acquire(ctx), "s2 must see s1's held semaphore, not a fresh private one")

	s1.Release()
}

func TestAttachWaitSemSharesRealSemaphore(t *testing.T) {
	w1, err := NewWaitSem()
	require.NoError(t, err)
	defer w1.Close()

	w2 := AttachWaitSem(w1.ID())

	w1.Post()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w2.Wait(ctx), "w2 attached by id must observe w1's post")
}
