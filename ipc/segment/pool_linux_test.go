//go:build linux

package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Real cross-process attach only exists on the SysV backend, so this
// lives apart from pool_test.go's platform-agnostic cases.
func TestSecondManagerAttachesToSamePools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	m1, err := NewManager(path)
	require.NoError(t, err)
	off, err := m1.Allocate(MacroPool, 5)
	require.NoError(t, err)
	copy(m1.Pool(MacroPool).Bytes()[off:off+5], []byte("hello"))

	m2, err := NewManager(path)
	require.NoError(t, err)
	p2 := m2.Pool(MacroPool)
	require.NotNil(t, p2, "a second Manager attached to the same anchor path must see the first Manager's pool")
	require.Equal(t, []byte("hello"), p2.Bytes()[off:off+5])

	off2, err := m2.Allocate(QueuePool, 4)
	require.NoError(t, err)
	copy(m2.Pool(QueuePool).Bytes()[off2:off2+4], []byte("abcd"))
	require.Equal(t, []byte("abcd"), m1.Pool(QueuePool).Bytes()[off2:off2+4])
}
