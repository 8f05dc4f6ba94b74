//go:build linux

package macro

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relang/rxkernel/ipc"
)

// Real cross-process attach only exists on the SysV backend, so this
// lives apart from registry_test.go's platform-agnostic cases. Both
// anchors share one RXHOME directory so they derive the same SysV
// keys, simulating two independent processes rather than testAnchor's
// usual one-anchor-per-dir isolation.
func TestSecondRegistryDiscoversFirstsMacro(t *testing.T) {
	t.Setenv("RXHOME", t.TempDir())

	a1, err := ipc.Attach()
	require.NoError(t, err)
	r1 := NewRegistry(a1)
	require.NoError(t, r1.Add("shared", []byte("from r1"), SearchAfter))

	a2, err := ipc.Attach()
	require.NoError(t, err)
	r2 := NewRegistry(a2)

	found, pos := r2.Query("shared")
	require.True(t, found, "a second Registry attached to the same anchor must see the first's registration")
	require.Equal(t, SearchAfter, pos)

	img, err := r2.Execute("shared")
	require.NoError(t, err)
	require.Equal(t, "from r1", string(img))

	require.NoError(t, r2.Drop("shared"))
	found, _ = r1.Query("shared")
	require.False(t, found, "r1 must observe r2's drop")
}
