package macro

import (
	"os"
	"path/filepath"
	"testing"

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

func TestAddQueryDrop(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("greet", []byte("say hi"), SearchAfter))

	found, pos := r.Query("greet")
	require.True(t, found)
	require.Equal(t, SearchAfter, pos)

	img, err := r.Execute("GREET")
	require.NoError(t, err)
	require.Equal(t, "say hi", string(img))

	require.NoError(t, r.Drop("greet"))
	found, _ = r.Query("greet")
	require.False(t, found)

	_, err = r.Execute("greet")
	require.ErrorIs(t, err, ipc.ErrNotFound)
}

func TestAddReplacesExistingImage(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("m", []byte("v1"), SearchAfter))
	require.NoError(t, r.Add("m", []byte("version-two"), SearchBefore))

	found, pos := r.Query("m")
	require.True(t, found)
	require.Equal(t, SearchBefore, pos)

	img, err := r.Execute("m")
	require.NoError(t, err)
	require.Equal(t, "version-two", string(img))
}

func TestReorderChangesPositionOnly(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("m", []byte("x"), SearchAfter))
	require.NoError(t, r.Reorder("m", SearchBefore))

	found, pos := r.Query("m")
	require.True(t, found)
	require.Equal(t, SearchBefore, pos)

	require.ErrorIs(t, r.Reorder("missing", SearchAfter), ipc.ErrNotFound)
}

func TestClearRemovesAllAndReleasesPool(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("a", []byte("1"), SearchAfter))
	require.NoError(t, r.Add("b", []byte("2"), SearchAfter))

	require.NoError(t, r.Clear())

	found, _ := r.Query("a")
	require.False(t, found)
	found, _ = r.Query("b")
	require.False(t, found)
}

// Save followed by Load into a fresh registry reproduces the same
// registered set and images.
func TestSaveLoadRoundTrip(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("alpha", []byte("alpha-image"), SearchAfter))
	require.NoError(t, r.Add("beta", []byte("beta-image-longer"), SearchBefore))

	file := filepath.Join(t.TempDir(), "macros.dat")
	require.NoError(t, r.Save(nil, file))

	r2 := NewRegistry(testAnchor(t))
	require.NoError(t, r2.Load(nil, file))

	for _, tc := range []struct {
		name  string
		image string
		pos   Position
	}{
		{"ALPHA", "alpha-image", SearchAfter},
		{"BETA", "beta-image-longer", SearchBefore},
	} {
		found, pos := r2.Query(tc.name)
		require.True(t, found, tc.name)
		require.Equal(t, tc.pos, pos, tc.name)
		img, err := r2.Execute(tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.image, string(img))
	}
}

func TestLoadSelectiveNamesOnly(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("alpha", []byte("a-img"), SearchAfter))
	require.NoError(t, r.Add("beta", []byte("b-img"), SearchAfter))
	require.NoError(t, r.Add("gamma", []byte("g-img"), SearchAfter))

	file := filepath.Join(t.TempDir(), "macros.dat")
	require.NoError(t, r.Save(nil, file))

	r2 := NewRegistry(testAnchor(t))
	require.NoError(t, r2.Load([]string{"beta"}, file))

	found, _ := r2.Query("beta")
	require.True(t, found)
	found, _ = r2.Query("alpha")
	require.False(t, found)
	found, _ = r2.Query("gamma")
	require.False(t, found)
}

func TestLoadUnknownNameFails(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("alpha", []byte("a-img"), SearchAfter))

	file := filepath.Join(t.TempDir(), "macros.dat")
	require.NoError(t, r.Save(nil, file))

	r2 := NewRegistry(testAnchor(t))
	require.ErrorIs(t, r2.Load([]string{"nope"}, file), ipc.ErrSourceNotFound)
}

func TestLoadDuplicateNameFails(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("alpha", []byte("a-img"), SearchAfter))
	file := filepath.Join(t.TempDir(), "macros.dat")
	require.NoError(t, r.Save(nil, file))

	require.ErrorIs(t, r.Load(nil, file), ipc.ErrAlreadyExists)
}

func TestLoadRejectsCorruptedSignature(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.dat")
	require.NoError(t, os.WriteFile(file, []byte("not a macro file at all, too short"), 0o600))

	r := NewRegistry(testAnchor(t))
	require.ErrorIs(t, r.Load(nil, file), ipc.ErrSignatureError)
}

func TestSaveCreateFailureLeavesNoFile(t *testing.T) {
	r := NewRegistry(testAnchor(t))
	require.NoError(t, r.Add("alpha", []byte("a-img"), SearchAfter))

	dir := t.TempDir()
	// A directory path as the destination forces os.Create to fail only
	// after selectRecords succeeds, exercising the create-failure path
	// without ever leaving a partial file behind.
	err := r.Save(nil, dir)
	require.Error(t, err)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Empty(t, entries)
}
