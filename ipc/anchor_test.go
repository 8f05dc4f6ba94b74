package ipc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachCreatesAnchorFileUnderRXHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RXHOME", dir)

	a, err := Attach()
	require.NoError(t, err)
	require.NotNil(t, a.Manager)
	require.NotNil(t, a.APISem)
	require.NotNil(t, a.Slots)

	require.Equal(t, dir, filepath.Dir(a.Path))
	_, statErr := os.Stat(a.Path)
	require.NoError(t, statErr)
}

func TestAttachReusesExistingAnchorFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RXHOME", dir)

	a1, err := Attach()
	require.NoError(t, err)

	a2, err := Attach()
	require.NoError(t, err)
	require.Equal(t, a1.Path, a2.Path)
}

func TestResolveRXHomeFallsBackToHomeThenTempDir(t *testing.T) {
	t.Setenv("RXHOME", "")
	t.Setenv("HOME", "")
	require.Equal(t, os.TempDir(), resolveRXHome())

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	require.Equal(t, dir, resolveRXHome())

	t.Setenv("RXHOME", filepath.Join(dir, "rx"))
	require.Equal(t, filepath.Join(dir, "rx"), resolveRXHome())
}

func TestAnchorDetachDoesNotRemoveFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RXHOME", dir)

	a, err := Attach()
	require.NoError(t, err)

	a.Detach(os.Getpid())

	_, statErr := os.Stat(a.Path)
	require.NoError(t, statErr)
}
