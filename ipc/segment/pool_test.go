package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anchor")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	m, err := NewManager(path)
	require.NoError(t, err)
	return m
}

func TestAllocateGrowsMacroPoolInPlace(t *testing.T) {
	m := newTestManager(t)
	off1, err := m.Allocate(MacroPool, 100)
	require.NoError(t, err)
	require.Equal(t, 0, off1)

	big := standardSize // forces at least one enlarge
	off2, err := m.Allocate(MacroPool, big)
	require.NoError(t, err)
	require.Equal(t, 100, off2)

	p := m.Pool(MacroPool)
	require.GreaterOrEqual(t, p.Size(), standardSize+big)
	require.Equal(t, 100+big, p.Top())
}

func TestQueuePoolTracksUsedBytesSeparately(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Allocate(QueuePool, 50)
	require.NoError(t, err)
	p := m.Pool(QueuePool)
	require.Equal(t, 50, p.UsedBytes())
	require.Equal(t, 50, p.Top())

	require.NoError(t, m.Free(QueuePool, 50))
	require.Equal(t, 0, p.UsedBytes())
	// Free on QueuePool never physically compacts top.
	require.Equal(t, 50, p.Top())
}

func TestShrinkTopCompactsMacroPoolBytes(t *testing.T) {
	m := newTestManager(t)
	off1, err := m.Allocate(MacroPool, 10)
	require.NoError(t, err)
	off2, err := m.Allocate(MacroPool, 20)
	require.NoError(t, err)

	p := m.Pool(MacroPool)
	copy(p.Bytes()[off1:off1+10], []byte("0123456789"))
	copy(p.Bytes()[off2:off2+20], []byte("abcdefghijklmnopqrst"))

	require.NoError(t, m.ShrinkTop(MacroPool, off1, 10))
	require.NoError(t, m.Free(MacroPool, 10))

	require.Equal(t, []byte("abcdefghijklmnopqrst"), p.Bytes()[:20])
	require.Equal(t, 20, p.Top())
}

type fakeCompactor struct {
	liveData []byte
}

func (f *fakeCompactor) CompactInto(dst []byte) int {
	return copy(dst, f.liveData)
}

func TestRecompactSwapsPoolAndResetsAccounting(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Allocate(QueuePool, len("live-bytes"))
	require.NoError(t, err)

	fc := &fakeCompactor{liveData: []byte("live-bytes")}
	require.NoError(t, m.Recompact(QueuePool, standardSize, fc))

	p := m.Pool(QueuePool)
	require.Equal(t, len("live-bytes"), p.Top())
	require.Equal(t, len("live-bytes"), p.UsedBytes())
	require.Equal(t, []byte("live-bytes"), p.Bytes()[:len("live-bytes")])
}

func TestRecompactRejectsUsedBytesMismatch(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Allocate(QueuePool, 1000)
	require.NoError(t, err)

	fc := &fakeCompactor{liveData: []byte("live-bytes")} // != tracked 1000
	err = m.Recompact(QueuePool, standardSize, fc)
	require.ErrorIs(t, err, ErrLogicError)

	// The mismatch must not have swapped the pool in.
	p := m.Pool(QueuePool)
	require.Equal(t, 1000, p.UsedBytes())
}

func TestReleaseRemovesPool(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Allocate(MacroPool, 16)
	require.NoError(t, err)
	require.NotNil(t, m.Pool(MacroPool))

	require.NoError(t, m.Release(MacroPool))
	require.Nil(t, m.Pool(MacroPool))
}

