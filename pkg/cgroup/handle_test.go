package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleDirectoryOperations(t *testing.T) {
	dir := t.TempDir()
	h, err := openHandle(dir)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, dir, h.Path())
	assert.GreaterOrEqual(t, h.Fd(), 0)

	require.NoError(t, h.Mkdir(leafName, leafPerm))
	st, err := os.Stat(filepath.Join(dir, leafName))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	child, err := h.OpenChild(leafName)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, leafName), child.Path())

	// 子目录非空时不能删除
	require.NoError(t, os.WriteFile(filepath.Join(dir, leafName, procsFile), nil, 0644))
	assert.Error(t, h.Rmdir(leafName))
	require.NoError(t, os.Remove(filepath.Join(dir, leafName, procsFile)))

	require.NoError(t, child.Close())
	require.NoError(t, h.Rmdir(leafName))
	_, err = os.Stat(filepath.Join(dir, leafName))
	assert.True(t, os.IsNotExist(err))
}

func TestHandlePeakRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, peakFile), nil, 0644))
	h, err := openHandle(dir)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.WriteFile(peakFile, "0\n"))
	peak, err := h.ReadPeak()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), peak)
}

func TestHandleReadPeak(t *testing.T) {
	dir := t.TempDir()
	h, err := openHandle(dir)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.ReadPeak()
	assert.ErrorIs(t, err, ErrPeakUnavailable)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, peakFile), []byte("209715200\n"), 0644))
	peak, err := h.ReadPeak()
	require.NoError(t, err)
	assert.Equal(t, uint64(200<<20), peak)

	require.NoError(t, os.WriteFile(filepath.Join(dir, peakFile), []byte("max\n"), 0644))
	_, err = h.ReadPeak()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPeakUnavailable)
}

func TestHandleProcs(t *testing.T) {
	dir := t.TempDir()
	h, err := openHandle(dir)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, procsFile), nil, 0644))
	pids, err := h.Procs()
	require.NoError(t, err)
	assert.Empty(t, pids)

	require.NoError(t, os.WriteFile(filepath.Join(dir, procsFile), []byte("42\n4242\n"), 0644))
	pids, err = h.Procs()
	require.NoError(t, err)
	assert.Equal(t, []int{42, 4242}, pids)
}

func TestHandleClosed(t *testing.T) {
	h, err := openHandle(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, -1, h.Fd())

	assert.ErrorIs(t, h.Mkdir(leafName, leafPerm), ErrHandleClosed)
	assert.ErrorIs(t, h.WriteFile(subtreeControlFile, "+memory"), ErrHandleClosed)
	_, err = h.ReadPeak()
	assert.ErrorIs(t, err, ErrHandleClosed)

	var missing *Handle
	assert.Equal(t, -1, missing.Fd())
	assert.NoError(t, missing.Close())
	_, err = missing.Procs()
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestOpenHandleMissing(t *testing.T) {
	_, err := openHandle(filepath.Join(t.TempDir(), "missing"))
	var pathErr *os.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "open", pathErr.Op)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
