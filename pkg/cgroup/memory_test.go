package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeControllers(t *testing.T, base, controllers, subtree string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(base, controllersFile), []byte(controllers), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, subtreeControlFile), []byte(subtree), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryCheck(t *testing.T) {
	tests := []struct {
		name        string
		controllers string
		subtree     string
		wantErr     error
	}{
		{
			name:        "enabled",
			controllers: "cpuset cpu io memory hugetlb pids rdma misc\n",
			subtree:     "cpu io memory pids\n",
		},
		{
			name:        "unavailable",
			controllers: "cpuset cpu io pids\n",
			subtree:     "cpu io pids\n",
			wantErr:     ErrControllerUnavailable,
		},
		{
			name:        "not delegated",
			controllers: "cpu io memory pids\n",
			subtree:     "cpu pids\n",
			wantErr:     ErrControllerNotDelegated,
		},
		{
			name:        "empty subtree",
			controllers: "memory\n",
			subtree:     "",
			wantErr:     ErrControllerNotDelegated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			writeControllers(t, base, tt.controllers, tt.subtree)
			err := CheckControllers(base)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMemoryCheckMissingFiles(t *testing.T) {
	base := t.TempDir()
	err := Memory.Check(base)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// 没有创建任何目录
	entries, err := os.ReadDir(base)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryEnable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, subtreeControlFile), nil, 0644); err != nil {
		t.Fatal(err)
	}
	h, err := openHandle(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	assert.NoError(t, Memory.Enable(h))
	body, err := os.ReadFile(filepath.Join(dir, subtreeControlFile))
	assert.NoError(t, err)
	assert.Equal(t, "+memory", string(body))
}

func TestParsePeak(t *testing.T) {
	peak, err := parsePeak([]byte("0\n"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), peak)

	peak, err = parsePeak([]byte("18446744073709551615\n"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), peak)

	_, err = parsePeak([]byte("\n"))
	assert.Error(t, err)
}
