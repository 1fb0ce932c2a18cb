package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadProcStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	content := "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 50 0 25 400 25 0 0 0 0 0\nintr 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	idle, total, err := readProcStat(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(850), idle)
	assert.Equal(t, uint64(1000), total)
}

func TestReadProcStat_NoAggregateLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte("intr 1\n"), 0o644))
	_, _, err := readProcStat(path)
	require.Error(t, err)
}

func TestReadStorage_Root(t *testing.T) {
	u, err := readStorage("/")
	require.NoError(t, err)
	assert.Positive(t, u.total)
	assert.LessOrEqual(t, u.used, u.total)
}
