package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKey_GeneratesOnceThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "daemon.pem")

	first, created, err := EnsureKey(path, 2048)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = os.Stat(filepath.Join(filepath.Dir(path), "daemon.pub.pem"))
	require.NoError(t, err)

	second, created, err := EnsureKey(path, 2048)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, first.Equal(second))
}

func TestEnsureKey_CorruptKeyIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, _, err := EnsureKey(path, 2048)
	require.Error(t, err)
}
