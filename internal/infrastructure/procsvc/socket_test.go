package procsvc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenActivationSocket_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activation.sock")
	cfg := Config{SocketPath: path, SocketUID: -1, SocketGID: -1}

	ln, err := openActivationSocket(cfg, nil)
	require.NoError(t, err)
	defer ln.Close()

	again, err := openActivationSocket(cfg, ln)
	require.NoError(t, err)
	assert.Same(t, ln, again)
}

func TestOpenActivationSocket_UnlinksStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activation.sock")

	cfg := Config{SocketPath: path, SocketUID: -1, SocketGID: -1}
	first, err := openActivationSocket(cfg, nil)
	require.NoError(t, err)
	first.Close()

	second, err := openActivationSocket(cfg, nil)
	require.NoError(t, err)
	defer second.Close()
}

func TestOpenActivationSocket_RefusesNonSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activation.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0644))

	cfg := Config{SocketPath: path, SocketUID: -1, SocketGID: -1}
	_, err := openActivationSocket(cfg, nil)
	assert.Error(t, err)
}

func TestCloseActivationSocket_RemovesPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activation.sock")
	cfg := Config{SocketPath: path, SocketUID: -1, SocketGID: -1}

	ln, err := openActivationSocket(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, closeActivationSocket(cfg, ln))
	_, statErr := os.Lstat(path)
	assert.True(t, os.IsNotExist(statErr))
}
