package procsvc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env")
	content := "# a comment\n\nFOO=bar\nBAZ=qux=extra\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	vars, err := parseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux=extra"}, vars)
}

func TestParseEnvFile_MissingEquals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env")
	require.NoError(t, os.WriteFile(path, []byte("NOTVALID\n"), 0644))

	_, err := parseEnvFile(path)
	assert.Error(t, err)
}

func TestMergeEnv_OverrideWins(t *testing.T) {
	base := []string{"FOO=1", "BAR=2"}
	overrides := []string{"FOO=3", "BAZ=4"}

	merged := mergeEnv(base, overrides)
	assert.Equal(t, []string{"FOO=3", "BAR=2", "BAZ=4"}, merged)
}
