package procsvc

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitStatusFromCmdError_CleanExit(t *testing.T) {
	es := ExitStatusFromCmdError(nil)
	assert.True(t, es.DidExitClean())
	assert.False(t, es.WasSignalled())
}

func TestExitStatusFromCmdError_NonZero(t *testing.T) {
	cmd := exec.Command("false")
	err := cmd.Run()
	require.Error(t, err)

	es := ExitStatusFromCmdError(err)
	assert.True(t, es.DidExit())
	assert.False(t, es.DidExitClean())
	assert.Equal(t, 1, es.ExitCode())
}

func TestExitStatus_Signalled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	require.Error(t, err)

	es := ExitStatusFromCmdError(err)
	assert.True(t, es.WasSignalled())
}
