package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandExitError(t *testing.T) {
	err := RunCommand("exit 7")
	require.Error(t, err)
	assert.Equal(t, 7, ExitCode(err))
}

func TestRunCommandSuccess(t *testing.T) {
	require.NoError(t, RunCommand("true"))
}

func TestOutputCommand(t *testing.T) {
	out, err := OutputCommand("printf 'hello '; printf world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestExitCodeNonExitError(t *testing.T) {
	assert.Equal(t, -1, ExitCode(assert.AnError))
	assert.Equal(t, -1, ExitCode(nil))
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Code: 2, Stderr: "device is busy\n"}
	assert.Equal(t, "device is busy", err.Error())

	err = &ExitError{Code: 2}
	assert.Equal(t, "exit status 2", err.Error())
}

func TestSeparateDiskPart(t *testing.T) {
	cases := []struct {
		path, disk, part string
	}{
		{"/dev/sda1", "/dev/sda", "1"},
		{"/dev/sdb12", "/dev/sdb", "12"},
		{"/dev/nvme0n1p2", "/dev/nvme0n1", "2"},
	}

	for _, c := range cases {
		disk, part := SeparateDiskPart(c.path)
		assert.Equal(t, c.disk, disk, c.path)
		assert.Equal(t, c.part, part, c.path)
	}
}
