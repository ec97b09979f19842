package luks

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptstrap/cryptstrap/core/util"
)

type fakeRunner struct {
	commands []string
	failOn   []string
	exitCode int
}

func (f *fakeRunner) fail(cmd string) error {
	for _, substr := range f.failOn {
		if strings.Contains(cmd, substr) {
			code := f.exitCode
			if code == 0 {
				code = 1
			}
			return &util.ExitError{Code: code, Stderr: "injected failure"}
		}
	}
	return nil
}

func (f *fakeRunner) Run(cmd string, envVars ...string) error {
	f.commands = append(f.commands, cmd)
	return f.fail(cmd)
}

func (f *fakeRunner) Output(cmd string) (string, error) {
	f.commands = append(f.commands, cmd)
	return "", f.fail(cmd)
}

func (f *fakeRunner) RunInChroot(root, cmd string) error {
	full := fmt.Sprintf("chroot %s %s", root, cmd)
	f.commands = append(f.commands, full)
	return f.fail(full)
}

type fakePartition struct{ path string }

func (p fakePartition) GetPath() string { return p.path }

func useFakeRunner(t *testing.T, f *fakeRunner) {
	t.Helper()
	restore := util.SetRunner(f)
	t.Cleanup(restore)
}

func TestFormat(t *testing.T) {
	f := &fakeRunner{}
	useFakeRunner(t, f)

	v, err := Format(fakePartition{"/dev/sda2"}, "/key/key", "cryptroot")
	require.NoError(t, err)

	assert.Contains(t, f.commands, "cryptsetup -q luksFormat /dev/sda2 /key/key --label cryptroot")
	assert.Equal(t, "/dev/mapper/cryptroot", v.MapperPath())
	assert.False(t, v.IsUnlocked())
}

func TestFormatUnreadableKeyFile(t *testing.T) {
	f := &fakeRunner{failOn: []string{"test -r"}}
	useFakeRunner(t, f)

	_, err := Format(fakePartition{"/dev/sda2"}, "/key/key", "cryptroot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not readable")

	// The format command must not have run without a usable key.
	for _, cmd := range f.commands {
		assert.NotContains(t, cmd, "luksFormat")
	}
}

func TestUnlockAndLock(t *testing.T) {
	f := &fakeRunner{}
	useFakeRunner(t, f)

	v, err := Format(fakePartition{"/dev/sda2"}, "/key/key", "cryptroot")
	require.NoError(t, err)

	mapper, err := v.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/cryptroot", mapper)
	assert.True(t, v.IsUnlocked())
	assert.Contains(t, f.commands, "cryptsetup open --key-file /key/key /dev/sda2 cryptroot")

	// Unlocking twice is an error.
	_, err = v.Unlock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already unlocked")

	require.NoError(t, v.Lock())
	assert.False(t, v.IsUnlocked())
	assert.Contains(t, f.commands, "cryptsetup close cryptroot")
}

func TestLockWhileLocked(t *testing.T) {
	f := &fakeRunner{}
	useFakeRunner(t, f)

	v := &Volume{Partition: fakePartition{"/dev/sda2"}, KeyFile: "/key/key", Label: "cryptroot"}
	require.Error(t, v.Lock())
}

func TestLockBusyMapping(t *testing.T) {
	f := &fakeRunner{failOn: []string{"cryptsetup close"}}
	useFakeRunner(t, f)

	v := &Volume{Partition: fakePartition{"/dev/sda2"}, KeyFile: "/key/key", Label: "cryptroot"}
	_, err := v.Unlock()
	require.NoError(t, err)

	err = v.Lock()
	require.Error(t, err)
	assert.True(t, v.IsUnlocked(), "a failed close must leave the volume unlocked")
}

func TestIsLuks(t *testing.T) {
	f := &fakeRunner{}
	useFakeRunner(t, f)

	isLuks, err := IsLuks(fakePartition{"/dev/sda2"})
	require.NoError(t, err)
	assert.True(t, isLuks)
}

func TestIsLuksPlainPartition(t *testing.T) {
	f := &fakeRunner{failOn: []string{"isLuks"}, exitCode: 1}
	useFakeRunner(t, f)

	isLuks, err := IsLuks(fakePartition{"/dev/sda1"})
	require.NoError(t, err)
	assert.False(t, isLuks)
}

func TestIsLuksToolFailure(t *testing.T) {
	f := &fakeRunner{failOn: []string{"isLuks"}, exitCode: 4}
	useFakeRunner(t, f)

	_, err := IsLuks(fakePartition{"/dev/sda1"})
	require.Error(t, err)
}
