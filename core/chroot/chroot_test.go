package chroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptstrap/cryptstrap/core/util"
)

type fakeRunner struct {
	commands []string
	failOn   []string
}

func (f *fakeRunner) fail(cmd string) error {
	for _, substr := range f.failOn {
		if strings.Contains(cmd, substr) {
			return &util.ExitError{Code: 1, Stderr: "injected failure"}
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

func newTargetRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	return root
}

func TestEnterRunExit(t *testing.T) {
	f := &fakeRunner{}
	restore := util.SetRunner(f)
	t.Cleanup(restore)

	root := newTargetRoot(t)
	ctx, err := Enter(root)
	require.NoError(t, err)

	wantBinds := []string{"/proc", "/sys", "/sys/firmware/efi/efivars", "/dev", "/run"}
	for i, bind := range wantBinds {
		assert.Equal(t, fmt.Sprintf("mount --bind %s %s", bind, filepath.Join(root, bind)), f.commands[i])
	}

	require.NoError(t, ctx.Run("pacman -Q"))
	assert.Contains(t, f.commands, fmt.Sprintf("chroot %s pacman -Q", root))

	mark := len(f.commands)
	require.NoError(t, ctx.Exit())

	// Binds unwind in reverse order.
	var unbinds []string
	for _, cmd := range f.commands[mark:] {
		if strings.HasPrefix(cmd, "umount ") {
			unbinds = append(unbinds, strings.TrimPrefix(cmd, "umount "))
		}
	}
	require.Len(t, unbinds, len(wantBinds))
	for i, bind := range wantBinds {
		assert.Equal(t, filepath.Join(root, bind), unbinds[len(wantBinds)-1-i])
	}

	// Exit runs its cleanup exactly once.
	mark = len(f.commands)
	require.NoError(t, ctx.Exit())
	assert.Equal(t, mark, len(f.commands))
}

func TestEnterInstallsResolvConf(t *testing.T) {
	hostConf, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		t.Skip("host has no resolv.conf")
	}

	f := &fakeRunner{}
	restore := util.SetRunner(f)
	t.Cleanup(restore)

	root := newTargetRoot(t)
	original := []byte("nameserver 127.0.0.53\n")
	target := filepath.Join(root, "etc/resolv.conf")
	require.NoError(t, os.WriteFile(target, original, 0o644))

	ctx, err := Enter(root)
	require.NoError(t, err)

	installed, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, hostConf, installed)

	require.NoError(t, ctx.Exit())

	// The pre-existing file comes back once the context is gone.
	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	_, err = os.Lstat(target + resolvBackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestExitKeepsReplacedResolvConf(t *testing.T) {
	if _, err := os.Stat("/etc/resolv.conf"); err != nil {
		t.Skip("host has no resolv.conf")
	}

	f := &fakeRunner{}
	restore := util.SetRunner(f)
	t.Cleanup(restore)

	root := newTargetRoot(t)
	ctx, err := Enter(root)
	require.NoError(t, err)

	// A post-install step replaces the file with a resolver stub symlink.
	target := filepath.Join(root, "etc/resolv.conf")
	require.NoError(t, os.Remove(target))
	require.NoError(t, os.Symlink("/run/systemd/resolve/stub-resolv.conf", target))

	require.NoError(t, ctx.Exit())

	fi, err := os.Lstat(target)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, fi.Mode()&os.ModeSymlink)
}

func TestEnterUnwindsPartialBinds(t *testing.T) {
	f := &fakeRunner{failOn: []string{"mount --bind /dev"}}
	restore := util.SetRunner(f)
	t.Cleanup(restore)

	root := newTargetRoot(t)
	_, err := Enter(root)
	require.Error(t, err)

	// The three successful binds are unwound, newest first.
	var unbinds []string
	for _, cmd := range f.commands {
		if strings.HasPrefix(cmd, "umount ") {
			unbinds = append(unbinds, strings.TrimPrefix(cmd, "umount "))
		}
	}
	require.Equal(t, []string{
		filepath.Join(root, "/sys/firmware/efi/efivars"),
		filepath.Join(root, "/sys"),
		filepath.Join(root, "/proc"),
	}, unbinds)
}
