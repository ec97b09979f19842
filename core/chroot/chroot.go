package chroot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/cryptstrap/cryptstrap/core/util"
)

// Host filesystems the target needs to run package and boot tooling.
// efivars must come after /sys so the bind target exists.
var hostBinds = []string{"/proc", "/sys", "/sys/firmware/efi/efivars", "/dev", "/run"}

const resolvBackupSuffix = ".pre-install"

// Context represents a target root with the essential host filesystems
// bound into it and host DNS resolution installed. Commands run through
// the external chroot helper one at a time, so the calling process never
// changes its own root and stays usable for the unwind afterwards.
type Context struct {
	Root string

	binds      []string
	resolvData []byte
	exited     bool
}

// Enter binds proc, sys, efivars, dev and run from the host into root and
// copies the host resolv.conf into the target so network operations work
// inside. A partially established context is unwound before returning an
// error.
func Enter(root string) (*Context, error) {
	ctx := &Context{Root: root}

	for _, bind := range hostBinds {
		target := filepath.Join(root, bind)
		err := util.RunCommand(fmt.Sprintf("mount --bind %s %s", bind, target))
		if err != nil {
			ctx.Exit()
			return nil, fmt.Errorf("failed to bind %s into %s: %s", bind, root, err)
		}
		ctx.binds = append(ctx.binds, target)
	}

	if err := ctx.installResolvConf(); err != nil {
		ctx.Exit()
		return nil, err
	}

	return ctx, nil
}

// Run executes a command as if inside the installed system.
func (ctx *Context) Run(command string) error {
	return util.RunInChroot(ctx.Root, command)
}

// Exit unwinds the binds in reverse order and restores the target's
// resolv.conf. It runs its cleanup exactly once; failures are logged and
// do not stop the remaining unbinds. The first failure is returned.
func (ctx *Context) Exit() error {
	if ctx.exited {
		return nil
	}
	ctx.exited = true

	var firstErr error
	for i := len(ctx.binds) - 1; i >= 0; i-- {
		err := util.RunCommand(fmt.Sprintf("umount %s", ctx.binds[i]))
		if err != nil {
			logrus.Warnf("failed to unbind %s: %s", ctx.binds[i], err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to unbind %s: %s", ctx.binds[i], err)
			}
		}
	}

	if err := ctx.restoreResolvConf(); err != nil {
		logrus.Warnf("failed to restore resolv.conf: %s", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (ctx *Context) installResolvConf() error {
	hostConf, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			// No host DNS config to propagate.
			return nil
		}
		return fmt.Errorf("failed to read host resolv.conf: %s", err)
	}

	target := filepath.Join(ctx.Root, "etc/resolv.conf")
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, target+resolvBackupSuffix); err != nil {
			return fmt.Errorf("failed to back up target resolv.conf: %s", err)
		}
	}

	if err := os.WriteFile(target, hostConf, 0o644); err != nil {
		return fmt.Errorf("failed to install resolv.conf into target: %s", err)
	}

	ctx.resolvData = hostConf
	return nil
}

// restoreResolvConf removes the copy installed by Enter. If a post-install
// step replaced the file (e.g. with a symlink to a resolver stub), the
// replacement is kept and only the backup is discarded.
func (ctx *Context) restoreResolvConf() error {
	if ctx.resolvData == nil {
		return nil
	}

	target := filepath.Join(ctx.Root, "etc/resolv.conf")
	backup := target + resolvBackupSuffix

	fi, err := os.Lstat(target)
	if err == nil && fi.Mode().IsRegular() {
		current, readErr := os.ReadFile(target)
		if readErr == nil && bytes.Equal(current, ctx.resolvData) {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("failed to remove installed resolv.conf: %s", err)
			}
			if _, err := os.Lstat(backup); err == nil {
				if err := os.Rename(backup, target); err != nil {
					return fmt.Errorf("failed to restore original resolv.conf: %s", err)
				}
			}
			return nil
		}
	}

	// The file was replaced inside the chroot; drop the stale backup.
	if _, err := os.Lstat(backup); err == nil {
		if err := os.Remove(backup); err != nil {
			return fmt.Errorf("failed to remove resolv.conf backup: %s", err)
		}
	}
	return nil
}
