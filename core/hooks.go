package cryptstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryptstrap/cryptstrap/core/system"
	"github.com/cryptstrap/cryptstrap/core/util"
)

// Hook is a deferred post-install action. Hooks run strictly in
// registration order once the base system exists; any hook failure aborts
// the pipeline.
type Hook struct {
	Name string
	Run  func(run *PipelineRun) error
}

func (run *PipelineRun) RegisterHook(name string, fn func(run *PipelineRun) error) {
	run.hooks = append(run.hooks, Hook{Name: name, Run: fn})
}

func (run *PipelineRun) runHooks() error {
	for _, hook := range run.hooks {
		run.log.WithField("hook", hook.Name).Info("running post-installation hook")
		if err := hook.Run(run); err != nil {
			return fmt.Errorf("post-installation hook %s failed: %s", hook.Name, err)
		}
	}

	return nil
}

// RegisterDefaultHooks queues the standard post-install sequence: user
// creation, network setup, AUR helper bootstrap and, if configured, the
// desktop profile.
func RegisterDefaultHooks(run *PipelineRun, userPassword string) {
	run.RegisterHook("create-user", func(r *PipelineRun) error {
		return createUserHook(r, userPassword)
	})
	run.RegisterHook("setup-network", setupNetworkHook)
	run.RegisterHook("aur-helper", aurHelperHook)
	if run.Config.Desktop != nil {
		run.RegisterHook("desktop-profile", desktopProfileHook)
	}
}

func createUserHook(run *PipelineRun, password string) error {
	if err := system.AddUser(run.Target, run.Config.User, password, []string{"wheel"}); err != nil {
		return err
	}

	return system.EnableWheelSudo(run.Target)
}

func setupNetworkHook(run *PipelineRun) error {
	if err := pacstrap(run.Target, "networkmanager", "systemd-resolved"); err != nil {
		return err
	}

	if err := system.EnableServices(run.Target, "NetworkManager", "systemd-resolved"); err != nil {
		return err
	}

	// Point libc resolution at the systemd-resolved stub.
	stubCmd := "ln -sf /run/systemd/resolve/stub-resolv.conf /etc/resolv.conf"
	if err := util.RunInChroot(run.Target, stubCmd); err != nil {
		return fmt.Errorf("failed to link resolv.conf stub: %s", err)
	}

	confDir := filepath.Join(run.Target, "etc/NetworkManager/conf.d")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return fmt.Errorf("failed to create NetworkManager conf.d: %s", err)
	}

	dnsConf := "[main]\ndns=systemd-resolved\n"
	if err := os.WriteFile(filepath.Join(confDir, "dns.conf"), []byte(dnsConf), 0o644); err != nil {
		return fmt.Errorf("failed to write NetworkManager DNS config: %s", err)
	}

	return nil
}

const aurBuildDir = "/tmp/paru"

// aurHelperHook builds and installs the paru AUR helper from a scratch
// clone inside the target. The build directory is removed even when the
// build fails.
func aurHelperHook(run *PipelineRun) error {
	if err := pacstrap(run.Target, "git"); err != nil {
		return err
	}

	defer func() {
		cleanupCmd := fmt.Sprintf("rm -rf %s", aurBuildDir)
		if err := util.RunInChroot(run.Target, cleanupCmd); err != nil {
			run.log.Warnf("failed to remove AUR build directory: %s", err)
		}
	}()

	buildCmd := fmt.Sprintf(
		"git clone https://aur.archlinux.org/paru.git %s && cd %s && makepkg -si --noconfirm",
		aurBuildDir, aurBuildDir)
	if err := util.RunInChroot(run.Target, buildCmd); err != nil {
		return fmt.Errorf("failed to build AUR helper: %s", err)
	}

	return nil
}

// desktopProfileHook installs the configured desktop packages, enables
// the display manager and optionally configures console autologin for
// the primary user.
func desktopProfileHook(run *PipelineRun) error {
	desktop := run.Config.Desktop

	if err := pacstrap(run.Target, desktop.Packages...); err != nil {
		return err
	}

	if desktop.DisplayManager != "" {
		if err := system.EnableServices(run.Target, desktop.DisplayManager); err != nil {
			return err
		}
	}

	if desktop.Autologin {
		dropinDir := filepath.Join(run.Target, "etc/systemd/system/getty@tty1.service.d")
		if err := os.MkdirAll(dropinDir, 0o755); err != nil {
			return fmt.Errorf("failed to create getty drop-in directory: %s", err)
		}

		var dropin strings.Builder
		dropin.WriteString("[Service]\n")
		dropin.WriteString("ExecStart=\n")
		fmt.Fprintf(&dropin, "ExecStart=-/sbin/agetty --autologin %s --noclear %%I $TERM\n", run.Config.User)

		dropinPath := filepath.Join(dropinDir, "autologin.conf")
		if err := os.WriteFile(dropinPath, []byte(dropin.String()), 0o644); err != nil {
			return fmt.Errorf("failed to write autologin drop-in: %s", err)
		}
	}

	return nil
}
