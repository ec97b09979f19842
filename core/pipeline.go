package cryptstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cryptstrap/cryptstrap/core/chroot"
	"github.com/cryptstrap/cryptstrap/core/disk"
	"github.com/cryptstrap/cryptstrap/core/disk/luks"
	"github.com/cryptstrap/cryptstrap/core/system"
	"github.com/cryptstrap/cryptstrap/core/util"
)

// DefaultTarget is where the root filesystem is mounted during
// installation.
const DefaultTarget = "/mnt"

var efiCheckPath = "/sys/firmware/efi/efivars"

const devicePollTimeout = 10 * time.Second

type release struct {
	name string
	fn   func() error
}

// PipelineRun drives one end-to-end installation. Every system-level
// resource acquired along the way (key media mount, unlocked volume,
// target mounts, chroot context) is pushed onto a release stack and
// unwound in reverse acquisition order when the run ends, however it
// ends.
type PipelineRun struct {
	ID     uuid.UUID
	Config *Config
	Disk   *disk.Disk

	// Target is the mountpoint for the root filesystem being installed.
	Target string

	// Vendor is the detected CPU vendor string, filled in by Run.
	Vendor string

	log      *logrus.Entry
	releases []release
	hooks    []Hook
}

func NewPipelineRun(cfg *Config, target *disk.Disk) *PipelineRun {
	id := uuid.New()
	return &PipelineRun{
		ID:     id,
		Config: cfg,
		Disk:   target,
		Target: DefaultTarget,
		log:    logrus.WithField("run_id", id),
	}
}

func (run *PipelineRun) pushRelease(name string, fn func() error) {
	run.releases = append(run.releases, release{name: name, fn: fn})
}

// unwind releases every acquired resource in reverse acquisition order.
// A failed release is logged and does not stop the remaining releases;
// the first failure is returned so a clean run still exits non-zero.
func (run *PipelineRun) unwind() error {
	var firstErr error
	for i := len(run.releases) - 1; i >= 0; i-- {
		rel := run.releases[i]
		run.log.Infof("releasing %s", rel.name)
		if err := rel.fn(); err != nil {
			run.log.Errorf("failed to release %s: %s", rel.name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to release %s: %s", rel.name, err)
			}
		}
	}
	run.releases = nil

	return firstErr
}

// verifyUEFI refuses to run outside a UEFI boot environment, before any
// destructive action.
func (run *PipelineRun) verifyUEFI() error {
	if _, err := os.Stat(efiCheckPath); err != nil {
		return fmt.Errorf("not a UEFI boot environment (%s is missing)", efiCheckPath)
	}

	return nil
}

// mountKeyMedia mounts the removable key media by label for the duration
// of the run. The mountpoint directory is created here and removed again
// on release, so the key never persists anywhere but its own media.
func (run *PipelineRun) mountKeyMedia() error {
	cfg := run.Config

	if err := util.RunCommand(fmt.Sprintf("mkdir -p %s", cfg.KeyMountpoint)); err != nil {
		return fmt.Errorf("failed to create key mountpoint %s: %s", cfg.KeyMountpoint, err)
	}

	mountCmd := "mount /dev/disk/by-label/%s %s"
	if err := util.RunCommand(fmt.Sprintf(mountCmd, cfg.KeyLabel, cfg.KeyMountpoint)); err != nil {
		return fmt.Errorf("failed to mount key media %s: %s", cfg.KeyLabel, err)
	}

	run.pushRelease("key media mount", func() error {
		if err := util.RunCommand(fmt.Sprintf("umount %s", cfg.KeyMountpoint)); err != nil {
			return fmt.Errorf("failed to unmount key media: %s", err)
		}
		util.RunBestEffort(fmt.Sprintf("rmdir %s", cfg.KeyMountpoint))
		return nil
	})

	return nil
}

// Run executes the installation pipeline: partition, encrypt, mount,
// bootstrap, configure, install the bootloader and run the registered
// post-install hooks. Acquired resources are always unwound before Run
// returns, on the success path too.
func (run *PipelineRun) Run() (err error) {
	cfg := run.Config

	if err := run.verifyUEFI(); err != nil {
		return err
	}

	vendor, vendorErr := CPUVendor()
	if vendorErr != nil {
		run.log.Warnf("could not detect CPU vendor: %s", vendorErr)
	}
	run.Vendor = vendor

	defer func() {
		if relErr := run.unwind(); err == nil {
			err = relErr
		}
	}()

	run.log.WithField("stage", "key-media").Info("mounting key media")
	if err := run.mountKeyMedia(); err != nil {
		return err
	}

	run.log.WithField("stage", "partition").Infof("partitioning %s", run.Disk.Path)
	boot, root, err := run.Disk.CreateInstallLayout()
	if err != nil {
		return err
	}

	run.log.WithField("stage", "encrypt").Infof("encrypting root partition %s", root.Path)
	volume, err := luks.Format(root, cfg.KeyFilePath(), system.RootMapperName)
	if err != nil {
		return err
	}
	root.Encrypted = true

	mapperPath, err := volume.Unlock()
	if err != nil {
		return err
	}
	run.pushRelease("encrypted root volume", volume.Lock)

	run.log.WithField("stage", "filesystems").Info("creating filesystems")
	rootFs := &disk.Partition{Path: mapperPath, Filesystem: disk.EXT4}
	if err := disk.MakeLabeledFs(rootFs, system.RootFilesystemLabel); err != nil {
		return err
	}
	if err := rootFs.WaitUntilAvailable(devicePollTimeout); err != nil {
		return err
	}

	rootMount, err := disk.Mount(mapperPath, run.Target)
	if err != nil {
		return err
	}
	run.pushRelease("root mount", rootMount.Unmount)

	boot.Filesystem = disk.FAT32
	if err := disk.MakeFs(boot); err != nil {
		return err
	}

	bootMount, err := disk.Mount(boot.Path, filepath.Join(run.Target, "boot"))
	if err != nil {
		return err
	}
	run.pushRelease("boot mount", bootMount.Unmount)

	if err := run.rankMirrors(); err != nil {
		return err
	}

	if err := run.bootstrapBase(); err != nil {
		return err
	}

	run.log.WithField("stage", "chroot").Info("entering target system")
	chrootCtx, err := chroot.Enter(run.Target)
	if err != nil {
		return err
	}
	run.pushRelease("chroot context", chrootCtx.Exit)

	run.log.WithField("stage", "configure").Info("applying system configuration")
	if err := run.applyConfiguration(); err != nil {
		return err
	}

	run.log.WithField("stage", "bootloader").Info("installing bootloader")
	microcode := MicrocodePackage(run.Vendor)
	if err := system.InstallBootloader(run.Target, cfg.KernelPackage, microcode, cfg.KeyLabel, cfg.KeyFile); err != nil {
		return err
	}

	if err := run.runHooks(); err != nil {
		return err
	}

	run.log.Info("installation pipeline finished")
	return nil
}

// applyConfiguration writes locale, hostname and clock settings into the
// target and regenerates the initramfs with the encrypted-root hooks.
func (run *PipelineRun) applyConfiguration() error {
	cfg := run.Config

	if err := system.AppendLocales(run.Target, cfg.Locales); err != nil {
		return err
	}
	if err := system.GenerateLocales(run.Target); err != nil {
		return err
	}
	if err := system.WriteLocaleConf(run.Target, cfg.LocaleVars); err != nil {
		return err
	}
	if err := system.ChangeHostname(run.Target, cfg.Hostname); err != nil {
		return err
	}
	if err := system.SetTimezone(run.Target, cfg.Timezone); err != nil {
		return err
	}
	if err := system.SyncHardwareClock(run.Target); err != nil {
		return err
	}
	if err := system.EnableNTP(run.Target); err != nil {
		return err
	}
	if err := system.TightenRootHome(run.Target); err != nil {
		return err
	}

	return system.RegenerateInitramfs(run.Target)
}
