package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryptstrap/cryptstrap/core/util"
)

// RootMapperName is both the LUKS label on the root partition and the
// device-mapper name it unlocks under. The boot entry below refers to the
// root by this label, so the three must stay in sync.
const RootMapperName = "cryptroot"

// RootFilesystemLabel is stamped on the ext4 filesystem inside the
// encrypted root volume.
const RootFilesystemLabel = "arch"

const bootEntryName = "arch"

// RenderLoaderConf produces the systemd-boot loader configuration:
// default to the generated entry, short timeout, no interactive editor.
func RenderLoaderConf() string {
	return fmt.Sprintf("default %s\ntimeout 3\neditor no\n", bootEntryName)
}

// RenderBootEntry produces the boot entry for the installed kernel. The
// kernel command line identifies the encrypted root by its LUKS label and
// points the unlock key at the key media's label and file path. Output is
// a pure function of its inputs; the boot firmware parses these bytes
// literally.
func RenderBootEntry(kernel, microcodePkg, keyLabel, keyFile string) string {
	var entry strings.Builder

	entry.WriteString("title Arch Linux\n")
	fmt.Fprintf(&entry, "linux /vmlinuz-%s\n", kernel)
	if microcodePkg != "" {
		fmt.Fprintf(&entry, "initrd /%s.img\n", microcodePkg)
	}
	fmt.Fprintf(&entry, "initrd /initramfs-%s.img\n", kernel)
	fmt.Fprintf(&entry,
		"options cryptdevice=LABEL=%s:%s cryptkey=LABEL=%s:vfat:%s root=/dev/mapper/%s rw\n",
		RootMapperName, RootMapperName, keyLabel, keyFile, RootMapperName)

	return entry.String()
}

// InstallBootloader installs systemd-boot into the target's EFI system
// partition and writes the loader and entry files.
func InstallBootloader(targetRoot, kernel, microcodePkg, keyLabel, keyFile string) error {
	err := util.RunInChroot(targetRoot, "bootctl --path=/boot install")
	if err != nil {
		return fmt.Errorf("failed to run bootctl install: %s", err)
	}

	entriesDir := filepath.Join(targetRoot, "boot/loader/entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create loader entries directory: %s", err)
	}

	loaderPath := filepath.Join(targetRoot, "boot/loader/loader.conf")
	if err := os.WriteFile(loaderPath, []byte(RenderLoaderConf()), 0o644); err != nil {
		return fmt.Errorf("failed to write loader.conf: %s", err)
	}

	entryPath := filepath.Join(entriesDir, bootEntryName+".conf")
	entry := RenderBootEntry(kernel, microcodePkg, keyLabel, keyFile)
	if err := os.WriteFile(entryPath, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("failed to write boot entry: %s", err)
	}

	return nil
}
