package cryptstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/cryptstrap/cryptstrap/core/util"
)

var cpuinfoPath = "/proc/cpuinfo"

// CPUVendor reads the CPU vendor identification string from the host.
func CPUVendor() (string, error) {
	content, err := os.ReadFile(cpuinfoPath)
	if err != nil {
		return "", fmt.Errorf("failed to read CPU information: %s", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(key) == "vendor_id" {
			return strings.TrimSpace(value), nil
		}
	}

	return "", nil
}

// MicrocodePackage maps a CPU vendor string to the matching microcode
// package. An unknown vendor maps to no package and is not an error.
func MicrocodePackage(vendor string) string {
	switch vendor {
	case "AuthenticAMD":
		return "amd-ucode"
	case "GenuineIntel":
		return "intel-ucode"
	default:
		return ""
	}
}

// pacstrap installs packages into the mounted target using the host's
// package manager.
func pacstrap(targetRoot string, packages ...string) error {
	pacstrapCmd := "pacstrap -K %s %s"
	err := util.RunCommand(fmt.Sprintf(pacstrapCmd, targetRoot, strings.Join(packages, " ")))
	if err != nil {
		return fmt.Errorf("failed to bootstrap packages %s: %s", strings.Join(packages, " "), err)
	}

	return nil
}

// rankMirrors narrows the host's mirrorlist to the configured country so
// the bootstrap pulls from nearby mirrors. Skipped when no country is
// configured.
func (run *PipelineRun) rankMirrors() error {
	country := run.Config.MirrorCountry
	if country == "" {
		return nil
	}

	run.log.WithField("stage", "mirrors").Infof("ranking mirrors for %s", country)

	if err := util.RunCommand("pacman -Sy reflector --noconfirm"); err != nil {
		return fmt.Errorf("failed to install reflector: %s", err)
	}

	rankCmd := "reflector --country %s --protocol https --sort rate --save /etc/pacman.d/mirrorlist"
	if err := util.RunCommand(fmt.Sprintf(rankCmd, country)); err != nil {
		return fmt.Errorf("failed to rank mirrors: %s", err)
	}

	return nil
}

// bootstrapBase installs the base system, the configured kernel, firmware
// and the vendor-appropriate microcode into the mounted target. A failed
// bootstrap leaves partial package state for the operator to repair by
// re-running.
func (run *PipelineRun) bootstrapBase() error {
	run.log.WithField("stage", "bootstrap").Info("installing base system")

	// A previous attempt may have left a microcode image for a different
	// vendor on the ESP.
	staleCmd := "rm -f %s/boot/amd-ucode.img %s/boot/intel-ucode.img"
	util.RunBestEffort(fmt.Sprintf(staleCmd, run.Target, run.Target))

	packages := []string{"base", "base-devel", run.Config.KernelPackage, "linux-firmware"}
	if microcode := MicrocodePackage(run.Vendor); microcode != "" {
		packages = append(packages, microcode)
	}

	return pacstrap(run.Target, packages...)
}
