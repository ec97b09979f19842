package system

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cryptstrap/cryptstrap/core/util"
)

// SetTimezone points /etc/localtime inside the target at the given
// zoneinfo entry.
func SetTimezone(targetRoot, tz string) error {
	linkZoneinfoCmd := "ln -sf /usr/share/zoneinfo/%s /etc/localtime"
	err := util.RunInChroot(targetRoot, fmt.Sprintf(linkZoneinfoCmd, tz))
	if err != nil {
		return fmt.Errorf("failed to set timezone: %s", err)
	}

	return nil
}

// SyncHardwareClock writes the system time to the hardware clock.
func SyncHardwareClock(targetRoot string) error {
	err := util.RunInChroot(targetRoot, "hwclock --systohc")
	if err != nil {
		return fmt.Errorf("failed to sync hardware clock: %s", err)
	}

	return nil
}

// EnableServices enables systemd units in the target for the next boot.
func EnableServices(targetRoot string, units ...string) error {
	enableCmd := "systemctl enable %s"
	err := util.RunInChroot(targetRoot, fmt.Sprintf(enableCmd, strings.Join(units, " ")))
	if err != nil {
		return fmt.Errorf("failed to enable services %s: %s", strings.Join(units, ", "), err)
	}

	return nil
}

// EnableNTP turns on network time synchronization in the installed
// system.
func EnableNTP(targetRoot string) error {
	return EnableServices(targetRoot, "systemd-timesyncd.service")
}

// TightenRootHome restricts /root to the superuser.
func TightenRootHome(targetRoot string) error {
	err := util.RunInChroot(targetRoot, "chmod 700 /root")
	if err != nil {
		return fmt.Errorf("failed to restrict /root permissions: %s", err)
	}

	return nil
}

// ChangeHostname writes the target's hostname and a matching hosts file.
func ChangeHostname(targetRoot, hostname string) error {
	hostnamePath := filepath.Join(targetRoot, "etc/hostname")
	err := os.WriteFile(hostnamePath, []byte(hostname+"\n"), 0o644)
	if err != nil {
		return fmt.Errorf("failed to change hostname: %s", err)
	}

	hostsContents := `127.0.0.1	localhost
::1		localhost
127.0.1.1	%s.localdomain	%s
`
	hostsPath := filepath.Join(targetRoot, "etc/hosts")
	err = os.WriteFile(hostsPath, []byte(fmt.Sprintf(hostsContents, hostname, hostname)), 0o644)
	if err != nil {
		return fmt.Errorf("failed to change hosts file: %s", err)
	}

	return nil
}

// AppendLocales adds the requested locale definitions to the target's
// locale.gen, skipping any already present so repeated runs don't grow
// the file.
func AppendLocales(targetRoot string, locales []string) error {
	localeGenPath := filepath.Join(targetRoot, "etc/locale.gen")

	existing := map[string]bool{}
	if content, err := os.ReadFile(localeGenPath); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			existing[strings.TrimSpace(line)] = true
		}
	}

	file, err := os.OpenFile(localeGenPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open locale.gen: %s", err)
	}
	defer file.Close()

	for _, locale := range locales {
		if existing[locale] {
			continue
		}
		if _, err := file.WriteString(locale + "\n"); err != nil {
			return fmt.Errorf("failed to append locale %s: %s", locale, err)
		}
	}

	return nil
}

// GenerateLocales compiles the locale definitions inside the target.
func GenerateLocales(targetRoot string) error {
	err := util.RunInChroot(targetRoot, "locale-gen")
	if err != nil {
		return fmt.Errorf("failed to generate locales: %s", err)
	}

	return nil
}

// WriteLocaleConf replaces the target's locale.conf with one KEY=VALUE
// line per variable, in sorted key order. Rewriting with the same mapping
// yields the same bytes.
func WriteLocaleConf(targetRoot string, vars map[string]string) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&builder, "%s=%s\n", k, vars[k])
	}

	localeConfPath := filepath.Join(targetRoot, "etc/locale.conf")
	err := os.WriteFile(localeConfPath, []byte(builder.String()), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write locale.conf: %s", err)
	}

	return nil
}

// AddUser creates a user in the target and adds it to the groups
// provided.
//
// If password is left empty, password login will be disabled.
func AddUser(targetRoot, username, password string, groups []string) error {
	adduserCmd := "useradd -m --shell /bin/bash %s"
	err := util.RunInChroot(targetRoot, fmt.Sprintf(adduserCmd, username))
	if err != nil {
		return fmt.Errorf("failed to create user: %s", err)
	}

	if password != "" {
		passwdCmd := "echo \"%s:%s\" | chpasswd"
		err = util.RunInChroot(targetRoot, fmt.Sprintf(passwdCmd, username, password))
		if err != nil {
			return fmt.Errorf("failed to set password: %s", err)
		}
	}

	if len(groups) == 0 {
		return nil
	}

	addGroupCmd := "usermod -a -G %s %s"
	err = util.RunInChroot(targetRoot, fmt.Sprintf(addGroupCmd, strings.Join(groups, ","), username))
	if err != nil {
		return fmt.Errorf("failed to add groups to user: %s", err)
	}

	return nil
}

// EnableWheelSudo grants the wheel group full sudo through a
// sudoers drop-in.
func EnableWheelSudo(targetRoot string) error {
	dropinPath := filepath.Join(targetRoot, "etc/sudoers.d/10-wheel")
	err := os.WriteFile(dropinPath, []byte("%wheel ALL=(ALL:ALL) ALL\n"), 0o440)
	if err != nil {
		return fmt.Errorf("failed to write sudoers drop-in: %s", err)
	}

	return nil
}
