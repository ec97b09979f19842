package system

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cryptstrap/cryptstrap/core/util"
)

// UpdateMkinitcpioConf rewrites a mkinitcpio.conf so the generated
// initramfs can unlock the encrypted root: the vfat module is declared
// (the unlock key lives on FAT-formatted key media) and the encrypt hook
// is inserted immediately before filesystems, since the root must be
// unlocked before it can be mounted. Applying the rewrite twice changes
// nothing.
func UpdateMkinitcpioConf(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "MODULES="):
			lines[i] = appendArrayValue(line, "vfat")
		case strings.HasPrefix(trimmed, "HOOKS="):
			lines[i] = insertArrayValueBefore(line, "encrypt", "filesystems")
		}
	}

	return strings.Join(lines, "\n")
}

// appendArrayValue adds value to a shell array line like NAME=(a b c) if
// it is not already present.
func appendArrayValue(line, value string) string {
	open := strings.Index(line, "(")
	close := strings.LastIndex(line, ")")
	if open == -1 || close == -1 || close < open {
		return line
	}

	items := strings.Fields(line[open+1 : close])
	if slices.Contains(items, value) {
		return line
	}
	items = append(items, value)

	return line[:open+1] + strings.Join(items, " ") + line[close:]
}

// insertArrayValueBefore inserts value immediately before anchor in a
// shell array line. If the anchor is missing, value goes at the end.
func insertArrayValueBefore(line, value, anchor string) string {
	open := strings.Index(line, "(")
	close := strings.LastIndex(line, ")")
	if open == -1 || close == -1 || close < open {
		return line
	}

	items := strings.Fields(line[open+1 : close])
	if slices.Contains(items, value) {
		return line
	}

	at := slices.Index(items, anchor)
	if at == -1 {
		items = append(items, value)
	} else {
		items = slices.Insert(items, at, value)
	}

	return line[:open+1] + strings.Join(items, " ") + line[close:]
}

// RegenerateInitramfs applies the encrypted-root mkinitcpio settings to
// the target and rebuilds the initramfs for every installed kernel.
func RegenerateInitramfs(targetRoot string) error {
	confPath := filepath.Join(targetRoot, "etc/mkinitcpio.conf")

	content, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("failed to read mkinitcpio.conf: %s", err)
	}

	updated := UpdateMkinitcpioConf(string(content))
	if err := os.WriteFile(confPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("failed to write mkinitcpio.conf: %s", err)
	}

	if err := util.RunInChroot(targetRoot, "mkinitcpio -P"); err != nil {
		return fmt.Errorf("failed to regenerate initramfs: %s", err)
	}

	return nil
}
