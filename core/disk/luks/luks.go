package luks

import (
	"errors"
	"fmt"

	"github.com/cryptstrap/cryptstrap/core/util"
)

type Partition interface {
	GetPath() string
}

// Volume is a LUKS-formatted partition keyed by a key file. There is no
// passphrase slot: the key file is the sole unlock factor, which keeps
// the pipeline unattended. The key file lives on separate key media
// mounted around the whole run, so the key never touches the target disk.
type Volume struct {
	Partition Partition
	KeyFile   string
	Label     string

	unlocked bool
}

// IsLuks reports whether the partition carries a LUKS header. cryptsetup
// exits 1 for a plain partition, which is not an error here.
func IsLuks(part Partition) (bool, error) {
	isLuksCmd := "cryptsetup isLuks %s"

	err := util.RunCommand(fmt.Sprintf(isLuksCmd, part.GetPath()))
	if err != nil {
		if util.ExitCode(err) == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if %s is LUKS-encrypted: %s", part.GetPath(), err)
	}

	return true, nil
}

// Format wraps the partition in LUKS using keyFile as the only key slot
// and stamps the given label on the LUKS header, so later stages (and the
// installed system's boot entry) can address the volume by label.
// Destroys whatever the partition previously held.
func Format(part Partition, keyFile, label string) (*Volume, error) {
	if err := util.RunCommand(fmt.Sprintf("test -r %s", keyFile)); err != nil {
		return nil, fmt.Errorf("key file %s is not readable: %s", keyFile, err)
	}

	luksFormatCmd := "cryptsetup -q luksFormat %s %s --label %s"
	err := util.RunCommand(fmt.Sprintf(luksFormatCmd, part.GetPath(), keyFile, label))
	if err != nil {
		return nil, fmt.Errorf("failed to create LUKS-encrypted partition: %s", err)
	}

	return &Volume{Partition: part, KeyFile: keyFile, Label: label}, nil
}

// MapperName is the device-mapper name the volume unlocks under. It
// matches the LUKS label so the mapped device is recognizable.
func (v *Volume) MapperName() string {
	return v.Label
}

// MapperPath is the device path exposing the volume's plaintext view
// while unlocked.
func (v *Volume) MapperPath() string {
	return fmt.Sprintf("/dev/mapper/%s", v.MapperName())
}

// Unlock opens the volume with its key file and returns the mapped
// device path. Unlocking an already-unlocked volume is an error.
func (v *Volume) Unlock() (string, error) {
	if v.unlocked {
		return "", fmt.Errorf("volume %s is already unlocked", v.Label)
	}

	if err := util.RunCommand(fmt.Sprintf("test -r %s", v.KeyFile)); err != nil {
		return "", fmt.Errorf("key file %s is not readable: %s", v.KeyFile, err)
	}

	luksOpenCmd := "cryptsetup open --key-file %s %s %s"
	err := util.RunCommand(fmt.Sprintf(luksOpenCmd, v.KeyFile, v.Partition.GetPath(), v.MapperName()))
	if err != nil {
		return "", fmt.Errorf("failed to open LUKS-encrypted partition: %s", err)
	}

	v.unlocked = true
	return v.MapperPath(), nil
}

// Lock closes the mapping. cryptsetup refuses while a filesystem on the
// mapped device is still mounted; unmounting first is the caller's
// responsibility.
func (v *Volume) Lock() error {
	if !v.unlocked {
		return errors.New("volume is not unlocked")
	}

	luksCloseCmd := "cryptsetup close %s"
	err := util.RunCommand(fmt.Sprintf(luksCloseCmd, v.MapperName()))
	if err != nil {
		return fmt.Errorf("failed to close LUKS-encrypted partition: %s", err)
	}

	v.unlocked = false
	return nil
}

// IsUnlocked reports the in-process lock state of the volume.
func (v *Volume) IsUnlocked() bool {
	return v.unlocked
}
