package disk

import (
	"fmt"

	"github.com/cryptstrap/cryptstrap/core/util"
)

// MakeFs creates a filesystem on the partition according to its
// Filesystem field.
func MakeFs(part *Partition) error {
	var err error
	switch part.Filesystem {
	case FAT16:
		makefsCmd := "mkfs.fat -I -F 16 %s"
		err = util.RunCommand(fmt.Sprintf(makefsCmd, part.Path))
	case FAT32:
		makefsCmd := "mkfs.fat -I -F 32 %s"
		err = util.RunCommand(fmt.Sprintf(makefsCmd, part.Path))
	case EXT2, EXT3, EXT4:
		makefsCmd := "mkfs.%s -F %s"
		err = util.RunCommand(fmt.Sprintf(makefsCmd, part.Filesystem, part.Path))
	case LINUX_SWAP:
		makefsCmd := "mkswap -f %s"
		err = util.RunCommand(fmt.Sprintf(makefsCmd, part.Path))
	default:
		makefsCmd := "mkfs.%s -f %s"
		err = util.RunCommand(fmt.Sprintf(makefsCmd, part.Filesystem, part.Path))
	}

	if err != nil {
		return fmt.Errorf("failed to make %s filesystem for %s: %s", part.Filesystem, part.Path, err)
	}

	return nil
}

// MakeLabeledFs creates a filesystem and labels it in one go, so later
// stages can address the device by label instead of a possibly-renumbered
// path.
func MakeLabeledFs(part *Partition, label string) error {
	if err := MakeFs(part); err != nil {
		return err
	}

	return part.SetLabel(label)
}
