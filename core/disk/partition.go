package disk

import (
	"fmt"
	"strings"
	"time"

	"github.com/cryptstrap/cryptstrap/core/util"
)

const (
	EXT2       = "ext2"
	EXT3       = "ext3"
	EXT4       = "ext4"
	FAT16      = "fat16"
	FAT32      = "fat32"
	LINUX_SWAP = "linux-swap"
	XFS        = "xfs"
)

type PartitionFs string

type Partition struct {
	Number     int
	Path       string
	Filesystem PartitionFs
	Encrypted  bool
}

func (part *Partition) GetPath() string {
	return part.Path
}

// FillPath derives the partition device path from the parent disk path.
// Disks whose name ends in a digit (nvme0n1, mmcblk0, loop0) take a "p"
// separator before the partition number.
func (part *Partition) FillPath(basePath string) {
	basePathEnd := basePath[len(basePath)-1]
	if basePathEnd >= '0' && basePathEnd <= '9' {
		part.Path = fmt.Sprintf("%sp%d", basePath, part.Number)
	} else {
		part.Path = fmt.Sprintf("%s%d", basePath, part.Number)
	}
}

func (part *Partition) GetUUID() (string, error) {
	lsblkCmd := "lsblk -d -n -o UUID %s"

	output, err := util.OutputCommand(fmt.Sprintf(lsblkCmd, part.Path))
	if err != nil {
		return "", fmt.Errorf("failed to get partition UUID: %s", err)
	}

	return output, nil
}

func (part *Partition) Mountpoints() ([]string, error) {
	mountpointsCmd := "lsblk -n -o MOUNTPOINTS %s"
	output, err := util.OutputCommand(fmt.Sprintf(mountpointsCmd, part.Path))
	if err != nil {
		return []string{}, fmt.Errorf("failed to list mountpoints for %s: %s", part.Path, err)
	}

	mounts := []string{}
	for _, mnt := range strings.Split(output, "\n") {
		if mnt != "" {
			mounts = append(mounts, mnt)
		}
	}

	return mounts, nil
}

func (part *Partition) IsMounted() (bool, error) {
	mountpoints, err := part.Mountpoints()
	if err != nil {
		return false, err
	}

	return len(mountpoints) > 0, nil
}

func (part *Partition) SetPartitionFlag(flag string, state bool) error {
	stateStr := "off"
	if state {
		stateStr = "on"
	}

	disk, num := util.SeparateDiskPart(part.Path)
	setPartCmd := "parted -s %s set %s %s %s"
	err := util.RunCommand(fmt.Sprintf(setPartCmd, disk, num, flag, stateStr))
	if err != nil {
		return fmt.Errorf("failed to set partition flag %s: %s", flag, err)
	}

	return nil
}

func (part *Partition) SetLabel(label string) error {
	var labelCmd string
	switch part.Filesystem {
	case FAT16, FAT32:
		labelCmd = fmt.Sprintf("fatlabel %s %s", part.Path, label)
	case EXT2, EXT3, EXT4:
		labelCmd = fmt.Sprintf("e2label %s %s", part.Path, label)
	case XFS:
		labelCmd = fmt.Sprintf("xfs_admin -L %s %s", label, part.Path)
	case LINUX_SWAP:
		return nil // There's no way to rename swap after it has been created
	default:
		return fmt.Errorf("unsupported filesystem: %s", part.Filesystem)
	}

	err := util.RunCommand(labelCmd)
	if err != nil {
		return fmt.Errorf("failed to label partition %s: %s", part.Path, err)
	}

	return nil
}

// WaitUntilAvailable polls the partition until the kernel exposes its
// device node, or until the deadline passes. A freshly created or
// formatted partition can take a moment to show up; polling replaces any
// fixed settling sleep. If Filesystem is set, the partition must also
// report a UUID before it counts as available.
func (part *Partition) WaitUntilAvailable(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		_, err := util.OutputCommand(fmt.Sprintf("lsblk -d -n -o PATH %s", part.Path))
		if err == nil {
			if part.Filesystem == "" {
				return nil
			}

			if uuid, err := part.GetUUID(); err == nil && uuid != "" {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("device %s did not become available within %s", part.Path, timeout)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// MountPoint pairs a source device with the path it is mounted on. The
// pipeline owns every MountPoint it creates and unmounts them in reverse
// creation order.
type MountPoint struct {
	Source, Target string

	mounted bool
}

// Mount mounts source onto target, creating the target directory if
// needed.
func Mount(source, target string) (*MountPoint, error) {
	mountCmd := "mount -m %s %s"
	err := util.RunCommand(fmt.Sprintf(mountCmd, source, target))
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s on %s: %s", source, target, err)
	}

	return &MountPoint{Source: source, Target: target, mounted: true}, nil
}

func (m *MountPoint) Unmount() error {
	if !m.mounted {
		return nil
	}

	umountCmd := "umount %s"
	err := util.RunCommand(fmt.Sprintf(umountCmd, m.Target))
	if err != nil {
		return fmt.Errorf("failed to unmount %s: %s", m.Target, err)
	}

	m.mounted = false
	return nil
}

func (m *MountPoint) IsMounted() bool {
	return m.mounted
}
