package disk

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cryptstrap/cryptstrap/core/util"
)

const (
	MSDOS = "msdos"
	GPT   = "gpt"
)

type DiskLabel string

// EspSizeMiB is the fixed size of the EFI system partition.
const EspSizeMiB = 512

// Partitions smaller than this leave no usable room for a root
// filesystem next to the fixed-size ESP.
const minDiskMiB = EspSizeMiB + 1024

type Disk struct {
	Path, Size, Model string
	Label             DiskLabel
	Partitions        []Partition
}

type lsblkOutput struct {
	Blockdevices []struct {
		Path  string `json:"path"`
		Size  string `json:"size"`
		Model string `json:"model"`
		Type  string `json:"type"`
	} `json:"blockdevices"`
}

// ListDisks enumerates the physical disks on the system.
func ListDisks() ([]Disk, error) {
	listCmd := "lsblk -d -J -o PATH,SIZE,MODEL,TYPE"
	output, err := util.OutputCommand(listCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %s", err)
	}

	var decoded lsblkOutput
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %s", err)
	}

	disks := []Disk{}
	for _, dev := range decoded.Blockdevices {
		if dev.Type != "disk" {
			continue
		}
		disks = append(disks, Disk{Path: dev.Path, Size: dev.Size, Model: dev.Model})
	}

	return disks, nil
}

// LocateDisk looks up a single disk by its device path.
func LocateDisk(path string) (*Disk, error) {
	findCmd := "lsblk -d -J -o PATH,SIZE,MODEL,TYPE %s"
	output, err := util.OutputCommand(fmt.Sprintf(findCmd, path))
	if err != nil {
		return nil, fmt.Errorf("failed to locate disk %s: %s", path, err)
	}

	var decoded lsblkOutput
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %s", err)
	}

	for _, dev := range decoded.Blockdevices {
		if dev.Type == "disk" && dev.Path == path {
			return &Disk{Path: dev.Path, Size: dev.Size, Model: dev.Model}, nil
		}
	}

	return nil, fmt.Errorf("%s is not a disk", path)
}

// SizeBytes reports the capacity of the disk.
func (disk *Disk) SizeBytes() (uint64, error) {
	sizeCmd := "blockdev --getsize64 %s"
	output, err := util.OutputCommand(fmt.Sprintf(sizeCmd, disk.Path))
	if err != nil {
		return 0, fmt.Errorf("failed to get size of %s: %s", disk.Path, err)
	}

	size, err := strconv.ParseUint(output, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of %s: %s", disk.Path, err)
	}

	return size, nil
}

// LabelDisk writes a new partition table, destroying the previous one.
func (disk *Disk) LabelDisk(label DiskLabel) error {
	labelDiskCmd := "parted -s %s mklabel %s"

	err := util.RunCommand(fmt.Sprintf(labelDiskCmd, disk.Path, label))
	if err != nil {
		return fmt.Errorf("failed to label disk: %s", err)
	}

	disk.Label = label
	return nil
}

// NewPartition creates a partition spanning [start, end] MiB. An end of
// -1 extends the partition to the end of the disk.
func (disk *Disk) NewPartition(name string, fsType PartitionFs, start, end int) (*Partition, error) {
	createPartCmd := "parted -s %s unit MiB mkpart%s \"%s\" %s %d %s"

	var partType string
	if disk.Label == MSDOS {
		partType = " primary"
	}

	endStr := strconv.Itoa(end)
	if end == -1 {
		endStr = "100%"
	}

	err := util.RunCommand(fmt.Sprintf(createPartCmd, disk.Path, partType, name, fsType, start, endStr))
	if err != nil {
		return nil, fmt.Errorf("failed to create partition: %s", err)
	}

	newPartition := Partition{Number: len(disk.Partitions) + 1, Filesystem: fsType}
	newPartition.FillPath(disk.Path)
	disk.Partitions = append(disk.Partitions, newPartition)

	return &disk.Partitions[len(disk.Partitions)-1], nil
}

// CreateInstallLayout replaces whatever is on the disk with a GPT layout
// of a 512 MiB EFI system partition followed by one partition covering
// the rest of the disk. The returned ordering is determined by sorting
// the resulting partition paths ascending: the ESP always sorts first.
func (disk *Disk) CreateInstallLayout() (boot, root *Partition, err error) {
	size, err := disk.SizeBytes()
	if err != nil {
		return nil, nil, err
	}
	if size < minDiskMiB<<20 {
		return nil, nil, fmt.Errorf("disk %s is too small for a %d MiB EFI system partition plus a root filesystem", disk.Path, EspSizeMiB)
	}

	if err := disk.LabelDisk(GPT); err != nil {
		return nil, nil, err
	}

	esp, err := disk.NewPartition("boot", FAT32, 1, 1+EspSizeMiB)
	if err != nil {
		return nil, nil, err
	}
	if err := esp.SetPartitionFlag("esp", true); err != nil {
		return nil, nil, err
	}

	primary, err := disk.NewPartition("root", EXT4, 1+EspSizeMiB, -1)
	if err != nil {
		return nil, nil, err
	}

	for _, part := range []*Partition{esp, primary} {
		// Formatting hasn't happened yet, only the device node matters.
		bare := Partition{Path: part.Path}
		if err := bare.WaitUntilAvailable(10 * time.Second); err != nil {
			return nil, nil, err
		}
	}

	paths := []string{esp.Path, primary.Path}
	slices.Sort(paths)
	if esp.Path == paths[0] {
		return esp, primary, nil
	}
	return primary, esp, nil
}
