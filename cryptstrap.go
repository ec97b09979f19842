package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	cryptstrap "github.com/cryptstrap/cryptstrap/core"
	"github.com/cryptstrap/cryptstrap/core/disk"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.toml", "path to the installer configuration file")
	diskPath := pflag.StringP("disk", "d", "", "target disk device, skips the interactive selection")
	verbose := pflag.BoolP("verbose", "v", false, "log every external command")
	pflag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := cryptstrap.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}

	target, err := selectDisk(*diskPath)
	if err != nil {
		logrus.Fatal(err)
	}

	password, err := promptPassword(cfg.User)
	if err != nil {
		logrus.Fatal(err)
	}

	if !confirmDestruction(target.Path) {
		logrus.Fatal("aborted by operator")
	}

	run := cryptstrap.NewPipelineRun(cfg, target)
	cryptstrap.RegisterDefaultHooks(run, password)

	if err := run.Run(); err != nil {
		logrus.Fatalf("installation failed: %s", err)
	}

	logrus.Infof("installation of %s finished, the system is ready to reboot", cfg.Hostname)
}

func selectDisk(diskPath string) (*disk.Disk, error) {
	if diskPath != "" {
		return disk.LocateDisk(diskPath)
	}

	disks, err := disk.ListDisks()
	if err != nil {
		return nil, err
	}
	if len(disks) == 0 {
		return nil, fmt.Errorf("no disks found")
	}

	fmt.Println("Available disks:")
	for i, d := range disks {
		model := d.Model
		if model == "" {
			model = "unknown model"
		}
		fmt.Printf("  [%d] %s (%s, %s)\n", i, d.Path, d.Size, model)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Select target disk: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read disk selection: %s", err)
		}

		index, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || index < 0 || index >= len(disks) {
			fmt.Println("Invalid selection, try again.")
			continue
		}

		return &disks[index], nil
	}
}

func promptPassword(user string) (string, error) {
	for {
		fmt.Printf("Enter password for %s: ", user)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %s", err)
		}

		fmt.Print("Confirm password: ")
		confirmation, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %s", err)
		}

		if string(password) == string(confirmation) && len(password) > 0 {
			return string(password), nil
		}
		fmt.Println("Passwords are empty or do not match, try again.")
	}
}

func confirmDestruction(diskPath string) bool {
	fmt.Printf("This will DESTROY all data on %s. Type 'yes' to continue: ", diskPath)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	return strings.TrimSpace(line) == "yes"
}
