package util

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExitError reports a command that ran but exited non-zero. Stderr holds
// whatever the command wrote to its error stream.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return strings.TrimSpace(e.Stderr)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the exit status carried by err, or -1 if err does not
// wrap an ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Runner executes external commands. The default implementation shells
// out; tests swap in a recording fake via SetRunner.
type Runner interface {
	Run(command string, envVars ...string) error
	Output(command string) (string, error)
	RunInChroot(root, command string) error
}

type shellRunner struct{}

func (shellRunner) Run(command string, envVars ...string) error {
	stderr := new(bytes.Buffer)

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), envVars...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return err
	}

	return nil
}

func (shellRunner) Output(command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return strings.TrimSpace(string(out)), &ExitError{Code: exitErr.ExitCode(), Stderr: string(exitErr.Stderr)}
		}
		return strings.TrimSpace(string(out)), err
	}

	return strings.TrimSpace(string(out)), nil
}

func (shellRunner) RunInChroot(root, command string) error {
	stderr := new(bytes.Buffer)

	cmd := exec.Command("chroot", root, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return err
	}

	return nil
}

var runner Runner = shellRunner{}

// SetRunner replaces the command runner and returns a function restoring
// the previous one. Intended for tests.
func SetRunner(r Runner) (restore func()) {
	prev := runner
	runner = r
	return func() { runner = prev }
}

// RunCommand executes a command in a subshell
//
// envVars are environment variables in the form MYVAR=myvalue that will be passed to the command
func RunCommand(command string, envVars ...string) error {
	logrus.Debugf("run: %s", command)
	return runner.Run(command, envVars...)
}

// OutputCommand executes a command in a subshell and returns its output
func OutputCommand(command string) (string, error) {
	logrus.Debugf("run: %s", command)
	return runner.Output(command)
}

// RunInChroot executes a command in a subshell while chrooted into the
// specified root. The chroot is per-command: the calling process keeps its
// own filesystem view.
func RunInChroot(root, command string) error {
	logrus.Debugf("run (chroot %s): %s", root, command)
	return runner.RunInChroot(root, command)
}

// RunBestEffort executes a command and only logs a warning on failure.
// Reserved for cleanup commands that are allowed to fail.
func RunBestEffort(command string) {
	if err := RunCommand(command); err != nil {
		logrus.Warnf("best-effort command %q failed: %s", command, err)
	}
}

// SeparateDiskPart receives a path (e.g. /dev/sda1) and separates it into
// the device root and partition number
func SeparateDiskPart(path string) (string, string) {
	diskExpr := regexp.MustCompile("^/dev/[a-zA-Z]+([0-9]+[a-z][0-9]+)?")
	partExpr := regexp.MustCompile("[0-9]+$")
	disk := diskExpr.FindString(path)
	part := partExpr.FindString(path)

	return disk, part
}
