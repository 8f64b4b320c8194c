//go:build !windows

package util

import (
	"os/exec"
	"syscall"
)

// SetDetachedProcess puts cmd in its own session, so a bridge child
// outlives signals delivered to relayd's process group (e.g. an
// interactive Ctrl-C) and only stops when the supervisor tells it to.
func SetDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
