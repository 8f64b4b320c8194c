//go:build windows

package util

import (
	"os/exec"
	"syscall"
)

// SetDetachedProcess puts cmd in its own process group, so a bridge
// child outlives signals delivered to relayd's console and only stops
// when the supervisor tells it to.
func SetDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
