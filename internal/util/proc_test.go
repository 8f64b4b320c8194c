//go:build !windows

package util

import (
	"os/exec"
	"testing"
)

func TestSetDetachedProcess(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("echo", "hi")
	SetDetachedProcess(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setsid {
		t.Fatalf("SysProcAttr = %+v, expected Setsid=true", cmd.SysProcAttr)
	}
}
