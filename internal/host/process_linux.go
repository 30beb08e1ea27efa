//go:build linux

package host

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureChild makes children receive SIGTERM if bubbles dies first.
func configureChild(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}
}
