//go:build linux

package spawn

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// sysProcAttr makes the kernel reap the traced process if the tracer dies
// without detaching cleanly, so a crashed controller never leaves a shell
// blocked on the command channel.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: sys.SIGKILL}
}
