//go:build windows

package launcher

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(proc *os.Process) error {
	return proc.Kill()
}

func kill(proc *os.Process) error {
	return proc.Kill()
}
