//go:build !windows

package launcher

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(proc *os.Process) error {
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		return proc.Signal(syscall.SIGTERM)
	}
	return nil
}

func kill(proc *os.Process) error {
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		return proc.Kill()
	}
	return nil
}
