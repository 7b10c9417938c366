//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return errors.New("process not started")
	}
	if sig == syscall.SIGKILL {
		return proc.Kill()
	}
	return proc.Signal(sig)
}
