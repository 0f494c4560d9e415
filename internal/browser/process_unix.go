//go:build !windows

package browser

import (
	"os"
	"syscall"
)

func signalZero(proc *os.Process) error {
	return proc.Signal(syscall.Signal(0))
}
