//go:build windows

package browser

import "os"

func signalZero(proc *os.Process) error {
	// os.FindProcess on Windows opens a real handle, which is the
	// existence check; Signal(0) is not supported there.
	return nil
}
