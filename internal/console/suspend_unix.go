//go:build unix

package console

import "golang.org/x/sys/unix"

// suspendProcess stops the process until the shell sends SIGCONT.
func suspendProcess() error {
	return unix.Kill(unix.Getpid(), unix.SIGTSTP)
}
