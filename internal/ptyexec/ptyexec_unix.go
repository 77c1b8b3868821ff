//go:build !windows

package ptyexec

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Run performs the child-side PTY attach and exec. slavePath is the slave
// side of an already-open PTY pair; argv is the program and its
// arguments. The return value is the process exit code for a failure at
// each step; on success Run never returns.
func Run(slavePath string, argv []string) int {
	if slavePath == "" || len(argv) == 0 || argv[0] == "" {
		return ExitInvalidArgs
	}

	if _, err := unix.Setsid(); err != nil {
		return ExitSetsid
	}

	// Opening the slave after setsid makes it our controlling terminal.
	fd, err := unix.Open(slavePath, unix.O_RDWR, 0)
	if err != nil {
		return ExitOpen
	}

	for _, std := range []int{0, 1, 2} {
		if err := dupFD(fd, std); err != nil {
			return ExitDup2
		}
	}
	if fd > 2 {
		unix.Close(fd)
	}

	path := argv[0]
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	env := os.Environ()
	if err := unix.Exec(path, argv, env); err != nil {
		return ExitExec
	}
	return ExitExec // unreachable; exec does not return on success
}
