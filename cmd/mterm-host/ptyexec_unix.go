//go:build !windows

package main

import (
	"github.com/mterm/mterm/internal/ptyexec"
)

// ptyExecMain handles `mterm-host --pty-exec <slave-path> -- <argv...>`.
// On success it never returns; every failure maps to a distinct exit
// code.
func ptyExecMain(args []string) int {
	if len(args) < 3 || args[1] != "--" {
		return ptyexec.ExitInvalidArgs
	}
	return ptyexec.Run(args[0], args[2:])
}
