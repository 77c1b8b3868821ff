//go:build windows

package main

import "github.com/mterm/mterm/internal/ptyexec"

func ptyExecMain(args []string) int {
	// No fork/exec model on Windows; the pseudo-console path does not
	// use a child helper.
	return ptyexec.ExitInvalidArgs
}
