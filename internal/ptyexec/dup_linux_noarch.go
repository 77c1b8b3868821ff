//go:build linux && (arm64 || riscv64 || loong64)

package ptyexec

import "golang.org/x/sys/unix"

// These ports never had the dup2 syscall; dup3 is safe here because the
// slave fd is always above 2.
func dupFD(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}
