//go:build !windows && !(linux && (arm64 || riscv64 || loong64))

package ptyexec

import "golang.org/x/sys/unix"

func dupFD(oldfd, newfd int) error {
	return unix.Dup2(oldfd, newfd)
}
