// Package ptyproc owns one pseudo-terminal pair and one child shell. The
// platform factory lives in pty_unix.go; Windows has no pseudo-console
// backend in this port.
package ptyproc

import "errors"

// ErrNotStarted is returned by Resize before the PTY exists.
var ErrNotStarted = errors.New("ptyproc: pty not started")

// Config describes the child to spawn.
type Config struct {
	Path string   // executable path or name (resolved via PATH)
	Args []string // argv beyond the executable
	Dir  string   // working directory; empty inherits
	Cols uint16
	Rows uint16
	Env  map[string]string // merged over a minimal base environment

	// Unix run-as. Zero values inherit the host's credentials.
	UID uint32
	GID uint32
}
